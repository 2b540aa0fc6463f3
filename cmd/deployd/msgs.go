package deployd

import (
	_ "embed"
	"strings"
)

// Short messages (one-liners)
const (
	// Command descriptions
	MsgRootShort    = "Manage operating system deployments"
	MsgDaemonShort  = "Run the deployd service"
	MsgMooShort     = "Check that the daemon answers"
	MsgLiveFsShort  = "Apply the pending deployment to the running system"
	MsgConfigShort  = "Print the effective configuration"
	MsgVersionShort = "Print version information"

	// Status messages
	MsgDryRunNotice     = "DRY RUN - no changes were made"
	MsgLiveFsJoined     = "Following a sync that was already started\n"
	MsgLiveFsStarted    = "Transaction %s\n"
	MsgLiveFsDone       = "✓ Live filesystem sync complete"
	MsgVersionFormat    = "deployd version %s\n  commit: %s\n  built:  %s\n"
	MsgPercentFormat    = "%d%%"
	MsgErrorFormat      = "Error: %v"
	MsgErrorDetail      = "  %s: %v"
	MsgErrNoCommand     = "no command specified"
	MsgErrChooseOS      = "more than one OS is available (%s); choose one with --os"
	MsgErrNoOSAvailable = "no OS found; choose one with --os"

	// Flag descriptions
	MsgFlagVerbose = "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)"
	MsgFlagConfig  = "Config file (default /etc/deployd/deployd.toml when present)"
	MsgFlagOS      = "OS to operate on (default: the only OS in the sysroot)"
	MsgFlagUTF8    = "Answer with UTF-8"
	MsgFlagDryRun  = "Show what would change without changing anything"
	MsgFlagReplace = "Also modify and remove files on the running system"
	MsgFlagSysroot = "Sysroot to serve (overrides sysroot.path)"
)

// Long messages from embedded files
var (
	//go:embed msgs/root-long.txt
	msgRootLongRaw string
	MsgRootLong    = strings.TrimSpace(msgRootLongRaw)

	//go:embed msgs/daemon-long.txt
	msgDaemonLongRaw string
	MsgDaemonLong    = strings.TrimSpace(msgDaemonLongRaw)

	//go:embed msgs/livefs-long.txt
	msgLiveFsLongRaw string
	MsgLiveFsLong    = strings.TrimSpace(msgLiveFsLongRaw)

	//go:embed msgs/livefs-example.txt
	msgLiveFsExampleRaw string
	MsgLiveFsExample    = strings.TrimRight(msgLiveFsExampleRaw, "\n")
)
