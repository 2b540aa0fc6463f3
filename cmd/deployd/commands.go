package deployd

import (
	"context"
	"fmt"
	"strings"

	"github.com/arthur-debert/deployd/internal/version"
	"github.com/arthur-debert/deployd/pkg/config"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// skipConfig marks commands that run without loading the configuration
const skipConfig = "skip-config"

// app is the state shared by all commands of one invocation
type app struct {
	verbosity  int
	configPath string
	overrides  map[string]interface{}
	cfg        *config.Config
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	a := &app{overrides: map[string]interface{}{}}

	rootCmd := &cobra.Command{
		Use:     "deployd",
		Short:   MsgRootShort,
		Long:    MsgRootLong,
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfig] != "" {
				logging.SetupLogger(a.verbosity, "-")
				return nil
			}
			return a.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errors.New(errors.ErrInvalidInput, MsgErrNoCommand)
		},
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	// Global flags
	rootCmd.PersistentFlags().CountVarP(&a.verbosity, "verbose", "v", MsgFlagVerbose)
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", MsgFlagConfig)

	rootCmd.AddGroup(&cobra.Group{ID: "service", Title: "SERVICE:"})
	rootCmd.AddGroup(&cobra.Group{ID: "client", Title: "CLIENT:"})
	rootCmd.AddGroup(&cobra.Group{ID: "misc", Title: "MISC:"})

	rootCmd.AddCommand(newDaemonCmd(a))
	rootCmd.AddCommand(newMooCmd(a))
	rootCmd.AddCommand(newLiveFsCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{Path: a.configPath, Overrides: a.overrides})
	if err != nil {
		return err
	}
	a.cfg = cfg

	verbosity := a.verbosity
	if cfg.Log.Verbosity > verbosity {
		verbosity = cfg.Log.Verbosity
	}
	logging.SetupLogger(verbosity, cfg.Log.File)
	log.Debug().Str("command", cmd.Name()).Msg("Command started")
	return nil
}

// osname picks the OS a client command works on: the flag, the only
// configured osname, or the only osname in the local sysroot
func (a *app) osname(ctx context.Context, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	names := a.cfg.Sysroot.OSNames
	if len(names) == 0 {
		state, err := sysroot.New(a.cfg.Sysroot.Path).Load(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Could not read the sysroot to pick an OS")
		} else {
			names = state.OSNames()
		}
	}
	switch len(names) {
	case 0:
		return "", errors.New(errors.ErrInvalidInput, MsgErrNoOSAvailable)
	case 1:
		return names[0], nil
	default:
		return "", errors.Newf(errors.ErrInvalidInput, MsgErrChooseOS, strings.Join(names, ", "))
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       MsgVersionShort,
		GroupID:     "misc",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), MsgVersionFormat, version.Version, version.Commit, version.Date)
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		Short:   MsgConfigShort,
		GroupID: "misc",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.cfg.TOML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
