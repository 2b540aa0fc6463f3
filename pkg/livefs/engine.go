// Package livefs syncs a pending deployment onto the running system.
//
// A sync compares configured subdirectories (usr by default) of the pending
// deployment tree with the live root. Without FlagReplace it only adds
// entries the running system lacks; with it the live tree is made to match
// exactly. All changes run as one synthfs pipeline.
package livefs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/filesystem"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/arthur-debert/synthfs/pkg/synthfs"
	sfsys "github.com/arthur-debert/synthfs/pkg/synthfs/filesystem"
	"github.com/rs/zerolog"
)

// Options contains options for the engine
type Options struct {
	Sysroot *sysroot.Sysroot
	// LiveRoot is the root of the running system
	LiveRoot string
	// SocketDir holds transaction endpoint sockets
	SocketDir string
	Subdirs   []string
	Linger    time.Duration
	// RollbackOnError undoes applied operations when a later one fails
	RollbackOnError bool

	// Reader and Writer default to the OS filesystem
	Reader filesystem.FS
	Writer sfsys.FullFileSystem
	// Now defaults to time.Now
	Now func() time.Time
}

// Engine builds live filesystem sync transactions
type Engine struct {
	sysroot         *sysroot.Sysroot
	liveRoot        string
	socketDir       string
	subdirs         []string
	linger          time.Duration
	rollbackOnError bool
	reader          filesystem.FS
	writer          sfsys.FullFileSystem
	chmodFn         func(string, fs.FileMode) error
	symlinkFn       func(oldname, newname string) error
	now             func() time.Time
	logger          zerolog.Logger
}

// NewEngine creates a new engine
func NewEngine(opts Options) (*Engine, error) {
	if opts.Sysroot == nil {
		return nil, errors.New(errors.ErrPrecondition, "livefs engine needs a sysroot")
	}
	if !filepath.IsAbs(opts.LiveRoot) {
		return nil, errors.Newf(errors.ErrPrecondition, "live root %q must be absolute", opts.LiveRoot)
	}
	if len(opts.Subdirs) == 0 {
		return nil, errors.New(errors.ErrPrecondition, "livefs engine needs at least one subdir")
	}

	e := &Engine{
		sysroot:         opts.Sysroot,
		liveRoot:        opts.LiveRoot,
		socketDir:       opts.SocketDir,
		subdirs:         append([]string(nil), opts.Subdirs...),
		linger:          opts.Linger,
		rollbackOnError: opts.RollbackOnError,
		reader:          opts.Reader,
		writer:          opts.Writer,
		chmodFn:         os.Chmod,
		symlinkFn:       os.Symlink,
		now:             opts.Now,
		logger:          logging.GetLogger("livefs"),
	}
	if e.reader == nil {
		e.reader = filesystem.NewOS()
	}
	if e.writer == nil {
		// Use PathAwareFileSystem to handle absolute paths directly
		osfs := sfsys.NewOSFileSystem("/")
		e.writer = synthfs.NewPathAwareFileSystem(osfs, "/").WithAbsolutePaths()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// ForOS returns the engine bound to one osname
func (e *Engine) ForOS(osname string) *OSEngine {
	return &OSEngine{engine: e, osname: osname}
}

// OSEngine creates transactions for a single OS
type OSEngine struct {
	engine *Engine
	osname string
}

// NewLiveFs validates the request against state and returns an unstarted
// transaction with a listening endpoint
func (o *OSEngine) NewLiveFs(inv *bus.Invocation, state *sysroot.State, flags Flags) (transaction.Transaction, error) {
	if err := inv.Context().Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrTxnConstruct, "caller went away")
	}
	if state == nil {
		return nil, errors.New(errors.ErrTxnConstruct, "no system state")
	}

	booted, ok := state.Booted(o.osname)
	if !ok {
		return nil, errors.Newf(errors.ErrTxnConstruct, "%s has no booted deployment", o.osname)
	}
	pending, ok := state.Pending(o.osname)
	if !ok {
		return nil, errors.Newf(errors.ErrTxnConstruct, "%s has no pending deployment to apply", o.osname).
			WithDetail("booted", booted.ID)
	}
	if live, ok := state.Live(o.osname); ok && live.Checksum == pending.Checksum && !flags.Has(FlagReplace) {
		return nil, errors.Newf(errors.ErrTxnConstruct, "deployment %s is already live", pending.ID).
			WithDetail("checksum", pending.Checksum)
	}

	t := &Transaction{
		engine:  o.engine,
		osname:  o.osname,
		booted:  booted,
		pending: pending,
		source:  state.DeploymentRoot(pending),
		flags:   flags,
	}
	base, err := transaction.NewBase(transaction.Options{
		Title:      fmt.Sprintf("livefs %s (%s)", o.osname, flags),
		Invocation: inv,
		SocketDir:  o.engine.socketDir,
		Linger:     o.engine.linger,
	}, t.run)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrTxnConstruct, "failed to create livefs transaction")
	}
	t.Base = base

	o.engine.logger.Info().
		Str("txn", t.ID()).
		Str("osname", o.osname).
		Str("pending", pending.ID).
		Str("flags", flags.String()).
		Msg("Created livefs transaction")
	return t, nil
}
