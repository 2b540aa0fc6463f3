// Package daemon wires the bus, the transaction monitor, the livefs
// engine and one management object per OS into a running service.
package daemon

import (
	"context"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/config"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/livefs"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/osexperimental"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Daemon is the deployd service
type Daemon struct {
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a daemon for cfg
func New(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrPrecondition, "daemon needs a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Daemon{cfg: cfg, logger: logging.GetLogger("daemon")}, nil
}

// Run connects to the bus, claims the service name and serves until ctx
// is done or the bus connection is lost
func (d *Daemon) Run(ctx context.Context) error {
	defer logging.LogOperationStart(d.logger, "daemon")()

	conn, err := bus.Connect(ctx, d.cfg.Bus)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := bus.RequestName(conn, d.cfg.Bus.Name); err != nil {
		return err
	}
	d.logger.Info().Str("name", d.cfg.Bus.Name).Str("bus", d.cfg.Bus.Kind).Msg("Acquired bus name")

	watcher := bus.NewClientWatcher(conn)
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Serve(gctx, bus.NewDBusPublisher(conn), watcher)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-conn.Context().Done():
			return errors.New(errors.ErrBusConnect, "bus connection closed")
		}
	})
	return g.Wait()
}

// Serve publishes the management objects through publisher and blocks
// until ctx is done. Objects are closed before the monitor.
func (d *Daemon) Serve(ctx context.Context, publisher bus.Publisher, watcher bus.Watcher) error {
	sr := sysroot.New(d.cfg.Sysroot.Path)

	osnames, err := d.osnames(ctx, sr)
	if err != nil {
		return err
	}

	engine, err := livefs.NewEngine(livefs.Options{
		Sysroot:         sr,
		LiveRoot:        d.cfg.Sysroot.LiveRoot,
		SocketDir:       d.cfg.Transaction.SocketDir,
		Subdirs:         d.cfg.LiveFs.Subdirs,
		Linger:          d.cfg.Transaction.Linger,
		RollbackOnError: d.cfg.LiveFs.RollbackOnError,
	})
	if err != nil {
		return err
	}

	monitor := transaction.NewMonitor()
	monitor.OnChange(func(txn transaction.Transaction) {
		if txn == nil {
			d.logger.Info().Msg("No active transaction")
			return
		}
		d.logger.Info().Str("txn", txn.ID()).Str("title", txn.Title()).Msg("Active transaction changed")
	})
	defer monitor.Close()

	objects := make([]*osexperimental.OSExperimental, 0, len(osnames))
	defer func() {
		for _, obj := range objects {
			_ = obj.Close()
		}
	}()
	for _, name := range osnames {
		obj, err := osexperimental.New(osexperimental.Options{
			Sysroot:   sr,
			Name:      name,
			Registry:  monitor,
			Engine:    engine.ForOS(name),
			Publisher: publisher,
			BasePath:  d.cfg.Bus.BasePath,
			Watcher:   watcher,
		})
		if err != nil {
			return err
		}
		objects = append(objects, obj)
		d.logger.Info().Str("osname", name).Str("path", string(obj.Path())).Msg("Serving OS")
	}

	d.logger.Info().Int("objects", len(objects)).Msg("Daemon ready")
	<-ctx.Done()
	d.logger.Info().Msg("Shutting down")
	return nil
}

// osnames returns the configured OS names, or every osname in the sysroot
// when none are configured
func (d *Daemon) osnames(ctx context.Context, sr *sysroot.Sysroot) ([]string, error) {
	if len(d.cfg.Sysroot.OSNames) > 0 {
		return d.cfg.Sysroot.OSNames, nil
	}
	state, err := sr.Load(ctx)
	if err != nil {
		return nil, err
	}
	names := state.OSNames()
	if len(names) == 0 {
		return nil, errors.Newf(errors.ErrNotFound, "no operating systems found in %s", sr.Path())
	}
	return names, nil
}
