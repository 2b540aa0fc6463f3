// Package osexperimental implements the experimental management object
// published for each OS in the sysroot.
//
// The object owns no operation state of its own. It shares one Registry
// with every other object of the daemon and asks it, on every LiveFs call,
// whether a compatible transaction is already running. Callers that repeat
// an in-flight request get the running transaction's address instead of
// starting a second one.
package osexperimental

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/livefs"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Interface is the bus interface name of the object
const Interface = "org.deployd.Deployd1.OSExperimental"

// DefaultBasePath is used when Options.BasePath is empty
const DefaultBasePath = "/org/deployd/Deployd1"

// Registry holds the daemon's single active transaction
type Registry interface {
	ActiveTransaction() transaction.Transaction
	Add(txn transaction.Transaction) error
}

// StateLoader loads a fresh snapshot of the system state
type StateLoader interface {
	Load(ctx context.Context) (*sysroot.State, error)
}

// Engine builds live filesystem sync transactions
type Engine interface {
	NewLiveFs(inv *bus.Invocation, state *sysroot.State, flags livefs.Flags) (transaction.Transaction, error)
}

// Options configures a management object
type Options struct {
	Sysroot   StateLoader
	Name      string
	Registry  Registry
	Engine    Engine
	Publisher bus.Publisher
	BasePath  string
	// Watcher ties invocations to the caller's connection. Without one,
	// invocations are never cancelled.
	Watcher bus.Watcher
}

type registryRef struct {
	Registry
}

// OSExperimental is the management object for one OS
type OSExperimental struct {
	name      string
	path      dbus.ObjectPath
	sysroot   StateLoader
	engine    Engine
	publisher bus.Publisher
	watcher   bus.Watcher
	published bool

	registry  atomic.Pointer[registryRef]
	closeOnce sync.Once
	logger    zerolog.Logger
}

// New creates the object and publishes it under the path derived from
// opts.Name
func New(opts Options) (*OSExperimental, error) {
	switch {
	case opts.Sysroot == nil:
		return nil, errors.New(errors.ErrPrecondition, "management object needs a sysroot")
	case opts.Name == "":
		return nil, errors.New(errors.ErrPrecondition, "management object needs an OS name")
	case opts.Registry == nil:
		return nil, errors.New(errors.ErrPrecondition, "management object needs a transaction registry")
	case opts.Engine == nil:
		return nil, errors.New(errors.ErrPrecondition, "management object needs an engine")
	case opts.Publisher == nil:
		return nil, errors.New(errors.ErrPrecondition, "management object needs a publisher")
	}

	base := opts.BasePath
	if base == "" {
		base = DefaultBasePath
	}
	watcher := opts.Watcher
	if watcher == nil {
		watcher = backgroundWatcher{}
	}

	o := &OSExperimental{
		name:      opts.Name,
		path:      bus.ObjectPath(base, "OS", opts.Name),
		sysroot:   opts.Sysroot,
		engine:    opts.Engine,
		publisher: opts.Publisher,
		watcher:   watcher,
		logger:    logging.GetLogger("osexperimental").With().Str("osname", opts.Name).Logger(),
	}
	o.registry.Store(&registryRef{opts.Registry})

	if err := o.publisher.Publish(o.path, o); err != nil {
		o.registry.Store(nil)
		if errors.IsErrorCode(err, errors.ErrBusPublish) {
			return nil, err
		}
		return nil, errors.Wrapf(err, errors.ErrBusPublish, "failed to publish %s", o.path)
	}
	o.published = true

	o.logger.Debug().Str("path", string(o.path)).Msg("Published management object")
	return o, nil
}

// Name returns the OS name
func (o *OSExperimental) Name() string {
	return o.name
}

// Path returns the object path
func (o *OSExperimental) Path() dbus.ObjectPath {
	return o.path
}

// Close unpublishes the object and drops the registry. It is safe to call
// more than once and on a zero object.
func (o *OSExperimental) Close() error {
	o.closeOnce.Do(func() {
		if o.path != "" && o.published && o.publisher != nil {
			o.publisher.Unpublish(o.path, o)
			o.logger.Debug().Str("path", string(o.path)).Msg("Unpublished management object")
		}
		o.registry.Store(nil)
	})
	return nil
}

// LiveFs starts a live filesystem sync, or joins a compatible one that is
// already running, and returns the transaction's client address
func (o *OSExperimental) LiveFs(inv *bus.Invocation, options map[string]dbus.Variant) (string, error) {
	ref := o.registry.Load()
	if ref == nil {
		return "", errors.New(errors.ErrPrecondition, "management object is closed")
	}
	registry := ref.Registry
	logger := o.logger.With().Str("sender", inv.Sender).Logger()

	if txn := joinCompatible(registry, inv); txn != nil {
		logger.Debug().Str("txn", txn.ID()).Msg("Joining compatible transaction")
		return txn.ClientAddress(), nil
	}

	state, err := o.sysroot.Load(inv.Context())
	if err != nil {
		if errors.IsErrorCode(err, errors.ErrStateUnavailable) || errors.IsErrorCode(err, errors.ErrStateLocked) {
			return "", err
		}
		return "", errors.Wrap(err, errors.ErrStateUnavailable, "failed to load system state")
	}

	flags := DecodeLiveFsOptions(options).Flags()

	txn, err := o.engine.NewLiveFs(inv, state, flags)
	if err != nil {
		if errors.IsErrorCode(err, errors.ErrTxnConstruct) {
			return "", err
		}
		return "", errors.Wrap(err, errors.ErrTxnConstruct, "failed to create livefs transaction")
	}
	if txn == nil {
		return "", errors.New(errors.ErrTxnConstruct, "engine returned no transaction")
	}

	if err := inv.Context().Err(); err != nil {
		_ = txn.Close()
		return "", errors.Wrap(err, errors.ErrTxnCancelled, "caller went away")
	}

	if err := registry.Add(txn); err != nil {
		_ = txn.Close()
		if !errors.IsErrorCode(err, errors.ErrTxnConflict) {
			return "", err
		}
		if winner := joinCompatible(registry, inv); winner != nil {
			logger.Debug().Str("txn", winner.ID()).Msg("Lost the slot to a compatible transaction, joining it")
			return winner.ClientAddress(), nil
		}
		logger.Info().Err(err).Msg("Refusing livefs while another transaction is active")
		return "", err
	}

	logger.Info().
		Str("txn", txn.ID()).
		Str("flags", flags.String()).
		Msg("Registered livefs transaction")
	return txn.ClientAddress(), nil
}

func joinCompatible(registry Registry, inv *bus.Invocation) transaction.Transaction {
	txn := registry.ActiveTransaction()
	if txn == nil || !txn.IsCompatible(inv) {
		return nil
	}
	return txn
}

type backgroundWatcher struct{}

func (backgroundWatcher) Context(string) context.Context {
	return context.Background()
}
