package bus

import (
	"context"
	"sync"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Watcher hands out per-caller contexts
type Watcher interface {
	// Context returns a context that is cancelled once sender has left the
	// bus
	Context(sender string) context.Context
}

const nameOwnerChanged = "org.freedesktop.DBus.NameOwnerChanged"

var nameOwnerChangedMatch = []dbus.MatchOption{
	dbus.WithMatchSender("org.freedesktop.DBus"),
	dbus.WithMatchInterface("org.freedesktop.DBus"),
	dbus.WithMatchMember("NameOwnerChanged"),
}

type clientEntry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// ClientWatcher tracks callers by unique bus name and cancels their
// contexts when NameOwnerChanged reports the name gone. Unique names are
// never reused, so an entry lives until its client disconnects.
type ClientWatcher struct {
	conn         *dbus.Conn
	nameHasOwner func(string) (bool, error)
	logger       zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	signals chan *dbus.Signal
	done    chan struct{}

	mu      sync.Mutex
	clients map[string]*clientEntry
}

// NewClientWatcher returns a watcher for callers on conn. Call Start before
// handing it out.
func NewClientWatcher(conn *dbus.Conn) *ClientWatcher {
	w := newClientWatcher()
	w.conn = conn
	w.nameHasOwner = func(name string) (bool, error) {
		var has bool
		err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&has)
		return has, err
	}
	return w
}

func newClientWatcher() *ClientWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientWatcher{
		logger:  logging.GetLogger("bus.watcher"),
		ctx:     ctx,
		cancel:  cancel,
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
		clients: make(map[string]*clientEntry),
	}
}

// Start subscribes to name owner changes
func (w *ClientWatcher) Start() error {
	if err := w.conn.AddMatchSignal(nameOwnerChangedMatch...); err != nil {
		return errors.Wrap(err, errors.ErrBusConnect, "failed to watch bus clients")
	}
	w.conn.Signal(w.signals)
	go w.loop()
	return nil
}

func (w *ClientWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			w.handle(sig)
		}
	}
}

func (w *ClientWatcher) handle(sig *dbus.Signal) {
	if sig == nil || sig.Name != nameOwnerChanged || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if name == "" || newOwner != "" {
		return
	}
	w.Disconnected(name)
}

// Context implements Watcher
func (w *ClientWatcher) Context(sender string) context.Context {
	if sender == "" {
		return w.ctx
	}

	w.mu.Lock()
	entry, ok := w.clients[sender]
	if !ok {
		ctx, cancel := context.WithCancel(w.ctx)
		entry = &clientEntry{ctx: ctx, cancel: cancel}
		w.clients[sender] = entry
	}
	w.mu.Unlock()

	// The client may have left before the entry existed, in which case its
	// NameOwnerChanged signal was already consumed.
	if !ok && w.nameHasOwner != nil {
		has, err := w.nameHasOwner(sender)
		if err != nil {
			w.logger.Debug().Err(err).Str("sender", sender).Msg("Could not check caller presence")
		} else if !has {
			w.Disconnected(sender)
		}
	}
	return entry.ctx
}

// Disconnected cancels the context of name
func (w *ClientWatcher) Disconnected(name string) {
	w.mu.Lock()
	entry, ok := w.clients[name]
	delete(w.clients, name)
	w.mu.Unlock()

	if ok {
		w.logger.Debug().Str("sender", name).Msg("Caller left the bus")
		entry.cancel()
	}
}

// Close stops watching and cancels every outstanding caller context
func (w *ClientWatcher) Close() {
	w.cancel()
	if w.conn != nil {
		w.conn.RemoveSignal(w.signals)
		_ = w.conn.RemoveMatchSignal(nameOwnerChangedMatch...)
		<-w.done
	}

	w.mu.Lock()
	w.clients = make(map[string]*clientEntry)
	w.mu.Unlock()
}

// MemoryWatcher is a Watcher whose clients disconnect on request
type MemoryWatcher struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
}

// NewMemoryWatcher returns a watcher with no clients
func NewMemoryWatcher() *MemoryWatcher {
	return &MemoryWatcher{clients: make(map[string]*clientEntry)}
}

// Context implements Watcher
func (w *MemoryWatcher) Context(sender string) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.clients[sender]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		entry = &clientEntry{ctx: ctx, cancel: cancel}
		w.clients[sender] = entry
	}
	return entry.ctx
}

// Disconnect cancels the context of sender
func (w *MemoryWatcher) Disconnect(sender string) {
	w.mu.Lock()
	entry, ok := w.clients[sender]
	delete(w.clients, sender)
	w.mu.Unlock()
	if ok {
		entry.cancel()
	}
}
