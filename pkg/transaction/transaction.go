// Package transaction implements long-running daemon operations.
//
// A transaction is created by an RPC call, registered with the Monitor and
// handed to the caller as a peer address. Nothing runs until a peer asks the
// endpoint to start it. Until then the transaction belongs to the invocation
// that created it: if that caller leaves the bus, the transaction is
// cancelled.
package transaction

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"time"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Transaction is the handle the Monitor and management objects work with
type Transaction interface {
	ID() string
	Title() string
	// IsCompatible reports whether inv asks for the same operation, in which
	// case the caller may attach to this transaction instead of starting a
	// new one
	IsCompatible(inv *bus.Invocation) bool
	// ClientAddress is where peers reach the transaction endpoint
	ClientAddress() string
	// Done is closed once the transaction has finished, whatever the outcome
	Done() <-chan struct{}
	// Err is the outcome; nil until Done and on success
	Err() error
	// Close cancels the transaction and releases its endpoint
	Close() error
}

// State is the lifecycle stage of a transaction
type State string

// Transaction states
const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Status is a point-in-time view of a transaction
type Status struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	State State  `json:"state"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

// Body is the work of a transaction. It should return promptly once ctx
// is cancelled.
type Body func(ctx context.Context, progress Progress) error

// Options configures NewBase
type Options struct {
	Title string
	// Invocation is the call that created the transaction. Its member and
	// arguments decide compatibility and its context owns the transaction
	// until it is started.
	Invocation *bus.Invocation
	// SocketDir holds the endpoint socket. Empty disables the endpoint.
	SocketDir string
	// Linger keeps a finished transaction's endpoint reachable
	Linger time.Duration
}

// Base carries the machinery shared by every transaction. Concrete
// transactions embed it and supply the Body.
type Base struct {
	id     string
	title  string
	member string
	args   []interface{}
	body   Body
	logger zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started chan struct{}
	done    chan struct{}

	startOnce  sync.Once
	finishOnce sync.Once
	closeOnce  sync.Once

	mu    sync.Mutex
	state State
	err   error

	progress *hub
	endpoint *Endpoint
}

var _ Transaction = (*Base)(nil)

// NewBase builds a transaction around body and starts its endpoint
func NewBase(opts Options, body Body) (*Base, error) {
	if body == nil {
		return nil, errors.New(errors.ErrPrecondition, "transaction body is required")
	}
	if opts.Invocation == nil {
		return nil, errors.New(errors.ErrPrecondition, "transaction needs an owning invocation")
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		id:       id,
		title:    opts.Title,
		member:   opts.Invocation.Member,
		args:     opts.Invocation.Args,
		body:     body,
		logger:   logging.GetLogger("transaction").With().Str("txn", id).Str("title", opts.Title).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateCreated,
		progress: newHub(),
	}

	if opts.SocketDir != "" {
		ep, err := newEndpoint(b, opts.SocketDir, opts.Linger)
		if err != nil {
			cancel()
			return nil, err
		}
		b.endpoint = ep
	}

	go b.watchOwner(opts.Invocation.Context())

	b.logger.Debug().Str("sender", opts.Invocation.Sender).Msg("Transaction created")
	return b, nil
}

func (b *Base) watchOwner(owner context.Context) {
	select {
	case <-owner.Done():
		b.mu.Lock()
		unstarted := b.state == StateCreated
		b.mu.Unlock()
		if unstarted {
			b.logger.Info().Msg("Owner left before the transaction was started")
			b.Cancel()
		}
	case <-b.started:
	case <-b.done:
	}
}

// ID implements Transaction
func (b *Base) ID() string { return b.id }

// Title implements Transaction
func (b *Base) Title() string { return b.title }

// IsCompatible implements Transaction: the invocation must name the same
// method with equal arguments.
func (b *Base) IsCompatible(inv *bus.Invocation) bool {
	if inv == nil || inv.Member != b.member {
		return false
	}
	return reflect.DeepEqual(inv.Args, b.args)
}

// ClientAddress implements Transaction
func (b *Base) ClientAddress() string {
	if b.endpoint == nil {
		return ""
	}
	return b.endpoint.Address()
}

// Done implements Transaction
func (b *Base) Done() <-chan struct{} { return b.done }

// Err implements Transaction
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Status returns the current state
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{ID: b.id, Title: b.title, State: b.state}
	if b.err != nil {
		st.Code = string(errors.GetErrorCode(b.err))
		st.Error = b.err.Error()
	}
	return st
}

// Start runs the body in the background. It reports false when the
// transaction was already started, and an error when it finished without
// ever running.
func (b *Base) Start() (bool, error) {
	var first bool
	b.startOnce.Do(func() {
		b.mu.Lock()
		if b.state != StateCreated {
			b.mu.Unlock()
			return
		}
		b.state = StateRunning
		b.mu.Unlock()

		first = true
		close(b.started)
		go b.run()
	})
	if !first {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == StateCancelled && !b.wasStarted() {
			return false, errors.New(errors.ErrTxnCancelled, "transaction was cancelled before it started")
		}
	}
	return first, nil
}

func (b *Base) wasStarted() bool {
	select {
	case <-b.started:
		return true
	default:
		return false
	}
}

func (b *Base) run() {
	b.logger.Info().Msg("Transaction started")
	err := b.body(b.ctx, b)
	if err == nil && b.ctx.Err() != nil {
		err = b.ctx.Err()
	}
	b.finish(err)
}

// Cancel stops the transaction. An unstarted transaction finishes at once;
// a running one finishes when its body returns.
func (b *Base) Cancel() {
	b.cancel()

	b.mu.Lock()
	unstarted := b.state == StateCreated
	if unstarted {
		b.state = StateCancelled
	}
	b.mu.Unlock()

	if unstarted {
		b.finish(context.Canceled)
	}
}

func (b *Base) finish(err error) {
	b.finishOnce.Do(func() {
		b.mu.Lock()
		switch {
		case err == nil:
			b.state = StateSucceeded
		case stderrors.Is(err, context.Canceled) || errors.IsErrorCode(err, errors.ErrTxnCancelled):
			b.state = StateCancelled
			if !errors.IsErrorCode(err, errors.ErrTxnCancelled) {
				err = errors.Wrap(err, errors.ErrTxnCancelled, "transaction cancelled")
			}
		default:
			b.state = StateFailed
			var coded *errors.DeploydError
			if !stderrors.As(err, &coded) {
				err = errors.Wrap(err, errors.ErrTxnFailed, "transaction failed")
			}
		}
		b.err = err
		state := b.state
		b.mu.Unlock()

		ev := Event{Type: EventFinished, Success: err == nil}
		if err != nil {
			ev.Code = string(errors.GetErrorCode(err))
			ev.Error = err.Error()
		}
		b.progress.publish(ev)
		close(b.done)
		b.cancel()

		logEvent := b.logger.Info()
		if state == StateFailed {
			logEvent = b.logger.Warn().Err(err)
		}
		logEvent.Str("state", string(state)).Msg("Transaction finished")
	})
}

// Close implements Transaction
func (b *Base) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.Cancel()
		if b.endpoint != nil {
			err = b.endpoint.Close()
		}
	})
	return err
}

// Message implements Progress
func (b *Base) Message(text string) {
	b.progress.publish(Event{Type: EventMessage, Text: text})
}

// Percent implements Progress
func (b *Base) Percent(text string, percent int) {
	b.progress.publish(Event{Type: EventPercent, Text: text, Percent: percent})
}

// Events streams the progress history followed by live events, ending with
// the finished event or when ctx ends
func (b *Base) Events(ctx context.Context) <-chan Event {
	return b.progress.subscribe(ctx)
}
