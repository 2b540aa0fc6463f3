package transaction

import (
	"sync"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/rs/zerolog"
)

// Monitor holds the single active transaction slot of the daemon. It is the
// only place where admission of a new transaction is decided.
type Monitor struct {
	logger zerolog.Logger

	mu        sync.Mutex
	active    Transaction
	listeners []func(Transaction)
	closed    bool
}

// NewMonitor returns a monitor with an empty slot
func NewMonitor() *Monitor {
	return &Monitor{logger: logging.GetLogger("transaction.monitor")}
}

// ActiveTransaction returns the transaction in the slot, or nil when the
// slot is empty or its transaction has finished
func (m *Monitor) ActiveTransaction() Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || finished(m.active) {
		return nil
	}
	return m.active
}

// Add puts txn in the slot. It fails with TXN_CONFLICT while a different
// unfinished transaction holds it. Adding the active transaction again is a
// no-op.
func (m *Monitor) Add(txn Transaction) error {
	if txn == nil {
		return errors.New(errors.ErrPrecondition, "cannot register a nil transaction")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New(errors.ErrInternal, "transaction monitor is closed")
	}
	if m.active == txn {
		m.mu.Unlock()
		return nil
	}
	if m.active != nil && !finished(m.active) {
		current := m.active
		m.mu.Unlock()
		return errors.Newf(errors.ErrTxnConflict, "transaction %q is already in progress", current.Title()).
			WithDetail("active", current.ID())
	}
	m.active = txn
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.logger.Info().Str("txn", txn.ID()).Str("title", txn.Title()).Msg("Transaction registered")
	notify(listeners, txn)

	go m.clearWhenDone(txn)
	return nil
}

func (m *Monitor) clearWhenDone(txn Transaction) {
	<-txn.Done()

	m.mu.Lock()
	if m.active != txn {
		m.mu.Unlock()
		return
	}
	m.active = nil
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	m.logger.Debug().Str("txn", txn.ID()).Msg("Transaction slot cleared")
	notify(listeners, nil)
}

// OnChange registers fn to be called with the new active transaction, or
// nil when the slot clears
func (m *Monitor) OnChange(fn func(Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Close refuses further transactions and closes the active one
func (m *Monitor) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.mu.Unlock()

	if active != nil {
		if err := active.Close(); err != nil {
			m.logger.Warn().Err(err).Str("txn", active.ID()).Msg("Failed to close active transaction")
		}
	}
}

func (m *Monitor) snapshotListeners() []func(Transaction) {
	listeners := make([]func(Transaction), len(m.listeners))
	copy(listeners, m.listeners)
	return listeners
}

func notify(listeners []func(Transaction), txn Transaction) {
	for _, fn := range listeners {
		fn(txn)
	}
}

func finished(txn Transaction) bool {
	select {
	case <-txn.Done():
		return true
	default:
		return false
	}
}
