package transaction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTxn struct {
	id     string
	done   chan struct{}
	once   sync.Once
	closed bool
}

func newStub(id string) *stubTxn {
	return &stubTxn{id: id, done: make(chan struct{})}
}

func (s *stubTxn) ID() string                        { return s.id }
func (s *stubTxn) Title() string                     { return "stub " + s.id }
func (s *stubTxn) IsCompatible(*bus.Invocation) bool { return false }
func (s *stubTxn) ClientAddress() string             { return "unix:path=/run/" + s.id }
func (s *stubTxn) Done() <-chan struct{}             { return s.done }
func (s *stubTxn) Err() error                        { return nil }

func (s *stubTxn) finish() {
	s.once.Do(func() { close(s.done) })
}

func (s *stubTxn) Close() error {
	s.closed = true
	s.finish()
	return nil
}

func TestMonitorSlot(t *testing.T) {
	m := transaction.NewMonitor()
	assert.Nil(t, m.ActiveTransaction())

	a := newStub("a")
	require.NoError(t, m.Add(a))
	assert.Same(t, a, m.ActiveTransaction())
	require.NoError(t, m.Add(a), "re-adding the active transaction is a no-op")

	b := newStub("b")
	err := m.Add(b)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrTxnConflict))
	assert.Equal(t, "a", errors.GetErrorDetails(err)["active"])
	assert.Same(t, a, m.ActiveTransaction())

	a.finish()
	assert.Nil(t, m.ActiveTransaction(), "a finished transaction is never active")
	require.NoError(t, m.Add(b), "a finished transaction does not block the slot")
	assert.Same(t, b, m.ActiveTransaction())

	assert.True(t, errors.IsErrorCode(m.Add(nil), errors.ErrPrecondition))
}

func TestMonitorOnChange(t *testing.T) {
	m := transaction.NewMonitor()

	changes := make(chan transaction.Transaction, 4)
	m.OnChange(func(txn transaction.Transaction) { changes <- txn })

	a := newStub("a")
	require.NoError(t, m.Add(a))
	assert.Equal(t, a, <-changes)

	a.finish()
	select {
	case txn := <-changes:
		assert.Nil(t, txn)
	case <-time.After(waitFor):
		t.Fatal("slot was not cleared")
	}
}

func TestMonitorListenersAddedWhileNotifying(t *testing.T) {
	m := transaction.NewMonitor()

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(transaction.Transaction) {
		return func(transaction.Transaction) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
		}
	}

	var once sync.Once
	m.OnChange(func(txn transaction.Transaction) {
		record("first")(txn)
		once.Do(func() { m.OnChange(record("late")) })
	})

	a := newStub("a")
	require.NoError(t, m.Add(a))
	mu.Lock()
	assert.Equal(t, []string{"first"}, calls, "a listener added during notify waits for the next change")
	mu.Unlock()

	a.finish()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	}, waitFor, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "first", "late"}, calls)
	mu.Unlock()
}

func TestMonitorClose(t *testing.T) {
	m := transaction.NewMonitor()
	a := newStub("a")
	require.NoError(t, m.Add(a))

	m.Close()
	m.Close()
	assert.True(t, a.closed)
	assert.True(t, errors.IsErrorCode(m.Add(newStub("b")), errors.ErrInternal))
}

func TestMonitorConcurrentAdd(t *testing.T) {
	m := transaction.NewMonitor()

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inv := liveFsInvocation(context.Background(), ":1.1", nil)
			b, err := transaction.NewBase(transaction.Options{Title: "t", Invocation: inv},
				func(context.Context, transaction.Progress) error { return nil })
			if err != nil {
				results <- err
				return
			}
			err = m.Add(b)
			if err != nil {
				_ = b.Close()
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.IsErrorCode(err, errors.ErrTxnConflict))
	}
	assert.Equal(t, 1, wins)
	m.Close()
}
