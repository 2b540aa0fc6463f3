// TEST TYPE: Unit Tests
// DEPENDENCIES: In-memory publisher, fake registry/engine/transactions
// PURPOSE: Test management object lifecycle and transaction admission

package osexperimental_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/livefs"
	"github.com/arthur-debert/deployd/pkg/osexperimental"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	publisher *bus.MemoryPublisher
	registry  osexperimental.Registry
	engine    osexperimental.Engine
	loader    osexperimental.StateLoader
	watcher   bus.Watcher
}

func newFixture() *fixture {
	return &fixture{
		publisher: bus.NewMemoryPublisher(),
		registry:  transaction.NewMonitor(),
		loader:    staticLoader(),
	}
}

func (f *fixture) object(t *testing.T) *osexperimental.OSExperimental {
	t.Helper()
	obj, err := osexperimental.New(osexperimental.Options{
		Sysroot:   f.loader,
		Name:      "fedora",
		Registry:  f.registry,
		Engine:    f.engine,
		Publisher: f.publisher,
		Watcher:   f.watcher,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = obj.Close() })
	return obj
}

func TestNewPreconditions(t *testing.T) {
	valid := func() osexperimental.Options {
		return osexperimental.Options{
			Sysroot:  staticLoader(),
			Name:     "fedora",
			Registry: transaction.NewMonitor(),
			Engine:   &mockEngine{},
		}
	}

	tests := []struct {
		name   string
		modify func(*osexperimental.Options)
	}{
		{"no sysroot", func(o *osexperimental.Options) { o.Sysroot = nil }},
		{"empty name", func(o *osexperimental.Options) { o.Name = "" }},
		{"no registry", func(o *osexperimental.Options) { o.Registry = nil }},
		{"no engine", func(o *osexperimental.Options) { o.Engine = nil }},
		{"no publisher", func(o *osexperimental.Options) { o.Publisher = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := bus.NewMemoryPublisher()
			opts := valid()
			opts.Publisher = publisher
			tt.modify(&opts)

			obj, err := osexperimental.New(opts)
			require.Error(t, err)
			assert.Nil(t, obj)
			assert.True(t, errors.IsErrorCode(err, errors.ErrPrecondition))
			assert.Empty(t, publisher.History(), "nothing is published on a precondition failure")
		})
	}
}

func TestNewPublishes(t *testing.T) {
	tests := []struct {
		name     string
		osname   string
		basePath string
		want     dbus.ObjectPath
	}{
		{"default base path", "fedora", "", "/org/deployd/Deployd1/OS/fedora"},
		{"custom base path", "fedora", "/com/example/Test/", "/com/example/Test/OS/fedora"},
		{"escaped name", "fedora-atomic.x86", "", "/org/deployd/Deployd1/OS/fedora_atomic_2ex86"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := bus.NewMemoryPublisher()
			obj, err := osexperimental.New(osexperimental.Options{
				Sysroot:   staticLoader(),
				Name:      tt.osname,
				Registry:  transaction.NewMonitor(),
				Engine:    &mockEngine{},
				Publisher: publisher,
				BasePath:  tt.basePath,
			})
			require.NoError(t, err)

			assert.Equal(t, tt.want, obj.Path())
			assert.Equal(t, tt.osname, obj.Name())
			assert.Equal(t, []dbus.ObjectPath{tt.want}, publisher.Paths())
			published, ok := publisher.Lookup(tt.want)
			require.True(t, ok)
			assert.Same(t, obj, published)

			require.NoError(t, obj.Close())
			assert.Empty(t, publisher.Paths())
		})
	}
}

func TestNewPublishFailure(t *testing.T) {
	publisher := bus.NewMemoryPublisher()
	publisher.FailWith = stderrors.New("connection reset")

	obj, err := osexperimental.New(osexperimental.Options{
		Sysroot:   staticLoader(),
		Name:      "fedora",
		Registry:  transaction.NewMonitor(),
		Engine:    &mockEngine{},
		Publisher: publisher,
	})
	require.Error(t, err)
	assert.Nil(t, obj)
	assert.True(t, errors.IsErrorCode(err, errors.ErrBusPublish))
	assert.Empty(t, publisher.History())
}

func TestClose(t *testing.T) {
	t.Run("zero object", func(t *testing.T) {
		var obj osexperimental.OSExperimental
		assert.NoError(t, obj.Close())
		assert.NoError(t, obj.Close())
	})

	t.Run("published object", func(t *testing.T) {
		f := newFixture()
		f.engine = &mockEngine{}
		obj := f.object(t)

		require.NoError(t, obj.Close())
		require.NoError(t, obj.Close())
		assert.Equal(t, []string{
			"publish /org/deployd/Deployd1/OS/fedora",
			"unpublish /org/deployd/Deployd1/OS/fedora",
		}, f.publisher.History())
	})

	t.Run("LiveFs after close", func(t *testing.T) {
		f := newFixture()
		engine := &mockEngine{}
		f.engine = engine
		obj := f.object(t)
		require.NoError(t, obj.Close())

		_, err := obj.LiveFs(liveFsInvocation(":1.1", dryRun()), dryRun())
		assert.True(t, errors.IsErrorCode(err, errors.ErrPrecondition))
		engine.AssertNotCalled(t, "NewLiveFs", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMoo(t *testing.T) {
	f := newFixture()
	f.engine = &mockEngine{}
	obj := f.object(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "🐄\n", obj.Moo(true))
		ascii := obj.Moo(false)
		assert.Contains(t, ascii, "(oo)")
		assert.Contains(t, ascii, `/------\/`)
		assert.Contains(t, ascii, `*  /\---/\`)
		assert.Equal(t, obj.Moo(false), ascii)
	}
	assert.Len(t, f.publisher.History(), 1, "Moo has no side effects")
	assert.Nil(t, f.registry.ActiveTransaction())
}

func TestLiveFsJoinsCompatibleTransaction(t *testing.T) {
	active := newFakeTxn("active", liveFsInvocation(":1.1", dryRun()))

	registry := &mockRegistry{}
	registry.On("ActiveTransaction").Return(active)
	engine := &mockEngine{}

	f := newFixture()
	f.registry = registry
	f.engine = engine
	f.loader = loaderFunc(func(context.Context) (*sysroot.State, error) {
		t.Fatal("a joining call must not load state")
		return nil, nil
	})
	obj := f.object(t)

	for _, sender := range []string{":1.1", ":1.2"} {
		address, err := obj.LiveFs(liveFsInvocation(sender, dryRun()), dryRun())
		require.NoError(t, err)
		assert.Equal(t, active.ClientAddress(), address)
	}

	registry.AssertNotCalled(t, "Add", mock.Anything)
	engine.AssertNotCalled(t, "NewLiveFs", mock.Anything, mock.Anything, mock.Anything)
	assert.False(t, active.closed.Load())
}

func TestLiveFsIncompatibleTransactionIsNotJoined(t *testing.T) {
	active := newFakeTxn("active", liveFsInvocation(":1.1", dryRun()))
	monitor := transaction.NewMonitor()
	require.NoError(t, monitor.Add(active))

	inv := liveFsInvocation(":1.2", nil)
	candidate := newFakeTxn("candidate", inv)
	engine := &mockEngine{}
	engine.On("NewLiveFs", inv, testState, livefs.Flags(0)).Return(candidate, nil).Once()

	f := newFixture()
	f.registry = monitor
	f.engine = engine
	obj := f.object(t)

	address, err := obj.LiveFs(inv, nil)
	require.Error(t, err)
	assert.Empty(t, address)
	assert.True(t, errors.IsErrorCode(err, errors.ErrTxnConflict))
	assert.Equal(t, "active", errors.GetErrorDetails(err)["active"])

	engine.AssertExpectations(t)
	assert.True(t, candidate.closed.Load(), "the rejected transaction is closed")
	assert.Same(t, active, monitor.ActiveTransaction())
}

func TestLiveFsRegistersNewTransaction(t *testing.T) {
	options := map[string]dbus.Variant{
		"dry-run": dbus.MakeVariant(true),
		"foo":     dbus.MakeVariant(true),
	}
	inv := liveFsInvocation(":1.1", options)
	created := newFakeTxn("created", inv)

	engine := &mockEngine{}
	engine.On("NewLiveFs", inv, testState, livefs.FlagDryRun).Return(created, nil).Once()

	monitor := transaction.NewMonitor()
	f := newFixture()
	f.registry = monitor
	f.engine = engine
	obj := f.object(t)

	address, err := obj.LiveFs(inv, options)
	require.NoError(t, err)
	assert.Equal(t, created.ClientAddress(), address)
	assert.Same(t, created, monitor.ActiveTransaction())
	engine.AssertExpectations(t)

	again, err := obj.LiveFs(liveFsInvocation(":1.7", options), options)
	require.NoError(t, err)
	assert.Equal(t, address, again, "a repeated request joins the registered transaction")
	engine.AssertNumberOfCalls(t, "NewLiveFs", 1)
}

func TestLiveFsStateErrors(t *testing.T) {
	tests := []struct {
		name     string
		loadErr  error
		wantCode errors.ErrorCode
	}{
		{"plain error", stderrors.New("disk on fire"), errors.ErrStateUnavailable},
		{"unavailable", errors.New(errors.ErrStateUnavailable, "no state file"), errors.ErrStateUnavailable},
		{"locked", errors.New(errors.ErrStateLocked, "sysroot is locked"), errors.ErrStateLocked},
		{"cancelled", context.Canceled, errors.ErrStateUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			f := newFixture()
			f.engine = engine
			f.loader = loaderFunc(func(context.Context) (*sysroot.State, error) { return nil, tt.loadErr })
			obj := f.object(t)

			_, err := obj.LiveFs(liveFsInvocation(":1.1", nil), nil)
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, tt.wantCode), "got %v", err)
			engine.AssertNotCalled(t, "NewLiveFs", mock.Anything, mock.Anything, mock.Anything)
			assert.Nil(t, f.registry.ActiveTransaction())
		})
	}
}

func TestLiveFsConstructionFailure(t *testing.T) {
	tests := []struct {
		name string
		txn  transaction.Transaction
		err  error
	}{
		{"coded error", nil, errors.New(errors.ErrTxnConstruct, "fedora has no pending deployment")},
		{"plain error", nil, stderrors.New("socket dir missing")},
		{"no transaction", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := &mockRegistry{}
			registry.On("ActiveTransaction").Return(nil)
			engine := &mockEngine{}
			engine.On("NewLiveFs", mock.Anything, testState, livefs.Flags(0)).Return(tt.txn, tt.err)

			f := newFixture()
			f.registry = registry
			f.engine = engine
			obj := f.object(t)

			_, err := obj.LiveFs(liveFsInvocation(":1.1", nil), nil)
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, errors.ErrTxnConstruct))
			registry.AssertNotCalled(t, "Add", mock.Anything)
		})
	}
}

func TestLiveFsCallerGoneBeforeRegistration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inv := bus.NewInvocation(ctx, ":1.1", "/org/deployd/Deployd1/OS/fedora", osexperimental.Interface, "LiveFs", dryRun())

	var created *fakeTxn
	f := newFixture()
	f.engine = engineFunc(func(inv *bus.Invocation, _ *sysroot.State, _ livefs.Flags) (transaction.Transaction, error) {
		created = newFakeTxn("orphan", inv)
		cancel()
		return created, nil
	})
	obj := f.object(t)

	_, err := obj.LiveFs(inv, dryRun())
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrTxnCancelled))
	require.NotNil(t, created)
	assert.True(t, created.closed.Load())
	assert.Nil(t, f.registry.ActiveTransaction(), "nothing is left registered")
}

func TestLiveFsLostRaceJoinsWinner(t *testing.T) {
	inv := liveFsInvocation(":1.2", dryRun())
	winner := newFakeTxn("winner", liveFsInvocation(":1.1", dryRun()))
	loser := newFakeTxn("loser", inv)

	registry := &mockRegistry{}
	registry.On("ActiveTransaction").Return(nil).Once()
	registry.On("Add", loser).Return(errors.New(errors.ErrTxnConflict, "busy")).Once()
	registry.On("ActiveTransaction").Return(winner).Once()

	engine := &mockEngine{}
	engine.On("NewLiveFs", inv, testState, livefs.FlagDryRun).Return(loser, nil).Once()

	f := newFixture()
	f.registry = registry
	f.engine = engine
	obj := f.object(t)

	address, err := obj.LiveFs(inv, dryRun())
	require.NoError(t, err)
	assert.Equal(t, winner.ClientAddress(), address)
	assert.True(t, loser.closed.Load())
	assert.False(t, winner.closed.Load())
	registry.AssertExpectations(t)
}

func TestLiveFsRegistryFailure(t *testing.T) {
	monitor := transaction.NewMonitor()
	monitor.Close()

	inv := liveFsInvocation(":1.1", nil)
	created := newFakeTxn("created", inv)
	engine := &mockEngine{}
	engine.On("NewLiveFs", inv, testState, livefs.Flags(0)).Return(created, nil)

	f := newFixture()
	f.registry = monitor
	f.engine = engine
	obj := f.object(t)

	_, err := obj.LiveFs(inv, nil)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrInternal))
	assert.True(t, created.closed.Load())
}

func TestLiveFsConcurrentCallsRegisterOnce(t *testing.T) {
	const callers = 16

	monitor := transaction.NewMonitor()
	var registered atomic.Int32
	monitor.OnChange(func(txn transaction.Transaction) {
		if txn != nil {
			registered.Add(1)
		}
	})

	var mu sync.Mutex
	var created []*fakeTxn
	f := newFixture()
	f.registry = monitor
	f.engine = engineFunc(func(inv *bus.Invocation, _ *sysroot.State, _ livefs.Flags) (transaction.Transaction, error) {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		txn := newFakeTxn(fmt.Sprintf("txn-%d", len(created)), inv)
		created = append(created, txn)
		return txn, nil
	})
	obj := f.object(t)

	start := make(chan struct{})
	addresses := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			inv := liveFsInvocation(fmt.Sprintf(":1.%d", i), dryRun())
			addresses[i], errs[i] = obj.LiveFs(inv, dryRun())
		}(i)
	}
	close(start)
	wg.Wait()

	active := monitor.ActiveTransaction()
	require.NotNil(t, active)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, active.ClientAddress(), addresses[i], "caller %d", i)
	}
	assert.Equal(t, int32(1), registered.Load(), "exactly one transaction is registered")

	mu.Lock()
	defer mu.Unlock()
	for _, txn := range created {
		if txn == active {
			assert.False(t, txn.closed.Load())
			continue
		}
		assert.True(t, txn.closed.Load(), "losing transaction %s is closed", txn.id)
	}
}
