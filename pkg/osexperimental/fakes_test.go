package osexperimental_test

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/livefs"
	"github.com/arthur-debert/deployd/pkg/sysroot"
	"github.com/arthur-debert/deployd/pkg/transaction"
	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/mock"
)

// fakeTxn is compatible with invocations of the same member and arguments
type fakeTxn struct {
	id      string
	member  string
	args    []interface{}
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	address string
}

func newFakeTxn(id string, inv *bus.Invocation) *fakeTxn {
	return &fakeTxn{
		id:      id,
		member:  inv.Member,
		args:    inv.Args,
		done:    make(chan struct{}),
		address: "unix:path=/run/deployd/txn-" + id + ".sock",
	}
}

func (f *fakeTxn) ID() string            { return f.id }
func (f *fakeTxn) Title() string         { return "fake " + f.id }
func (f *fakeTxn) ClientAddress() string { return f.address }
func (f *fakeTxn) Done() <-chan struct{} { return f.done }
func (f *fakeTxn) Err() error            { return nil }

func (f *fakeTxn) IsCompatible(inv *bus.Invocation) bool {
	return inv != nil && inv.Member == f.member && reflect.DeepEqual(inv.Args, f.args)
}

func (f *fakeTxn) Close() error {
	f.closed.Store(true)
	f.once.Do(func() { close(f.done) })
	return nil
}

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) ActiveTransaction() transaction.Transaction {
	args := m.Called()
	txn, _ := args.Get(0).(transaction.Transaction)
	return txn
}

func (m *mockRegistry) Add(txn transaction.Transaction) error {
	args := m.Called(txn)
	return args.Error(0)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) NewLiveFs(inv *bus.Invocation, state *sysroot.State, flags livefs.Flags) (transaction.Transaction, error) {
	args := m.Called(inv, state, flags)
	txn, _ := args.Get(0).(transaction.Transaction)
	return txn, args.Error(1)
}

// engineFunc adapts a function to osexperimental.Engine
type engineFunc func(inv *bus.Invocation, state *sysroot.State, flags livefs.Flags) (transaction.Transaction, error)

func (f engineFunc) NewLiveFs(inv *bus.Invocation, state *sysroot.State, flags livefs.Flags) (transaction.Transaction, error) {
	return f(inv, state, flags)
}

// loaderFunc adapts a function to osexperimental.StateLoader
type loaderFunc func(ctx context.Context) (*sysroot.State, error)

func (f loaderFunc) Load(ctx context.Context) (*sysroot.State, error) {
	return f(ctx)
}

var testState = &sysroot.State{}

func staticLoader() loaderFunc {
	return func(context.Context) (*sysroot.State, error) { return testState, nil }
}

func liveFsInvocation(sender string, options map[string]dbus.Variant) *bus.Invocation {
	return bus.NewInvocation(context.Background(), sender, "/org/deployd/Deployd1/OS/fedora",
		"org.deployd.Deployd1.OSExperimental", "LiveFs", options)
}

func dryRun() map[string]dbus.Variant {
	return map[string]dbus.Variant{"dry-run": dbus.MakeVariant(true)}
}
