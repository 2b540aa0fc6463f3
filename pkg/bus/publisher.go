package bus

import (
	"reflect"
	"sort"
	"sync"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"
)

// Object is something that can be published at an object path
type Object interface {
	// Interface is the bus interface the methods are exported under
	Interface() string
	// Methods is the static method table. Each value is a func whose last
	// result is *dbus.Error. A leading dbus.Sender parameter receives the
	// caller's unique name.
	Methods() map[string]interface{}
	// Introspection describes Methods for org.freedesktop.DBus.Introspectable
	Introspection() introspect.Interface
}

// Publisher exports objects on the bus
type Publisher interface {
	Publish(path dbus.ObjectPath, obj Object) error
	// Unpublish removes obj from path. It does nothing when path is empty
	// or holds a different object.
	Unpublish(path dbus.ObjectPath, obj Object)
}

// DBusPublisher publishes objects on a live bus connection
type DBusPublisher struct {
	conn   *dbus.Conn
	logger zerolog.Logger

	mu        sync.Mutex
	published map[dbus.ObjectPath]Object
}

// NewDBusPublisher returns a publisher exporting on conn
func NewDBusPublisher(conn *dbus.Conn) *DBusPublisher {
	return &DBusPublisher{
		conn:      conn,
		logger:    logging.GetLogger("bus.publisher"),
		published: make(map[dbus.ObjectPath]Object),
	}
}

// Publish exports the method table of obj and its introspection data
func (p *DBusPublisher) Publish(path dbus.ObjectPath, obj Object) error {
	if !path.IsValid() {
		return errors.Newf(errors.ErrBusPublish, "invalid object path %q", path)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.published[path]; ok && existing != obj {
		return errors.Newf(errors.ErrBusPublish, "object path %s is already in use", path)
	}

	if err := p.conn.ExportMethodTable(obj.Methods(), path, obj.Interface()); err != nil {
		return errors.Wrapf(err, errors.ErrBusPublish, "failed to export %s", path)
	}

	node := &introspect.Node{
		Name:       string(path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, obj.Introspection()},
	}
	if err := p.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		_ = p.conn.Export(nil, path, obj.Interface())
		return errors.Wrapf(err, errors.ErrBusPublish, "failed to export introspection for %s", path)
	}

	p.published[path] = obj
	p.logger.Debug().Str("path", string(path)).Str("interface", obj.Interface()).Msg("Published object")
	return nil
}

// Unpublish removes the exports made by Publish
func (p *DBusPublisher) Unpublish(path dbus.ObjectPath, obj Object) {
	if path == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.published[path]; !ok || existing != obj {
		return
	}
	delete(p.published, path)

	if err := p.conn.Export(nil, path, obj.Interface()); err != nil {
		p.logger.Warn().Err(err).Str("path", string(path)).Msg("Failed to unexport object")
	}
	if err := p.conn.Export(nil, path, "org.freedesktop.DBus.Introspectable"); err != nil {
		p.logger.Warn().Err(err).Str("path", string(path)).Msg("Failed to unexport introspection")
	}
	p.logger.Debug().Str("path", string(path)).Msg("Unpublished object")
}

// MemoryPublisher keeps published objects in memory. It lets tests and
// tooling call methods the way the bus would.
type MemoryPublisher struct {
	// FailWith, when set, is returned by Publish
	FailWith error

	mu        sync.Mutex
	published map[dbus.ObjectPath]Object
	history   []string
}

// NewMemoryPublisher returns an empty in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{published: make(map[dbus.ObjectPath]Object)}
}

// Publish records obj at path
func (p *MemoryPublisher) Publish(path dbus.ObjectPath, obj Object) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailWith != nil {
		return p.FailWith
	}
	if existing, ok := p.published[path]; ok && existing != obj {
		return errors.Newf(errors.ErrBusPublish, "object path %s is already in use", path)
	}
	p.published[path] = obj
	p.history = append(p.history, "publish "+string(path))
	return nil
}

// Unpublish forgets obj at path
func (p *MemoryPublisher) Unpublish(path dbus.ObjectPath, obj Object) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path == "" {
		return
	}
	if existing, ok := p.published[path]; ok && existing == obj {
		delete(p.published, path)
		p.history = append(p.history, "unpublish "+string(path))
	}
}

// Lookup returns the object published at path
func (p *MemoryPublisher) Lookup(path dbus.ObjectPath) (Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.published[path]
	return obj, ok
}

// Paths returns the published paths in sorted order
func (p *MemoryPublisher) Paths() []dbus.ObjectPath {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]dbus.ObjectPath, 0, len(p.published))
	for path := range p.published {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// History lists publish and unpublish events in order
func (p *MemoryPublisher) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

var (
	senderType   = reflect.TypeOf(dbus.Sender(""))
	dbusErrorPtr = reflect.TypeOf((*dbus.Error)(nil))
)

// Call invokes member on the object at path as if sender had called it over
// the bus. It returns the method's results without the trailing error.
func (p *MemoryPublisher) Call(path dbus.ObjectPath, sender, member string, args ...interface{}) ([]interface{}, error) {
	obj, ok := p.Lookup(path)
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no object at %s", path)
	}
	method, ok := obj.Methods()[member]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no method %s on %s", member, path)
	}

	fn := reflect.ValueOf(method)
	ft := fn.Type()
	if ft.Kind() != reflect.Func || ft.NumOut() == 0 || ft.Out(ft.NumOut()-1) != dbusErrorPtr {
		return nil, errors.Newf(errors.ErrInternal, "method %s has an unsupported signature", member)
	}

	var in []reflect.Value
	offset := 0
	if ft.NumIn() > 0 && ft.In(0) == senderType {
		in = append(in, reflect.ValueOf(dbus.Sender(sender)))
		offset = 1
	}
	if ft.NumIn()-offset != len(args) {
		return nil, errors.Newf(errors.ErrInvalidInput, "method %s takes %d arguments, got %d", member, ft.NumIn()-offset, len(args))
	}
	for i, arg := range args {
		want := ft.In(i + offset)
		v := reflect.ValueOf(arg)
		if !v.IsValid() || !v.Type().AssignableTo(want) {
			return nil, errors.Newf(errors.ErrInvalidInput, "argument %d of %s must be %s", i, member, want)
		}
		in = append(in, v)
	}

	out := fn.Call(in)
	results := make([]interface{}, 0, len(out)-1)
	for _, v := range out[:len(out)-1] {
		results = append(results, v.Interface())
	}
	if dbusErr, _ := out[len(out)-1].Interface().(*dbus.Error); dbusErr != nil {
		return results, dbusErr
	}
	return results, nil
}
