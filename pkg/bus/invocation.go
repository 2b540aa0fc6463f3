package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// Invocation is one method call received on the bus. Its context ends when
// the calling connection goes away.
type Invocation struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	// Args holds the decoded in-arguments in signature order
	Args []interface{}

	ctx context.Context
}

// NewInvocation describes a call from sender. A nil ctx is treated as
// context.Background().
func NewInvocation(ctx context.Context, sender string, path dbus.ObjectPath, iface, member string, args ...interface{}) *Invocation {
	return &Invocation{
		Sender:    sender,
		Path:      path,
		Interface: iface,
		Member:    member,
		Args:      args,
		ctx:       ctx,
	}
}

// Context returns the caller-scoped context of the invocation
func (i *Invocation) Context() context.Context {
	if i == nil || i.ctx == nil {
		return context.Background()
	}
	return i.ctx
}
