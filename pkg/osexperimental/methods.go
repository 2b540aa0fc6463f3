package osexperimental

import (
	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Interface implements bus.Object
func (o *OSExperimental) Interface() string {
	return Interface
}

// Methods implements bus.Object
func (o *OSExperimental) Methods() map[string]interface{} {
	return map[string]interface{}{
		"Moo": func(isUTF8 bool) (string, *dbus.Error) {
			return o.Moo(isUTF8), nil
		},
		"LiveFs": func(sender dbus.Sender, options map[string]dbus.Variant) (string, *dbus.Error) {
			inv := o.invocation(string(sender), "LiveFs", options)
			address, err := o.LiveFs(inv, options)
			if err != nil {
				o.logger.Debug().Err(err).Str("sender", inv.Sender).Msg("LiveFs failed")
				return "", bus.ToDBusError(err)
			}
			return address, nil
		},
	}
}

// Introspection implements bus.Object
func (o *OSExperimental) Introspection() introspect.Interface {
	return introspect.Interface{
		Name: Interface,
		Methods: []introspect.Method{
			{
				Name: "Moo",
				Args: []introspect.Arg{
					{Name: "is_utf8", Type: "b", Direction: "in"},
					{Name: "result", Type: "s", Direction: "out"},
				},
			},
			{
				Name: "LiveFs",
				Args: []introspect.Arg{
					{Name: "options", Type: "a{sv}", Direction: "in"},
					{Name: "transaction_address", Type: "s", Direction: "out"},
				},
			},
		},
	}
}

func (o *OSExperimental) invocation(sender, member string, args ...interface{}) *bus.Invocation {
	return bus.NewInvocation(o.watcher.Context(sender), sender, o.path, Interface, member, args...)
}
