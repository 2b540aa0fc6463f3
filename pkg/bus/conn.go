package bus

import (
	"context"

	"github.com/arthur-debert/deployd/pkg/config"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/godbus/dbus/v5"
)

// Connect opens the bus selected by cfg
func Connect(ctx context.Context, cfg config.Bus) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch cfg.Kind {
	case config.BusSystem:
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	case config.BusSession:
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	case config.BusAddress:
		conn, err = dbus.Connect(cfg.Address, dbus.WithContext(ctx))
	default:
		return nil, errors.Newf(errors.ErrBusConnect, "unknown bus kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrBusConnect, "failed to connect to the %s bus", cfg.Kind).
			WithDetail("address", cfg.Address)
	}
	return conn, nil
}

// RequestName claims name on conn without queueing
func RequestName(conn *dbus.Conn, name string) error {
	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.Wrapf(err, errors.ErrBusConnect, "failed to request bus name %s", name)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return errors.Newf(errors.ErrBusNameTaken, "bus name %s is owned by another process", name)
	}
	return nil
}
