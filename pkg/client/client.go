// Package client talks to a running deployd: the management objects on
// the bus and the transaction endpoints they hand out.
package client

import (
	"context"

	"github.com/arthur-debert/deployd/pkg/bus"
	"github.com/arthur-debert/deployd/pkg/config"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/arthur-debert/deployd/pkg/logging"
	"github.com/arthur-debert/deployd/pkg/osexperimental"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Client calls the daemon's management objects
type Client struct {
	conn   *dbus.Conn
	cfg    config.Bus
	owned  bool
	logger zerolog.Logger
}

// Connect opens the bus selected by cfg
func Connect(ctx context.Context, cfg config.Bus) (*Client, error) {
	conn, err := bus.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := New(conn, cfg)
	c.owned = true
	return c, nil
}

// New wraps an existing connection. Close leaves it open.
func New(conn *dbus.Conn, cfg config.Bus) *Client {
	return &Client{conn: conn, cfg: cfg, logger: logging.GetLogger("client")}
}

// Close closes the connection if Connect opened it
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(err, errors.ErrBusConnect, "failed to close bus connection")
	}
	return nil
}

func (c *Client) object(osname string) dbus.BusObject {
	basePath := c.cfg.BasePath
	if basePath == "" {
		basePath = osexperimental.DefaultBasePath
	}
	return c.conn.Object(c.cfg.Name, bus.ObjectPath(basePath, "OS", osname))
}

func (c *Client) call(ctx context.Context, osname, method string, out interface{}, args ...interface{}) error {
	if osname == "" {
		return errors.New(errors.ErrInvalidInput, "an OS name is required")
	}
	obj := c.object(osname)
	c.logger.Debug().
		Str("path", string(obj.Path())).
		Str("method", method).
		Msg("Calling management object")

	call := obj.CallWithContext(ctx, osexperimental.Interface+"."+method, 0, args...)
	if call.Err != nil {
		return bus.FromDBusError(call.Err)
	}
	if err := call.Store(out); err != nil {
		return errors.Wrapf(err, errors.ErrInternal, "unexpected reply to %s", method)
	}
	return nil
}

// Moo calls the diagnostic method of osname's object
func (c *Client) Moo(ctx context.Context, osname string, utf8 bool) (string, error) {
	var result string
	if err := c.call(ctx, osname, "Moo", &result, utf8); err != nil {
		return "", err
	}
	return result, nil
}

// LiveFs asks for a live filesystem sync and returns the transaction
// address. Callers must stay connected until they have started the
// transaction.
func (c *Client) LiveFs(ctx context.Context, osname string, opts osexperimental.LiveFsOptions) (string, error) {
	var address string
	if err := c.call(ctx, osname, "LiveFs", &address, opts.Variants()); err != nil {
		return "", err
	}
	if address == "" {
		return "", errors.New(errors.ErrInternal, "daemon returned an empty transaction address")
	}
	return address, nil
}
