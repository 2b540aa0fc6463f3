package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/pelletier/go-toml/v2"
)

// Bus kinds
const (
	BusSystem  = "system"
	BusSession = "session"
	BusAddress = "address"
)

// Bus holds the object bus connection settings
type Bus struct {
	Kind     string `koanf:"kind" toml:"kind"`
	Address  string `koanf:"address" toml:"address"`
	Name     string `koanf:"name" toml:"name"`
	BasePath string `koanf:"base_path" toml:"base_path"`
}

// Sysroot holds the location of the managed deployments
type Sysroot struct {
	Path string `koanf:"path" toml:"path"`
	// OSNames restricts the published OS objects; empty publishes every
	// osname found in the sysroot state
	OSNames  []string `koanf:"osnames" toml:"osnames"`
	LiveRoot string   `koanf:"live_root" toml:"live_root"`
}

// Transaction holds settings shared by all transactions
type Transaction struct {
	SocketDir string `koanf:"socket_dir" toml:"socket_dir"`
	// Linger is how long a finished transaction stays reachable so that
	// late clients can read its outcome
	Linger time.Duration `koanf:"linger" toml:"-"`
}

// LiveFs holds live filesystem sync settings
type LiveFs struct {
	Subdirs         []string `koanf:"subdirs" toml:"subdirs"`
	RollbackOnError bool     `koanf:"rollback_on_error" toml:"rollback_on_error"`
}

// Log holds logging settings
type Log struct {
	Verbosity int    `koanf:"verbosity" toml:"verbosity"`
	File      string `koanf:"file" toml:"file"`
}

// Config is the main configuration structure
type Config struct {
	Bus         Bus         `koanf:"bus" toml:"bus"`
	Sysroot     Sysroot     `koanf:"sysroot" toml:"sysroot"`
	Transaction Transaction `koanf:"transaction" toml:"transaction"`
	LiveFs      LiveFs      `koanf:"livefs" toml:"livefs"`
	Log         Log         `koanf:"log" toml:"log"`
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Bus.Kind {
	case BusSystem, BusSession:
	case BusAddress:
		if c.Bus.Address == "" {
			return errors.New(errors.ErrConfigValid, "bus.address is required when bus.kind is \"address\"")
		}
	default:
		return errors.Newf(errors.ErrConfigValid, "unknown bus.kind %q", c.Bus.Kind).
			WithDetail("allowed", []string{BusSystem, BusSession, BusAddress})
	}

	if c.Bus.Name == "" {
		return errors.New(errors.ErrConfigValid, "bus.name must not be empty")
	}
	if !strings.HasPrefix(c.Bus.BasePath, "/") {
		return errors.Newf(errors.ErrConfigValid, "bus.base_path %q must be an absolute object path", c.Bus.BasePath)
	}
	if !filepath.IsAbs(c.Sysroot.Path) {
		return errors.Newf(errors.ErrConfigValid, "sysroot.path %q must be absolute", c.Sysroot.Path)
	}
	if !filepath.IsAbs(c.Sysroot.LiveRoot) {
		return errors.Newf(errors.ErrConfigValid, "sysroot.live_root %q must be absolute", c.Sysroot.LiveRoot)
	}
	if len(c.LiveFs.Subdirs) == 0 {
		return errors.New(errors.ErrConfigValid, "livefs.subdirs must list at least one directory")
	}
	for _, dir := range c.LiveFs.Subdirs {
		if dir == "" || filepath.IsAbs(dir) || strings.HasPrefix(filepath.Clean(dir), "..") {
			return errors.Newf(errors.ErrConfigValid, "livefs.subdirs entry %q must be a relative path inside the deployment", dir)
		}
	}
	if c.Transaction.Linger < 0 {
		return errors.New(errors.ErrConfigValid, "transaction.linger must not be negative")
	}
	return nil
}

// tomlView mirrors Config for TOML output. Durations are written the way
// they are read back.
type tomlView struct {
	Bus         Bus     `toml:"bus"`
	Sysroot     Sysroot `toml:"sysroot"`
	Transaction struct {
		SocketDir string `toml:"socket_dir"`
		Linger    string `toml:"linger"`
	} `toml:"transaction"`
	LiveFs LiveFs `toml:"livefs"`
	Log    Log    `toml:"log"`
}

// TOML renders the effective configuration in the config file format
func (c *Config) TOML() ([]byte, error) {
	view := tomlView{
		Bus:     c.Bus,
		Sysroot: c.Sysroot,
		LiveFs:  c.LiveFs,
		Log:     c.Log,
	}
	view.Transaction.SocketDir = c.Transaction.SocketDir
	view.Transaction.Linger = c.Transaction.Linger.String()

	out, err := toml.Marshal(view)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to render configuration")
	}
	return out, nil
}
