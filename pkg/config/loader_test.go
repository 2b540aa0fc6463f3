package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arthur-debert/deployd/pkg/config"
	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deployd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, config.BusSystem, cfg.Bus.Kind)
	assert.Equal(t, "org.deployd.Deployd1", cfg.Bus.Name)
	assert.Equal(t, "/org/deployd/Deployd1", cfg.Bus.BasePath)
	assert.Equal(t, "/sysroot", cfg.Sysroot.Path)
	assert.Equal(t, "/", cfg.Sysroot.LiveRoot)
	assert.Empty(t, cfg.Sysroot.OSNames)
	assert.Equal(t, "/run/deployd", cfg.Transaction.SocketDir)
	assert.Equal(t, 30*time.Second, cfg.Transaction.Linger)
	assert.Equal(t, []string{"usr"}, cfg.LiveFs.Subdirs)
	assert.True(t, cfg.LiveFs.RollbackOnError)
	assert.Equal(t, 0, cfg.Log.Verbosity)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[bus]
kind = "session"

[sysroot]
path = "/var/lib/deployd/sysroot"
osnames = ["fedora", "centos"]

[transaction]
linger = "2m"

[livefs]
subdirs = ["usr", "opt"]
`)

	cfg, err := config.Load(config.LoadOptions{Path: path})
	require.NoError(t, err)

	assert.Equal(t, config.BusSession, cfg.Bus.Kind)
	assert.Equal(t, "org.deployd.Deployd1", cfg.Bus.Name, "untouched keys keep defaults")
	assert.Equal(t, "/var/lib/deployd/sysroot", cfg.Sysroot.Path)
	assert.Equal(t, []string{"fedora", "centos"}, cfg.Sysroot.OSNames)
	assert.Equal(t, 2*time.Minute, cfg.Transaction.Linger)
	assert.Equal(t, []string{"usr", "opt"}, cfg.LiveFs.Subdirs)
}

func TestLoadEnvAndOverrides(t *testing.T) {
	t.Setenv("DEPLOYD_BUS_BASE_PATH", "/com/example/Deploy")
	t.Setenv("DEPLOYD_LIVEFS_SUBDIRS", "usr,etc")
	t.Setenv("DEPLOYD_LOG_VERBOSITY", "2")
	t.Setenv("DEPLOYD_BUS_KIND", "session")

	cfg, err := config.Load(config.LoadOptions{
		Path:      "-",
		Overrides: map[string]interface{}{"bus.kind": "address", "bus.address": "unix:path=/tmp/bus"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/com/example/Deploy", cfg.Bus.BasePath)
	assert.Equal(t, []string{"usr", "etc"}, cfg.LiveFs.Subdirs)
	assert.Equal(t, 2, cfg.Log.Verbosity)
	assert.Equal(t, config.BusAddress, cfg.Bus.Kind, "overrides win over env")
	assert.Equal(t, "unix:path=/tmp/bus", cfg.Bus.Address)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := config.Load(config.LoadOptions{Path: filepath.Join(t.TempDir(), "nope.toml")})
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrConfigLoad))
	})

	t.Run("malformed file", func(t *testing.T) {
		path := writeConfig(t, "[bus\nkind = ")
		_, err := config.Load(config.LoadOptions{Path: path})
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrConfigParse))
	})

	t.Run("invalid value", func(t *testing.T) {
		path := writeConfig(t, "[bus]\nkind = \"carrier-pigeon\"\n")
		_, err := config.Load(config.LoadOptions{Path: path})
		require.Error(t, err)
		assert.True(t, errors.IsErrorCode(err, errors.ErrConfigValid))
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"address kind without address", func(c *config.Config) { c.Bus.Kind = config.BusAddress }},
		{"empty bus name", func(c *config.Config) { c.Bus.Name = "" }},
		{"relative base path", func(c *config.Config) { c.Bus.BasePath = "org/deployd" }},
		{"relative sysroot", func(c *config.Config) { c.Sysroot.Path = "sysroot" }},
		{"relative live root", func(c *config.Config) { c.Sysroot.LiveRoot = "live" }},
		{"no subdirs", func(c *config.Config) { c.LiveFs.Subdirs = nil }},
		{"absolute subdir", func(c *config.Config) { c.LiveFs.Subdirs = []string{"/usr"} }},
		{"escaping subdir", func(c *config.Config) { c.LiveFs.Subdirs = []string{"../etc"} }},
		{"negative linger", func(c *config.Config) { c.Transaction.Linger = -time.Second }},
	}

	require.NoError(t, config.Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsErrorCode(err, errors.ErrConfigValid))
		})
	}
}

func TestTOMLRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Transaction.Linger = 90 * time.Second
	cfg.Sysroot.OSNames = []string{"fedora"}

	out, err := cfg.TOML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m30s")

	path := writeConfig(t, string(out))
	reloaded, err := config.Load(config.LoadOptions{Path: path})
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}
