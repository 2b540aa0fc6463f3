package config

import (
	_ "embed"
	stderrors "errors"
	"os"
	"strings"

	"github.com/arthur-debert/deployd/pkg/errors"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigFile is read when no explicit config file is given. It is
// optional.
const DefaultConfigFile = "/etc/deployd/deployd.toml"

// EnvPrefix prefixes every environment override, e.g. DEPLOYD_BUS_KIND
const EnvPrefix = "DEPLOYD_"

//go:embed embedded/defaults.toml
var defaultConfig []byte

// rawBytesProvider implements koanf provider for raw bytes
type rawBytesProvider struct{ bytes []byte }

func (r *rawBytesProvider) ReadBytes() ([]byte, error) { return r.bytes, nil }
func (r *rawBytesProvider) Read() (map[string]interface{}, error) {
	return nil, stderrors.New("not implemented")
}

// LoadOptions selects the sources layered over the embedded defaults
type LoadOptions struct {
	// Path is an explicit config file; it must exist. Empty falls back to
	// DefaultConfigFile when that file exists.
	Path string
	// Overrides are dotted keys (e.g. "bus.kind") applied last
	Overrides map[string]interface{}
}

// Default returns the embedded defaults
func Default() *Config {
	cfg, err := Load(LoadOptions{Path: "-"})
	if err != nil {
		// The embedded defaults are part of the binary; failing to parse
		// them is a build defect.
		panic(err)
	}
	return cfg
}

// Load builds the configuration from all sources and validates it.
// A Path of "-" skips config files entirely.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	// 1. System defaults
	if err := k.Load(&rawBytesProvider{bytes: defaultConfig}, toml.Parser()); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "failed to load defaults")
	}

	// 2. Config file
	if path, ok := configFilePath(opts.Path); ok {
		if _, err := os.Stat(path); err != nil {
			if opts.Path != "" {
				return nil, errors.Wrapf(err, errors.ErrConfigLoad, "config file %s", path)
			}
		} else if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, errors.ErrConfigParse, "failed to load config from %s", path)
		}
	}

	// 3. Env vars
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load env vars")
	}

	// 4. Overrides
	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, "."), nil); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfigLoad, "failed to load overrides")
		}
	}

	var cfg Config
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigParse, "failed to unmarshal configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFilePath(path string) (string, bool) {
	switch path {
	case "-":
		return "", false
	case "":
		return DefaultConfigFile, true
	default:
		return path, true
	}
}

// envKey maps DEPLOYD_SECTION_SOME_KEY to section.some_key. Only the first
// underscore separates the section, so keys may contain underscores.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(key, "_", ".", 1)
}
