// Package config handles configuration management for deployd.
// Configuration is layered: embedded TOML defaults, an optional TOML file,
// DEPLOYD_* environment variables and finally command-line overrides.
package config
