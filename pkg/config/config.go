// Package config loads node configuration the same way on every surface:
// defaults first, then an optional YAML file, then ERLNODE_* environment
// variables. It also resolves the two ambient inputs of the protocol: the
// shared cookie (explicit value or ~/.erlang.cookie) and the node-name host
// part (from the machine hostname).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/marmos91/erlnode/internal/logger"
	"github.com/marmos91/erlnode/internal/telemetry"
)

// envPrefix namespaces the environment variables (ERLNODE_EPMD_PORT, ...).
const envPrefix = "ERLNODE"

// CookieEnvVar overrides the cookie file lookup when set.
const CookieEnvVar = "ERLNODE_COOKIE"

// Config captures the static configuration of a node.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`

	// Epmd locates the port mapper daemon.
	Epmd EpmdConfig `mapstructure:"epmd" yaml:"epmd"`

	// Cookie is the shared handshake secret. Empty means: resolve through
	// ResolveCookie (environment variable, then ~/.erlang.cookie).
	Cookie string `mapstructure:"cookie" yaml:"cookie"`

	// HandshakeTimeout bounds each handshake step.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0" yaml:"handshake_timeout"`

	// RPCTimeout bounds remote procedure calls.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout" validate:"gt=0" yaml:"rpc_timeout"`

	// TickInterval is the keepalive send interval.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0" yaml:"tick_interval"`

	// TickTimeout is the read-silence threshold after which a connection is
	// considered dead. Must be at least TickInterval.
	TickTimeout time.Duration `mapstructure:"tick_timeout" validate:"gt=0,gtefield=TickInterval" yaml:"tick_timeout"`
}

// LoggingConfig mirrors the logger package configuration.
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// EpmdConfig locates the port mapper daemon.
type EpmdConfig struct {
	// Host is the daemon's host.
	Host string `mapstructure:"host" validate:"required" yaml:"host"`

	// Port is the daemon's TCP port.
	Port int `mapstructure:"port" validate:"gt=0,lte=65535" yaml:"port"`
}

// Load reads configuration from the given file (optional, empty to skip)
// with environment variables layered on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-applies the logging section whenever the config file changes.
// viper uses fsnotify underneath; changes to any other section require a
// restart and are ignored.
func Watch(path string, onChange func(LoggingConfig)) error {
	if path == "" {
		return fmt.Errorf("config: nothing to watch")
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		var lc LoggingConfig
		if err := v.UnmarshalKey("logging", &lc); err != nil {
			logger.Warn("config reload failed", logger.KeyError, err.Error())
			return
		}
		onChange(lc)
	})
	v.WatchConfig()
	return nil
}

// Validate checks the configuration against its constraint tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	return nil
}

// decodeHook parses durations written as "10s" in YAML or environment
// values.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
			return data, nil
		},
	)
}

// ResolveCookie returns the shared cookie: the configured value when set,
// else the ERLNODE_COOKIE environment variable, else the contents of
// ~/.erlang.cookie with trailing whitespace trimmed.
func (c *Config) ResolveCookie() (string, error) {
	if c.Cookie != "" {
		return c.Cookie, nil
	}
	return ReadCookie()
}

// ReadCookie resolves the cookie from the environment or the cookie file.
func ReadCookie() (string, error) {
	if v := os.Getenv(CookieEnvVar); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: locate home directory: %w", err)
	}
	path := filepath.Join(home, ".erlang.cookie")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read cookie file %s: %w", path, err)
	}
	return strings.TrimRight(string(raw), " \t\r\n"), nil
}

// Hostname returns the host part for node names. Long names keep the full
// hostname; short names cut at the first dot.
func Hostname(longNames bool) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "localhost"
	}
	if longNames {
		return host
	}
	short, _, _ := strings.Cut(host, ".")
	return short
}

// NodeName builds a full node name from a prefix and the local hostname,
// using long names when remoteHost is fully qualified.
func NodeName(prefix, remoteHost string) string {
	longNames := strings.Contains(remoteHost, ".")
	return prefix + "@" + Hostname(longNames)
}
