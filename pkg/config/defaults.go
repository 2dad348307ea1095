package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/marmos91/erlnode/internal/telemetry"
	"github.com/marmos91/erlnode/pkg/epmd"
)

// Default timeouts of the distribution layer.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRPCTimeout       = 10 * time.Second
	DefaultTickInterval     = 45 * time.Second
	DefaultTickTimeout      = 60 * time.Second
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: telemetry.DefaultConfig(),
		Epmd: EpmdConfig{
			Host: "localhost",
			Port: epmd.DefaultPort,
		},
		HandshakeTimeout: DefaultHandshakeTimeout,
		RPCTimeout:       DefaultRPCTimeout,
		TickInterval:     DefaultTickInterval,
		TickTimeout:      DefaultTickTimeout,
	}
}

// setDefaults seeds viper with the built-in configuration so partial files
// and environments only override what they mention.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	v.SetDefault("telemetry.enabled", def.Telemetry.Enabled)
	v.SetDefault("telemetry.endpoint", def.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", def.Telemetry.Insecure)
	v.SetDefault("telemetry.service_name", def.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", def.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.sample_rate", def.Telemetry.SampleRate)

	v.SetDefault("epmd.host", def.Epmd.Host)
	v.SetDefault("epmd.port", def.Epmd.Port)

	v.SetDefault("cookie", "")
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("rpc_timeout", def.RPCTimeout)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("tick_timeout", def.TickTimeout)
}
