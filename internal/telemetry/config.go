package telemetry

// Config holds OpenTelemetry tracing configuration.
type Config struct {
	// Enabled turns tracing on. When false, a no-op tracer is installed.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP/gRPC collector endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// ServiceName identifies this node in traces.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// ServiceVersion is attached to the trace resource.
	ServiceVersion string `mapstructure:"service_version" yaml:"service_version"`

	// SampleRate is the trace sampling ratio in [0.0, 1.0].
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultConfig returns a disabled tracing configuration with sane fields
// for when it is switched on.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Insecure:       true,
		ServiceName:    "erlnode",
		ServiceVersion: "dev",
		SampleRate:     1.0,
	}
}
