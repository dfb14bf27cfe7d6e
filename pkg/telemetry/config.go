package telemetry

import (
	"fmt"
	"time"
)

// Config groups the observability settings of the agent. It is embedded
// under the telemetry key of the agent configuration file.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`

	// ResourceAttributes are attached to every exported span.
	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// LoggingConfig configures the zerolog root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error or fatal
	Format string `yaml:"format"` // console or json
	Output string `yaml:"output"` // stdout, stderr or a file path

	EnableCaller bool `yaml:"enable_caller"`

	// Burst sampling keeps chatty loop logs bounded: the first
	// SamplingInitial messages per second pass, then one in
	// SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial"`
	SamplingThereafter int  `yaml:"sampling_thereafter"`

	TimeFormat string `yaml:"time_format"` // unix, unixms or rfc3339
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Exporter           string            `yaml:"exporter"` // otlp, stdout or none
	Endpoint           string            `yaml:"endpoint"`
	SamplingRate       float64           `yaml:"sampling_rate"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress starts a dedicated metrics listener when set. The API
	// server exposes the same registry under /metrics regardless.
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`

	Namespace               string    `yaml:"namespace"`
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures the pipeline event bus.
type EventsConfig struct {
	Enabled     bool `yaml:"enabled"`
	BufferSize  int  `yaml:"buffer_size"`
	EnableAsync bool `yaml:"enable_async"`
}

// DefaultConfig returns the development profile.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "selfheal",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "selfheal",
			DefaultHistogramBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ConfigFor returns the profile for a deployment environment. Production
// logs JSON with sampling and exports a tenth of traces over OTLP; every
// other environment gets DefaultConfig with the environment recorded.
func ConfigFor(environment string) *Config {
	cfg := DefaultConfig()
	if environment == "" {
		return cfg
	}
	cfg.Environment = environment
	if environment != "production" {
		return cfg
	}

	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case !oneOf(c.Logging.Level, logLevels):
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !oneOf(c.Logging.Format, logFormats):
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, spanExporters):
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
