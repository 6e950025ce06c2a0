package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jimsync/jim/pkg/engine"
)

// Environment variables that override the runtime configuration file.
const (
	EnvDatabasePath = "JIM_DATABASE_PATH"
	EnvLogLevel     = "JIM_LOG_LEVEL"
	EnvLogFormat    = "JIM_LOG_FORMAT"
	EnvDefinitions  = "JIM_DEFINITIONS"
	EnvMaxRetries   = "JIM_EXPORT_MAX_RETRIES"
)

// Config is the runtime configuration of the jim process.
type Config struct {
	// Definitions are the CUE files or directories holding the sync definitions.
	Definitions []string `yaml:"definitions" validate:"dive,required"`

	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
	Export      ExportConfig      `yaml:"export"`
	Expressions ExpressionsConfig `yaml:"expressions"`
	Policy      PolicyConfig      `yaml:"policy"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite repository.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
	Caller bool   `yaml:"caller"`
}

// ExportConfig holds the retry policy and the default export parallelism.
type ExportConfig struct {
	MaxRetries  int           `yaml:"max_retries" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Parallelism int           `yaml:"parallelism" validate:"gte=1,lte=256"`
}

// ExpressionsConfig bounds expression evaluation.
type ExpressionsConfig struct {
	MaxSteps uint64 `yaml:"max_steps" validate:"gte=0"`
}

// PolicyConfig configures the export policy gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths" validate:"required_if=Enabled true,dive,required"`
	Watch   bool     `yaml:"watch"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Namespace     string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the runtime configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "jim.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Export: ExportConfig{
			MaxRetries:  engine.DefaultMaxRetries,
			BaseDelay:   engine.DefaultBaseDelay,
			MaxDelay:    engine.DefaultMaxDelay,
			Parallelism: engine.DefaultExportParallelism,
		},
		Expressions: ExpressionsConfig{
			MaxSteps: 100000,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
				Namespace:     "jim",
			},
			Tracing: TracingConfig{
				Exporter:     "none",
				SamplingRate: 1.0,
			},
		},
	}
}

// Load reads a YAML runtime configuration file over the defaults, applies
// environment overrides and validates the result. An empty path loads the
// defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML runtime configuration over the defaults and validates it.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies the JIM_* overrides found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		c.Database.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvDefinitions); ok && v != "" {
		c.Definitions = []string{v}
	}
	if v, ok := lookup(EnvMaxRetries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxRetries, err)
		}
		c.Export.MaxRetries = n
	}
	return nil
}

// Validate checks the configuration with its struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RetryPolicy returns the engine retry policy described by the export settings.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries: c.Export.MaxRetries,
		BaseDelay:  c.Export.BaseDelay,
		MaxDelay:   c.Export.MaxDelay,
	}
}
