package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envconfig:"SERVER"`
	Security      SecurityConfig      `yaml:"security" envconfig:"SECURITY"`
	Logging       LoggingConfig       `yaml:"logging" envconfig:"LOGGING"`
	Licensing     LicensingConfig     `yaml:"licensing" envconfig:"LICENSING"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" envconfig:"TELEMETRY"`
	Observability ObservabilityConfig `yaml:"observability" envconfig:"OBSERVABILITY"`
}

// ServerConfig contains the local HTTP API configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" validate:"required"`
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig limits license mutation requests (activate, deactivate, validate)
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" validate:"gt=0"`
	Burst   int     `yaml:"burst" envconfig:"BURST" validate:"gt=0"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// LicensingConfig controls the activation subsystem. Every numeric policy
// value lives here rather than in code.
type LicensingConfig struct {
	AuthorityURL string `yaml:"authority_url" envconfig:"AUTHORITY_URL" validate:"required,url"`
	// PublicKey overrides the embedded verification key (base64).
	PublicKey string `yaml:"public_key" envconfig:"PUBLIC_KEY"`
	StateFile string `yaml:"state_file" envconfig:"STATE_FILE"`

	RequestTimeout     time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF" validate:"gte=0"`
	GraceWindow        time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW" validate:"gt=0"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval" envconfig:"REVALIDATE_INTERVAL" validate:"gt=0"`
	CheckTimeout       time.Duration `yaml:"check_timeout" envconfig:"CHECK_TIMEOUT" validate:"gt=0"`
}

// TelemetryConfig controls best-effort usage reporting
type TelemetryConfig struct {
	Enabled       bool          `yaml:"enabled" envconfig:"ENABLED"`
	Endpoint      string        `yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	BufferSize    int           `yaml:"buffer_size" envconfig:"BUFFER_SIZE" validate:"gt=0"`
	BatchSize     int           `yaml:"batch_size" envconfig:"BATCH_SIZE" validate:"gt=0"`
	FlushInterval time.Duration `yaml:"flush_interval" envconfig:"FLUSH_INTERVAL" validate:"gt=0"`
	RatePerSecond float64       `yaml:"rate_per_second" envconfig:"RATE_PER_SECOND" validate:"gt=0"`
	Burst         int           `yaml:"burst" envconfig:"BURST" validate:"gt=0"`
}

// ObservabilityConfig selects OpenTelemetry exporters
type ObservabilityConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in increasing order of precedence.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get paths: %w", err)
	}

	cfg := Default()

	configFile := os.Getenv(EnvPrefix + "_CONFIG_FILE")
	if configFile == "" {
		configFile = paths.ConfigFile
	}
	if FileExists(configFile) {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
	}

	// No default tags: envconfig only touches fields whose variable is set.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.resolvePaths(paths)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file on top of cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// resolvePaths fills unset file locations from the centralized paths
func (c *Config) resolvePaths(paths *Paths) {
	if c.Licensing.StateFile == "" {
		c.Licensing.StateFile = paths.StateFile
	} else if !filepath.IsAbs(c.Licensing.StateFile) {
		c.Licensing.StateFile = filepath.Join(paths.DataDir, c.Licensing.StateFile)
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(paths.LogsDir, LogFileName)
	} else if !filepath.IsAbs(c.Logging.FilePath) {
		c.Logging.FilePath = filepath.Join(paths.LogsDir, c.Logging.FilePath)
	}
}

var validate = validator.New()

// validate validates the configuration
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	// A check may spend two authority attempts and the backoff between them.
	if budget := 2*c.Licensing.RequestTimeout + c.Licensing.RetryBackoff; c.Licensing.CheckTimeout < budget {
		return fmt.Errorf("licensing check timeout (%s) must cover two request attempts and the retry backoff (%s)",
			c.Licensing.CheckTimeout, budget)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}

	// JSON is the only supported log format
	c.Logging.Format = "json"

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"app://aichemist", "http://localhost:5173"},
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     1,
				Burst:   5,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "both",
		},
		Licensing: LicensingConfig{
			AuthorityURL:       DefaultAuthorityURL,
			RequestTimeout:     DefaultRequestTimeout,
			RetryBackoff:       DefaultRetryBackoff,
			GraceWindow:        DefaultGraceWindow,
			RevalidateInterval: DefaultRevalidateInterval,
			CheckTimeout:       DefaultCheckTimeout,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			BufferSize:    256,
			BatchSize:     20,
			FlushInterval: 30 * time.Second,
			RatePerSecond: 1,
			Burst:         2,
		},
		Observability: ObservabilityConfig{
			Environment:    "production",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
