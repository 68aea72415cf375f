package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/paths"
)

type Config struct {
	Client    ClientConfig    `toml:"client"`
	Retry     RetryConfig     `toml:"retry"`
	Server    ServerConfig    `toml:"server"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ClientConfig struct {
	BaseURL   string `toml:"base_url"`
	TimeoutMS int    `toml:"timeout_ms"`
	// Debug logs retried attempts to stderr.
	Debug bool `toml:"debug"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
	DBPath string `toml:"db_path"`
}

type TelemetryConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func Default() Config {
	addr := fmt.Sprintf("%s:%d", api.DefaultHost, api.DefaultPort)
	return Config{
		Client:    ClientConfig{BaseURL: "http://" + addr, TimeoutMS: 30000},
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelayMS: 1000},
		Server:    ServerConfig{Listen: addr},
		Telemetry: TelemetryConfig{OTLPEndpoint: "http://127.0.0.1:4318"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

// Load reads <root>/.snapdiff/config.toml over the defaults. A missing file
// is not an error.
func Load(root string) LoadResult {
	res := LoadResult{Config: Default()}
	path := paths.ConfigFile(root)
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	if err := validate(res.Config); err != nil {
		res.ParseError = err
	}
	return res
}

// EnvOverrides are the environment variables that take precedence over the
// config file. Zero values leave the file setting untouched.
type EnvOverrides struct {
	BaseURL      string        `env:"SNAPDIFF_BASE_URL"`
	MaxAttempts  int           `env:"SNAPDIFF_MAX_ATTEMPTS"`
	BaseDelay    time.Duration `env:"SNAPDIFF_BASE_DELAY"`
	Timeout      time.Duration `env:"SNAPDIFF_TIMEOUT"`
	Listen       string        `env:"SNAPDIFF_LISTEN"`
	DBPath       string        `env:"SNAPDIFF_DB"`
	Telemetry    bool          `env:"SNAPDIFF_TELEMETRY"`
	Debug        bool          `env:"SNAPDIFF_DEBUG"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadDotEnv loads <path> into the process environment if it exists.
// Variables already set are kept.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment overrides on cfg.
func ApplyEnv(cfg Config) (Config, error) {
	var o EnvOverrides
	if err := env.Parse(&o); err != nil {
		return cfg, fmt.Errorf("%w: parse env: %v", ErrInvalid, err)
	}
	if o.BaseURL != "" {
		cfg.Client.BaseURL = o.BaseURL
	}
	if o.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay != 0 {
		cfg.Retry.BaseDelayMS = int(o.BaseDelay / time.Millisecond)
	}
	if o.Timeout != 0 {
		cfg.Client.TimeoutMS = int(o.Timeout / time.Millisecond)
	}
	if o.Listen != "" {
		cfg.Server.Listen = o.Listen
	}
	if o.DBPath != "" {
		cfg.Server.DBPath = o.DBPath
	}
	if o.Telemetry {
		cfg.Telemetry.Enabled = true
	}
	if o.Debug {
		cfg.Client.Debug = true
	}
	if o.OTLPEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = o.OTLPEndpoint
	}
	return cfg, validate(cfg)
}

func validate(cfg Config) error {
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.max_attempts must be at least 1", ErrInvalid)
	}
	if cfg.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("%w: retry.base_delay_ms must not be negative", ErrInvalid)
	}
	if cfg.Client.BaseURL == "" {
		return fmt.Errorf("%w: client.base_url is required", ErrInvalid)
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Client
	if cfg.Client.BaseURL != "" {
		def.Client.BaseURL = cfg.Client.BaseURL
	}
	if cfg.Client.TimeoutMS != 0 {
		def.Client.TimeoutMS = cfg.Client.TimeoutMS
	}
	def.Client.Debug = cfg.Client.Debug
	// Retry
	if cfg.Retry.MaxAttempts != 0 {
		def.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMS != 0 {
		def.Retry.BaseDelayMS = cfg.Retry.BaseDelayMS
	}
	// Server
	if cfg.Server.Listen != "" {
		def.Server.Listen = cfg.Server.Listen
	}
	if cfg.Server.DBPath != "" {
		def.Server.DBPath = cfg.Server.DBPath
	}
	// Telemetry
	def.Telemetry.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	return def
}
