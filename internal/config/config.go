// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Decision      DecisionConfig      `yaml:"decision"`
	Capture       CaptureConfig       `yaml:"capture"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Navigation    NavigationConfig    `yaml:"navigation"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig describes operator login and token settings.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	SigningSecret string        `yaml:"signing_secret"`
	Issuer        string        `yaml:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// DecisionConfig describes operator decision settings.
type DecisionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CaptureConfig describes the single-use resource capture race.
type CaptureConfig struct {
	RaceTimeout       time.Duration `yaml:"race_timeout"`
	StrategyAttempts  int           `yaml:"strategy_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	FetchInitialDelay time.Duration `yaml:"fetch_initial_delay"`
	MinSize           int           `yaml:"min_size"`
	MaxSize           int64         `yaml:"max_size"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// BreakerConfig describes the per-strategy breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// RecoveryConfig describes return-to-known-state recovery.
type RecoveryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// NavigationConfig describes navigation sources and pacing.
type NavigationConfig struct {
	DefaultSource      string          `yaml:"default_source"`
	ItemAttempts       int             `yaml:"item_attempts"`
	MinDelay           time.Duration   `yaml:"min_delay"`
	MaxDelay           time.Duration   `yaml:"max_delay"`
	ScriptedFixture    string          `yaml:"scripted_fixture"`
	TranscriptPatterns []PatternConfig `yaml:"transcript_patterns"`
}

// PatternConfig describes one transcript description pattern.
type PatternConfig struct {
	Pattern       string `yaml:"pattern"`
	Enabled       bool   `yaml:"enabled"`
	CaseSensitive bool   `yaml:"case_sensitive"`
}

// JobsConfig describes job execution and the job ledger.
type JobsConfig struct {
	DownloadDir string         `yaml:"download_dir"`
	Mode        string         `yaml:"mode"`
	MaxActive   int            `yaml:"max_active"`
	Store       JobStoreConfig `yaml:"store"`
}

// JobStoreConfig describes job ledger persistence settings.
type JobStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// IdempotencyConfig describes job creation deduplication settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Scraping modes.
const (
	ModeInteractive   = "interactive"
	ModeSemiAutomated = "semi_automated"
	ModeAutomated     = "automated"
)

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Auth: AuthConfig{
			Enabled:  true,
			Username: "admin",
			Issuer:   "docket",
			TokenTTL: 12 * time.Hour,
		},
		Decision: DecisionConfig{
			Timeout: 300 * time.Second,
		},
		Capture: CaptureConfig{
			RaceTimeout:       20 * time.Second,
			StrategyAttempts:  5,
			RetryDelay:        2 * time.Second,
			FetchInitialDelay: 3 * time.Second,
			MinSize:           100,
			MaxSize:           100 << 20,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         5 * time.Minute,
			},
		},
		Recovery: RecoveryConfig{
			MaxAttempts: 1,
			SettleDelay: 500 * time.Millisecond,
		},
		Navigation: NavigationConfig{
			DefaultSource: "scripted",
			ItemAttempts:  2,
			MinDelay:      1 * time.Second,
			MaxDelay:      3 * time.Second,
			TranscriptPatterns: []PatternConfig{
				{Pattern: "^Transcript regarding hearing held", Enabled: true},
			},
		},
		Jobs: JobsConfig{
			DownloadDir: "./downloads",
			Mode:        ModeInteractive,
			MaxActive:   4,
			Store: JobStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Auth.Enabled {
		if c.Auth.Username == "" || c.Auth.Password == "" {
			errs = append(errs, "auth.username and auth.password are required when auth is enabled")
		}
		if len(c.Auth.SigningSecret) < 32 {
			errs = append(errs, "auth.signing_secret must be at least 32 bytes")
		}
	}
	if c.Decision.Timeout <= 0 {
		errs = append(errs, "decision.timeout must be positive")
	}
	if c.Capture.RaceTimeout <= 0 {
		errs = append(errs, "capture.race_timeout must be positive")
	}
	if c.Capture.StrategyAttempts < 1 {
		errs = append(errs, "capture.strategy_attempts must be at least 1")
	}
	if c.Capture.MinSize < 4 {
		errs = append(errs, "capture.min_size must be at least 4")
	}
	if c.Navigation.MaxDelay < c.Navigation.MinDelay {
		errs = append(errs, "navigation.max_delay must not be less than navigation.min_delay")
	}
	switch c.Jobs.Mode {
	case ModeInteractive, ModeSemiAutomated, ModeAutomated:
	default:
		errs = append(errs, fmt.Sprintf("jobs.mode %q is not one of interactive, semi_automated, automated", c.Jobs.Mode))
	}
	if c.Jobs.DownloadDir == "" {
		errs = append(errs, "jobs.download_dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DOCKET_* environment variables and overrides config
// values. Secrets are expected to arrive this way rather than in the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DOCKET_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DOCKET_AUTH_USERNAME"); v != "" {
		cfg.Auth.Username = v
	}
	if v := os.Getenv("DOCKET_AUTH_PASSWORD"); v != "" {
		cfg.Auth.Password = v
	}
	if v := os.Getenv("DOCKET_AUTH_SECRET"); v != "" {
		cfg.Auth.SigningSecret = v
	}
	if v := os.Getenv("DOCKET_JOBS_DOWNLOAD_DIR"); v != "" {
		cfg.Jobs.DownloadDir = v
	}
	if v := os.Getenv("DOCKET_JOBS_MODE"); v != "" {
		cfg.Jobs.Mode = v
	}
	if v := os.Getenv("DOCKET_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("DOCKET_DECISION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Decision.Timeout = d
		}
	}
}

// PauseFlags are the decision pause switches derived from a scraping mode.
type PauseFlags struct {
	PauseForCourt   bool
	PauseForEntries bool
	AutoSkipNoMatch bool
}

// Pauses returns the pause flags for a scraping mode. Unknown modes fall back
// to fully interactive.
func Pauses(mode string) PauseFlags {
	switch mode {
	case ModeSemiAutomated:
		return PauseFlags{PauseForCourt: true, AutoSkipNoMatch: true}
	case ModeAutomated:
		return PauseFlags{AutoSkipNoMatch: true}
	default:
		return PauseFlags{PauseForCourt: true, PauseForEntries: true}
	}
}
