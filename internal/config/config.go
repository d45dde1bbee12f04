// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Agent   AgentConfig   `mapstructure:"agent" yaml:"agent"`
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the console color per level. Levels above error reuse
// the error color.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// BrowserConfig holds settings for the controlled browser.
type BrowserConfig struct {
	Headless bool `mapstructure:"headless" yaml:"headless"`
	// RemoteURL attaches to an already running browser's DevTools endpoint
	// instead of launching one.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	JPEGQuality       int           `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MaxElements       int           `mapstructure:"max_elements" yaml:"max_elements"`
}

// AgentConfig tunes the control loop.
type AgentConfig struct {
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	Temperature    float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	GridURLPattern string        `mapstructure:"grid_url_pattern" yaml:"grid_url_pattern"`
	IoUThreshold   float64       `mapstructure:"iou_threshold" yaml:"iou_threshold"`
	// KeepStepScreenshots attaches the raw screenshot of every step to the
	// compact history entry.
	KeepStepScreenshots bool          `mapstructure:"keep_step_screenshots" yaml:"keep_step_screenshots"`
	Capture             CaptureConfig `mapstructure:"capture" yaml:"capture"`
}

// CaptureConfig controls the perception retry.
type CaptureConfig struct {
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// LLMProvider defines the supported model backends.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"
	ProviderAnthropic LLMProvider = "anthropic"
)

// LLMConfig configures the primary model, the optional fallback and the
// resilience policy wrapped around them.
type LLMConfig struct {
	Primary      LLMModelConfig `mapstructure:"primary" yaml:"primary"`
	Secondary    LLMModelConfig `mapstructure:"secondary" yaml:"secondary"`
	RateLimitRPS float64        `mapstructure:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateBurst    int            `mapstructure:"rate_burst" yaml:"rate_burst"`
	Retry        RetryConfig    `mapstructure:"retry" yaml:"retry"`
	Breaker      BreakerConfig  `mapstructure:"breaker" yaml:"breaker"`
}

// LLMModelConfig defines the configuration for a single model backend.
// A model with an empty provider is disabled.
type LLMModelConfig struct {
	Provider      LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model         string            `mapstructure:"model" yaml:"model"`
	APIKey        string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint      string            `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	TopP          float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK          int               `mapstructure:"top_k" yaml:"top_k"`
	SafetyFilters map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
}

// Enabled reports whether the backend is configured.
func (m LLMModelConfig) Enabled() bool { return m.Provider != "" }

// RetryConfig is the exponential backoff policy for model calls.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed" yaml:"max_elapsed"`
}

// BreakerConfig configures the circuit breaker guarding the primary model.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
}

// StoreBackend names where resumable run state is kept.
type StoreBackend string

const (
	StoreNone     StoreBackend = "none"
	StoreFile     StoreBackend = "file"
	StoreRedis    StoreBackend = "redis"
	StorePostgres StoreBackend = "postgres"
)

// StoreConfig selects and configures the run state store.
type StoreConfig struct {
	Backend  StoreBackend   `mapstructure:"backend" yaml:"backend"`
	Dir      string         `mapstructure:"dir" yaml:"dir"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// RedisConfig holds redis connection details.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// PostgresConfig holds the postgres connection details.
type PostgresConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Table string `mapstructure:"table" yaml:"table"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "pagepilot")
	v.SetDefault("logger.log_file", "pagepilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)
	v.SetDefault("browser.jpeg_quality", 0)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.max_elements", 400)

	// -- Agent --
	v.SetDefault("agent.max_steps", 100)
	v.SetDefault("agent.stream_timeout", "10m")
	v.SetDefault("agent.temperature", 0.2)
	v.SetDefault("agent.max_tokens", 4096)
	v.SetDefault("agent.grid_url_pattern", `^https://docs\.google\.com/spreadsheets/`)
	v.SetDefault("agent.iou_threshold", 0.7)
	v.SetDefault("agent.keep_step_screenshots", false)
	v.SetDefault("agent.capture.attempts", 3)
	v.SetDefault("agent.capture.initial_delay", "500ms")
	v.SetDefault("agent.capture.multiplier", 1.5)

	// -- LLM --
	v.SetDefault("llm.primary.provider", string(ProviderGemini))
	v.SetDefault("llm.primary.model", "gemini-2.5-flash")
	v.SetDefault("llm.primary.api_timeout", "90s")
	v.SetDefault("llm.secondary.api_timeout", "90s")
	v.SetDefault("llm.rate_limit_rps", 2.0)
	v.SetDefault("llm.rate_burst", 1)
	v.SetDefault("llm.retry.initial_interval", "1s")
	v.SetDefault("llm.retry.max_interval", "20s")
	v.SetDefault("llm.retry.max_elapsed", "60s")
	v.SetDefault("llm.breaker.max_failures", 3)
	v.SetDefault("llm.breaker.open_timeout", "60s")

	// -- Store --
	v.SetDefault("store.backend", string(StoreFile))
	v.SetDefault("store.dir", "~/.pagepilot/runs")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.key_prefix", "pagepilot:run:")
	v.SetDefault("store.redis.ttl", "168h")
	v.SetDefault("store.postgres.table", "agent_runs")

	// -- Observability --
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("llm.primary.api_key", "PAGEPILOT_PRIMARY_API_KEY")
	v.BindEnv("llm.secondary.api_key", "PAGEPILOT_SECONDARY_API_KEY")
	v.BindEnv("store.redis.password", "PAGEPILOT_REDIS_PASSWORD")
	v.BindEnv("store.postgres.url", "PAGEPILOT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the providers' conventional variables.
	cfg.LLM.Primary.APIKey = apiKeyFromEnv(cfg.LLM.Primary)
	cfg.LLM.Secondary.APIKey = apiKeyFromEnv(cfg.LLM.Secondary)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func apiKeyFromEnv(m LLMModelConfig) string {
	if m.APIKey != "" {
		return m.APIKey
	}
	switch m.Provider {
	case ProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store configuration invalid: %w", err)
	}
	if c.Browser.JPEGQuality < 0 || c.Browser.JPEGQuality > 100 {
		return fmt.Errorf("browser.jpeg_quality must be between 0 and 100")
	}
	return nil
}

// Validate checks the AgentConfig settings.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.StreamTimeout < 0 {
		return fmt.Errorf("stream_timeout must not be negative")
	}
	if a.IoUThreshold <= 0 || a.IoUThreshold > 1 {
		return fmt.Errorf("iou_threshold must be in (0, 1]")
	}
	if a.Capture.Attempts <= 0 {
		return fmt.Errorf("capture.attempts must be a positive integer")
	}
	if a.Capture.Multiplier < 1 {
		return fmt.Errorf("capture.multiplier must be at least 1")
	}
	if a.GridURLPattern != "" {
		if _, err := regexp.Compile(a.GridURLPattern); err != nil {
			return fmt.Errorf("grid_url_pattern is not a valid expression: %w", err)
		}
	}
	return nil
}

// Validate checks the LLMConfig settings.
func (l *LLMConfig) Validate() error {
	if !l.Primary.Enabled() {
		return fmt.Errorf("primary.provider is required")
	}
	for name, m := range map[string]LLMModelConfig{"primary": l.Primary, "secondary": l.Secondary} {
		if !m.Enabled() {
			continue
		}
		switch m.Provider {
		case ProviderGemini, ProviderAnthropic:
		default:
			return fmt.Errorf("%s.provider %q is not supported", name, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("%s.model is required", name)
		}
	}
	if l.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	return nil
}

// Validate checks the StoreConfig settings.
func (s *StoreConfig) Validate() error {
	switch s.Backend {
	case StoreNone, "":
	case StoreFile:
		if s.Dir == "" {
			return fmt.Errorf("dir is required for the file backend")
		}
	case StoreRedis:
		if s.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis backend")
		}
	case StorePostgres:
		if s.Postgres.URL == "" {
			return fmt.Errorf("postgres.url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}
