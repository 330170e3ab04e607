// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Runtime    RuntimeConfig    `mapstructure:"runtime" yaml:"runtime"`
	LLM        LLMConfig        `mapstructure:"llm" yaml:"llm"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Approval   ApprovalConfig   `mapstructure:"approval" yaml:"approval"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RuntimeConfig bounds the agent loop. These were fixed literals in earlier
// iterations; they materially affect cost and latency, so they are
// configuration now.
type RuntimeConfig struct {
	MaxIterations   int           `mapstructure:"max_iterations" yaml:"max_iterations"`
	LLMRetries      int           `mapstructure:"llm_retries" yaml:"llm_retries"`
	LLMRetryBackoff time.Duration `mapstructure:"llm_retry_backoff" yaml:"llm_retry_backoff"`
	ToolTimeout     time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
}

// LLMConfig defines the transport configuration for the model endpoint.
type LLMConfig struct {
	Provider      string        `mapstructure:"provider" yaml:"provider"`
	Model         string        `mapstructure:"model" yaml:"model"`
	PlannerModel  string        `mapstructure:"planner_model" yaml:"planner_model"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// SessionConfig tunes the shared session state store.
type SessionConfig struct {
	StateTTL        time.Duration `mapstructure:"state_ttl" yaml:"state_ttl"`
	InterruptTTL    time.Duration `mapstructure:"interrupt_ttl" yaml:"interrupt_ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// ApprovalConfig sets the defaults for the tool approval policy.
type ApprovalConfig struct {
	// AutoApprove lists risk categories that execute without confirmation
	// unless a user overrides the toggle.
	AutoApprove []string      `mapstructure:"auto_approve" yaml:"auto_approve"`
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
}

// CheckpointConfig tunes checkpoint retention.
type CheckpointConfig struct {
	KeepCount int `mapstructure:"keep_count" yaml:"keep_count"`
}

// DatabaseConfig holds the optional durable mirror connection details. An
// empty URL disables the mirror; a live session never requires it.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "agentcore")
	v.SetDefault("logger.log_file", "agentcore.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Runtime --
	v.SetDefault("runtime.max_iterations", 50)
	v.SetDefault("runtime.llm_retries", 3)
	v.SetDefault("runtime.llm_retry_backoff", "2s")
	v.SetDefault("runtime.tool_timeout", "2m")

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-pro")
	v.SetDefault("llm.planner_model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.rate_per_second", 1.0)
	v.SetDefault("llm.rate_burst", 2)

	// -- Session store --
	v.SetDefault("session.state_ttl", "30m")
	v.SetDefault("session.interrupt_ttl", "30s")
	v.SetDefault("session.janitor_interval", "1m")

	// -- Approval --
	v.SetDefault("approval.auto_approve", []string{"read_only"})
	v.SetDefault("approval.retention", "24h")

	// -- Checkpoints --
	v.SetDefault("checkpoint.keep_count", 20)
}

// NewDefaultConfig creates a configuration populated with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with the defaults above.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("llm.api_key", "AGENTCORE_LLM_API_KEY")
	v.BindEnv("database.url", "AGENTCORE_DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Runtime.MaxIterations <= 0 {
		return fmt.Errorf("runtime.max_iterations must be a positive integer")
	}
	if c.Runtime.LLMRetries < 0 {
		return fmt.Errorf("runtime.llm_retries must not be negative")
	}
	if c.Runtime.ToolTimeout <= 0 {
		return fmt.Errorf("runtime.tool_timeout must be a positive duration")
	}
	if c.Session.StateTTL <= 0 {
		return fmt.Errorf("session.state_ttl must be a positive duration")
	}
	if c.Session.InterruptTTL <= 0 {
		return fmt.Errorf("session.interrupt_ttl must be a positive duration")
	}
	if c.Checkpoint.KeepCount < 1 {
		return fmt.Errorf("checkpoint.keep_count must be at least 1")
	}
	return nil
}
