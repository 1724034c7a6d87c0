package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for analyst-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL; app tables and the analytic star schema)
	Database DatabaseConfig `yaml:"database"`

	// LLM endpoint configuration
	LLM LLMConfig `yaml:"llm"`

	// Agent pipeline limits
	Agent AgentConfig `yaml:"agent"`

	// Auth / session configuration
	Auth AuthConfig `yaml:"auth"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"pharma"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"pharma_db"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// LLMConfig holds configuration for the OpenAI-compatible LLM endpoint.
type LLMConfig struct {
	Endpoint   string `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model      string `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey     string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	MaxRetries int    `yaml:"max_retries" env:"LLM_MAX_RETRIES" env-default:"3"`
}

// AgentConfig holds limits for the analysis pipeline.
type AgentConfig struct {
	// MaxRepairRetries bounds the SQL repair loop per task.
	MaxRepairRetries int `yaml:"max_repair_retries" env:"SQL_MAX_RETRIES" env-default:"2"`
	// MaxRows caps the number of rows returned by any one query.
	MaxRows int `yaml:"max_rows" env:"SQL_MAX_ROWS" env-default:"100"`
	// QueryTimeoutSeconds bounds a single analytic query round-trip.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"SQL_QUERY_TIMEOUT_SECONDS" env-default:"30"`
	// WorkerConcurrency bounds concurrent task execution within one run.
	WorkerConcurrency int `yaml:"worker_concurrency" env:"AGENT_WORKER_CONCURRENCY" env-default:"2"`
	// HistoryWindow is how many recent messages feed SQL generation context.
	HistoryWindow int `yaml:"history_window" env:"AGENT_HISTORY_WINDOW" env-default:"6"`
}

// QueryTimeout returns the per-query timeout as a duration.
func (c *AgentConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// AuthConfig holds session and service-token configuration.
type AuthConfig struct {
	// SessionTTLDays is how long a login session cookie remains valid.
	SessionTTLDays int `yaml:"session_ttl_days" env:"SESSION_TTL_DAYS" env-default:"7"`
	// CookieSecret signs the session cookie. Secret - env only.
	CookieSecret string `yaml:"-" env:"COOKIE_SECRET"`
	// ServiceTokenSecret verifies HS256 bearer tokens on the governance
	// audit API. Secret - env only. Empty disables the audit endpoint.
	ServiceTokenSecret string `yaml:"-" env:"SERVICE_TOKEN_SECRET"`
}

// SessionTTL returns the session lifetime as a duration.
func (c *AuthConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLDays) * 24 * time.Hour
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Agent.MaxRepairRetries < 0 {
		return fmt.Errorf("max_repair_retries must be >= 0")
	}
	if c.Agent.MaxRows < 1 {
		return fmt.Errorf("max_rows must be >= 1")
	}
	if c.Agent.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be >= 1")
	}
	if c.Auth.CookieSecret == "" && c.Env != "local" {
		return fmt.Errorf("COOKIE_SECRET is required outside local environment")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
