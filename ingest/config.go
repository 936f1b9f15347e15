package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/normalize"
)

// Mapping overrides how a source's raw fields map to record fields.
type Mapping = normalize.Mapping

// Config holds all ingestd configuration.
type Config struct {
	DBPath   string `yaml:"db_path"`
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	// APIKeyHash is a bcrypt hash; when set, the HTTP API requires
	// "Authorization: Bearer <key>".
	APIKeyHash  string `yaml:"api_key_hash"`
	MaxPageSize int    `yaml:"max_page_size"`
	// AllowPrivateHosts lets connectors reach loopback and private
	// networks. Off by default.
	AllowPrivateHosts bool   `yaml:"allow_private_hosts"`
	UserAgent         string `yaml:"user_agent"`
	FetchMaxBytes     int64  `yaml:"fetch_max_bytes"`
	// RateLimit caps API requests per minute per client IP; 0 disables.
	RateLimit int `yaml:"rate_limit"`

	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Forward    *ForwardConfig    `yaml:"forward"`
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// SchedulerConfig tunes the orchestrator.
type SchedulerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxFailures   int           `yaml:"max_failures"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	CommitTimeout time.Duration `yaml:"commit_timeout"`
	PoolSize      int           `yaml:"pool_size"`
}

// ForwardConfig enables the downstream drip-feed.
type ForwardConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Source   string        `yaml:"source"`
	// TokenRef names the environment variable holding the bearer token.
	TokenRef string `yaml:"token_ref"`
}

// ConnectorConfig is one configured connector instance.
type ConnectorConfig struct {
	ID           string        `yaml:"id"`
	Type         string        `yaml:"type"`
	Source       string        `yaml:"source"` // default: Type
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxFailures  int           `yaml:"max_failures"`
	Rate         RateConfig    `yaml:"rate"`
	// CredentialsRef names the environment variable holding the secret.
	CredentialsRef string    `yaml:"credentials_ref"`
	Options        yaml.Node `yaml:"options"`
	Mapping        *Mapping  `yaml:"mapping"`
}

// RateConfig is the per-connector rate limit and backoff policy.
type RateConfig struct {
	Burst       int           `yaml:"burst"`
	Every       time.Duration `yaml:"every"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
}

// envOverrides are applied on top of the file.
type envOverrides struct {
	DBPath            string `env:"INGEST_DB"`
	Addr              string `env:"INGEST_ADDR"`
	LogLevel          string `env:"LOG_LEVEL"`
	APIKeyHash        string `env:"INGEST_API_KEY_HASH"`
	AllowPrivateHosts *bool  `env:"INGEST_ALLOW_PRIVATE_HOSTS"`
	ForwardEndpoint   string `env:"INGEST_FORWARD_ENDPOINT"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "ingestd.db"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = 500
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 5 * time.Minute
	}
	if c.Scheduler.MaxFailures <= 0 {
		c.Scheduler.MaxFailures = 10
	}
	if c.Scheduler.ShutdownGrace <= 0 {
		c.Scheduler.ShutdownGrace = 10 * time.Second
	}
	for i := range c.Connectors {
		if c.Connectors[i].Source == "" {
			c.Connectors[i].Source = c.Connectors[i].Type
		}
	}
}

// LoadConfigFile reads a YAML config file. A missing path yields the
// defaults, so a bare "serve" works against env overrides alone.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("ingest: parse config %s: %w", path, err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

// LoadConfig loads .env (if present), the YAML file, then environment
// overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ingest: load .env: %w", err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("ingest: env: %w", err)
	}
	if o.DBPath != "" {
		c.DBPath = o.DBPath
	}
	if o.Addr != "" {
		c.Addr = o.Addr
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.APIKeyHash != "" {
		c.APIKeyHash = o.APIKeyHash
	}
	if o.AllowPrivateHosts != nil {
		c.AllowPrivateHosts = *o.AllowPrivateHosts
	}
	if o.ForwardEndpoint != "" {
		if c.Forward == nil {
			c.Forward = &ForwardConfig{}
		}
		c.Forward.Endpoint = o.ForwardEndpoint
	}
	return nil
}

// Validate checks the configuration for errors that would otherwise only
// surface once the service is running.
func (c *Config) Validate() error {
	var errs []error
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q: want debug|info|warn|error", c.LogLevel))
	}
	seen := make(map[string]bool, len(c.Connectors))
	for i, cc := range c.Connectors {
		if err := horosafe.ValidateIdentifier(cc.ID); err != nil {
			errs = append(errs, fmt.Errorf("connectors[%d].id: %w", i, err))
			continue
		}
		if seen[cc.ID] {
			errs = append(errs, fmt.Errorf("connectors[%d]: duplicate id %q", i, cc.ID))
		}
		seen[cc.ID] = true
		if cc.Type == "" {
			errs = append(errs, fmt.Errorf("connector %s: type is required", cc.ID))
		}
		if cc.Rate.Jitter < 0 || cc.Rate.Jitter > 1 {
			errs = append(errs, fmt.Errorf("connector %s: rate.jitter must be in [0,1]", cc.ID))
		}
		if cc.CredentialsRef != "" && os.Getenv(cc.CredentialsRef) == "" {
			errs = append(errs, fmt.Errorf("connector %s: credentials_ref %s is not set", cc.ID, cc.CredentialsRef))
		}
	}
	if c.Forward != nil && c.Forward.Endpoint != "" {
		if err := horosafe.ValidateScheme(c.Forward.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("forward.endpoint: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("ingest: invalid config: %w", err)
	}
	return nil
}
