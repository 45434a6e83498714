// Package config loads the daemon configuration from YAML with
// environment-variable fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shiyoukh/cf-ai-agent/pkg/ratelimit"
)

// Config represents the application configuration
type Config struct {
	// OpenAIKey authenticates against the inference API.
	OpenAIKey string `yaml:"openai_key"`
	// OpenAIBaseURL overrides the API endpoint (optional).
	OpenAIBaseURL string `yaml:"openai_base_url"`
	// Model is the chat model name.
	Model string `yaml:"model"`

	// Redis holds session store connection settings.
	Redis RedisConfig `yaml:"redis"`

	// Session holds per-session actor settings.
	Session SessionConfig `yaml:"session"`

	// HTTPPort is the API server port.
	HTTPPort int `yaml:"http_port"`
	// MetricsPort is the observability server port.
	MetricsPort int `yaml:"metrics_port"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SessionConfig holds the session actor's retention and admission settings.
type SessionConfig struct {
	// MaxAge bounds retained turn age.
	MaxAge time.Duration `yaml:"max_age"`
	// MaxTurns bounds retained turn count.
	MaxTurns int `yaml:"max_turns"`
	// MaxChars bounds total retained content length.
	MaxChars int `yaml:"max_chars"`
	// MaxTurnChars bounds a single chat message's length.
	MaxTurnChars int `yaml:"max_turn_chars"`
	// MaintenancePeriod is the interval between maintenance runs.
	MaintenancePeriod time.Duration `yaml:"maintenance_period"`
	// ImmediateThreshold is the inline-execution horizon for schedule requests.
	ImmediateThreshold time.Duration `yaml:"immediate_threshold"`
	// ChatPolicy admits chat turns.
	ChatPolicy ratelimit.Policy `yaml:"chat_policy"`
	// SchedulePolicy admits schedule requests.
	SchedulePolicy ratelimit.Policy `yaml:"schedule_policy"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration with no file loaded.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Password == "" {
		c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}

	s := &c.Session
	if s.MaxAge == 0 {
		s.MaxAge = 14 * 24 * time.Hour
	}
	if s.MaxTurns == 0 {
		s.MaxTurns = 300
	}
	if s.MaxChars == 0 {
		s.MaxChars = 120_000
	}
	if s.MaxTurnChars == 0 {
		s.MaxTurnChars = 4000
	}
	if s.MaintenancePeriod == 0 {
		s.MaintenancePeriod = 24 * time.Hour
	}
	if s.ImmediateThreshold == 0 {
		s.ImmediateThreshold = 30 * time.Second
	}
	if s.ChatPolicy.RatePerMinute == 0 {
		s.ChatPolicy = ratelimit.Policy{RatePerMinute: 30, Burst: 10}
	}
	if s.SchedulePolicy.RatePerMinute == 0 {
		s.SchedulePolicy = ratelimit.Policy{RatePerMinute: 6, Burst: 3}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("openai_key is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Session.ChatPolicy.Burst <= 0 || c.Session.SchedulePolicy.Burst <= 0 {
		return fmt.Errorf("rate limit policies require a positive burst")
	}
	return nil
}
