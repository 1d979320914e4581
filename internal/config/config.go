package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BaseURLDefault       = "https://api.openai.com/v1"
	ModelDefault         = "gpt-4o-mini"
	TimeoutDefault       = 60 * time.Second
	StreamTimeoutDefault = 5 * time.Minute
	MaxRetriesDefault    = 2
	StateTTLDefault      = time.Hour
	StateCapacityDefault = 10000
	MaxToolRoundsDefault = 8
	RedisPrefixDefault   = "responses:"
)

// ClientConfig holds all client configuration.
type ClientConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	HealthModel   string        `yaml:"health_model"`
	Timeout       time.Duration `yaml:"timeout"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	StateTTL      time.Duration `yaml:"state_ttl"`
	StateCapacity int           `yaml:"state_capacity"`
	RedisURL      string        `yaml:"redis_url"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	Verbose       bool          `yaml:"verbose"`
}

// DefaultFromEnv creates a ClientConfig with defaults from environment variables.
func DefaultFromEnv() *ClientConfig {
	apiKey := strings.TrimSpace(os.Getenv("RESPONSES_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return &ClientConfig{
		APIKey:        apiKey,
		BaseURL:       envString("RESPONSES_BASE_URL", BaseURLDefault),
		Model:         envOrDefault("RESPONSES_MODEL", ModelDefault),
		HealthModel:   envOrDefault("RESPONSES_HEALTH_MODEL", ""),
		Timeout:       envDuration("RESPONSES_TIMEOUT", TimeoutDefault),
		StreamTimeout: envDuration("RESPONSES_STREAM_TIMEOUT", StreamTimeoutDefault),
		MaxRetries:    envInt("RESPONSES_MAX_RETRIES", MaxRetriesDefault),
		StateTTL:      envDuration("RESPONSES_STATE_TTL", StateTTLDefault),
		StateCapacity: envInt("RESPONSES_STATE_CAPACITY", StateCapacityDefault),
		RedisURL:      envString("RESPONSES_REDIS_URL", ""),
		RedisPrefix:   envString("RESPONSES_REDIS_PREFIX", RedisPrefixDefault),
		MaxToolRounds: envInt("RESPONSES_MAX_TOOL_ROUNDS", MaxToolRoundsDefault),
		Verbose:       envBool("RESPONSES_VERBOSE"),
	}
}

// LoadFile overlays the non-zero fields of a YAML file onto c.
func (c *ClientConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var file ClientConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.merge(&file)
	return nil
}

func (c *ClientConfig) merge(o *ClientConfig) {
	setString(&c.APIKey, o.APIKey)
	setString(&c.BaseURL, o.BaseURL)
	setString(&c.Model, o.Model)
	setString(&c.HealthModel, o.HealthModel)
	setString(&c.RedisURL, o.RedisURL)
	setString(&c.RedisPrefix, o.RedisPrefix)
	if o.Timeout > 0 {
		c.Timeout = o.Timeout
	}
	if o.StreamTimeout > 0 {
		c.StreamTimeout = o.StreamTimeout
	}
	if o.MaxRetries > 0 {
		c.MaxRetries = o.MaxRetries
	}
	if o.StateTTL > 0 {
		c.StateTTL = o.StateTTL
	}
	if o.StateCapacity > 0 {
		c.StateCapacity = o.StateCapacity
	}
	if o.MaxToolRounds > 0 {
		c.MaxToolRounds = o.MaxToolRounds
	}
	if o.Verbose {
		c.Verbose = true
	}
}

// MockMode reports whether no credential is configured.
func (c *ClientConfig) MockMode() bool {
	return strings.TrimSpace(c.APIKey) == ""
}

// HealthModelOrDefault returns the model used for health probes.
func (c *ClientConfig) HealthModelOrDefault() string {
	if c.HealthModel != "" {
		return c.HealthModel
	}
	if c.Model != "" {
		return c.Model
	}
	return ModelDefault
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(strings.TrimSpace(v))
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
