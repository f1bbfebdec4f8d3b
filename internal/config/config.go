// Package config handles steward configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./config.yaml, ~/.config/steward/config.yaml, /etc/steward/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "steward", "config.yaml"))
	}

	paths = append(paths, "/etc/steward/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all steward configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	Search    SearchConfig    `yaml:"search"`
	Market    MarketConfig    `yaml:"market"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// AuthConfig protects the /v1 endpoints with a shared bearer token.
// Token is compared directly; TokenBcrypt holds a bcrypt hash so the
// plaintext never has to live in the config file. Both empty disables
// authentication.
type AuthConfig struct {
	Token       string `yaml:"token"`
	TokenBcrypt string `yaml:"token_bcrypt"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.Token != "" || a.TokenBcrypt != ""
}

// CORSConfig lists allowed browser origins. "*" allows all.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig defines per-client request throttling.
// RequestsPerSecond of 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ModelsConfig defines which models serve each role and how to reach them.
type ModelsConfig struct {
	// Main drives reasoning and tool use.
	Main string `yaml:"main"`
	// Fast serves intent classification and small talk.
	Fast        string           `yaml:"fast"`
	Temperature float64          `yaml:"temperature"`
	MaxTokens   int              `yaml:"max_tokens"`
	ThinkTags   bool             `yaml:"think_tags"` // split inline <think> tags into reasoning
	Providers   []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one model endpoint. Models lists the model
// names routed to this provider; the first provider is the fallback for
// unlisted names.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"` // openai or anthropic
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Models  []string      `yaml:"models"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxToolRounds int           `yaml:"max_tool_rounds"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
}

// StreamConfig controls the SSE formatter.
type StreamConfig struct {
	// IgnoreNodes lists orchestration nodes whose output never reaches
	// the client.
	IgnoreNodes []string `yaml:"ignore_nodes"`
}

// StorageConfig selects the conversation state backend.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory, sqlite, redis, badger
	Path    string      `yaml:"path"`    // sqlite file or badger directory
	Redis   RedisConfig `yaml:"redis"`
	Prune   PruneConfig `yaml:"prune"`
}

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PruneConfig schedules removal of idle threads. An empty Schedule
// disables pruning.
type PruneConfig struct {
	Schedule string        `yaml:"schedule"` // cron expression, e.g. "@hourly"
	MaxAge   time.Duration `yaml:"max_age"`
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	Default string        `yaml:"default"`
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds the Brave Search API key.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// MarketConfig points the market data tools at a chart API.
type MarketConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8000},
		CORS:   CORSConfig{AllowedOrigins: []string{"*"}},
		Models: ModelsConfig{
			Main:        "gpt-4o",
			Fast:        "gpt-4o-mini",
			Temperature: 0.2,
			Providers: []ProviderConfig{
				{Name: "openai", Kind: "openai", BaseURL: "https://api.openai.com/v1"},
			},
		},
		Agent: AgentConfig{
			MaxToolRounds: 8,
			TurnTimeout:   5 * time.Minute,
		},
		Stream: StreamConfig{IgnoreNodes: []string{"router"}},
		Storage: StorageConfig{
			Backend: "memory",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "steward:"},
			Prune:   PruneConfig{MaxAge: 30 * 24 * time.Hour},
		},
		Market: MarketConfig{
			BaseURL: "https://query1.finance.yahoo.com",
			Timeout: 15 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Models.Main == "" {
		errs = append(errs, errors.New("models.main is required"))
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 2 {
		errs = append(errs, fmt.Errorf("models.temperature %.2f out of range [0,2]", c.Models.Temperature))
	}
	if len(c.Models.Providers) == 0 {
		errs = append(errs, errors.New("models.providers must list at least one provider"))
	}
	for i, p := range c.Models.Providers {
		switch strings.ToLower(p.Kind) {
		case "openai", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("models.providers[%d]: unknown kind %q (valid: openai, anthropic)", i, p.Kind))
		}
	}
	if c.Agent.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("agent.max_tool_rounds must be at least 1, got %d", c.Agent.MaxToolRounds))
	}
	switch c.Storage.Backend {
	case "memory", "redis":
	case "sqlite", "badger":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q (valid: memory, sqlite, redis, badger)", c.Storage.Backend))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must not be negative"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown format %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}
