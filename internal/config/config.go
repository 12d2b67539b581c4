// Package config provides configuration management for the companion engine.
// It loads settings from environment variables with the COMPANION_ prefix,
// optionally merged over a YAML config file, and provides sensible defaults
// for all options.
//
// Validation happens at load time: an invalid fallback order, out-of-range
// timeout/retry/temperature values, or a hosted backend selected without
// credentials all fail fast with a ConfigError before any request is made.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the companion engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Session   SessionConfig   `yaml:"session"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // default: 7070
	Host string `yaml:"host"` // default: 127.0.0.1
}

// StorageConfig contains database and vector store configuration.
type StorageConfig struct {
	DataPath      string `yaml:"data_path"`      // default: ./data
	VectorBackend string `yaml:"vector_backend"` // chromem or postgres (default: chromem)
	PostgresDSN   string `yaml:"postgres_dsn"`   // required when VectorBackend is postgres
}

// BackendConfig describes one inference backend in the fallback list.
type BackendConfig struct {
	Timeout     time.Duration `yaml:"timeout"`     // default: 30s
	MaxRetries  int           `yaml:"max_retries"` // attempts per backend, default: 2
	Temperature float64       `yaml:"temperature"` // default: 0.7
}

// LLMConfig contains inference backend configuration. FallbackOrder is a
// comma-separated list of backend names tried in order, e.g. "api,local".
type LLMConfig struct {
	FallbackOrder string        `yaml:"fallback_order"` // default: local
	API           BackendConfig `yaml:"api"`
	Local         BackendConfig `yaml:"local"`
	APIKey        string        `yaml:"api_key"`   // required when "api" appears in FallbackOrder
	APIBaseURL    string        `yaml:"api_base"`  // default: https://api.openai.com
	APIModel      string        `yaml:"api_model"` // default: gpt-4o-mini
	OllamaURL     string        `yaml:"ollama_url"`
	OllamaModel   string        `yaml:"ollama_model"`
	MaxTokens     int           `yaml:"max_tokens"` // per-reply generation cap, default: 500
}

// EmbeddingConfig contains embedding backend configuration.
type EmbeddingConfig struct {
	Model     string `yaml:"model"`      // default: nomic-embed-text
	CacheSize int    `yaml:"cache_size"` // LRU entries, default: 2048
}

// SessionConfig contains session lifecycle configuration.
type SessionConfig struct {
	TokenBudget   int `yaml:"token_budget"`   // default: 64000
	RetrievalTopK int `yaml:"retrieval_topk"` // default: 5
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	Mode     string `yaml:"mode"` // development or production (default: development)
	APIToken string `yaml:"api_token"`
}

// ConfigError reports an invalid configuration value. It is raised at
// construction, never at call time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Backend names accepted in LLMConfig.FallbackOrder.
const (
	BackendAPI   = "api"
	BackendLocal = "local"
)

// Vector store backends accepted in StorageConfig.VectorBackend.
const (
	VectorBackendChromem  = "chromem"
	VectorBackendPostgres = "postgres"
)

// LoadConfig loads configuration from environment variables with defaults
// and validates it.
func LoadConfig() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML config file, applies environment overrides on
// top, and validates the result. Env wins over file, file wins over defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FallbackBackends returns the parsed fallback order.
func (c *Config) FallbackBackends() []string {
	parts := strings.Split(c.LLM.FallbackOrder, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all configuration invariants and returns a ConfigError on
// the first violation found.
func (c *Config) Validate() error {
	backends := c.FallbackBackends()
	if len(backends) == 0 {
		return &ConfigError{Field: "llm.fallback_order", Reason: "must name at least one backend"}
	}
	seen := map[string]bool{}
	for _, b := range backends {
		if b != BackendAPI && b != BackendLocal {
			return &ConfigError{Field: "llm.fallback_order", Reason: fmt.Sprintf("unknown backend %q", b)}
		}
		if seen[b] {
			return &ConfigError{Field: "llm.fallback_order", Reason: fmt.Sprintf("backend %q listed twice", b)}
		}
		seen[b] = true
	}
	if seen[BackendAPI] && c.LLM.APIKey == "" {
		return &ConfigError{Field: "llm.api_key", Reason: "required when the api backend is in the fallback order"}
	}
	for _, bc := range []struct {
		name string
		cfg  BackendConfig
	}{{"llm.api", c.LLM.API}, {"llm.local", c.LLM.Local}} {
		if bc.cfg.Timeout <= 0 {
			return &ConfigError{Field: bc.name + ".timeout", Reason: "must be positive"}
		}
		if bc.cfg.MaxRetries < 1 {
			return &ConfigError{Field: bc.name + ".max_retries", Reason: "must be at least 1"}
		}
		if bc.cfg.Temperature < 0 || bc.cfg.Temperature > 2 {
			return &ConfigError{Field: bc.name + ".temperature", Reason: fmt.Sprintf("must be in [0, 2], got %g", bc.cfg.Temperature)}
		}
	}
	if c.Storage.VectorBackend != VectorBackendChromem && c.Storage.VectorBackend != VectorBackendPostgres {
		return &ConfigError{Field: "storage.vector_backend", Reason: fmt.Sprintf("unknown backend %q", c.Storage.VectorBackend)}
	}
	if c.Storage.VectorBackend == VectorBackendPostgres && c.Storage.PostgresDSN == "" {
		return &ConfigError{Field: "storage.postgres_dsn", Reason: "required when vector_backend is postgres"}
	}
	if c.Session.TokenBudget <= 0 {
		return &ConfigError{Field: "session.token_budget", Reason: "must be positive"}
	}
	if c.Session.RetrievalTopK <= 0 {
		return &ConfigError{Field: "session.retrieval_topk", Reason: "must be positive"}
	}
	if c.Embedding.CacheSize <= 0 {
		return &ConfigError{Field: "embedding.cache_size", Reason: "must be positive"}
	}
	return nil
}

// defaults returns a Config populated with defaults only.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 7070,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			DataPath:      "./data",
			VectorBackend: VectorBackendChromem,
		},
		LLM: LLMConfig{
			FallbackOrder: BackendLocal,
			API:           BackendConfig{Timeout: 30 * time.Second, MaxRetries: 2, Temperature: 0.7},
			Local:         BackendConfig{Timeout: 60 * time.Second, MaxRetries: 2, Temperature: 0.7},
			APIBaseURL:    "https://api.openai.com",
			APIModel:      "gpt-4o-mini",
			OllamaURL:     "http://localhost:11434",
			OllamaModel:   "qwen2.5:7b",
			MaxTokens:     500,
		},
		Embedding: EmbeddingConfig{
			Model:     "nomic-embed-text",
			CacheSize: 2048,
		},
		Session: SessionConfig{
			TokenBudget:   64000,
			RetrievalTopK: 5,
		},
		Security: SecurityConfig{
			Mode: "development",
		},
	}
}

// fromEnv builds a Config from defaults plus environment variables.
func fromEnv() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

// applyEnv overlays environment variables onto the receiver.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("COMPANION_PORT", c.Server.Port)
	c.Server.Host = getEnv("COMPANION_HOST", c.Server.Host)
	c.Storage.DataPath = getEnv("COMPANION_DATA_PATH", c.Storage.DataPath)
	c.Storage.VectorBackend = getEnv("COMPANION_VECTOR_BACKEND", c.Storage.VectorBackend)
	c.Storage.PostgresDSN = getEnv("COMPANION_POSTGRES_DSN", c.Storage.PostgresDSN)
	c.LLM.FallbackOrder = getEnv("COMPANION_FALLBACK_ORDER", c.LLM.FallbackOrder)
	c.LLM.API.Timeout = getEnvDuration("COMPANION_API_TIMEOUT", c.LLM.API.Timeout)
	c.LLM.API.MaxRetries = getEnvInt("COMPANION_API_MAX_RETRIES", c.LLM.API.MaxRetries)
	c.LLM.API.Temperature = getEnvFloat("COMPANION_API_TEMPERATURE", c.LLM.API.Temperature)
	c.LLM.Local.Timeout = getEnvDuration("COMPANION_LOCAL_TIMEOUT", c.LLM.Local.Timeout)
	c.LLM.Local.MaxRetries = getEnvInt("COMPANION_LOCAL_MAX_RETRIES", c.LLM.Local.MaxRetries)
	c.LLM.Local.Temperature = getEnvFloat("COMPANION_LOCAL_TEMPERATURE", c.LLM.Local.Temperature)
	c.LLM.APIKey = getEnv("COMPANION_API_KEY", c.LLM.APIKey)
	c.LLM.APIBaseURL = getEnv("COMPANION_API_BASE", c.LLM.APIBaseURL)
	c.LLM.APIModel = getEnv("COMPANION_API_MODEL", c.LLM.APIModel)
	c.LLM.OllamaURL = getEnv("COMPANION_OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OllamaModel = getEnv("COMPANION_OLLAMA_MODEL", c.LLM.OllamaModel)
	c.LLM.MaxTokens = getEnvInt("COMPANION_MAX_TOKENS", c.LLM.MaxTokens)
	c.Embedding.Model = getEnv("COMPANION_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.CacheSize = getEnvInt("COMPANION_EMBEDDING_CACHE", c.Embedding.CacheSize)
	c.Session.TokenBudget = getEnvInt("COMPANION_TOKEN_BUDGET", c.Session.TokenBudget)
	c.Session.RetrievalTopK = getEnvInt("COMPANION_RETRIEVAL_TOPK", c.Session.RetrievalTopK)
	c.Security.Mode = getEnv("COMPANION_SECURITY_MODE", c.Security.Mode)
	c.Security.APIToken = getEnv("COMPANION_API_TOKEN", c.Security.APIToken)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "30s") or
// returns a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
