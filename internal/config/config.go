// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	GRPCPort      string // empty disables the gRPC health server
	FrontendURL   string
	KnowledgePath string
	StoreDriver   string // "sqlite" or "json"
	DBPath        string
	DataDir       string
	LiveStore     string // "memory" or "redis"
	RedisURL      string
	SessionTTL    time.Duration

	SuggestionCount int
	DefaultPersona  string

	Completion CompletionConfig
	Log        LogConfig
	Telemetry  TelemetryConfig
}

// CompletionConfig controls the OpenAI-compatible completion client.
type CompletionConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	File  string
	Level string
}

// TelemetryConfig controls OpenTelemetry exporters.
type TelemetryConfig struct {
	Enabled bool
	Dir     string
}

// fileConfig is the optional YAML overlay. Environment variables win over it.
type fileConfig struct {
	Port          string `yaml:"port"`
	GRPCPort      string `yaml:"grpc_port"`
	FrontendURL   string `yaml:"frontend_url"`
	KnowledgePath string `yaml:"knowledge_path"`
	Store         struct {
		Driver  string `yaml:"driver"`
		DBPath  string `yaml:"db_path"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"store"`
	Session struct {
		LiveStore       string `yaml:"live_store"`
		RedisURL        string `yaml:"redis_url"`
		TTL             string `yaml:"ttl"`
		SuggestionCount string `yaml:"suggestion_count"`
		DefaultPersona  string `yaml:"default_persona"`
	} `yaml:"session"`
	Completion struct {
		BaseURL     string `yaml:"base_url"`
		APIKey      string `yaml:"api_key"`
		Model       string `yaml:"model"`
		Temperature string `yaml:"temperature"`
		MaxTokens   string `yaml:"max_tokens"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"completion"`
	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
	Telemetry struct {
		Enabled string `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"telemetry"`
}

// values flattens the file into environment-variable keys.
func (f *fileConfig) values() map[string]string {
	return map[string]string{
		"PORT":                   f.Port,
		"GRPC_PORT":              f.GRPCPort,
		"FRONTEND_URL":           f.FrontendURL,
		"KNOWLEDGE_PATH":         f.KnowledgePath,
		"STORE_DRIVER":           f.Store.Driver,
		"DB_PATH":                f.Store.DBPath,
		"DATA_DIR":               f.Store.DataDir,
		"LIVE_STORE":             f.Session.LiveStore,
		"REDIS_URL":              f.Session.RedisURL,
		"SESSION_TTL":            f.Session.TTL,
		"SUGGESTION_COUNT":       f.Session.SuggestionCount,
		"DEFAULT_PERSONA":        f.Session.DefaultPersona,
		"COMPLETION_BASE_URL":    f.Completion.BaseURL,
		"COMPLETION_API_KEY":     f.Completion.APIKey,
		"COMPLETION_MODEL":       f.Completion.Model,
		"COMPLETION_TEMPERATURE": f.Completion.Temperature,
		"COMPLETION_MAX_TOKENS":  f.Completion.MaxTokens,
		"COMPLETION_TIMEOUT":     f.Completion.Timeout,
		"LOG_FILE":               f.Log.File,
		"LOG_LEVEL":              f.Log.Level,
		"TELEMETRY_ENABLED":      f.Telemetry.Enabled,
		"TELEMETRY_DIR":          f.Telemetry.Dir,
	}
}

// source resolves a key from the environment, then the YAML file.
type source struct {
	file map[string]string
}

func loadFile(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc.values(), nil
}

// Load reads configuration from environment variables, overlaying the YAML
// file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	src := source{file: file}

	suggestions := src.getInt("SUGGESTION_COUNT", 3)
	if suggestions <= 0 {
		suggestions = 3
	}

	apiKey := src.get("COMPLETION_API_KEY", "")
	if apiKey == "" {
		apiKey = src.get("ZHIPUAI_API_KEY", "")
	}

	cfg := &Config{
		Port:            src.get("PORT", "8080"),
		GRPCPort:        src.get("GRPC_PORT", ""),
		FrontendURL:     src.get("FRONTEND_URL", ""),
		KnowledgePath:   src.get("KNOWLEDGE_PATH", "./data/huai-an_kb.xlsx"),
		StoreDriver:     strings.ToLower(src.get("STORE_DRIVER", "sqlite")),
		DBPath:          src.get("DB_PATH", "./data/guide.db"),
		DataDir:         src.get("DATA_DIR", "./data"),
		LiveStore:       strings.ToLower(src.get("LIVE_STORE", "memory")),
		RedisURL:        src.get("REDIS_URL", ""),
		SessionTTL:      src.getDuration("SESSION_TTL", 60*time.Minute),
		SuggestionCount: suggestions,
		DefaultPersona:  src.get("DEFAULT_PERSONA", "yunxiaoan"),
		Completion: CompletionConfig{
			BaseURL:     src.get("COMPLETION_BASE_URL", "https://open.bigmodel.cn/api/paas/v4"),
			APIKey:      apiKey,
			Model:       src.get("COMPLETION_MODEL", "glm-4-flash"),
			Temperature: src.getFloat("COMPLETION_TEMPERATURE", 0.75),
			MaxTokens:   src.getInt("COMPLETION_MAX_TOKENS", 2048),
			Timeout:     src.getDuration("COMPLETION_TIMEOUT", 90*time.Second),
		},
		Log: LogConfig{
			File:  src.get("LOG_FILE", ""),
			Level: strings.ToLower(src.get("LOG_LEVEL", "info")),
		},
		Telemetry: TelemetryConfig{
			Enabled: src.getBool("TELEMETRY_ENABLED", false),
			Dir:     src.get("TELEMETRY_DIR", "./data/telemetry"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.KnowledgePath == "" {
		return fmt.Errorf("KNOWLEDGE_PATH cannot be empty")
	}
	switch c.StoreDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "json":
		if c.DataDir == "" {
			return fmt.Errorf("DATA_DIR cannot be empty")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite or json, got %q", c.StoreDriver)
	}
	switch c.LiveStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LIVE_STORE=redis")
		}
	default:
		return fmt.Errorf("LIVE_STORE must be memory or redis, got %q", c.LiveStore)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Completion.Model == "" {
		return fmt.Errorf("COMPLETION_MODEL cannot be empty")
	}
	if c.Completion.MaxTokens <= 0 {
		return fmt.Errorf("COMPLETION_MAX_TOKENS must be > 0")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("COMPLETION_TEMPERATURE must be within [0, 2]")
	}
	if c.Telemetry.Enabled && c.Telemetry.Dir == "" {
		return fmt.Errorf("TELEMETRY_DIR cannot be empty when telemetry is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func (s source) lookup(key string) (string, bool) {
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	if value := strings.TrimSpace(s.file[key]); value != "" {
		return value, true
	}
	return "", false
}

func (s source) get(key, fallback string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return fallback
}

func (s source) getBool(key string, fallback bool) bool {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s source) getInt(key string, fallback int) int {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func (s source) getFloat(key string, fallback float64) float64 {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func (s source) getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
