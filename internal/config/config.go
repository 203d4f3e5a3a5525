package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Models      map[string]ModelConfig    `json:"models"`
	Context     ContextConfig             `json:"context"`
	Tools       ToolsConfig               `json:"tools"`
	Usage       UsageConfig               `json:"usage"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	DBType            string `json:"db_type"`
	LogLevel          string `json:"log_level"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout"` // minutes
	StreamTimeout     int    `json:"stream_timeout"`      // seconds
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ModelConfig binds a model selector to a provider, a tool set and pricing.
type ModelConfig struct {
	Name              string  `json:"name"`
	Description       string  `json:"description"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	ToolSet           string  `json:"tool_set"`
	SystemPrompt      string  `json:"system_prompt"`
	ContextWindow     int     `json:"context_window"`
	InputCostPerMTok  float64 `json:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok"`
}

type ContextConfig struct {
	MaxTotalTokens          int  `json:"max_total_tokens"`
	ReservedForResponse     int  `json:"reserved_for_response"`
	ReservedForSystemPrompt int  `json:"reserved_for_system_prompt"`
	MinMessages             *int `json:"min_messages"` // nil means DefaultMinMessages; 0 disables the floor
	StrictBudget            bool `json:"strict_budget"`
	MaxRoundTrips           int  `json:"max_round_trips"`
	MaxOutputTokens         int  `json:"max_output_tokens"`
}

type ToolsConfig struct {
	DefaultTimeoutMs int                 `json:"default_timeout_ms"`
	Timeouts         map[string]int      `json:"timeouts_ms"`
	Logging          *bool               `json:"logging"`
	Sets             map[string][]string `json:"sets"`
	KnowledgeDir     string              `json:"knowledge_dir"`
	GoogleAPIKey     string              `json:"google_api_key"`
	GoogleEngineID   string              `json:"google_search_engine_id"`
}

type UsageConfig struct {
	CatalogURL      string `json:"catalog_url"`
	RefreshInterval int    `json:"refresh_interval"` // minutes
	FetchTimeoutMs  int    `json:"fetch_timeout_ms"`
	CacheInRedis    bool   `json:"cache_in_redis"`
}

const (
	DefaultMaxTotalTokens   = 140000
	DefaultMinMessages      = 20
	DefaultMaxRoundTrips    = 5
	DefaultToolTimeoutMs    = 30000
	DefaultCatalogRefresh   = 24 * 60
	DefaultCatalogFetchMs   = 2000
	DefaultStreamTimeoutSec = 120
)

// Load reads configuration from the provided path (defaults to config.json).
// ${VAR} references are expanded from the environment before decoding.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()

	if sqliteCfg, ok := cfg.Databases["sqlite3"]; ok && sqliteCfg.DSN != "" && sqliteCfg.DSN != ":memory:" && !filepath.IsAbs(sqliteCfg.DSN) {
		sqliteCfg.DSN = filepath.Join(filepath.Dir(absPath), sqliteCfg.DSN)
		cfg.Databases["sqlite3"] = sqliteCfg
	}
	if cfg.Tools.KnowledgeDir != "" && !filepath.IsAbs(cfg.Tools.KnowledgeDir) {
		cfg.Tools.KnowledgeDir = filepath.Join(filepath.Dir(absPath), cfg.Tools.KnowledgeDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.DBType == "" {
		c.BasicConfig.DBType = "sqlite3"
	}
	if c.BasicConfig.StreamTimeout <= 0 {
		c.BasicConfig.StreamTimeout = DefaultStreamTimeoutSec
	}
	if c.Context.MaxTotalTokens <= 0 {
		c.Context.MaxTotalTokens = DefaultMaxTotalTokens
	}
	if c.Context.MinMessages == nil {
		floor := DefaultMinMessages
		c.Context.MinMessages = &floor
	} else if *c.Context.MinMessages < 0 {
		floor := 0
		c.Context.MinMessages = &floor
	}
	if c.Context.MaxRoundTrips <= 0 {
		c.Context.MaxRoundTrips = DefaultMaxRoundTrips
	}
	if c.Tools.DefaultTimeoutMs <= 0 {
		c.Tools.DefaultTimeoutMs = DefaultToolTimeoutMs
	}
	if c.Tools.Logging == nil {
		enabled := true
		c.Tools.Logging = &enabled
	}
	if c.Tools.KnowledgeDir == "" {
		c.Tools.KnowledgeDir = "knowledge"
	}
	if c.Usage.RefreshInterval <= 0 {
		c.Usage.RefreshInterval = DefaultCatalogRefresh
	}
	if c.Usage.FetchTimeoutMs <= 0 {
		c.Usage.FetchTimeoutMs = DefaultCatalogFetchMs
	}
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	for selector, m := range c.Models {
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %s: provider %q not configured", selector, m.Provider)
		}
		if m.ToolSet != "" {
			if _, ok := c.Tools.Sets[m.ToolSet]; !ok {
				return fmt.Errorf("model %s: tool set %q not configured", selector, m.ToolSet)
			}
		}
	}
	reserved := c.Context.ReservedForResponse + c.Context.ReservedForSystemPrompt
	if reserved >= c.Context.MaxTotalTokens {
		return fmt.Errorf("context reservations (%d) exceed max_total_tokens (%d)", reserved, c.Context.MaxTotalTokens)
	}
	return nil
}

// HistoryFloor returns the minimum number of history messages kept per turn.
func (c *Config) HistoryFloor() int {
	if c.Context.MinMessages == nil {
		return DefaultMinMessages
	}
	return *c.Context.MinMessages
}

// ToolTimeout returns the configured timeout for a tool, falling back to the default.
func (c *Config) ToolTimeout(name string) time.Duration {
	if ms, ok := c.Tools.Timeouts[name]; ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.Tools.DefaultTimeoutMs) * time.Millisecond
}
