package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the donna daemon.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Runner    RunnerConfig    `yaml:"runner"`
	Agent     AgentConfig     `yaml:"agent"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Workflows WorkflowsConfig `yaml:"workflows"`
	Approvals ApprovalsConfig `yaml:"approvals"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig configures the durable SQLite store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// RunnerConfig configures the external sandboxed code runner.
type RunnerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AgentConfig configures the turn engine.
type AgentConfig struct {
	MaxRounds     int    `yaml:"max_rounds"`
	HistoryWindow int    `yaml:"history_window"`
	SystemPrompt  string `yaml:"system_prompt"`
}

// ChannelsConfig holds per-channel transport settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Mention string `yaml:"mention"`
}

// WhatsAppConfig configures the WhatsApp transport.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SessionPath string `yaml:"session_path"`
	Mention     string `yaml:"mention"`
}

// WorkflowsConfig configures the cron dispatcher.
type WorkflowsConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ApprovalsConfig configures approval link signing.
type ApprovalsConfig struct {
	Secret   string        `yaml:"secret"`
	LinkBase string        `yaml:"link_base"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store:  StoreConfig{Path: "donna.db"},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Runner: RunnerConfig{
			BaseURL: "http://127.0.0.1:7070",
			Timeout: 60 * time.Second,
		},
		Agent: AgentConfig{
			MaxRounds:     10,
			HistoryWindow: 10,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{Mention: "@donna"},
			WhatsApp: WhatsAppConfig{SessionPath: "whatsapp.db", Mention: "@donna"},
		},
		Workflows: WorkflowsConfig{TickInterval: time.Second},
		Approvals: ApprovalsConfig{TokenTTL: 24 * time.Hour},
	}
}

// Load reads a YAML config file, expanding ${VAR} environment references.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and re-applies defaults for zero values.
// Channel misconfiguration is not an error here: a channel missing
// credentials starts disabled instead of failing the whole process.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8080"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		c.LLM.Model = "claude-sonnet-4-20250514"
	}
	if c.Runner.Timeout <= 0 {
		c.Runner.Timeout = 60 * time.Second
	}
	if strings.TrimSpace(c.Runner.BaseURL) == "" {
		return fmt.Errorf("runner.base_url is required")
	}
	if c.Agent.MaxRounds <= 0 {
		c.Agent.MaxRounds = 10
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = 10
	}
	if c.Workflows.TickInterval <= 0 {
		c.Workflows.TickInterval = time.Second
	}
	if c.Approvals.TokenTTL <= 0 {
		c.Approvals.TokenTTL = 24 * time.Hour
	}
	if c.Channels.Telegram.Enabled && strings.TrimSpace(c.Channels.Telegram.Token) == "" {
		c.Channels.Telegram.Enabled = false
	}
	if c.Channels.WhatsApp.Enabled && strings.TrimSpace(c.Channels.WhatsApp.SessionPath) == "" {
		c.Channels.WhatsApp.Enabled = false
	}
	return nil
}
