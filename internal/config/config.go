// Package config loads the gateway configuration: a JSON5 file overlaid
// with environment variables. Secrets (API keys, DSNs, tokens) are
// env-only by convention — the file holds structure, not credentials.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/seaclaw/seaclaw/internal/telemetry"
)

// Config is the root configuration.
type Config struct {
	Agents    AgentsConfig     `json:"agents"`
	Providers ProvidersConfig  `json:"providers"`
	Gateway   GatewayConfig    `json:"gateway"`
	Sessions  SessionsConfig   `json:"sessions"`
	Cron      CronConfig       `json:"cron"`
	Database  DatabaseConfig   `json:"database"`
	Browser   BrowserConfig    `json:"browser"`
	Memory    MemoryConfig     `json:"memory"`
	Telemetry telemetry.Config `json:"telemetry"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace           string   `json:"workspace"`
	RestrictToWorkspace bool     `json:"restrict_to_workspace"`
	Provider            string   `json:"provider"`
	Model               string   `json:"model"`
	SystemPrompt        string   `json:"system_prompt"`
	MaxTokens           int      `json:"max_tokens"`
	Temperature         float64  `json:"temperature"`
	MaxToolIterations   int      `json:"max_tool_iterations"`
	HistoryLimit        int      `json:"history_limit"`
	RunTimeoutSeconds   int      `json:"run_timeout_seconds"`
	AllowTools          []string `json:"allow_tools"`
	DenyTools           []string `json:"deny_tools"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	Google    ProviderConfig `json:"google"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
}

type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type SessionsConfig struct {
	IdleMinutes int `json:"idle_minutes"`
}

type CronConfig struct {
	Enabled     bool `json:"enabled"`
	TickSeconds int  `json:"tick_seconds"`
}

type DatabaseConfig struct {
	Backend     string `json:"backend"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path"`
	PostgresDSN string `json:"postgres_dsn"`
}

type BrowserConfig struct {
	Enabled       bool   `json:"enabled"`
	Headless      bool   `json:"headless"`
	ScreenshotDir string `json:"screenshot_dir"`
}

type MemoryConfig struct {
	Path string `json:"path"`
}

// Default returns a Config with working defaults: sqlite storage in the
// state dir, anthropic provider, gateway on localhost.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.seaclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "anthropic",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   50,
				HistoryLimit:        100,
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18890,
		},
		Sessions: SessionsConfig{
			IdleMinutes: 30,
		},
		Cron: CronConfig{
			Enabled:     true,
			TickSeconds: 60,
		},
		Database: DatabaseConfig{
			Backend:    "sqlite",
			SQLitePath: "~/.seaclaw/seaclaw.db",
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Memory: MemoryConfig{
			Path: "~/.seaclaw/memory.jsonl",
		},
	}
}

// Load reads path (JSON5) over the defaults and overlays env vars. A missing
// file is not an error: env-only operation is supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandHome()
	return cfg, nil
}

// applyEnvOverrides overlays env vars. Env takes precedence over the file;
// secrets are expected to arrive only this way.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SEACLAW_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("SEACLAW_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("SEACLAW_GOOGLE_API_KEY", &c.Providers.Google.APIKey)
	envStr("SEACLAW_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("SEACLAW_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("SEACLAW_DB_BACKEND", &c.Database.Backend)
	envStr("SEACLAW_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("SEACLAW_MODEL", &c.Agents.Defaults.Model)
	envStr("SEACLAW_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("SEACLAW_HOST", &c.Gateway.Host)
	if v := os.Getenv("SEACLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("SEACLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SEACLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SEACLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SEACLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// expandHome rewrites leading "~/" in the path-valued fields.
func (c *Config) expandHome() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p *string) {
		if strings.HasPrefix(*p, "~/") {
			*p = home + (*p)[1:]
		}
	}
	expand(&c.Agents.Defaults.Workspace)
	expand(&c.Database.SQLitePath)
	expand(&c.Memory.Path)
	expand(&c.Browser.ScreenshotDir)
}
