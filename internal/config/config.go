// Package config loads relay configuration: defaults, then a TOML file,
// then RELAY_-prefixed environment variables, then config:* overrides
// from the KV store. Later layers win.
package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	relay "github.com/nevindra/relay"
)

type Config struct {
	Redis        RedisConfig        `toml:"redis"`
	Model        ModelConfig        `toml:"model"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Memory       MemoryConfig       `toml:"memory"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	Telegram     TelegramConfig     `toml:"telegram"`
	RateLimit    RateLimitConfig    `toml:"rate_limit"`
	MCP          MCPConfig          `toml:"mcp"`
	Audit        AuditConfig        `toml:"audit"`
	Observer     ObserverConfig     `toml:"observer"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ModelConfig struct {
	BaseURL              string  `toml:"base_url"`
	Name                 string  `toml:"name"`
	APIKey               string  `toml:"api_key"`
	CloudFallbackEnabled bool    `toml:"cloud_fallback_enabled"`
	CloudBaseURL         string  `toml:"cloud_base_url"`
	CloudName            string  `toml:"cloud_name"`
	CloudAPIKey          string  `toml:"cloud_api_key"`
	SystemPrompt         string  `toml:"system_prompt"`
	Temperature          float64 `toml:"temperature"`
}

type OrchestratorConfig struct {
	AutonomousMode   bool    `toml:"autonomous_mode"`
	MaxIterations    int     `toml:"max_iterations"`
	QualityThreshold float64 `toml:"quality_threshold"`
	StreamReplies    bool    `toml:"stream_replies"`
}

type MemoryConfig struct {
	ShortTermWindow int `toml:"short_term_window"`
}

type SandboxConfig struct {
	NetworkEnabled   bool     `toml:"network_enabled"`
	WorkspaceDir     string   `toml:"workspace_dir"`
	CommandAllowlist []string `toml:"command_allowlist"`
	CPUSeconds       int      `toml:"cpu_seconds"`
	MemoryMB         int      `toml:"memory_mb"`
	TimeoutSeconds   int      `toml:"timeout_seconds"`
}

type TelegramConfig struct {
	Token          string  `toml:"token"`
	AllowedUserIDs []int64 `toml:"allowed_user_ids"`
	PairingMode    bool    `toml:"pairing_mode"`
}

type RateLimitConfig struct {
	Capacity     float64 `toml:"capacity"`
	RefillPerSec float64 `toml:"refill_per_sec"`
}

type MCPConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

type AuditConfig struct {
	DBPath string `toml:"db_path"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Model: ModelConfig{BaseURL: "http://localhost:11434/v1", Name: "qwen3"},
		Orchestrator: OrchestratorConfig{
			MaxIterations:    5,
			QualityThreshold: 0.8,
		},
		Memory: MemoryConfig{ShortTermWindow: 20},
		Sandbox: SandboxConfig{
			WorkspaceDir:   filepath.Join(home, "relay-workspace"),
			CPUSeconds:     30,
			MemoryMB:       256,
			TimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{Capacity: 10, RefillPerSec: 10.0 / 60.0},
		MCP:       MCPConfig{ListenAddr: ":8090"},
		Audit:     AuditConfig{DBPath: "relay-audit.db"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RELAY_MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}
	if v := os.Getenv("RELAY_MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}
	if v := os.Getenv("RELAY_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("RELAY_CLOUD_API_KEY"); v != "" {
		cfg.Model.CloudAPIKey = v
	}
	if v := os.Getenv("RELAY_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("RELAY_MCP_LISTEN_ADDR"); v != "" {
		cfg.MCP.ListenAddr = v
	}
	if v := os.Getenv("RELAY_WORKSPACE_DIR"); v != "" {
		cfg.Sandbox.WorkspaceDir = v
	}
	if v := os.Getenv("RELAY_AUTONOMOUS_MODE"); v == "true" || v == "1" {
		cfg.Orchestrator.AutonomousMode = true
	}
	if v := os.Getenv("RELAY_STREAM_REPLIES"); v == "true" || v == "1" {
		cfg.Orchestrator.StreamReplies = true
	}
	if v := os.Getenv("RELAY_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
	return cfg
}

// ApplyKVOverrides overlays config:<dotted.key> entries from the KV
// store onto cfg. Unknown keys are ignored so operators can stage keys
// ahead of a rollout.
func ApplyKVOverrides(ctx context.Context, kv relay.KV, cfg *Config) {
	keys, err := kv.List(ctx, "config:")
	if err != nil {
		return
	}
	for _, k := range keys {
		v, err := kv.Get(ctx, k)
		if err != nil {
			continue
		}
		applyOverride(cfg, strings.TrimPrefix(k, "config:"), v)
	}
}

func applyOverride(cfg *Config, key, value string) {
	switch key {
	case "orchestrator.autonomous_mode":
		cfg.Orchestrator.AutonomousMode = value == "true" || value == "1"
	case "orchestrator.max_iterations":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Orchestrator.MaxIterations = n
		}
	case "orchestrator.quality_threshold":
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 && f <= 1 {
			cfg.Orchestrator.QualityThreshold = f
		}
	case "orchestrator.stream_replies":
		cfg.Orchestrator.StreamReplies = value == "true" || value == "1"
	case "model.cloud_fallback_enabled":
		cfg.Model.CloudFallbackEnabled = value == "true" || value == "1"
	case "memory.short_term_window":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Memory.ShortTermWindow = n
		}
	case "rate_limit.capacity":
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			cfg.RateLimit.Capacity = f
		}
	case "rate_limit.refill_per_sec":
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			cfg.RateLimit.RefillPerSec = f
		}
	case "telegram.pairing_mode":
		cfg.Telegram.PairingMode = value == "true" || value == "1"
	}
}

// Validate reports the first missing required option.
func (c Config) Validate() error {
	if c.Telegram.Token == "" {
		return &relay.ErrConfigMissing{Key: "telegram.token"}
	}
	if c.Model.BaseURL == "" {
		return &relay.ErrConfigMissing{Key: "model.base_url"}
	}
	if c.Model.Name == "" {
		return &relay.ErrConfigMissing{Key: "model.name"}
	}
	if c.Model.CloudFallbackEnabled && c.Model.CloudBaseURL == "" {
		return &relay.ErrConfigMissing{Key: "model.cloud_base_url"}
	}
	return nil
}
