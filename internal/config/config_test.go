package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	relay "github.com/nevindra/relay"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Orchestrator.MaxIterations != 5 || cfg.Orchestrator.QualityThreshold != 0.8 {
		t.Errorf("orchestrator defaults = %+v", cfg.Orchestrator)
	}
	if cfg.Memory.ShortTermWindow != 20 {
		t.Errorf("ShortTermWindow = %d", cfg.Memory.ShortTermWindow)
	}
	if cfg.MCP.ListenAddr != ":8090" {
		t.Errorf("ListenAddr = %q", cfg.MCP.ListenAddr)
	}
	if cfg.Orchestrator.AutonomousMode {
		t.Error("autonomous mode on by default")
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	content := `
[redis]
addr = "redis.internal:6379"

[model]
name = "llama3"

[orchestrator]
autonomous_mode = true
max_iterations = 3

[telegram]
token = "123:abc"
allowed_user_ids = [7, 8]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path)
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Model.Name != "llama3" {
		t.Errorf("Model.Name = %q", cfg.Model.Name)
	}
	if !cfg.Orchestrator.AutonomousMode || cfg.Orchestrator.MaxIterations != 3 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	// Untouched sections keep defaults.
	if cfg.Orchestrator.QualityThreshold != 0.8 {
		t.Errorf("QualityThreshold = %v", cfg.Orchestrator.QualityThreshold)
	}
	if len(cfg.Telegram.AllowedUserIDs) != 2 || cfg.Telegram.AllowedUserIDs[0] != 7 {
		t.Errorf("AllowedUserIDs = %v", cfg.Telegram.AllowedUserIDs)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte("[model]\nname = \"from-file\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_MODEL_NAME", "from-env")
	t.Setenv("RELAY_TELEGRAM_TOKEN", "tok")
	t.Setenv("RELAY_AUTONOMOUS_MODE", "1")

	cfg := Load(path)
	if cfg.Model.Name != "from-env" {
		t.Errorf("Model.Name = %q, want env value", cfg.Model.Name)
	}
	if cfg.Telegram.Token != "tok" {
		t.Errorf("Telegram.Token = %q", cfg.Telegram.Token)
	}
	if !cfg.Orchestrator.AutonomousMode {
		t.Error("RELAY_AUTONOMOUS_MODE=1 ignored")
	}
}

// kvStub implements relay.KV over a plain map for override tests.
type kvStub struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *kvStub) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", relay.ErrNotFound
	}
	return v, nil
}

func (m *kvStub) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *kvStub) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (m *kvStub) CompareAndSet(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}

func (m *kvStub) Del(context.Context, string) error { return nil }

func (m *kvStub) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *kvStub) Push(context.Context, string, string, time.Duration) error { return nil }

func (m *kvStub) Drain(context.Context, string) ([]string, error) { return nil, nil }

var _ relay.KV = (*kvStub)(nil)

func TestApplyKVOverrides(t *testing.T) {
	kv := &kvStub{data: map[string]string{
		"config:orchestrator.autonomous_mode":   "true",
		"config:orchestrator.max_iterations":    "7",
		"config:orchestrator.quality_threshold": "0.9",
		"config:rate_limit.capacity":            "25",
		"config:some.unknown.key":               "ignored",
	}}
	cfg := Default()
	ApplyKVOverrides(context.Background(), kv, &cfg)

	if !cfg.Orchestrator.AutonomousMode {
		t.Error("autonomous_mode not applied")
	}
	if cfg.Orchestrator.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Orchestrator.QualityThreshold != 0.9 {
		t.Errorf("QualityThreshold = %v", cfg.Orchestrator.QualityThreshold)
	}
	if cfg.RateLimit.Capacity != 25 {
		t.Errorf("Capacity = %v", cfg.RateLimit.Capacity)
	}
}

func TestApplyKVOverridesRejectsBadValues(t *testing.T) {
	kv := &kvStub{data: map[string]string{
		"config:orchestrator.max_iterations":    "zero",
		"config:orchestrator.quality_threshold": "1.7",
	}}
	cfg := Default()
	ApplyKVOverrides(context.Background(), kv, &cfg)

	if cfg.Orchestrator.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want default kept", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Orchestrator.QualityThreshold != 0.8 {
		t.Errorf("QualityThreshold = %v, want default kept", cfg.Orchestrator.QualityThreshold)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	var missing *relay.ErrConfigMissing
	if err := cfg.Validate(); !errors.As(err, &missing) || missing.Key != "telegram.token" {
		t.Errorf("Validate = %v, want missing telegram.token", err)
	}

	cfg.Telegram.Token = "tok"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}

	cfg.Model.CloudFallbackEnabled = true
	if err := cfg.Validate(); !errors.As(err, &missing) || missing.Key != "model.cloud_base_url" {
		t.Errorf("Validate = %v, want missing model.cloud_base_url", err)
	}
}
