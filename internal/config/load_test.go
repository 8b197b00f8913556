package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	t.Setenv("ECHO_AUTH__TOKEN_SECRET", "test-secret")

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8084 {
		t.Fatalf("expected default port 8084, got %d", cfg.Server.Port)
	}
	if cfg.Gateway.HeartbeatInterval != 25*time.Second {
		t.Fatalf("expected default heartbeat_interval 25s, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.OutboundQueueCapacity != 1024 {
		t.Fatalf("expected default outbound_queue_capacity 1024, got %d", cfg.Gateway.OutboundQueueCapacity)
	}
	if cfg.Message.AllocatorMaxRetries != 5 {
		t.Fatalf("expected default allocator_max_retries 5, got %d", cfg.Message.AllocatorMaxRetries)
	}
	if cfg.Message.HistoryMaxLimit != 100 {
		t.Fatalf("expected default history_max_limit 100, got %d", cfg.Message.HistoryMaxLimit)
	}
	if cfg.Membership.CacheTTL != 5*time.Second {
		t.Fatalf("expected default membership cache_ttl 5s, got %v", cfg.Membership.CacheTTL)
	}
	if cfg.Bus.Driver != "memory" {
		t.Fatalf("expected default bus driver 'memory', got %q", cfg.Bus.Driver)
	}
}

func TestLoad_GatewayFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
auth:
  token_secret: test-secret
gateway:
  heartbeat_interval: 10s
  heartbeat_miss_threshold: 3
  outbound_queue_capacity: 256
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.HeartbeatInterval != 10*time.Second {
		t.Fatalf("expected heartbeat_interval 10s, got %v", cfg.Gateway.HeartbeatInterval)
	}
	if cfg.Gateway.HeartbeatMissThreshold != 3 {
		t.Fatalf("expected heartbeat_miss_threshold 3, got %d", cfg.Gateway.HeartbeatMissThreshold)
	}
	if cfg.Gateway.OutboundQueueCapacity != 256 {
		t.Fatalf("expected outbound_queue_capacity 256, got %d", cfg.Gateway.OutboundQueueCapacity)
	}
	// drain_timeout keeps its default since YAML didn't override it
	if cfg.Gateway.DrainTimeout != 2*time.Second {
		t.Fatalf("expected default drain_timeout 2s, got %v", cfg.Gateway.DrainTimeout)
	}
}

func TestLoad_EnvSimpleKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	t.Setenv("ECHO_AUTH__TOKEN_SECRET", "test-secret")
	t.Setenv("ECHO_SERVER__PORT", "9090")

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
}

func TestLoad_EnvUnderscoreInLeafKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	t.Setenv("ECHO_AUTH__TOKEN_SECRET", "test-secret")
	t.Setenv("ECHO_GATEWAY__HEARTBEAT_INTERVAL", "40s")

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Gateway.HeartbeatInterval != 40*time.Second {
		t.Fatalf("expected heartbeat_interval 40s, got %v", cfg.Gateway.HeartbeatInterval)
	}
}

func TestLoad_EnvDeepNestedUnderscore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	t.Setenv("ECHO_AUTH__TOKEN_SECRET", "test-secret")
	t.Setenv("ECHO_RATE_LIMIT__LOGIN__LIMIT", "3")

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RateLimit.Login.Limit != 3 {
		t.Fatalf("expected login limit 3, got %d", cfg.RateLimit.Login.Limit)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yamlContent := `
auth:
  token_secret: test-secret
bus:
  driver: memory
`
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ECHO_BUS__DRIVER", "nats")
	t.Setenv("ECHO_BUS__NATS__URL", "nats://10.0.0.5:4222")

	cfg, err := Load(cfgPath, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Bus.Driver != "nats" {
		t.Fatalf("expected env override bus driver 'nats', got %q", cfg.Bus.Driver)
	}
	if cfg.Bus.NATS.URL != "nats://10.0.0.5:4222" {
		t.Fatalf("expected env override nats url, got %q", cfg.Bus.NATS.URL)
	}
}

func TestLoad_FromFlags(t *testing.T) {
	flags := SetupFlags()
	if err := flags.Parse([]string{
		"--auth.token_secret=test-secret",
		"--server.port=7001",
		"--bus.driver=nats",
		"--bus.nats.url=nats://flagged:4222",
	}); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	cfg, err := Load(cfgPath, flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 7001 {
		t.Fatalf("expected port 7001, got %d", cfg.Server.Port)
	}
	if cfg.Bus.Driver != "nats" {
		t.Fatalf("expected bus driver 'nats', got %q", cfg.Bus.Driver)
	}
	if cfg.Bus.NATS.URL != "nats://flagged:4222" {
		t.Fatalf("expected nats url 'nats://flagged:4222', got %q", cfg.Bus.NATS.URL)
	}
}

func TestLoad_MissingTokenSecretFails(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "nonexistent.yaml")

	if _, err := Load(cfgPath, nil); err == nil {
		t.Fatal("expected error when auth.token_secret is unset and dev_mode is off")
	}
}
