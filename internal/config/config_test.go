package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
queue:
  redis_url: redis://redis.internal:6379/1
  name: jobs
allocator:
  url: http://allocator.internal:8080
  timeout_seconds: 10
worker:
  count: 4
  dequeue_timeout_seconds: 2
sandbox:
  guest_binary: /usr/local/bin/kazi-agent
  max_memory_mb: 512
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.RedisURL != "redis://redis.internal:6379/1" {
		t.Errorf("redis url = %q", cfg.Queue.RedisURL)
	}
	if cfg.Queue.QueueName() != "jobs" {
		t.Errorf("queue name = %q", cfg.Queue.QueueName())
	}
	if cfg.Allocator.Timeout() != 10*time.Second {
		t.Errorf("allocator timeout = %v", cfg.Allocator.Timeout())
	}
	if cfg.Worker.Concurrency() != 4 {
		t.Errorf("concurrency = %d", cfg.Worker.Concurrency())
	}
	if cfg.Worker.DequeueTimeout() != 2*time.Second {
		t.Errorf("dequeue timeout = %v", cfg.Worker.DequeueTimeout())
	}
	if cfg.Sandbox.GuestBinary != "/usr/local/bin/kazi-agent" {
		t.Errorf("guest binary = %q", cfg.Sandbox.GuestBinary)
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "queue": {"redis_url": "redis://localhost:6379"},
  "allocator": {"url": "http://localhost:8080"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Allocator.URL != "http://localhost:8080" {
		t.Errorf("allocator url = %q", cfg.Allocator.URL)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
queue:
  redis_url: redis://localhost:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.QueueName() != "agent_jobs" {
		t.Errorf("default queue name = %q", cfg.Queue.QueueName())
	}
	if cfg.Worker.Concurrency() != 1 {
		t.Errorf("default concurrency = %d", cfg.Worker.Concurrency())
	}
	if cfg.Worker.DequeueTimeout() != 5*time.Second {
		t.Errorf("default dequeue timeout = %v", cfg.Worker.DequeueTimeout())
	}
	if cfg.Allocator.Timeout() != 30*time.Second {
		t.Errorf("default allocator timeout = %v", cfg.Allocator.Timeout())
	}
	if cfg.Sandbox.ExecutionTimeout() != 10*time.Minute {
		t.Errorf("default execution timeout = %v", cfg.Sandbox.ExecutionTimeout())
	}
	if cfg.Metrics() != nil || cfg.Tracing() != nil {
		t.Error("observability should be disabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KAZI_REDIS_URL", "redis://override:6379")
	t.Setenv("KAZI_QUEUE_NAME", "override_jobs")
	t.Setenv("KAZI_ALLOCATOR_URL", "http://override:8080")

	path := writeConfig(t, "config.yaml", `
queue:
  redis_url: redis://file:6379
  name: file_jobs
allocator:
  url: http://file:8080
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.RedisURL != "redis://override:6379" {
		t.Errorf("env override lost: %q", cfg.Queue.RedisURL)
	}
	if cfg.Queue.QueueName() != "override_jobs" {
		t.Errorf("env override lost: %q", cfg.Queue.QueueName())
	}
	if cfg.Allocator.URL != "http://override:8080" {
		t.Errorf("env override lost: %q", cfg.Allocator.URL)
	}
}

func TestLoad_MissingRedisURL(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
worker:
  count: 2
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "redis_url") {
		t.Fatalf("expected redis_url error, got %v", err)
	}
}

func TestLoad_TracingValidation(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
queue:
  redis_url: redis://localhost:6379
observability:
  tracing:
    enabled: true
    endpoint: localhost:4317
    protocol: carrier-pigeon
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "protocol") {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaults_FromEnv(t *testing.T) {
	t.Setenv("KAZI_REDIS_URL", "redis://envonly:6379")
	cfg, err := Defaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.Queue.RedisURL != "redis://envonly:6379" {
		t.Errorf("redis url = %q", cfg.Queue.RedisURL)
	}
}

func TestMetricsAccessors(t *testing.T) {
	var m *MetricsConfig
	if m.Addr() != ":9090" || m.MetricsPath() != "/metrics" {
		t.Error("nil metrics config should yield defaults")
	}
	m = &MetricsConfig{ListenAddr: ":7070", Path: "/m"}
	if m.Addr() != ":7070" || m.MetricsPath() != "/m" {
		t.Error("explicit values lost")
	}
}
