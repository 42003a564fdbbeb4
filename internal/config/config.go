// Package config handles loading and validating Kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for a Kazi worker process.
type Config struct {
	Queue         QueueConfig          `json:"queue" yaml:"queue"`
	Allocator     AllocatorConfig      `json:"allocator" yaml:"allocator"`
	Worker        WorkerConfig         `json:"worker" yaml:"worker"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// QueueConfig configures the Redis-backed job queue.
type QueueConfig struct {
	RedisURL string `json:"redis_url" yaml:"redis_url"` // e.g. "redis://localhost:6379". Override: KAZI_REDIS_URL env var.
	Name     string `json:"name" yaml:"name"`           // Main queue key. Default: "agent_jobs".
}

// QueueName returns the main queue key with a default of "agent_jobs".
func (q *QueueConfig) QueueName() string {
	if q != nil && q.Name != "" {
		return q.Name
	}
	return "agent_jobs"
}

// AllocatorConfig configures the HTTP instance allocator client.
type AllocatorConfig struct {
	URL            string `json:"url" yaml:"url"`                         // Allocator base URL. Override: KAZI_ALLOCATOR_URL env var.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Per-call timeout. Default: 30.
}

// Timeout returns the per-call timeout with a default of 30s.
func (a *AllocatorConfig) Timeout() time.Duration {
	if a != nil && a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// WorkerConfig configures the job processing loop.
type WorkerConfig struct {
	WorkDir               string `json:"work_dir" yaml:"work_dir"`                             // Clone root. Default: ~/.kazi/work. Override: KAZI_WORKDIR env var.
	Count                 int    `json:"count" yaml:"count"`                                   // Concurrent worker loops. Default: 1.
	DequeueTimeoutSeconds int    `json:"dequeue_timeout_seconds" yaml:"dequeue_timeout_seconds"` // Blocking pop timeout. Default: 5.
}

// Concurrency returns the number of worker loops with a default of 1.
func (w *WorkerConfig) Concurrency() int {
	if w != nil && w.Count > 0 {
		return w.Count
	}
	return 1
}

// DequeueTimeout returns the blocking pop timeout with a default of 5s.
func (w *WorkerConfig) DequeueTimeout() time.Duration {
	if w != nil && w.DequeueTimeoutSeconds > 0 {
		return time.Duration(w.DequeueTimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// ResolvedWorkDir returns the clone root, resolving ~ if needed.
func (w *WorkerConfig) ResolvedWorkDir() string {
	if w == nil || w.WorkDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "work"
		}
		return filepath.Join(home, ".kazi", "work")
	}
	resolved, err := resolvePath(w.WorkDir)
	if err != nil {
		return w.WorkDir
	}
	return resolved
}

// SandboxConfig configures the agent execution sandbox.
type SandboxConfig struct {
	GuestBinary         string `json:"guest_binary" yaml:"guest_binary"`                   // Path to the agent guest executable.
	MaxExecutionSeconds int    `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall-clock limit. Default: 600.
	MaxCPUSeconds       int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // CPU time limit. Default: 300.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Address space limit. Default: 1024.
}

// ExecutionTimeout returns the wall-clock limit with a default of 10m.
func (s *SandboxConfig) ExecutionTimeout() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 10 * time.Minute
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // Default: ":9090"
	Path       string `json:"path" yaml:"path"`               // Default: "/metrics"
}

// Addr returns the metrics listen address with a default of ":9090".
func (m *MetricsConfig) Addr() string {
	if m != nil && m.ListenAddr != "" {
		return m.ListenAddr
	}
	return ":9090"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .json for JSON, everything else for YAML.
// Connection endpoints can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Defaults returns a config built entirely from defaults and environment
// variables, for running without a config file.
func Defaults() (*Config, error) {
	cfg := &Config{
		Queue: QueueConfig{RedisURL: "redis://localhost:6379"},
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies KAZI_* environment variables on top of the
// loaded values. Env vars take precedence over config file values.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("KAZI_REDIS_URL"); env != "" {
		cfg.Queue.RedisURL = env
	}
	if env := os.Getenv("KAZI_QUEUE_NAME"); env != "" {
		cfg.Queue.Name = env
	}
	if env := os.Getenv("KAZI_ALLOCATOR_URL"); env != "" {
		cfg.Allocator.URL = env
	}
	if env := os.Getenv("KAZI_WORKDIR"); env != "" {
		cfg.Worker.WorkDir = env
	}
	if env := os.Getenv("KAZI_GUEST_BINARY"); env != "" {
		cfg.Sandbox.GuestBinary = env
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if c.Queue.RedisURL == "" {
		return fmt.Errorf("queue.redis_url is required (set KAZI_REDIS_URL env var)")
	}
	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if t := c.Tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0.0 and 1.0")
		}
	}
	return nil
}

// Metrics returns the metrics section, nil when observability is disabled.
func (c *Config) Metrics() *MetricsConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Metrics
}

// Tracing returns the tracing section, nil when observability is disabled.
func (c *Config) Tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
