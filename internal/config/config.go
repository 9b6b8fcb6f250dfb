// Package config loads the drover daemon configuration from YAML with
// environment overrides, and watches the config and policy files for
// hot reload.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig points at the shared state store.
type StoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ForgeConfig points at the git-forge collaborator.
type ForgeConfig struct {
	BaseURL    string `yaml:"base_url"` // empty uses the public API
	Owner      string `yaml:"owner"`
	Repo       string `yaml:"repo"`
	BaseBranch string `yaml:"base_branch"` // default "main"
	Token      string `yaml:"token"`       // FORGE_TOKEN env overrides
}

// ToolBackendConfig describes one remote tool backend endpoint.
type ToolBackendConfig struct {
	Name      string `yaml:"name"`      // shell, browser, deploy, errtracker
	Endpoint  string `yaml:"endpoint"`  // http(s):// or ws(s):// URL
	Transport string `yaml:"transport"` // "http" (default) or "websocket"
}

// QueueConfig bounds the worker pool and task record lifetimes.
type QueueConfig struct {
	WorkerCount           int `yaml:"worker_count"`            // default 4
	TaskTTLSeconds        int `yaml:"task_ttl_seconds"`        // default 3600
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"` // default 3600
	TaskTimeoutSeconds    int `yaml:"task_timeout_seconds"`    // default 300
}

// LivenessConfig controls heartbeats and the staleness scan.
type LivenessConfig struct {
	HeartbeatTTLSeconds   int `yaml:"heartbeat_ttl_seconds"`   // default 120
	HeartbeatIntervalSecs int `yaml:"heartbeat_interval_secs"` // default 30
	StaleThresholdSeconds int `yaml:"stale_threshold_seconds"` // default 120
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"` // DROVER_AUTH_TOKEN env overrides

	PolicyPath string `yaml:"policy_path"` // default <home>/policy.yaml

	Store    StoreConfig         `yaml:"store"`
	Forge    ForgeConfig         `yaml:"forge"`
	Queue    QueueConfig         `yaml:"queue"`
	Liveness LivenessConfig      `yaml:"liveness"`
	Tools    []ToolBackendConfig `yaml:"tools"`
	OTel     OTelConfig          `yaml:"otel"`

	// ApprovalTimeoutSeconds is how long an unanswered approval request
	// stays open before it is denied. Default 3600.
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`

	// CronIntervalSeconds is the tick for the liveness scan and reputation
	// decay sweep. Default 60.
	CronIntervalSeconds int `yaml:"cron_interval_seconds"`
}

// Load reads <homeDir>/config.yaml, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:7590"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PolicyPath == "" {
		c.PolicyPath = filepath.Join(c.HomeDir, "policy.yaml")
	}
	if c.Store.Addr == "" {
		c.Store.Addr = "127.0.0.1:6379"
	}
	if c.Forge.BaseBranch == "" {
		c.Forge.BaseBranch = "main"
	}
	if c.Queue.WorkerCount <= 0 {
		c.Queue.WorkerCount = 4
	}
	if c.Queue.TaskTTLSeconds <= 0 {
		c.Queue.TaskTTLSeconds = 3600
	}
	if c.Queue.IdempotencyTTLSeconds <= 0 {
		c.Queue.IdempotencyTTLSeconds = 3600
	}
	if c.Queue.TaskTimeoutSeconds <= 0 {
		c.Queue.TaskTimeoutSeconds = 300
	}
	if c.Liveness.HeartbeatTTLSeconds <= 0 {
		c.Liveness.HeartbeatTTLSeconds = 120
	}
	if c.Liveness.HeartbeatIntervalSecs <= 0 {
		c.Liveness.HeartbeatIntervalSecs = 30
	}
	if c.Liveness.StaleThresholdSeconds <= 0 {
		c.Liveness.StaleThresholdSeconds = 120
	}
	if c.ApprovalTimeoutSeconds <= 0 {
		c.ApprovalTimeoutSeconds = 3600
	}
	if c.CronIntervalSeconds <= 0 {
		c.CronIntervalSeconds = 60
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "drover"
	}
	if c.OTel.SampleRate <= 0 {
		c.OTel.SampleRate = 1.0
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DROVER_STORE_ADDR"); v != "" {
		c.Store.Addr = v
	}
	if v := os.Getenv("DROVER_STORE_PASSWORD"); v != "" {
		c.Store.Password = v
	}
	if v := os.Getenv("FORGE_TOKEN"); v != "" {
		c.Forge.Token = v
	}
	if v := os.Getenv("DROVER_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("DROVER_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("DROVER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DROVER_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.WorkerCount = n
		}
	}
}

// TaskTTL returns the task record expiration as a duration.
func (c *Config) TaskTTL() time.Duration {
	return time.Duration(c.Queue.TaskTTLSeconds) * time.Second
}

// IdempotencyTTL returns the idempotency record expiration as a duration.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Queue.IdempotencyTTLSeconds) * time.Second
}

// Fingerprint hashes the loaded configuration for the status endpoint, with
// secrets excluded.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d|%d",
		c.BindAddr, c.PolicyPath, c.Store.Addr, c.Forge.Owner+"/"+c.Forge.Repo,
		c.Queue.WorkerCount, c.Queue.TaskTTLSeconds, c.Liveness.StaleThresholdSeconds)
	for _, t := range c.Tools {
		_, _ = fmt.Fprintf(h, "|%s=%s", t.Name, t.Endpoint)
	}
	return "cfg-" + strconv.FormatUint(h.Sum64(), 16)
}
