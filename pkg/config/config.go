// Package config loads fednode's node configuration from TOML (or YAML)
// files with environment variable overrides layered on top of defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all static configuration for a fednode process.
type Config struct {
	NodeID          string `toml:"node_id" yaml:"node_id"`
	InstitutionName string `toml:"institution_name" yaml:"institution_name"`

	DataRoot string `toml:"data_root" yaml:"data_root"`
	WorkDir  string `toml:"work_dir" yaml:"work_dir"`
	DataDir  string `toml:"data_dir" yaml:"data_dir"` // bbolt store location

	ManifestPath string `toml:"manifest_path" yaml:"manifest_path"`

	Execution ExecutionConfig `toml:"execution" yaml:"execution"`
	Policy    PolicyConfig    `toml:"policy" yaml:"policy"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
	Reconcile ReconcileConfig `toml:"reconcile" yaml:"reconcile"`
	Security  SecurityConfig  `toml:"security" yaml:"security"`

	MetricsAddr string `toml:"metrics_addr" yaml:"metrics_addr"`
}

// ExecutionConfig controls the sandbox runner.
type ExecutionConfig struct {
	Backend             string            `toml:"backend" yaml:"backend"` // "container" or "subprocess"
	ContainerdSocket    string            `toml:"containerd_socket" yaml:"containerd_socket"`
	MaxExecutionTime    string            `toml:"max_execution_time" yaml:"max_execution_time"`
	MaxMemoryMB         int64             `toml:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUCores         float64           `toml:"max_cpu_cores" yaml:"max_cpu_cores"`
	AllowedScriptKinds  []string          `toml:"allowed_script_kinds" yaml:"allowed_script_kinds"`
	ImageForKind        map[string]string `toml:"image_for_kind" yaml:"image_for_kind"`
	CancelGracePeriod   string            `toml:"cancel_grace_period" yaml:"cancel_grace_period"`
}

// GetMaxExecutionTime parses the configured wall-clock timeout.
func (c *ExecutionConfig) GetMaxExecutionTime() time.Duration {
	d, err := time.ParseDuration(c.MaxExecutionTime)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetCancelGracePeriod parses the graceful-stop window before SIGKILL.
func (c *ExecutionConfig) GetCancelGracePeriod() time.Duration {
	d, err := time.ParseDuration(c.CancelGracePeriod)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// PolicyConfig controls the release gate and static script validation.
type PolicyConfig struct {
	MinCohortSize   int     `toml:"min_cohort_size" yaml:"min_cohort_size"`
	ResultPrecision int     `toml:"result_precision" yaml:"result_precision"`
	EnableNoise     bool    `toml:"enable_noise" yaml:"enable_noise"`
	NoiseEpsilon    float64 `toml:"noise_epsilon" yaml:"noise_epsilon"`
	MaxScriptBytes  int     `toml:"max_script_bytes" yaml:"max_script_bytes"`
	MaxScriptLines  int     `toml:"max_script_lines" yaml:"max_script_lines"`
}

// QueueConfig controls admission concurrency.
type QueueConfig struct {
	Capacity    int `toml:"queue_capacity" yaml:"queue_capacity"`
	WorkerCount int `toml:"worker_count" yaml:"worker_count"`
}

// LoggingConfig holds the [logging] settings and their environment
// overrides. The CLI configures pkg/log from its --log-level and
// --log-json flags and does not read these fields.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
	JSON  bool   `toml:"json" yaml:"json"`
}

// ReconcileConfig controls the background workspace/job reconciler.
type ReconcileConfig struct {
	Interval         string `toml:"interval" yaml:"interval"`
	JobRetention     string `toml:"job_retention" yaml:"job_retention"`
	RequestTTL       string `toml:"request_ttl" yaml:"request_ttl"` // 0/empty disables expiry
}

// GetInterval parses the reconciler tick interval.
func (c *ReconcileConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetJobRetention parses how long terminal workspaces are kept on disk.
func (c *ReconcileConfig) GetJobRetention() time.Duration {
	d, err := time.ParseDuration(c.JobRetention)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetRequestTTL parses how long a pending AnalysisRequest may sit
// undecided before the reconciler expires it. A missing or invalid value
// disables expiry (returns 0).
func (c *ReconcileConfig) GetRequestTTL() time.Duration {
	d, err := time.ParseDuration(c.RequestTTL)
	if err != nil {
		return 0
	}
	return d
}

// SecurityConfig controls at-rest encryption of uploaded files.
type SecurityConfig struct {
	EncryptUploads bool   `toml:"encrypt_uploads" yaml:"encrypt_uploads"`
	EncryptionKey  string `toml:"encryption_key" yaml:"encryption_key"` // derived from NodeID if empty
	UploadDir      string `toml:"upload_dir" yaml:"upload_dir"`
}

// NewDefaultConfig returns a Config with sane defaults, mirroring the
// node-wide settings table in the submission/control API contract.
func NewDefaultConfig() *Config {
	return &Config{
		NodeID:          "fednode-dev",
		InstitutionName: "development",
		DataRoot:        "./data",
		WorkDir:         "./work",
		DataDir:         "./state",
		ManifestPath:    "./manifest.json",
		Execution: ExecutionConfig{
			Backend:            "subprocess",
			ContainerdSocket:   "/run/containerd/containerd.sock",
			MaxExecutionTime:   "120s",
			MaxMemoryMB:        512,
			MaxCPUCores:        1.0,
			AllowedScriptKinds: []string{"python", "r", "sql", "shell"},
			ImageForKind: map[string]string{
				"python": "fednode/exec-python:latest",
				"r":      "fednode/exec-r:latest",
				"sql":    "fednode/exec-sql:latest",
				"shell":  "fednode/exec-shell:latest",
			},
			CancelGracePeriod: "10s",
		},
		Policy: PolicyConfig{
			MinCohortSize:   10,
			ResultPrecision: 3,
			EnableNoise:     false,
			NoiseEpsilon:    1.0,
			MaxScriptBytes:  50_000,
			MaxScriptLines:  1000,
		},
		Queue: QueueConfig{
			Capacity:    100,
			WorkerCount: 4,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Reconcile: ReconcileConfig{
			Interval:     "30s",
			JobRetention: "24h",
			RequestTTL:   "72h",
		},
		Security: SecurityConfig{
			EncryptUploads: false,
			UploadDir:      "./uploads",
		},
		MetricsAddr: "127.0.0.1:9090",
	}
}

// LoadConfig loads configuration from TOML or YAML files (by extension),
// applied in order over the defaults, then applies environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
			}
			continue
		}

		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse toml config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FEDNODE_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("FEDNODE_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("FEDNODE_WORK_DIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("FEDNODE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FEDNODE_MANIFEST_PATH"); v != "" {
		cfg.ManifestPath = v
	}
	if v := os.Getenv("FEDNODE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FEDNODE_LOG_JSON"); v != "" {
		cfg.Logging.JSON = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FEDNODE_MIN_COHORT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MinCohortSize = n
		}
	}
	if v := os.Getenv("FEDNODE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.WorkerCount = n
		}
	}
	if v := os.Getenv("FEDNODE_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Capacity = n
		}
	}
	if v := os.Getenv("FEDNODE_EXECUTION_BACKEND"); v != "" {
		cfg.Execution.Backend = v
	}
	if v := os.Getenv("FEDNODE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// AllowsKind reports whether the admission allow-list includes kind.
func (c *Config) AllowsKind(kind string) bool {
	for _, k := range c.Execution.AllowedScriptKinds {
		if strings.EqualFold(k, kind) {
			return true
		}
	}
	return false
}
