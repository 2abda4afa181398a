package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// StoreConfig locates the shared relational store.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// PolicyConfig locates the allow-list document. An empty path selects the
// built-in default policy.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// SandboxConfig holds the per-attempt execution settings.
type SandboxConfig struct {
	Backend       string `mapstructure:"backend"`
	PythonBin     string `mapstructure:"python_bin"`
	Image         string `mapstructure:"image"`
	ScratchDir    string `mapstructure:"scratch_dir"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
	MemoryMB      int    `mapstructure:"memory_mb"`
	MaxOutputRows int64  `mapstructure:"max_output_rows"`
}

// PipelineConfig holds the chunked data movement settings.
type PipelineConfig struct {
	ChunkRows   int `mapstructure:"chunk_rows"`
	Parallelism int `mapstructure:"parallelism"`
}

// WorkerConfig holds the dispatcher settings.
type WorkerConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Lease             time.Duration `mapstructure:"lease"`
	Heartbeat         time.Duration `mapstructure:"heartbeat"`
}

// MonitorConfig holds the resource monitor settings.
type MonitorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration.
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("databox")
	viper.AutomaticEnv()

	viper.SetDefault("store.path", "databox.db")
	viper.SetDefault("policy.path", "")

	viper.SetDefault("sandbox.backend", "python")
	viper.SetDefault("sandbox.python_bin", "python3")
	viper.SetDefault("sandbox.image", "python:3.11-slim")
	viper.SetDefault("sandbox.scratch_dir", "")
	viper.SetDefault("sandbox.timeout_sec", 60)
	viper.SetDefault("sandbox.memory_mb", 512)
	viper.SetDefault("sandbox.max_output_rows", 1_000_000)

	viper.SetDefault("pipeline.chunk_rows", 50_000)
	viper.SetDefault("pipeline.parallelism", 1)

	viper.SetDefault("worker.max_concurrent_jobs", 4)
	viper.SetDefault("worker.poll_interval", "1s")
	viper.SetDefault("worker.lease", "90s")
	viper.SetDefault("worker.heartbeat", "15s")

	viper.SetDefault("monitor.sample_interval", "200ms")

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid.
func (c *Config) validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be set")
	}

	switch c.Sandbox.Backend {
	case "python", "docker":
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}
	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}
	if c.Sandbox.MaxOutputRows <= 0 {
		return fmt.Errorf("sandbox.max_output_rows must be positive, got: %d", c.Sandbox.MaxOutputRows)
	}

	if c.Pipeline.ChunkRows <= 0 {
		return fmt.Errorf("pipeline.chunk_rows must be positive, got: %d", c.Pipeline.ChunkRows)
	}
	if c.Pipeline.Parallelism <= 0 {
		return fmt.Errorf("pipeline.parallelism must be positive, got: %d", c.Pipeline.Parallelism)
	}

	if c.Worker.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("worker.max_concurrent_jobs must be positive, got: %d", c.Worker.MaxConcurrentJobs)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if c.Worker.Heartbeat <= 0 || c.Worker.Lease <= 0 {
		return fmt.Errorf("worker.lease and worker.heartbeat must be positive")
	}
	if c.Worker.Heartbeat >= c.Worker.Lease {
		return fmt.Errorf("worker.heartbeat (%s) must be shorter than worker.lease (%s)",
			c.Worker.Heartbeat, c.Worker.Lease)
	}

	if c.Monitor.SampleInterval <= 0 {
		return fmt.Errorf("monitor.sample_interval must be positive")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	return nil
}

// Timeout returns the per-attempt execution deadline as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// MemoryBytes returns the per-attempt memory ceiling in bytes.
func (c *Config) MemoryBytes() uint64 {
	return uint64(c.Sandbox.MemoryMB) * 1024 * 1024
}
