// Package config provides configuration loading for the resolver binaries.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config is the complete resolver configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Temporal TemporalConfig `yaml:"temporal"`
	Executor ExecutorConfig `yaml:"executor"`
	Feedback FeedbackConfig `yaml:"feedback"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

type APIConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
}

type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

type ExecutorConfig struct {
	// StepTimeout fails a step that runs longer. Zero disables it.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// StepDelay is the simulated work latency of the reference playbook.
	StepDelay time.Duration `yaml:"step_delay"`
}

type FeedbackConfig struct {
	// Backend is "memory" or "sqlite".
	Backend              string        `yaml:"backend"`
	SQLitePath           string        `yaml:"sqlite_path"`
	Latency              time.Duration `yaml:"latency"`
	MaxRetries           uint64        `yaml:"max_retries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
}

type NATSConfig struct {
	// URL of the NATS server; empty disables activity fan-out.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// DefaultConfig returns a Config with working local defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{Addr: ":8090"},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "INSIGHT_RESOLUTION_TASK_QUEUE",
		},
		Executor: ExecutorConfig{
			StepDelay: 1500 * time.Millisecond,
		},
		Feedback: FeedbackConfig{
			Backend:              BackendMemory,
			SQLitePath:           "resolver.db",
			Latency:              300 * time.Millisecond,
			MaxRetries:           3,
			RetryInitialInterval: 200 * time.Millisecond,
		},
		NATS: NATSConfig{SubjectPrefix: "resolutions"},
		Log:  LogConfig{Level: "info"},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	if c.Executor.StepTimeout < 0 {
		return fmt.Errorf("executor.step_timeout must not be negative")
	}
	if c.Executor.StepDelay < 0 {
		return fmt.Errorf("executor.step_delay must not be negative")
	}
	switch c.Feedback.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Feedback.SQLitePath == "" {
			return fmt.Errorf("feedback.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("feedback.backend must be %q or %q, got %q", BackendMemory, BackendSQLite, c.Feedback.Backend)
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required when nats.url is set")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger returns a JSON slog logger at the configured level. An invalid
// level falls back to info.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// LoadFromFile reads a YAML file on fs over the defaults.
func LoadFromFile(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
