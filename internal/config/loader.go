package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

const (
	// ConfigFile is looked up in the working directory when no path is given.
	ConfigFile = "resolver.yaml"
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "RESOLVER_CONFIG"
)

// Loader applies defaults, then the config file, then RESOLVER_* environment
// variables.
type Loader struct {
	fs     afero.Fs
	getenv func(string) string
	logger *slog.Logger
}

func NewLoader(fs afero.Fs, logger *slog.Logger) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{fs: fs, getenv: os.Getenv, logger: logger}
}

// Load resolves the configuration. path may be empty.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		path = l.getenv(EnvConfigPath)
	}
	explicit := path != ""
	if !explicit {
		path = ConfigFile
	}

	config := DefaultConfig()
	if ok, _ := afero.Exists(l.fs, path); ok {
		loaded, err := LoadFromFile(l.fs, path)
		if err != nil {
			return nil, err
		}
		config = loaded
		l.logger.Debug("Loaded config", slog.String("path", path))
	} else if explicit {
		_, err := LoadFromFile(l.fs, path)
		return nil, err
	} else {
		l.logger.Debug("No config file found, using defaults")
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (l *Loader) applyEnv(c *Config) {
	str := func(key string, dst *string) {
		if v := l.getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v := l.getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			l.logger.Warn("Ignoring invalid duration", slog.String("key", key), slog.String("value", v))
			return
		}
		*dst = d
	}

	str("RESOLVER_API_ADDR", &c.API.Addr)
	str("RESOLVER_TEMPORAL_HOST_PORT", &c.Temporal.HostPort)
	str("RESOLVER_TEMPORAL_NAMESPACE", &c.Temporal.Namespace)
	str("RESOLVER_TEMPORAL_TASK_QUEUE", &c.Temporal.TaskQueue)
	dur("RESOLVER_STEP_TIMEOUT", &c.Executor.StepTimeout)
	dur("RESOLVER_STEP_DELAY", &c.Executor.StepDelay)
	str("RESOLVER_FEEDBACK_BACKEND", &c.Feedback.Backend)
	str("RESOLVER_FEEDBACK_SQLITE_PATH", &c.Feedback.SQLitePath)
	dur("RESOLVER_FEEDBACK_LATENCY", &c.Feedback.Latency)
	if v := l.getenv("RESOLVER_FEEDBACK_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Feedback.MaxRetries = n
		} else {
			l.logger.Warn("Ignoring invalid retry count", slog.String("value", v))
		}
	}
	str("RESOLVER_NATS_URL", &c.NATS.URL)
	str("RESOLVER_LOG_LEVEL", &c.Log.Level)
}
