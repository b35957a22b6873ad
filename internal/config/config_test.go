package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Duration(0), cfg.Executor.StepTimeout, "no step timeout unless configured")
	assert.Equal(t, BackendMemory, cfg.Feedback.Backend)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "missing addr", modify: func(c *Config) { c.API.Addr = "" }, wantErr: true},
		{name: "negative timeout", modify: func(c *Config) { c.Executor.StepTimeout = -time.Second }, wantErr: true},
		{name: "unknown backend", modify: func(c *Config) { c.Feedback.Backend = "redis" }, wantErr: true},
		{name: "sqlite without path", modify: func(c *Config) {
			c.Feedback.Backend = BackendSQLite
			c.Feedback.SQLitePath = ""
		}, wantErr: true},
		{name: "nats without prefix", modify: func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.SubjectPrefix = ""
		}, wantErr: true},
		{name: "bad log level", modify: func(c *Config) { c.Log.Level = "chatty" }, wantErr: true},
		{name: "debug log level", modify: func(c *Config) { c.Log.Level = "debug" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/resolver.yaml", []byte(`
executor:
  step_timeout: 30s
feedback:
  backend: sqlite
  sqlite_path: /var/lib/resolver.db
`), 0644))

	cfg, err := LoadFromFile(fs, "/etc/resolver.yaml")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Executor.StepTimeout)
	assert.Equal(t, BackendSQLite, cfg.Feedback.Backend)
	// untouched sections keep their defaults
	assert.Equal(t, ":8090", cfg.API.Addr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Executor.StepDelay)
}

func TestSaveAndReload(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := DefaultConfig()
	cfg.API.Addr = ":9999"
	require.NoError(t, cfg.SaveToFile(fs, "/home/op/.config/resolver/resolver.yaml"))

	back, err := LoadFromFile(fs, "/home/op/.config/resolver/resolver.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":9999", back.API.Addr)
}

func TestLoaderPrecedence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ConfigFile, []byte("api:\n  addr: \":7000\"\nlog:\n  level: warn\n"), 0644))

	env := map[string]string{
		"RESOLVER_API_ADDR":     ":7001",
		"RESOLVER_STEP_TIMEOUT": "5s",
		"RESOLVER_STEP_DELAY":   "not-a-duration",
	}
	l := NewLoader(fs, nil)
	l.getenv = func(k string) string { return env[k] }

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7001", cfg.API.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 5*time.Second, cfg.Executor.StepTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Executor.StepDelay)
}

func TestLoaderMissingExplicitFile(t *testing.T) {
	l := NewLoader(afero.NewMemMapFs(), nil)
	l.getenv = func(string) string { return "" }
	_, err := l.Load("/nope.yaml")
	assert.Error(t, err)
}

func TestLoaderDefaultsWithoutFile(t *testing.T) {
	l := NewLoader(afero.NewMemMapFs(), nil)
	l.getenv = func(string) string { return "" }
	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestNewLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
