package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Broker.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.RetryDelay.Duration())
	assert.Equal(t, 1000, cfg.Broker.HistorySize)
	assert.Equal(t, 10000, cfg.Broker.DeadLetterLimit)

	assert.Equal(t, 30*time.Second, cfg.Deterministic.StepTimeout.Duration())
	assert.Equal(t, time.Hour, cfg.Deterministic.CheckpointTTL.Duration())
	assert.False(t, cfg.Deterministic.AbortOnCriticalPost)

	assert.Equal(t, 2, cfg.Reactive.InterventionThreshold)
	assert.Equal(t, 0.6, cfg.Choreographed.QuorumThreshold)
	assert.Equal(t, 30*time.Second, cfg.Choreographed.TimeoutPeriod.Duration())
	assert.Equal(t, 10*time.Minute, cfg.Choreographed.ProposalRetention.Duration())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "semanticd.events", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "semanticd", cfg.Observability.ServiceName)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  max_retries: 5
  retry_delay: 250ms
choreographed:
  quorum_threshold: 0.75
  timeout_period: 2m
server:
  port: 8088
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Broker.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.RetryDelay.Duration())
	assert.Equal(t, 0.75, cfg.Choreographed.QuorumThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Choreographed.TimeoutPeriod.Duration())
	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	// Unset sections keep their defaults.
	assert.Equal(t, 1000, cfg.Broker.HistorySize)
	assert.Equal(t, 2, cfg.Reactive.InterventionThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8088\n"), 0o600))

	t.Setenv("SEMANTICD_SERVER_PORT", "9999")
	t.Setenv("SEMANTICD_BROKER_MAX_RETRIES", "7")
	t.Setenv("SEMANTICD_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Broker.MaxRetries)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quorum above one", func(c *Config) { c.Choreographed.QuorumThreshold = 1.5 }},
		{"quorum zero", func(c *Config) { c.Choreographed.QuorumThreshold = 0 }},
		{"threshold out of range", func(c *Config) { c.Reactive.InterventionThreshold = 9 }},
		{"negative batch", func(c *Config) { c.Reactive.BatchSize = -1 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad protocol", func(c *Config) { c.Observability.Protocol = "carrier-pigeon" }},
		{"bad sample rate", func(c *Config) { c.Observability.SampleRate = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1500ms")))
	assert.Equal(t, 1500*time.Millisecond, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	text, err := Duration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(text))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8001\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, func(c *Config) {
			select {
			case reloaded <- c:
			default:
			}
		}, nil)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8002\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8002, cfg.Server.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was never observed")
	}

	cancel()
	<-done
}
