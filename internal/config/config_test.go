package config

import (
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

	assert.Equal(t, 30, cfg.Dispatch.MaxConcurrentCalls)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BufferCheckInterval)
	assert.Equal(t, 10000, cfg.Dispatch.BufferCapacity)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.BufferMaxAge)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.LockTTL)
	assert.Equal(t, "calls", cfg.Kafka.CallTopic)
	assert.Equal(t, "http://localhost:3000/api/v1/callbacks/call-status", cfg.CallbackURL())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("OUTBOUND_DISPATCH_MAX_CONCURRENT_CALLS", "5")
	t.Setenv("OUTBOUND_DISPATCH_BUFFER_CHECK_INTERVAL", "500ms")
	t.Setenv("API_KEY", "from-legacy-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Dispatch.MaxConcurrentCalls)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BufferCheckInterval)
	assert.Equal(t, "from-legacy-env", cfg.Callback.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("dispatch:\n  max_retry_attempts: 7\ncallback:\n  api_key: file-key\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Dispatch.MaxRetryAttempts)
	assert.Equal(t, "file-key", cfg.Callback.APIKey)
	assert.Equal(t, 30, cfg.Dispatch.MaxConcurrentCalls)
}

func TestValidateRejectsNonPositiveCeiling(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CALLS", "0")

	_, err := Load("")
	require.Error(t, err)
}
