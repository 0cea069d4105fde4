package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 3*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 10*time.Second, cfg.MaxWait)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.Equal(t, 3000, cfg.MaxPartLength)
	assert.Equal(t, 200*time.Millisecond, cfg.PartDelay)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEBOUNCE_WINDOW", "1500ms")
	t.Setenv("MAX_WAIT", "5s")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_INLINE", "true")
	t.Setenv("LOCK_TTL", "not-a-duration")

	cfg := Load()

	assert.Equal(t, 1500*time.Millisecond, cfg.DebounceWindow)
	assert.Equal(t, 5*time.Second, cfg.MaxWait)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.True(t, cfg.WorkerInline)
	assert.Equal(t, 60*time.Second, cfg.LockTTL, "unparseable values fall back to the default")
}

func TestValidate_ResponderTimeoutMustFitInLock(t *testing.T) {
	cfg := Load()
	cfg.LockTTL = 30 * time.Second
	cfg.ResponderTimeout = 30 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESPONDER_TIMEOUT")
}

func TestValidate_CycleLeavesDeliveryBudget(t *testing.T) {
	cfg := Load()
	cfg.LockTTL = 60 * time.Second
	assert.Equal(t, 55*time.Second, cfg.CycleTimeout())

	cfg.ResponderTimeout = 50 * time.Second
	assert.NoError(t, cfg.Validate())

	cfg.ResponderTimeout = 51 * time.Second
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESPONDER_TIMEOUT")
}

func TestValidate_MaxWaitBelowDebounce(t *testing.T) {
	cfg := Load()
	cfg.DebounceWindow = 5 * time.Second
	cfg.MaxWait = 2 * time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WAIT")
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://martechdevs.com, ,https://www.martechdevs.com")

	cfg := Load()

	assert.Equal(t, []string{"https://martechdevs.com", "https://www.martechdevs.com"}, cfg.CORSAllowedOrigins)
}
