package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Execution.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Execution.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Execution.MaxDelay)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, []string{"USDT", "USDC", "USD"}, cfg.Venue.QuoteAssets)
}

func TestLoadReadsRoutersAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
venue:
  name: binanceusdm
  paper: true
routers:
  - name: lifi
    base_url: https://li.quest/v1
    rate_limit: 5
    burst: 2
    timeout: 3s
  - name: socket
    base_url: https://api.socket.tech/v2
execution:
  max_attempts: 3
  base_delay: 200ms
risk:
  max_notional: 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Routers, 2)
	assert.Equal(t, "lifi", cfg.Routers[0].Name)
	assert.Equal(t, 3*time.Second, cfg.Routers[0].Timeout)
	assert.Equal(t, 2, cfg.Routers[0].Burst)
	assert.Equal(t, "socket", cfg.Routers[1].Name)
	assert.Equal(t, 3, cfg.Execution.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Execution.BaseDelay)
	assert.Equal(t, 500.0, cfg.Risk.MaxNotional)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg, err := Defaults()
	require.NoError(t, err)

	cfg.Execution.MaxAttempts = 0
	cfg.Breaker.FailureThreshold = 0
	cfg.Database.Driver = "postgres"
	cfg.Routers = []RouterConfig{{Name: "a", BaseURL: "http://a"}, {Name: "a", BaseURL: "http://b"}}

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "execution.max_attempts")
	assert.Contains(t, msg, "breaker.failure_threshold")
	assert.Contains(t, msg, "database.driver")
	assert.Contains(t, msg, "重复")
}
