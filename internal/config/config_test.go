package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STRATEGY_CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 3, cfg.Executor.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.BackoffDelay())
	assert.Equal(t, 0.10, cfg.Backtest.ClearingTolerance)
	assert.Equal(t, 0.8, cfg.Risk.WarningRatio)
	assert.Equal(t, 30*time.Second, cfg.Risk.SweepInterval())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
executor:
  max_concurrent_executions: 8
  max_attempts: 5
risk:
  max_daily_loss: 1000
  min_cash_reserve: 250
backtest:
  unit_cost_constant: 22.5
feed:
  streams: [vpp:north, vpp:south]
`), 0o600))

	t.Setenv("STRATEGY_CONFIG_FILE", path)
	t.Setenv("MAX_ATTEMPTS", "2")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 2, cfg.Executor.MaxAttempts, "env wins over file")
	assert.Equal(t, 1000.0, cfg.Risk.MaxDailyLoss)
	assert.Equal(t, 250.0, cfg.Risk.MinCashReserve)
	assert.Equal(t, 22.5, cfg.Backtest.UnitCost)
	assert.Equal(t, 0.10, cfg.Backtest.ClearingTolerance, "unset keys keep defaults")
	assert.Equal(t, []string{"vpp:north", "vpp:south"}, cfg.Feed.Streams)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor: [oops"), 0o600))
	t.Setenv("STRATEGY_CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Executor.MaxConcurrent = 0 }},
		{"zero attempts", func(c *Config) { c.Executor.MaxAttempts = 0 }},
		{"negative limit", func(c *Config) { c.Risk.MaxDailyLoss = -1 }},
		{"tolerance above one", func(c *Config) { c.Backtest.ClearingTolerance = 1.5 }},
		{"zero tolerance", func(c *Config) { c.Backtest.ClearingTolerance = 0 }},
		{"warning ratio", func(c *Config) { c.Risk.WarningRatio = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
