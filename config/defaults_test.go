// Default configuration tests.
package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 3, cfg.Manager.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Manager.ExecutionTimeout)
	assert.Equal(t, 256, cfg.Manager.EventBuffer)

	assert.Equal(t, 0.1, cfg.Router.ExplorationRate)
	assert.Equal(t, 1.0, cfg.Router.DefaultTagWeight)

	assert.Equal(t, 100, cfg.Decision.Budget)
	assert.Equal(t, 1.414, cfg.Decision.ExplorationConstant)
	assert.Equal(t, 4, cfg.Decision.MaxWidth)
	assert.Equal(t, 10*time.Second, cfg.Decision.EvalTimeout)

	assert.Equal(t, 0.9, cfg.Incentive.Decay)
	assert.Equal(t, 64, cfg.Incentive.HistorySize)
	assert.Equal(t, 2.0, cfg.Incentive.MaxComplexityFactor)

	assert.Equal(t, 50, cfg.Evolution.TaskInterval)
	assert.Equal(t, 30*time.Minute, cfg.Evolution.TimeInterval)
	assert.Equal(t, 0.1, cfg.Evolution.LearningRate)
	assert.Equal(t, 2.0, cfg.Evolution.WeightMax)

	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "agenthive", cfg.Telemetry.ServiceName)

	// defaults must pass their own validation
	assert.NoError(t, cfg.Validate())
}
