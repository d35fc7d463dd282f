// Loader and override precedence tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 3, cfg.Manager.MaxRetries)
	assert.Equal(t, 100, cfg.Decision.Budget)
	assert.Equal(t, 0.9, cfg.Incentive.Decay)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
manager:
  max_retries: 5
  execution_timeout: 90s

decision:
  budget: 200
  exploration_constant: 0.8
  max_width: 3

incentive:
  decay: 0.85
  history_size: 32

evolution:
  task_interval: 20
  time_interval: 10m
  learning_rate: 0.05

store:
  type: "redis"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Manager.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.Manager.ExecutionTimeout)

	assert.Equal(t, 200, cfg.Decision.Budget)
	assert.Equal(t, 0.8, cfg.Decision.ExplorationConstant)
	assert.Equal(t, 3, cfg.Decision.MaxWidth)

	assert.Equal(t, 0.85, cfg.Incentive.Decay)
	assert.Equal(t, 32, cfg.Incentive.HistorySize)

	assert.Equal(t, 20, cfg.Evolution.TaskInterval)
	assert.Equal(t, 10*time.Minute, cfg.Evolution.TimeInterval)
	assert.Equal(t, 0.05, cfg.Evolution.LearningRate)

	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/nonexistent/config.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Decision.Budget)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTHIVE_MANAGER_MAX_RETRIES", "7")
	t.Setenv("AGENTHIVE_DECISION_EVAL_TIMEOUT", "3s")
	t.Setenv("AGENTHIVE_EVOLUTION_LEARNING_RATE", "0.2")
	t.Setenv("AGENTHIVE_LOG_OUTPUT_PATHS", "stdout, /var/log/agenthive.log")
	t.Setenv("AGENTHIVE_KNOWLEDGE_CACHE_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Manager.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Decision.EvalTimeout)
	assert.Equal(t, 0.2, cfg.Evolution.LearningRate)
	assert.Equal(t, []string{"stdout", "/var/log/agenthive.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Knowledge.CacheEnabled)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("decision:\n  budget: 50\n"), 0644))

	t.Setenv("AGENTHIVE_DECISION_BUDGET", "250")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Decision.Budget)
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			return assert.AnError
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.Incentive.Decay = 1.5
	bad.Store.Type = "cassandra"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incentive.decay")
	assert.Contains(t, err.Error(), "store.type")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "hive", SSLMode: "disable"}
	assert.Contains(t, pg.DSN(), "host=db")
	assert.Contains(t, pg.DSN(), "dbname=hive")

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "hive"}
	assert.Contains(t, my.DSN(), "@tcp(db:3306)/hive")

	sq := DatabaseConfig{Driver: "sqlite", Name: "hive.db"}
	assert.Equal(t, "hive.db", sq.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Equal(t, "", unknown.DSN())
}
