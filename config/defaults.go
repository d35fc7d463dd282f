// =============================================================================
// AgentHive default configuration
// =============================================================================
// Reasonable defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Manager:   DefaultManagerConfig(),
		Router:    DefaultRouterConfig(),
		Decision:  DefaultDecisionConfig(),
		Incentive: DefaultIncentiveConfig(),
		Evolution: DefaultEvolutionConfig(),
		Knowledge: DefaultKnowledgeConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default process-level settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultManagerConfig returns default task manager settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxRetries:       3,
		QueueCapacity:    0,
		EventBuffer:      256,
		ExecutionTimeout: 2 * time.Minute,
	}
}

// DefaultRouterConfig returns default routing settings.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ExplorationRate:  0.1,
		Seed:             0,
		DefaultTagWeight: 1.0,
	}
}

// DefaultDecisionConfig returns default workflow search settings.
func DefaultDecisionConfig() DecisionConfig {
	return DecisionConfig{
		Budget:               100,
		ExplorationConstant:  1.414,
		MaxWidth:             4,
		EvalTimeout:          10 * time.Second,
		EvalRateLimit:        0,
		UncertaintyThreshold: 0.5,
	}
}

// DefaultIncentiveConfig returns default scoring settings.
func DefaultIncentiveConfig() IncentiveConfig {
	return IncentiveConfig{
		Decay:               0.9,
		HistorySize:         64,
		MaxComplexityFactor: 2.0,
		DeadlineWindow:      time.Hour,
	}
}

// DefaultEvolutionConfig returns default evolution settings.
func DefaultEvolutionConfig() EvolutionConfig {
	return EvolutionConfig{
		TaskInterval:   50,
		TimeInterval:   30 * time.Minute,
		LearningRate:   0.1,
		WeightMin:      0.0,
		WeightMax:      2.0,
		ExplorationMin: 0.5,
		ExplorationMax: 3.0,
	}
}

// DefaultKnowledgeConfig returns default retrieval settings.
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		RetrievalTimeout: 10 * time.Second,
		TopK:             5,
		CacheEnabled:     false,
		CacheTTL:         5 * time.Minute,
	}
}

// DefaultStoreConfig returns default archive settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            "memory",
		ArchiveTTL:      0,
		CleanupInterval: 10 * time.Minute,
		MaxRetries:      3,
	}
}

// DefaultRedisConfig returns default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns default database settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "agenthive",
		Password:        "",
		Name:            "agenthive.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default telemetry settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agenthive",
		SampleRate:   0.1,
	}
}
