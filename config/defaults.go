// =============================================================================
// 📦 Rehydrate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Tier1:       DefaultTier1Config(),
		Tier2:       DefaultTier2Config(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		Mongo:       DefaultMongoConfig(),
		Assembler:   DefaultAssemblerConfig(),
		Tokenizer:   DefaultTokenizerConfig(),
		Compression: DefaultCompressionConfig(),
		Optimizer:   DefaultOptimizerConfig(),
		Warming:     DefaultWarmingConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MetricsPort:     9091,
		AssembleTimeout: 5 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultTier1Config 返回默认热层配置
func DefaultTier1Config() Tier1Config {
	return Tier1Config{
		Capacity: 4096,
		TTL:      5 * time.Minute,
		Shards:   16,
	}
}

// DefaultTier2Config 返回默认温层配置
func DefaultTier2Config() Tier2Config {
	return Tier2Config{
		Backend:          "memory",
		Capacity:         65536,
		PromotionTimeout: 5 * time.Second,
		LoadTimeout:      30 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "rehydrate",
		Password:        "",
		Name:            "rehydrate.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "rehydrate",
		Collection: "cache_entries",
		Timeout:    10 * time.Second,
	}
}

// DefaultAssemblerConfig 返回默认装配配置
func DefaultAssemblerConfig() AssemblerConfig {
	return AssemblerConfig{
		DefaultBudget:   4096,
		TopK:            16,
		MinViableTokens: 24,
		KeyStrategy:     "hash",
	}
}

// DefaultTokenizerConfig 返回默认分词器配置
func DefaultTokenizerConfig() TokenizerConfig {
	return TokenizerConfig{
		Encoding:          "cl100k_base",
		FallbackEstimator: true,
	}
}

// DefaultCompressionConfig 返回默认压缩配置
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		BitWidth:           8,
		MaxMeanDegradation: 0.02,
		MinHoldoutPairs:    8,
	}
}

// DefaultOptimizerConfig 返回默认优化配置
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Enabled:             true,
		Interval:            5 * time.Minute,
		MinSamples:          50,
		FrontierCapacity:    16,
		ShadowTimeout:       30 * time.Second,
		RegressionTolerance: 0.15,
		CandidateCount:      6,
		SampleBuffer:        4096,
	}
}

// DefaultWarmingConfig 返回默认预热配置
func DefaultWarmingConfig() WarmingConfig {
	return WarmingConfig{
		Enabled:       true,
		RatePerSecond: 50,
		PassTimeout:   30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "rehydrate",
		SampleRate:   0.1,
	}
}
