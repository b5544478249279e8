// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 4096, cfg.Tier1.Capacity)
	assert.Equal(t, "memory", cfg.Tier2.Backend)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	// 创建临时配置文件
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 8888
  assemble_timeout: 10s

tier1:
  capacity: 1024
  ttl: 1m
  shards: 8

tier2:
  backend: "redis"
  capacity: 2048

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

assembler:
  default_budget: 2048
  top_k: 8
  key_strategy: "hierarchical"

compression:
  bit_width: 4

log:
  level: "debug"
  format: "console"

anchors:
  - id: "charter"
    text: "Always plan before acting."
    order: 1
    roles: ["planner"]
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 加载配置
	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 8888, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Second, cfg.Server.AssembleTimeout)

	assert.Equal(t, 1024, cfg.Tier1.Capacity)
	assert.Equal(t, time.Minute, cfg.Tier1.TTL)
	assert.Equal(t, 8, cfg.Tier1.Shards)

	assert.Equal(t, "redis", cfg.Tier2.Backend)
	assert.Equal(t, 2048, cfg.Tier2.Capacity)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, 2048, cfg.Assembler.DefaultBudget)
	assert.Equal(t, 8, cfg.Assembler.TopK)
	assert.Equal(t, "hierarchical", cfg.Assembler.KeyStrategy)

	assert.Equal(t, 4, cfg.Compression.BitWidth)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	require.Len(t, cfg.Anchors, 1)
	assert.Equal(t, "charter", cfg.Anchors[0].ID)
	assert.Equal(t, []string{"planner"}, cfg.Anchors[0].Roles)

	// 未覆盖的字段保留默认值
	assert.Equal(t, 24, cfg.Assembler.MinViableTokens)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	// 设置环境变量
	envVars := map[string]string{
		"REHYDRATE_SERVER_METRICS_PORT":    "7777",
		"REHYDRATE_TIER1_CAPACITY":         "512",
		"REHYDRATE_TIER1_TTL":              "90s",
		"REHYDRATE_TIER2_BACKEND":          "gorm",
		"REHYDRATE_REDIS_ADDR":             "env-redis:6379",
		"REHYDRATE_ASSEMBLER_KEY_STRATEGY": "hierarchical",
		"REHYDRATE_COMPRESSION_BIT_WIDTH":  "16",
		"REHYDRATE_OPTIMIZER_ENABLED":      "false",
		"REHYDRATE_LOG_LEVEL":              "warn",
	}
	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	// 验证环境变量覆盖了默认值
	assert.Equal(t, 7777, cfg.Server.MetricsPort)
	assert.Equal(t, 512, cfg.Tier1.Capacity)
	assert.Equal(t, 90*time.Second, cfg.Tier1.TTL)
	assert.Equal(t, "gorm", cfg.Tier2.Backend)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "hierarchical", cfg.Assembler.KeyStrategy)
	assert.Equal(t, 16, cfg.Compression.BitWidth)
	assert.False(t, cfg.Optimizer.Enabled)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 8888
tier2:
  backend: "redis"
  capacity: 2048
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 设置环境变量（应该覆盖 YAML）
	os.Setenv("REHYDRATE_SERVER_METRICS_PORT", "9999")
	os.Setenv("REHYDRATE_TIER2_BACKEND", "mongo")
	defer func() {
		os.Unsetenv("REHYDRATE_SERVER_METRICS_PORT")
		os.Unsetenv("REHYDRATE_TIER2_BACKEND")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 环境变量应该覆盖 YAML
	assert.Equal(t, 9999, cfg.Server.MetricsPort)
	assert.Equal(t, "mongo", cfg.Tier2.Backend)
	// YAML 值应该保留（没有被环境变量覆盖）
	assert.Equal(t, 2048, cfg.Tier2.Capacity)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_SERVER_METRICS_PORT", "6666")
	os.Setenv("MYAPP_TIER1_SHARDS", "4")
	defer func() {
		os.Unsetenv("MYAPP_SERVER_METRICS_PORT")
		os.Unsetenv("MYAPP_TIER1_SHARDS")
	}()

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.MetricsPort)
	assert.Equal(t, 4, cfg.Tier1.Shards)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.MetricsPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("REHYDRATE_SERVER_METRICS_PORT", "80")
	defer os.Unsetenv("REHYDRATE_SERVER_METRICS_PORT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 指定不存在的文件，应该使用默认值（不报错）
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9091, cfg.Server.MetricsPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
tier1:
  capacity: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid metrics port (negative)",
			modify: func(c *Config) {
				c.Server.MetricsPort = -1
			},
			wantErr: true,
		},
		{
			name: "invalid metrics port (too large)",
			modify: func(c *Config) {
				c.Server.MetricsPort = 70000
			},
			wantErr: true,
		},
		{
			name: "invalid tier1 capacity",
			modify: func(c *Config) {
				c.Tier1.Capacity = 0
			},
			wantErr: true,
		},
		{
			name: "unknown tier2 backend",
			modify: func(c *Config) {
				c.Tier2.Backend = "cassandra"
			},
			wantErr: true,
		},
		{
			name: "unknown key strategy",
			modify: func(c *Config) {
				c.Assembler.KeyStrategy = "random"
			},
			wantErr: true,
		},
		{
			name: "invalid bit width",
			modify: func(c *Config) {
				c.Compression.BitWidth = 12
			},
			wantErr: true,
		},
		{
			name: "invalid degradation tolerance",
			modify: func(c *Config) {
				c.Compression.MaxMeanDegradation = 1.5
			},
			wantErr: true,
		},
		{
			name: "negative regression tolerance",
			modify: func(c *Config) {
				c.Optimizer.RegressionTolerance = -0.1
			},
			wantErr: true,
		},
		{
			name: "zero min samples",
			modify: func(c *Config) {
				c.Optimizer.MinSamples = 0
			},
			wantErr: true,
		},
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

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name: "unknown driver",
			config: DatabaseConfig{
				Driver: "unknown",
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  metrics_port: 9191
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	// 不应该 panic
	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 9191, cfg.Server.MetricsPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("tier1: [yaml"), 0644)
	require.NoError(t, err)

	// 应该 panic
	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("REHYDRATE_LOG_LEVEL", "error")
	defer os.Unsetenv("REHYDRATE_LOG_LEVEL")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}
