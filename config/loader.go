// =============================================================================
// 📦 Rehydrate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("REHYDRATE").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 Rehydrate 引擎的完整配置结构
type Config struct {
	// Server 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Tier1 热层缓存配置
	Tier1 Tier1Config `yaml:"tier1" env:"TIER1"`

	// Tier2 温层缓存配置
	Tier2 Tier2Config `yaml:"tier2" env:"TIER2"`

	// Redis 温层 Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 温层数据库后端配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Mongo 温层 MongoDB 后端配置
	Mongo MongoConfig `yaml:"mongo" env:"MONGO"`

	// Assembler 上下文装配配置
	Assembler AssemblerConfig `yaml:"assembler" env:"ASSEMBLER"`

	// Tokenizer 分词器配置
	Tokenizer TokenizerConfig `yaml:"tokenizer" env:"TOKENIZER"`

	// Compression 嵌入压缩配置
	Compression CompressionConfig `yaml:"compression" env:"COMPRESSION"`

	// Optimizer 自优化引擎配置
	Optimizer OptimizerConfig `yaml:"optimizer" env:"OPTIMIZER"`

	// Warming 预热调度配置
	Warming WarmingConfig `yaml:"warming" env:"WARMING"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Anchors 固定锚点列表
	Anchors []AnchorConfig `yaml:"anchors" env:"-"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 单次装配超时
	AssembleTimeout time.Duration `yaml:"assemble_timeout" env:"ASSEMBLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Tier1Config 热层缓存配置
type Tier1Config struct {
	// 条目容量
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// 条目 TTL
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// 分片数
	Shards int `yaml:"shards" env:"SHARDS"`
}

// Tier2Config 温层缓存配置
type Tier2Config struct {
	// 后端类型: memory, redis, gorm, mongo
	Backend string `yaml:"backend" env:"BACKEND"`
	// 条目容量
	Capacity int `yaml:"capacity" env:"CAPACITY"`
	// 晋升超时
	PromotionTimeout time.Duration `yaml:"promotion_timeout" env:"PROMOTION_TIMEOUT"`
	// Tier-3 加载飞行上限（与单个调用方的截止时间解耦）
	LoadTimeout time.Duration `yaml:"load_timeout" env:"LOAD_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 启用 TLS（TLS 1.2+, 仅 AEAD 套件）
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// MongoConfig MongoDB 配置
type MongoConfig struct {
	// 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 连接超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AssemblerConfig 上下文装配配置
type AssemblerConfig struct {
	// 默认 token 预算
	DefaultBudget int `yaml:"default_budget" env:"DEFAULT_BUDGET"`
	// 检索候选数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 截断后最小可用片段 token 数
	MinViableTokens int `yaml:"min_viable_tokens" env:"MIN_VIABLE_TOKENS"`
	// 指纹键策略: hash, hierarchical
	KeyStrategy string `yaml:"key_strategy" env:"KEY_STRATEGY"`
}

// TokenizerConfig 分词器配置
type TokenizerConfig struct {
	// 编码名: cl100k_base, o200k_base
	Encoding string `yaml:"encoding" env:"ENCODING"`
	// 初始化失败时是否回退到估算器
	FallbackEstimator bool `yaml:"fallback_estimator" env:"FALLBACK_ESTIMATOR"`
}

// CompressionConfig 嵌入压缩配置
type CompressionConfig struct {
	// 默认位宽: 4, 8, 16
	BitWidth int `yaml:"bit_width" env:"BIT_WIDTH"`
	// 允许的平均相似度退化上限
	MaxMeanDegradation float64 `yaml:"max_mean_degradation" env:"MAX_MEAN_DEGRADATION"`
	// 校验所需最少保留样本对数
	MinHoldoutPairs int `yaml:"min_holdout_pairs" env:"MIN_HOLDOUT_PAIRS"`
}

// OptimizerConfig 自优化引擎配置
type OptimizerConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 采样周期
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 进入评估的最少样本数
	MinSamples int `yaml:"min_samples" env:"MIN_SAMPLES"`
	// 帕累托前沿容量
	FrontierCapacity int `yaml:"frontier_capacity" env:"FRONTIER_CAPACITY"`
	// 影子验证超时
	ShadowTimeout time.Duration `yaml:"shadow_timeout" env:"SHADOW_TIMEOUT"`
	// 回归容忍度
	RegressionTolerance float64 `yaml:"regression_tolerance" env:"REGRESSION_TOLERANCE"`
	// 每轮候选策略数
	CandidateCount int `yaml:"candidate_count" env:"CANDIDATE_COUNT"`
	// 样本缓冲容量
	SampleBuffer int `yaml:"sample_buffer" env:"SAMPLE_BUFFER"`
}

// WarmingConfig 预热调度配置
type WarmingConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 每秒预热速率上限
	RatePerSecond int `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	// 单轮预热超时
	PassTimeout time.Duration `yaml:"pass_timeout" env:"PASS_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AnchorConfig 固定锚点配置
type AnchorConfig struct {
	// 锚点 ID
	ID string `yaml:"id"`
	// 锚点文本
	Text string `yaml:"text"`
	// 排序序号, 小者在前
	Order int `yaml:"order"`
	// 适用角色, 空表示所有角色
	Roles []string `yaml:"roles"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "REHYDRATE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务配置
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	// 验证缓存配置
	if c.Tier1.Capacity <= 0 {
		errs = append(errs, "tier1 capacity must be positive")
	}
	if c.Tier1.Shards <= 0 {
		errs = append(errs, "tier1 shards must be positive")
	}
	if c.Tier2.Capacity <= 0 {
		errs = append(errs, "tier2 capacity must be positive")
	}
	switch c.Tier2.Backend {
	case "memory", "redis", "gorm", "mongo":
	default:
		errs = append(errs, fmt.Sprintf("unknown tier2 backend %q", c.Tier2.Backend))
	}

	// 验证装配配置
	if c.Assembler.DefaultBudget <= 0 {
		errs = append(errs, "default_budget must be positive")
	}
	if c.Assembler.TopK <= 0 {
		errs = append(errs, "top_k must be positive")
	}
	switch c.Assembler.KeyStrategy {
	case "hash", "hierarchical":
	default:
		errs = append(errs, fmt.Sprintf("unknown key strategy %q", c.Assembler.KeyStrategy))
	}

	// 验证压缩配置
	switch c.Compression.BitWidth {
	case 4, 8, 16:
	default:
		errs = append(errs, "bit_width must be 4, 8 or 16")
	}
	if c.Compression.MaxMeanDegradation <= 0 || c.Compression.MaxMeanDegradation >= 1 {
		errs = append(errs, "max_mean_degradation must be in (0, 1)")
	}

	// 验证优化配置
	if c.Optimizer.RegressionTolerance < 0 {
		errs = append(errs, "regression_tolerance must be non-negative")
	}
	if c.Optimizer.MinSamples <= 0 {
		errs = append(errs, "min_samples must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
