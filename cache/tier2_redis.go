package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// Redis 后端（分布式部署, Sorted Set 维护访问时间索引）
// =============================================================================

const (
	redisKeyPrefix = "rehydrate:t2:"
	redisIndexKey  = "rehydrate:t2:index"
)

// RedisConfig Redis 后端配置.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	TTL          time.Duration `yaml:"ttl" json:"ttl"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	PoolSize     int           `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns"`
	// TLSConfig 非空时启用 TLS 连接.
	TLSConfig *tls.Config `yaml:"-" json:"-"`
}

// DefaultRedisConfig 返回默认 Redis 配置.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		TTL:          24 * time.Hour,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// RedisStore Redis Store 实现.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 后端并测试连接.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		TLSConfig:    config.TLSConfig,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis tier2 store initialized", zap.String("addr", config.Addr))
	return &RedisStore{
		client: client,
		ttl:    config.TTL,
		logger: logger.With(zap.String("component", "tier2_redis")),
	}, nil
}

// NewRedisStoreFromClient 从已有客户端创建（测试用）.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(fp types.Fingerprint) string { return redisKeyPrefix + string(fp) }

func (s *RedisStore) Get(ctx context.Context, fp types.Fingerprint) (*Entry, error) {
	data, err := s.client.Get(ctx, s.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	touch(&entry)

	// 访问簿记写回: 失败只影响淘汰与预热排序, 不影响本次读取
	if updated, merr := json.Marshal(&entry); merr == nil {
		pipe := s.client.Pipeline()
		pipe.Set(ctx, s.key(fp), updated, s.ttl)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{
			Score:  float64(entry.LastAccessed.UnixMilli()),
			Member: string(fp),
		})
		if _, perr := pipe.Exec(ctx); perr != nil {
			s.logger.Warn("redis access bookkeeping write failed",
				zap.String("fingerprint", string(fp)), zap.Error(perr))
		}
	}
	return &entry, nil
}

func (s *RedisStore) Upsert(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	// SET + ZADD 通过 pipeline 批量提交; SET 语义天然幂等,
	// 并发晋升折叠为同一逻辑条目
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(entry.Fingerprint), data, s.ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{
		Score:  float64(entry.LastAccessed.UnixMilli()),
		Member: string(entry.Fingerprint),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("redis upsert failed", zap.String("fingerprint", string(entry.Fingerprint)), zap.Error(err))
		return fmt.Errorf("redis upsert failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, fp types.Fingerprint) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(fp))
	pipe.ZRem(ctx, redisIndexKey, string(fp))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fp := key[len(redisKeyPrefix):]
		pipe := s.client.Pipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, redisIndexKey, fp)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("redis prefix delete failed: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis scan failed: %w", err)
	}
	return deleted, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, redisIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count failed: %w", err)
	}
	return count, nil
}

func (s *RedisStore) Scan(ctx context.Context, fn func(*Entry) bool) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // 条目在扫描间隙过期
		}
		if err != nil {
			return fmt.Errorf("redis scan get failed: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if !fn(&entry) {
			return nil
		}
	}
	return iter.Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
