package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/rehydrate/types"
)

// =============================================================================
// MongoDB 后端（文档存储, 分布式部署备选）
// =============================================================================

// MongoConfig MongoDB 后端配置.
type MongoConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// DefaultMongoConfig 返回默认 MongoDB 配置.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "rehydrate",
		Collection: "cache_entries",
	}
}

type mongoEntry struct {
	Fingerprint  string    `bson:"_id"`
	InputKey     string    `bson:"input_key"`
	Payload      []byte    `bson:"payload"`
	SizeBytes    int64     `bson:"size_bytes"`
	CreatedAt    time.Time `bson:"created_at"`
	LastAccessed time.Time `bson:"last_accessed_at"`
	AccessCount  int64     `bson:"access_count"`
	TierOrigin   int       `bson:"tier_origin"`
	QualityScore float64   `bson:"quality_score"`
}

func toMongo(e *Entry) mongoEntry {
	return mongoEntry{
		Fingerprint:  string(e.Fingerprint),
		InputKey:     e.InputKey,
		Payload:      e.Payload,
		SizeBytes:    e.SizeBytes,
		CreatedAt:    e.CreatedAt,
		LastAccessed: e.LastAccessed,
		AccessCount:  e.AccessCount,
		TierOrigin:   int(e.TierOrigin),
		QualityScore: e.QualityScore,
	}
}

func fromMongo(m mongoEntry) *Entry {
	return &Entry{
		Fingerprint:  types.Fingerprint(m.Fingerprint),
		InputKey:     m.InputKey,
		Payload:      m.Payload,
		SizeBytes:    m.SizeBytes,
		CreatedAt:    m.CreatedAt,
		LastAccessed: m.LastAccessed,
		AccessCount:  m.AccessCount,
		TierOrigin:   types.TierLevel(m.TierOrigin),
		QualityScore: m.QualityScore,
	}
}

// MongoStore MongoDB Store 实现.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoStore 创建 MongoDB 后端并测试连接.
func NewMongoStore(config MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := mongo.Connect(options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping failed: %w", err)
	}

	logger.Info("mongo tier2 store initialized",
		zap.String("database", config.Database),
		zap.String("collection", config.Collection))

	return &MongoStore{
		client: client,
		coll:   client.Database(config.Database).Collection(config.Collection),
		logger: logger.With(zap.String("component", "tier2_mongo")),
	}, nil
}

func (s *MongoStore) Get(ctx context.Context, fp types.Fingerprint) (*Entry, error) {
	// 读取与访问簿记写回合并为一次原子操作
	var m mongoEntry
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": string(fp)},
		bson.M{
			"$inc": bson.M{"access_count": 1},
			"$set": bson.M{"last_accessed_at": time.Now()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("mongo get failed: %w", err)
	}
	return fromMongo(m), nil
}

func (s *MongoStore) Upsert(ctx context.Context, entry *Entry) error {
	// ReplaceOne + upsert: 按 _id 幂等
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": string(entry.Fingerprint)},
		toMongo(entry),
		options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.Error("mongo upsert failed",
			zap.String("fingerprint", string(entry.Fingerprint)), zap.Error(err))
		return fmt.Errorf("mongo upsert failed: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, fp types.Fingerprint) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": string(fp)}); err != nil {
		return fmt.Errorf("mongo delete failed: %w", err)
	}
	return nil
}

func (s *MongoStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{
		"$regex": "^" + regexQuote(prefix),
	}})
	if err != nil {
		return 0, fmt.Errorf("mongo prefix delete failed: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	count, err := s.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo count failed: %w", err)
	}
	return count, nil
}

func (s *MongoStore) Scan(ctx context.Context, fn func(*Entry) bool) error {
	cur, err := s.coll.Find(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("mongo scan failed: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var m mongoEntry
		if err := cur.Decode(&m); err != nil {
			return fmt.Errorf("mongo decode failed: %w", err)
		}
		if !fn(fromMongo(m)) {
			return nil
		}
	}
	return cur.Err()
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// regexQuote 转义正则元字符, 前缀按字面量匹配.
func regexQuote(s string) string {
	const meta = `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		for j := 0; j < len(meta); j++ {
			if s[i] == meta[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}
