package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/retained"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/session"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore 在 MongoDB 中保存持久会话和保留消息
// 会话读取经过带过期时间的 LRU 缓存，每次写入同步更新缓存
type DBStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	retained *mongo.Collection
	cache    *expirable.LRU[string, *session.Data]
	timeout  time.Duration
}

func newDBStore(client *mongo.Client, db *mongo.Database, opts Options) *DBStore {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	ds := &DBStore{
		client:  client,
		cache:   expirable.NewLRU[string, *session.Data](opts.CacheSize, nil, opts.CacheTTL),
		timeout: opts.OperationTimeout,
	}
	if db != nil {
		ds.sessions = db.Collection(SessionCollectionName)
		ds.retained = db.Collection(RetainedCollectionName)
	}
	return ds
}

func wrapError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", err)
	}
	return fmt.Errorf("database operation failed: %w", err)
}

// LoadSession 获取客户端会话，不存在时返回 nil, nil
func (ds *DBStore) LoadSession(ctx context.Context, clientID string) (*session.Data, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	if data, ok := ds.cache.Get(clientID); ok {
		return data, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	var data session.Data
	startTime := time.Now()
	err := ds.sessions.FindOne(ctx, bson.D{{Key: "client_id", Value: clientID}}).Decode(&data)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError(err)
	}
	ds.cache.Add(clientID, &data)
	return &data, nil
}

func (ds *DBStore) SaveSession(ctx context.Context, data *session.Data) error {
	if data.ClientID == "" {
		return ErrClientIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	filter := bson.D{{Key: "client_id", Value: data.ClientID}}
	result, err := ds.sessions.ReplaceOne(ctx, filter, data, options.Replace().SetUpsert(true))
	if err != nil {
		ds.cache.Remove(data.ClientID)
		return wrapError(err)
	}
	ds.cache.Add(data.ClientID, data)

	logger.DebugF("Session saved: client_id=%s, matched=%d, modified=%d, upserted=%v",
		data.ClientID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) DeleteSession(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ds.cache.Remove(clientID)

	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	result, err := ds.sessions.DeleteOne(ctx, bson.D{{Key: "client_id", Value: clientID}})
	if err != nil {
		return wrapError(err)
	}
	logger.DebugF("Session deleted: client_id=%s, deleted=%d", clientID, result.DeletedCount)
	return nil
}

func (ds *DBStore) SaveRetained(ctx context.Context, msg *retained.Message) error {
	if msg.Topic == "" {
		return ErrTopicEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	filter := bson.D{{Key: "topic", Value: msg.Topic}}
	if _, err := ds.retained.ReplaceOne(ctx, filter, msg, options.Replace().SetUpsert(true)); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ds *DBStore) DeleteRetained(ctx context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	if _, err := ds.retained.DeleteOne(ctx, bson.D{{Key: "topic", Value: topic}}); err != nil {
		return wrapError(err)
	}
	return nil
}

func (ds *DBStore) LoadRetained(ctx context.Context) ([]*retained.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()

	cursor, err := ds.retained.Find(ctx, bson.D{})
	if err != nil {
		return nil, wrapError(err)
	}
	var messages []*retained.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, wrapError(err)
	}
	logger.InfoF("Loaded %d retained messages", len(messages))
	return messages, nil
}

var (
	_ session.Persistence  = (*DBStore)(nil)
	_ retained.Persistence = (*DBStore)(nil)
)
