// Package database 在 MongoDB 或内存中持久化会话和保留消息
package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect 按 cfg 连接 MongoDB，ping 验证连接并创建唯一索引
func Connect(ctx context.Context, cfg config.Database, appName string) (*DBStore, error) {
	logger.DebugF("Connecting to database...")

	// 编码特殊字符
	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)

	// 连接池配置
	clientOptions.SetMinPoolSize(cfg.MinPoolSize) // 最小连接数
	if cfg.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(cfg.MaxPoolSize) // 最大连接数
	}
	if d := config.Duration(cfg.ConnectIdleTimeout); d > 0 {
		clientOptions.SetMaxConnIdleTime(d)
	}
	// 超时限制
	if d := config.Duration(cfg.ConnectTimeout); d > 0 {
		clientOptions.SetConnectTimeout(d)
	}
	if d := config.Duration(cfg.SocketTimeout); d > 0 {
		clientOptions.SetSocketTimeout(d)
	}
	// 心跳包
	if d := config.Duration(cfg.Heartbeat); d > 0 {
		clientOptions.SetHeartbeatInterval(d)
	}
	// TLS
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: address=%s id=%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: address=%s id=%d reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// 创建客户端
	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	// 验证连接
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	// 唯一索引
	db := client.Database(cfg.Database)
	indexes := []struct {
		collection string
		key        string
		name       string
	}{
		{SessionCollectionName, "client_id", "sessions_client_id_unique"},
		{RetainedCollectionName, "topic", "retained_topic_unique"},
	}
	for _, index := range indexes {
		_, err = db.Collection(index.collection).Indexes().CreateOne(connectCtx, mongo.IndexModel{
			Keys:    bson.D{{Key: index.key, Value: 1}},
			Options: options.Index().SetUnique(true).SetName(index.name),
		})
		if err != nil {
			_ = client.Disconnect(connectCtx)
			return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
		}
	}

	logger.InfoF("Connected to database %s at %s:%d", cfg.Database, cfg.Host, cfg.Port)
	return newDBStore(client, db, Options{
		OperationTimeout: config.Duration(cfg.OperationTimeout),
		CacheSize:        cfg.CacheSize,
		CacheTTL:         config.Duration(cfg.CacheTTL),
	}), nil
}

// Invoke 断开数据库连接，作为关闭钩子注册
func (ds *DBStore) Invoke(ctx context.Context) error {
	if ds.client == nil {
		return nil
	}
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ds.timeout)
	defer cancel()
	return ds.client.Disconnect(ctx)
}
