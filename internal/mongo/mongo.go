package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dc_bridge/internal/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Client 封装 MongoDB 客户端及其配置
type Client struct {
	*mongo.Client
	dbName string
}

// Config 定义 MongoDB 连接配置
type Config struct {
	URI      string        // MongoDB 连接 URI，例如 "mongodb://localhost:27017"
	Database string        // 数据库名称
	Timeout  time.Duration // 连接超时时间
}

// Indexer 需要创建索引的仓库
type Indexer interface {
	EnsureIndexes(ctx context.Context) error
}

func (cfg *Config) validate() error {
	if cfg.URI == "" {
		return errors.New("MongoDB URI cannot be empty")
	}
	if cfg.Database == "" {
		return errors.New("database name cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return nil
}

// NewClient 连接 MongoDB 并验证连接
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetAppName("dc_bridge").
		SetServerSelectionTimeout(cfg.Timeout)

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.L().Infof("MongoDB connected: database=%s", cfg.Database)
	return &Client{
		Client: client,
		dbName: cfg.Database,
	}, nil
}

// EnsureIndexes 依次为各仓库创建索引
func (c *Client) EnsureIndexes(ctx context.Context, indexers ...Indexer) error {
	for _, indexer := range indexers {
		if err := indexer.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to ensure indexes: %w", err)
		}
	}
	return nil
}

// Close 关闭 MongoDB 客户端连接
func (c *Client) Close(ctx context.Context) error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Disconnect(ctx)
}

// Database 返回配置的数据库句柄
func (c *Client) Database() *mongo.Database {
	if c.Client == nil {
		return nil
	}
	return c.Client.Database(c.dbName)
}

// Ping 验证与 MongoDB 的连接
func (c *Client) Ping(ctx context.Context) error {
	if c.Client == nil {
		return errors.New("MongoDB client is not initialized")
	}
	return c.Client.Ping(ctx, readpref.Primary())
}
