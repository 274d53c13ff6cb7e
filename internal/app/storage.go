package app

import (
	"context"
	"fmt"

	"dc_bridge/internal/bridge/repository"
	"dc_bridge/internal/config"
	"dc_bridge/internal/mongo"
	"dc_bridge/internal/sqlite"
)

// storage 按驱动打开的持久化仓库
type storage struct {
	channels repository.ChannelRepository
	messages repository.MessageRepository
	admins   repository.AdminRepository
	close    func(ctx context.Context) error
}

// openStorage 根据 storage.driver 打开 MongoDB 或 SQLite
func openStorage(ctx context.Context, cfg config.StorageConfig) (*storage, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		client, err := sqlite.NewClient(ctx, sqlite.Config{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("init SQLite failed: %w", err)
		}
		db := client.DB()
		return &storage{
			channels: repository.NewSQLiteChannelRepository(db),
			messages: repository.NewSQLiteMessageRepository(db),
			admins:   repository.NewSQLiteAdminRepository(db),
			close:    client.Close,
		}, nil

	case config.DriverMongo:
		client, err := mongo.NewClient(ctx, mongo.Config{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init MongoDB failed: %w", err)
		}

		db := client.Database()
		channels := repository.NewMongoChannelRepository(db)
		messages := repository.NewMongoMessageRepository(db)
		admins := repository.NewMongoAdminRepository(db)
		if err := client.EnsureIndexes(ctx, channels, messages, admins); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}

		return &storage{
			channels: channels,
			messages: messages,
			admins:   admins,
			close:    client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
