// Package sqlite 提供单文件部署使用的 SQLite 连接与 schema 迁移
package sqlite

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"dc_bridge/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config SQLite 配置
type Config struct {
	Path    string
	Timeout time.Duration
}

// Client SQLite 客户端
type Client struct {
	db *sqlx.DB
}

// NewClient 打开数据库并执行迁移
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	db, err := Open(openCtx, cfg.Path)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.L().Infof("SQLite database ready: %s", cfg.Path)
	return &Client{db: db}, nil
}

// Open 打开数据库连接
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := ":memory:?_time_format=sqlite"
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite 单写者；内存库必须共享同一个连接
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate 执行内嵌的 schema 迁移
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// 不调用 m.Close()：它会关闭共享的 *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// DB 返回底层连接
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Close 关闭连接
func (c *Client) Close(ctx context.Context) error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close sqlite: %w", err)
	}
	logger.L().Info("SQLite connection closed")
	return nil
}
