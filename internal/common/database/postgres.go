package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zxyfanta/emsv1-sub000/internal/common/config"
)

// NewPostgresDB 创建PostgreSQL数据库连接
// 启动时数据库可能尚未就绪，Ping 按指数退避重试，直到 ConnectTimeout
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := PingWithRetry(ctx, cfg.ConnectTimeout, logger, "postgres", db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// PingWithRetry 以指数退避执行 ping，maxElapsed 为 0 时只尝试一次
func PingWithRetry(ctx context.Context, maxElapsed time.Duration, logger *zap.Logger, name string, ping func(context.Context) error) error {
	if maxElapsed <= 0 {
		return ping(ctx)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx,
		func() (struct{}, error) {
			return struct{}{}, ping(ctx)
		},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("Dependency not ready, retrying",
				zap.String("dependency", name),
				zap.Duration("next_attempt_in", next),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
