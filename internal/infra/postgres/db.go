// Package postgres implements the recurring store ports on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/boddenberg/finance-tracker/internal/infra/resilience"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("postgres")

// DB owns the connection pool shared by every store in this package.
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect opens a pool for databaseURL and waits until the server answers,
// retrying with backoff while it comes up.
func Connect(ctx context.Context, databaseURL string, maxConns int32, cfg resilience.Config, logger *zap.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	err = resilience.RetryWithBackoff(ctx, cfg, func() error {
		if err := pool.Ping(ctx); err != nil {
			logger.Warn("database not ready", zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool, logger: logger}, nil
}

// Close releases every pooled connection.
func (db *DB) Close() {
	db.Pool.Close()
}
