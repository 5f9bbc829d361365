// Package storage provides the PostgreSQL storage layer for Tsumugi.
//
// It manages connection pooling via pgxpool, embedded forward-only
// migrations, COPY-based batch ingestion for knowledge chunks, and the
// guarded single-statement updates that back the budget ledger's atomic
// reserve/commit/release operations. Every query on tenant-owned rows is
// scoped by tenant_id.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool and the storage-level logger.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// dsn is kept so ConnectNotify can dial a dedicated connection.
	// LISTEN must not run on pooled connections, which get recycled.
	dsn        string
	notifyConn *pgx.Conn
}

// New creates a new DB with a connection pool.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection so inserts can encode
	// vectors. Best-effort: the extension may not exist yet on first boot
	// (migrations create it); later connections pick the types up.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger, dsn: dsn}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and the notify connection, if any.
func (db *DB) Close() {
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(context.Background())
	}
	db.pool.Close()
}
