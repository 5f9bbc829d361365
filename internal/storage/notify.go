package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelRecords is the Postgres LISTEN/NOTIFY channel carrying stage
// record summaries for SSE fan-out. Payloads must stay compact: Postgres
// caps notification payloads at 8000 bytes, so full artifacts never
// travel over this channel, only their IDs.
const ChannelRecords = "tsumugi_records"

// ConnectNotify dials the dedicated connection used for LISTEN. Pooled
// connections cannot hold subscriptions because the pool recycles them.
// Safe to skip entirely when SSE is disabled.
func (db *DB) ConnectNotify(ctx context.Context) error {
	if db.notifyConn != nil {
		return nil
	}
	conn, err := pgx.Connect(ctx, db.dsn)
	if err != nil {
		return fmt.Errorf("storage: connect notify: %w", err)
	}
	db.notifyConn = conn
	return nil
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if ConnectNotify was never called.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
