// Command verify-ledger recomputes the telemetry hash chain for every run
// in the database and reports any break. The ledger is append-only and
// never rewritten, so a mismatch means the stored records were altered
// outside the server; this tool detects that, it does not repair it.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run ./scripts/verify-ledger
//
// Exits 0 when every chain verifies, 1 when any run reports a break or
// the scan fails. Safe to run against a live server: it only reads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/tsumugi/internal/integrity"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := storage.New(ctx, dbURL, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	rows, err := db.Pool().Query(ctx,
		`SELECT id, tenant_id FROM runs ORDER BY created_at ASC`)
	if err != nil {
		return fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	type runRef struct {
		id       uuid.UUID
		tenantID uuid.UUID
	}
	var runs []runRef
	for rows.Next() {
		var r runRef
		if err := rows.Scan(&r.id, &r.tenantID); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}

	var broken, records int
	for _, r := range runs {
		recs, err := db.ListStageRecords(ctx, r.tenantID, r.id, 0)
		if err != nil {
			return fmt.Errorf("list records for %s: %w", r.id, err)
		}
		records += len(recs)
		if err := integrity.VerifyChain(recs); err != nil {
			broken++
			fmt.Printf("BROKEN run=%s tenant=%s: %v\n", r.id, r.tenantID, err)
		}
	}

	fmt.Printf("scanned %d runs (%d records), %d broken chains\n", len(runs), records, broken)
	if broken > 0 {
		return fmt.Errorf("%d runs failed verification", broken)
	}
	return nil
}
