// Package postgres persists the gateway's bulk-update audit trail.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finbridge/paygate/internal/pipeline"
)

// AuditStore records completed bulk-update runs and their per-item failures.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore constructs an AuditStore backed by the provided pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

const (
	insertRunSQL = `
INSERT INTO bulk_update_runs (
    id,
    account_id,
    total_items,
    failed_items,
    summary,
    duration_ms
)
VALUES ($1, $2, $3, $4, $5, $6);
`

	insertFailureSQL = `
INSERT INTO bulk_update_failures (run_id, payment_id, message)
VALUES ($1, $2, $3);
`

	listRunsSQL = `
SELECT
    id,
    account_id,
    total_items,
    failed_items,
    summary,
    duration_ms,
    created_at
FROM bulk_update_runs
WHERE account_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
)

// Run is a persisted bulk-update audit row.
type Run struct {
	ID        uuid.UUID
	AccountID string
	Total     int
	Failed    int
	Summary   string
	Duration  time.Duration
	CreatedAt time.Time
}

// RecordRun writes the run and its failures atomically.
func (s *AuditStore) RecordRun(ctx context.Context, run pipeline.RunRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	runID := uuid.New()
	if _, err := tx.Exec(ctx, insertRunSQL,
		runID, run.AccountID, run.Total, run.Failed, run.Summary, run.Duration.Milliseconds()); err != nil {
		return fmt.Errorf("insert audit run: %w", err)
	}
	for _, failure := range run.Failures {
		if _, err := tx.Exec(ctx, insertFailureSQL, runID, failure.PaymentID, failure.Error); err != nil {
			return fmt.Errorf("insert audit failure: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// RecentRuns lists the most recent runs for the account, newest first.
func (s *AuditStore) RecentRuns(ctx context.Context, accountID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, listRunsSQL, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var durationMS int64
		if err := rows.Scan(&run.ID, &run.AccountID, &run.Total, &run.Failed,
			&run.Summary, &durationMS, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit run: %w", err)
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit runs: %w", err)
	}
	return out, nil
}
