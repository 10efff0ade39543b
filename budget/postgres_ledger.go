// Copyright 2025 Tollgate
// SPDX-License-Identifier: BUSL-1.1

package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresLedger implements Ledger using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE IF NOT EXISTS ledger_entries (
//	    reservation_id        TEXT PRIMARY KEY,
//	    community_id          TEXT NOT NULL,
//	    period_key            TEXT NOT NULL,
//	    actual_cost_micro_usd BIGINT NOT NULL,
//	    model_breakdown       JSONB,
//	    finalized_at          TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS idx_ledger_community_period
//	    ON ledger_entries (community_id, period_key);
type PostgresLedger struct {
	db *sql.DB
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a ledger backed by the given database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// Append implements Ledger. ON CONFLICT DO NOTHING makes the insert
// idempotent on reservation id, so finalize retries never double-commit.
func (l *PostgresLedger) Append(ctx context.Context, entry LedgerEntry) error {
	breakdown, err := json.Marshal(entry.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal model breakdown: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (
			reservation_id, community_id, period_key,
			actual_cost_micro_usd, model_breakdown, finalized_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reservation_id) DO NOTHING
	`

	_, err = l.db.ExecContext(ctx, query,
		entry.ReservationID, entry.CommunityID, string(entry.PeriodKey),
		int64(entry.ActualCost), breakdown, entry.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: ledger append: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// PeriodSums implements Ledger.
func (l *PostgresLedger) PeriodSums(ctx context.Context, period PeriodKey) (map[string]MicroUSD, error) {
	query := `
		SELECT community_id, COALESCE(SUM(actual_cost_micro_usd), 0)
		FROM ledger_entries
		WHERE period_key = $1
		GROUP BY community_id
	`

	rows, err := l.db.QueryContext(ctx, query, string(period))
	if err != nil {
		return nil, fmt.Errorf("%w: period sums: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	sums := make(map[string]MicroUSD)
	for rows.Next() {
		var communityID string
		var sum int64
		if err := rows.Scan(&communityID, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan period sum: %w", err)
		}
		sums[communityID] = MicroUSD(sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: period sums: %v", ErrStorageUnavailable, err)
	}
	return sums, nil
}

// CommunitySum implements Ledger.
func (l *PostgresLedger) CommunitySum(ctx context.Context, communityID string, period PeriodKey) (MicroUSD, error) {
	query := `
		SELECT COALESCE(SUM(actual_cost_micro_usd), 0)
		FROM ledger_entries
		WHERE community_id = $1 AND period_key = $2
	`

	var sum int64
	err := l.db.QueryRowContext(ctx, query, communityID, string(period)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: community sum: %v", ErrStorageUnavailable, err)
	}
	return MicroUSD(sum), nil
}

// Ping implements Ledger.
func (l *PostgresLedger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
