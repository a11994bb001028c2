package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	"github.com/fzheng/polymarket-arb15/internal/domain"
)

// CycleRecordStore persists arb.CycleRecord rows and emergency-exit events
// (C11). It is written fire-and-forget from an event-bus subscriber in
// internal/app and is never consulted by the controller: a restart never
// re-hydrates a cycle from here, it only accumulates history for later
// inspection and archival.
type CycleRecordStore struct {
	pool *pgxpool.Pool
}

// NewCycleRecordStore creates a new CycleRecordStore.
func NewCycleRecordStore(pool *pgxpool.Pool) *CycleRecordStore {
	return &CycleRecordStore{pool: pool}
}

// Create inserts one finalized cycle record.
func (s *CycleRecordStore) Create(ctx context.Context, rec arb.CycleRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cycle_records (id, market_id, status, leg1_side, leg1_price, leg1_qty, leg2_side, leg2_price, leg2_qty, payout, total_cost, profit, profit_pct, emergency, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.MarketID, rec.Status, rec.Leg1Side, rec.Leg1Price, rec.Leg1Qty,
		rec.Leg2Side, rec.Leg2Price, rec.Leg2Qty, rec.Payout, rec.TotalCost,
		rec.Profit, rec.ProfitPct, rec.Emergency, rec.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle_record %s: %w", rec.ID, err)
	}
	return nil
}

// RecordEmergencyExit inserts one emergency-exit event.
func (s *CycleRecordStore) RecordEmergencyExit(ctx context.Context, marketID, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO emergency_exits (market_id, reason, occurred_at) VALUES ($1, $2, $3)`,
		marketID, reason, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert emergency_exit: %w", err)
	}
	return nil
}

// GetByID returns one cycle record by id.
func (s *CycleRecordStore) GetByID(ctx context.Context, id string) (arb.CycleRecord, error) {
	var rec arb.CycleRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, market_id, status, leg1_side, leg1_price, leg1_qty, leg2_side, leg2_price, leg2_qty, payout, total_cost, profit, profit_pct, emergency, finalized_at
		FROM cycle_records WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.MarketID, &rec.Status, &rec.Leg1Side, &rec.Leg1Price, &rec.Leg1Qty,
		&rec.Leg2Side, &rec.Leg2Price, &rec.Leg2Qty, &rec.Payout, &rec.TotalCost,
		&rec.Profit, &rec.ProfitPct, &rec.Emergency, &rec.FinalizedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return arb.CycleRecord{}, domain.ErrNotFound
		}
		return arb.CycleRecord{}, fmt.Errorf("postgres: get cycle_record %s: %w", id, err)
	}
	return rec, nil
}

// ListSince returns cycle records finalized at or after since, used by the
// archiver (C12) to pick up newly-written rows each interval.
func (s *CycleRecordStore) ListSince(ctx context.Context, since time.Time) ([]arb.CycleRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, status, leg1_side, leg1_price, leg1_qty, leg2_side, leg2_price, leg2_qty, payout, total_cost, profit, profit_pct, emergency, finalized_at
		FROM cycle_records WHERE finalized_at >= $1 ORDER BY finalized_at`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycle_records since %s: %w", since, err)
	}
	defer rows.Close()

	var out []arb.CycleRecord
	for rows.Next() {
		var rec arb.CycleRecord
		if err := rows.Scan(&rec.ID, &rec.MarketID, &rec.Status, &rec.Leg1Side, &rec.Leg1Price, &rec.Leg1Qty,
			&rec.Leg2Side, &rec.Leg2Price, &rec.Leg2Qty, &rec.Payout, &rec.TotalCost,
			&rec.Profit, &rec.ProfitPct, &rec.Emergency, &rec.FinalizedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
