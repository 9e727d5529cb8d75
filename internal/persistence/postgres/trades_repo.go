package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/persistence"
)

// tradesRepo implements TradesRepo for PostgreSQL
type tradesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewTradesRepo creates a PostgreSQL trades repository. b may be nil.
func NewTradesRepo(db *sqlx.DB, timeout time.Duration, b *breaker.Breaker) persistence.TradesRepo {
	return &tradesRepo{db: db, timeout: timeout, breaker: b}
}

// InsertBatch adds all trades of a run in one transaction
func (r *tradesRepo) InsertBatch(ctx context.Context, trades []persistence.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	for _, t := range trades {
		if err := validateTrade(t); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(trades)/100+1))
	defer cancel()

	return r.breaker.Do(func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO run_trades (run_id, side, entry_time, exit_time, entry_price, exit_price,
				quantity, pnl, return_pct, fees, exit_reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range trades {
			_, err = stmt.ExecContext(ctx,
				t.RunID, t.Side, t.EntryTime, t.ExitTime, t.EntryPrice, t.ExitPrice,
				t.Quantity, t.PnL, t.ReturnPct, t.Fees, t.ExitReason)
			if err != nil {
				return fmt.Errorf("failed to insert trade in batch: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ListByRun returns a run's trades in exit order
func (r *tradesRepo) ListByRun(ctx context.Context, runID string) ([]persistence.TradeRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, run_id, side, entry_time, exit_time, entry_price, exit_price,
		       quantity, pnl, return_pct, fees, exit_reason
		FROM run_trades
		WHERE run_id = $1
		ORDER BY exit_time, id`

	var trades []persistence.TradeRecord
	err := r.breaker.Do(func() error {
		return r.db.SelectContext(ctx, &trades, query, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for run %s: %w", runID, err)
	}
	return trades, nil
}

// CountByExitReason groups a run's trades by exit reason
func (r *tradesRepo) CountByExitReason(ctx context.Context, runID string) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT exit_reason, COUNT(*)
		FROM run_trades
		WHERE run_id = $1
		GROUP BY exit_reason
		ORDER BY exit_reason`

	counts := make(map[string]int64)
	err := r.breaker.Do(func() error {
		rows, err := r.db.QueryxContext(ctx, query, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanCounts(rows, counts)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count trades by exit reason: %w", err)
	}
	return counts, nil
}

func validateTrade(t persistence.TradeRecord) error {
	if t.RunID == "" {
		return fmt.Errorf("trade has no run id")
	}
	if !domain.ExitReason(t.ExitReason).Valid() {
		return fmt.Errorf("invalid exit reason: %s", t.ExitReason)
	}
	if !t.ExitTime.After(t.EntryTime) {
		return fmt.Errorf("trade exit %s is not after entry %s", t.ExitTime, t.EntryTime)
	}
	return nil
}
