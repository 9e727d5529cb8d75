package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/stratlab/internal/infrastructure/breaker"
	"github.com/sawpanic/stratlab/internal/persistence"
	"github.com/sawpanic/stratlab/internal/regime"
)

const regimeColumns = `ts, series, regime, confidence, features, recommended, created_at`

// regimeRepo implements RegimeRepo for PostgreSQL
type regimeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewRegimeRepo creates a PostgreSQL regime repository. b may be nil.
func NewRegimeRepo(db *sqlx.DB, timeout time.Duration, b *breaker.Breaker) persistence.RegimeRepo {
	return &regimeRepo{db: db, timeout: timeout, breaker: b}
}

// Upsert inserts or replaces the snapshot for (series, ts)
func (r *regimeRepo) Upsert(ctx context.Context, snapshot persistence.RegimeSnapshot) error {
	if !isValidRegime(snapshot.Regime) {
		return fmt.Errorf("invalid regime type: %s", snapshot.Regime)
	}
	if snapshot.Confidence < 0 || snapshot.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", snapshot.Confidence)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	featuresJSON, err := json.Marshal(snapshot.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	recommended := snapshot.Recommended
	if recommended == nil {
		recommended = []string{}
	}

	query := `
		INSERT INTO regime_snapshots (ts, series, regime, confidence, features, recommended)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (series, ts) DO UPDATE SET
			regime = EXCLUDED.regime,
			confidence = EXCLUDED.confidence,
			features = EXCLUDED.features,
			recommended = EXCLUDED.recommended
		RETURNING created_at`

	err = r.breaker.Do(func() error {
		return r.db.QueryRowxContext(ctx, query,
			snapshot.Timestamp, snapshot.Series, snapshot.Regime, snapshot.Confidence,
			featuresJSON, pq.Array(recommended)).
			Scan(&snapshot.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert regime snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for a series
func (r *regimeRepo) Latest(ctx context.Context, series string) (*persistence.RegimeSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + regimeColumns + `
		FROM regime_snapshots
		WHERE series = $1
		ORDER BY ts DESC
		LIMIT 1`

	var snapshot *persistence.RegimeSnapshot
	err := r.breaker.Do(func() error {
		var err error
		snapshot, err = scanRegimeSnapshot(r.db.QueryRowxContext(ctx, query, series))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest regime: %w", err)
	}
	return snapshot, nil
}

// ListRange returns a series' snapshots within tr, oldest first
func (r *regimeRepo) ListRange(ctx context.Context, series string, tr persistence.TimeRange) ([]persistence.RegimeSnapshot, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + regimeColumns + `
		FROM regime_snapshots
		WHERE series = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts`

	var snapshots []persistence.RegimeSnapshot
	err := r.breaker.Do(func() error {
		rows, err := r.db.QueryxContext(ctx, query, series, tr.From, tr.To)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanRegimeSnapshot(rows)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, *s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query regime range: %w", err)
	}
	return snapshots, nil
}

// GetRegimeStats returns the regime distribution within tr
func (r *regimeRepo) GetRegimeStats(ctx context.Context, series string, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT regime, COUNT(*)
		FROM regime_snapshots
		WHERE series = $1 AND ts >= $2 AND ts <= $3
		GROUP BY regime
		ORDER BY regime`

	stats := make(map[string]int64)
	err := r.breaker.Do(func() error {
		rows, err := r.db.QueryxContext(ctx, query, series, tr.From, tr.To)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanCounts(rows, stats)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query regime stats: %w", err)
	}
	return stats, nil
}

func scanRegimeSnapshot(row rowScanner) (*persistence.RegimeSnapshot, error) {
	var s persistence.RegimeSnapshot
	var featuresJSON []byte

	err := row.Scan(&s.Timestamp, &s.Series, &s.Regime, &s.Confidence,
		&featuresJSON, pq.Array(&s.Recommended), &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Features = make(map[string]float64)
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &s.Features); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
	}
	return &s, nil
}

func isValidRegime(r string) bool {
	switch regime.Regime(r) {
	case regime.TrendingUp, regime.TrendingDown, regime.Ranging,
		regime.Volatile, regime.Consolidating, regime.Neutral:
		return true
	}
	return false
}
