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
)

const runColumns = `id, kind, strategy, parameters, score, regime, summary, created_at`

// runsRepo implements RunsRepo for PostgreSQL
type runsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewRunsRepo creates a PostgreSQL runs repository. b may be nil.
func NewRunsRepo(db *sqlx.DB, timeout time.Duration, b *breaker.Breaker) persistence.RunsRepo {
	return &runsRepo{db: db, timeout: timeout, breaker: b}
}

// Insert stores a run record
func (r *runsRepo) Insert(ctx context.Context, run persistence.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !isKnownKind(run.Kind) {
		return fmt.Errorf("invalid run kind: %s", run.Kind)
	}
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	summary := []byte(run.Summary)
	if len(summary) == 0 {
		summary = []byte("{}")
	}

	query := `
		INSERT INTO runs (id, kind, strategy, parameters, score, regime, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	err = r.breaker.Do(func() error {
		return r.db.QueryRowxContext(ctx, query,
			run.ID, run.Kind, run.Strategy, paramsJSON, run.Score, run.Regime, summary).
			Scan(&run.CreatedAt)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run %s: %w", run.ID, err)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// Get returns a run by id
func (r *runsRepo) Get(ctx context.Context, id string) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`

	var run *persistence.RunRecord
	err := r.breaker.Do(func() error {
		var err error
		run, err = scanRun(r.db.QueryRowxContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// ListByStrategy returns runs for a strategy within tr, newest first
func (r *runsRepo) ListByStrategy(ctx context.Context, strategy string, tr persistence.TimeRange, limit int) ([]persistence.RunRecord, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE strategy = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at DESC
		LIMIT $4`

	return r.list(ctx, "by strategy", query, strategy, tr.From, tr.To, limit)
}

// Best returns the highest scoring runs of one kind
func (r *runsRepo) Best(ctx context.Context, strategy, kind string, limit int) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE strategy = $1 AND kind = $2
		ORDER BY score DESC, created_at DESC
		LIMIT $3`

	return r.list(ctx, "best", query, strategy, kind, limit)
}

// CountByKind returns run counts grouped by kind
func (r *runsRepo) CountByKind(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, COUNT(*)
		FROM runs
		WHERE created_at >= $1 AND created_at <= $2
		GROUP BY kind
		ORDER BY kind`

	counts := make(map[string]int64)
	err := r.breaker.Do(func() error {
		rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
		if err != nil {
			return err
		}
		defer rows.Close()
		return scanCounts(rows, counts)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count runs by kind: %w", err)
	}
	return counts, nil
}

func (r *runsRepo) list(ctx context.Context, what, query string, args ...interface{}) ([]persistence.RunRecord, error) {
	var runs []persistence.RunRecord
	err := r.breaker.Do(func() error {
		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				return err
			}
			runs = append(runs, *run)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query runs %s: %w", what, err)
	}
	return runs, nil
}

// rowScanner covers both *sqlx.Row and *sqlx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*persistence.RunRecord, error) {
	var run persistence.RunRecord
	var paramsJSON, summary []byte

	err := row.Scan(&run.ID, &run.Kind, &run.Strategy, &paramsJSON,
		&run.Score, &run.Regime, &summary, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &run.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	run.Summary = json.RawMessage(summary)
	return &run, nil
}

func scanCounts(rows *sqlx.Rows, counts map[string]int64) error {
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		counts[key] = count
	}
	return rows.Err()
}

func isKnownKind(kind string) bool {
	switch kind {
	case persistence.KindBacktest, persistence.KindOptimize, persistence.KindWalkForward,
		persistence.KindKFold, persistence.KindMonteCarlo:
		return true
	}
	return false
}
