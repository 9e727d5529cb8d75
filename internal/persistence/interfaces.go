package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/regime"
)

// TimeRange is an inclusive time window for queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Validate rejects ranges that end before they start
func (tr TimeRange) Validate() error {
	if tr.To.Before(tr.From) {
		return fmt.Errorf("time range ends before it starts: %s < %s", tr.To, tr.From)
	}
	return nil
}

// Run kinds
const (
	KindBacktest    = "backtest"
	KindOptimize    = "optimize"
	KindWalkForward = "walk_forward"
	KindKFold       = "kfold"
	KindMonteCarlo  = "monte_carlo"
)

// RunRecord is one stored simulation or validation result. Summary holds
// the JSON result document exactly as the CLI and API print it.
type RunRecord struct {
	ID         string              `json:"id" db:"id"`
	Kind       string              `json:"kind" db:"kind"`
	Strategy   string              `json:"strategy" db:"strategy"`
	Parameters domain.ParameterSet `json:"parameters" db:"parameters"`
	Score      float64             `json:"score" db:"score"`
	Regime     *string             `json:"regime,omitempty" db:"regime"`
	Summary    json.RawMessage     `json:"summary" db:"summary"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
}

// NewRunRecord assigns an id and encodes the summary document
func NewRunRecord(kind, strategy string, params domain.ParameterSet, score float64, summary interface{}) (RunRecord, error) {
	doc, err := json.Marshal(summary)
	if err != nil {
		return RunRecord{}, fmt.Errorf("failed to marshal %s summary: %w", kind, err)
	}
	return RunRecord{
		ID:         uuid.NewString(),
		Kind:       kind,
		Strategy:   strategy,
		Parameters: params,
		Score:      score,
		Summary:    doc,
	}, nil
}

// TradeRecord is a closed trade attached to a run
type TradeRecord struct {
	ID         int64     `json:"id" db:"id"`
	RunID      string    `json:"run_id" db:"run_id"`
	Side       string    `json:"side" db:"side"`
	EntryTime  time.Time `json:"entry_time" db:"entry_time"`
	ExitTime   time.Time `json:"exit_time" db:"exit_time"`
	EntryPrice float64   `json:"entry_price" db:"entry_price"`
	ExitPrice  float64   `json:"exit_price" db:"exit_price"`
	Quantity   float64   `json:"quantity" db:"quantity"`
	PnL        float64   `json:"pnl" db:"pnl"`
	ReturnPct  float64   `json:"return_pct" db:"return_pct"`
	Fees       float64   `json:"fees" db:"fees"`
	ExitReason string    `json:"exit_reason" db:"exit_reason"`
}

// TradeRecords converts engine trades for storage under runID
func TradeRecords(runID string, trades []domain.Trade) []TradeRecord {
	out := make([]TradeRecord, len(trades))
	for i, t := range trades {
		out[i] = TradeRecord{
			RunID:      runID,
			Side:       string(t.Side),
			EntryTime:  t.EntryTime,
			ExitTime:   t.ExitTime,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			Quantity:   t.Quantity,
			PnL:        t.PnL,
			ReturnPct:  t.ReturnPct,
			Fees:       t.Fees,
			ExitReason: string(t.ExitReason),
		}
	}
	return out
}

// RegimeSnapshot is a stored regime classification for one series
type RegimeSnapshot struct {
	Timestamp   time.Time          `json:"ts" db:"ts"`
	Series      string             `json:"series" db:"series"`
	Regime      string             `json:"regime" db:"regime"`
	Confidence  float64            `json:"confidence" db:"confidence"`
	Features    map[string]float64 `json:"features" db:"features"`
	Recommended []string           `json:"recommended" db:"recommended"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// RunsRepo stores run results
type RunsRepo interface {
	// Insert stores a run; the record id must be set
	Insert(ctx context.Context, run RunRecord) error

	// Get returns a run by id, nil when absent
	Get(ctx context.Context, id string) (*RunRecord, error)

	// ListByStrategy returns runs for a strategy, newest first
	ListByStrategy(ctx context.Context, strategy string, tr TimeRange, limit int) ([]RunRecord, error)

	// Best returns the highest scoring runs of a kind for a strategy
	Best(ctx context.Context, strategy, kind string, limit int) ([]RunRecord, error)

	// CountByKind returns run counts grouped by kind
	CountByKind(ctx context.Context, tr TimeRange) (map[string]int64, error)
}

// TradesRepo stores the trades behind a run
type TradesRepo interface {
	// InsertBatch adds all trades of a run atomically
	InsertBatch(ctx context.Context, trades []TradeRecord) error

	// ListByRun returns a run's trades in exit order
	ListByRun(ctx context.Context, runID string) ([]TradeRecord, error)

	// CountByExitReason groups a run's trades by exit reason
	CountByExitReason(ctx context.Context, runID string) (map[string]int64, error)
}

// RegimeRepo stores regime classifications
type RegimeRepo interface {
	// Upsert inserts or replaces the snapshot for (series, ts)
	Upsert(ctx context.Context, snapshot RegimeSnapshot) error

	// Latest returns the newest snapshot for a series, nil when absent
	Latest(ctx context.Context, series string) (*RegimeSnapshot, error)

	// ListRange returns a series' snapshots within tr, oldest first
	ListRange(ctx context.Context, series string, tr TimeRange) ([]RegimeSnapshot, error)

	// GetRegimeStats returns the regime distribution within tr
	GetRegimeStats(ctx context.Context, series string, tr TimeRange) (map[string]int64, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Runs    RunsRepo
	Trades  TradesRepo
	Regimes RegimeRepo
}

// SaveRun stores a run and its trades. A nil repository is a no-op so
// callers can record results unconditionally.
func (r *Repository) SaveRun(ctx context.Context, run RunRecord, trades []domain.Trade) error {
	if r == nil || r.Runs == nil {
		return nil
	}
	if run.ID == "" {
		return fmt.Errorf("run record has no id")
	}
	if err := r.Runs.Insert(ctx, run); err != nil {
		return err
	}
	if len(trades) == 0 || r.Trades == nil {
		return nil
	}
	return r.Trades.InsertBatch(ctx, TradeRecords(run.ID, trades))
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to the database
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics
	Stats(ctx context.Context) map[string]interface{}
}

// SnapshotRecord converts a detector snapshot for storage under series
func SnapshotRecord(series string, snap regime.Snapshot) RegimeSnapshot {
	f := snap.Features
	return RegimeSnapshot{
		Timestamp:  snap.AsOf,
		Series:     series,
		Regime:     string(snap.Regime),
		Confidence: snap.Confidence,
		Features: map[string]float64{
			"realized_vol_pct":    f.RealizedVolPct,
			"atr_pct":             f.ATRPct,
			"adx":                 f.ADX,
			"trend_strength":      f.TrendStrength,
			"momentum_pct":        f.MomentumPct,
			"momentum_dispersion": f.MomentumDispersion,
		},
		Recommended: snap.Recommended,
	}
}
