package backtest

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stratlab/internal/domain"
	"github.com/sawpanic/stratlab/internal/strategy"
)

// RunStrategy generates the strategy's signals for params and simulates them
func (e *Engine) RunStrategy(s strategy.Strategy, candles []domain.Candle, params domain.ParameterSet) (*Result, error) {
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}
	signals, err := s.Signals(candles, s.Space().Clamp(params))
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.Name(), err)
	}
	return e.Run(candles, signals)
}

// Comparison is one row of a multi-strategy comparison
type Comparison struct {
	Strategy   string              `json:"strategy"`
	Parameters domain.ParameterSet `json:"parameters"`
	Metrics    Metrics             `json:"metrics"`
	Score      float64             `json:"score"`
	Error      string              `json:"error,omitempty"`
}

// Compare runs each strategy with its default parameters over the same
// candles and ranks them by the named score, best first. A failing strategy
// is reported in its row and ranked last.
func (e *Engine) Compare(strategies []strategy.Strategy, candles []domain.Candle, score string) ([]Comparison, error) {
	if err := domain.ValidateCandles(candles); err != nil {
		return nil, err
	}

	rows := make([]Comparison, 0, len(strategies))
	for _, s := range strategies {
		params := s.Space().Defaults()
		row := Comparison{Strategy: s.Name(), Parameters: params}
		res, err := e.RunStrategy(s, candles, params)
		if err != nil {
			log.Warn().Err(err).Str("strategy", s.Name()).Msg("comparison run failed")
			row.Error = err.Error()
		} else {
			row.Metrics = res.Metrics
			row.Score = res.Metrics.Score(score)
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if (rows[i].Error == "") != (rows[j].Error == "") {
			return rows[i].Error == ""
		}
		return rows[i].Score > rows[j].Score
	})
	return rows, nil
}
