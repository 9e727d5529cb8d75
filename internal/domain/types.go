package domain

import (
	"math"
	"sort"
	"time"
)

// Candle is one OHLCV bar. Candles are supplied by an external data source
// and never mutated once loaded.
type Candle struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Open      float64   `json:"open" yaml:"open"`
	High      float64   `json:"high" yaml:"high"`
	Low       float64   `json:"low" yaml:"low"`
	Close     float64   `json:"close" yaml:"close"`
	Volume    float64   `json:"volume" yaml:"volume"`
}

// SignalType identifies what a strategy asks the engine to do
type SignalType string

const (
	EnterLong  SignalType = "enter_long"
	EnterShort SignalType = "enter_short"
	CloseLong  SignalType = "close_long"
	CloseShort SignalType = "close_short"
)

// IsEntry reports whether the signal opens a position
func (t SignalType) IsEntry() bool {
	return t == EnterLong || t == EnterShort
}

// Valid reports whether t is one of the four known signal types
func (t SignalType) Valid() bool {
	switch t {
	case EnterLong, EnterShort, CloseLong, CloseShort:
		return true
	}
	return false
}

// Signal is a strategy instruction aligned to a candle timestamp
type Signal struct {
	Type       SignalType        `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	Price      float64           `json:"price"`
	StopLoss   *float64          `json:"stop_loss,omitempty"`
	TakeProfit *float64          `json:"take_profit,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Side is the direction of a position
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign returns +1 for long and -1 for short
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitStopLoss    ExitReason = "stop_loss"
	ExitTakeProfit  ExitReason = "take_profit"
	ExitSignalClose ExitReason = "signal_close"
	ExitEndOfData   ExitReason = "end_of_data"
)

// Valid reports whether r is one of the four exit reasons
func (r ExitReason) Valid() bool {
	switch r {
	case ExitStopLoss, ExitTakeProfit, ExitSignalClose, ExitEndOfData:
		return true
	}
	return false
}

// Trade is an immutable record of a closed position
type Trade struct {
	Side       Side       `json:"side"`
	EntryTime  time.Time  `json:"entry_time"`
	ExitTime   time.Time  `json:"exit_time"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   float64    `json:"quantity"`
	PnL        float64    `json:"pnl"`        // net of fees
	ReturnPct  float64    `json:"return_pct"` // net PnL over entry notional, percent
	Fees       float64    `json:"fees"`
	ExitReason ExitReason `json:"exit_reason"`
}

// EquityPoint is one sample of the equity curve
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// ParameterSet maps parameter names to numeric values. It doubles as a
// strategy configuration and as a genome in the optimizer.
type ParameterSet map[string]float64

// Clone returns an independent copy
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Names returns parameter names in sorted order
func (p ParameterSet) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Get returns the named value or def when absent
func (p ParameterSet) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Int returns the named value rounded to the nearest integer
func (p ParameterSet) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(math.Round(v))
	}
	return def
}

// Equal compares two sets key by key within tolerance
func (p ParameterSet) Equal(other ParameterSet, tolerance float64) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || math.Abs(v-ov) > tolerance {
			return false
		}
	}
	return true
}
