package backtest

import (
	"math"
	"time"

	"github.com/sawpanic/stratlab/internal/domain"
)

// Position is the open-trade state threaded through the bar loop. The loop
// owns at most one Position at a time; helpers take and return values so a
// run never shares position state with another run.
type Position struct {
	Side           domain.Side
	EntryPrice     float64 // after slippage
	EntryTime      time.Time
	EntryIndex     int
	Quantity       float64
	EntryFee       float64
	StopLoss       float64 // 0 = no stop
	TakeProfit     float64 // 0 = no target
	BreakevenArmed bool
}

// unrealized returns mark-to-market PnL at price, before exit costs
func (p Position) unrealized(price float64) float64 {
	return p.Side.Sign() * (price - p.EntryPrice) * p.Quantity
}

// checkExit tests the bar against stop and target. The stop is evaluated
// first so a bar that spans both resolves to the loss. Gaps through a level
// fill at the open.
func checkExit(p Position, bar domain.Candle) (float64, domain.ExitReason, bool) {
	if p.Side == domain.Long {
		if p.StopLoss > 0 && bar.Low <= p.StopLoss {
			return math.Min(p.StopLoss, bar.Open), domain.ExitStopLoss, true
		}
		if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
			return math.Max(p.TakeProfit, bar.Open), domain.ExitTakeProfit, true
		}
		return 0, "", false
	}

	if p.StopLoss > 0 && bar.High >= p.StopLoss {
		return math.Max(p.StopLoss, bar.Open), domain.ExitStopLoss, true
	}
	if p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
		return math.Min(p.TakeProfit, bar.Open), domain.ExitTakeProfit, true
	}
	return 0, "", false
}

// manageStop advances the stop after a completed bar according to the stop
// style. Stops only ever move in the position's favor.
func manageStop(p Position, bar domain.Candle, atr float64, cfg Config) Position {
	if atr <= 0 {
		return p
	}

	switch cfg.StopStyle {
	case StopTrailing:
		p.StopLoss = trail(p, bar, atr*cfg.TrailATRMultiple)
	case StopBreakevenTrail:
		if !p.BreakevenArmed {
			move := p.Side.Sign() * (favorableExtreme(p.Side, bar) - p.EntryPrice)
			if move >= cfg.BreakevenATRMultiple*atr {
				p.BreakevenArmed = true
				p.StopLoss = tighter(p.Side, p.StopLoss, p.EntryPrice)
			}
		}
		if p.BreakevenArmed {
			p.StopLoss = tighter(p.Side, trail(p, bar, atr*cfg.TrailATRMultiple), p.EntryPrice)
		}
	}
	return p
}

func trail(p Position, bar domain.Candle, distance float64) float64 {
	candidate := favorableExtreme(p.Side, bar) - p.Side.Sign()*distance
	if candidate <= 0 {
		return p.StopLoss
	}
	return tighter(p.Side, p.StopLoss, candidate)
}

func favorableExtreme(side domain.Side, bar domain.Candle) float64 {
	if side == domain.Long {
		return bar.High
	}
	return bar.Low
}

// tighter returns whichever stop level is closer to price in the
// position's favor; zero means no stop.
func tighter(side domain.Side, current, candidate float64) float64 {
	if current == 0 {
		return candidate
	}
	if side == domain.Long {
		return math.Max(current, candidate)
	}
	return math.Min(current, candidate)
}

// closePosition realizes the position into a Trade at rawPrice, applying
// adverse slippage and exit commission.
func closePosition(p Position, rawPrice float64, at time.Time, reason domain.ExitReason, cfg Config) domain.Trade {
	sign := p.Side.Sign()
	exitPrice := rawPrice * (1 - sign*cfg.SlippageRate)
	gross := sign * (exitPrice - p.EntryPrice) * p.Quantity
	exitFee := p.Quantity * exitPrice * cfg.CommissionRate
	fees := p.EntryFee + exitFee
	pnl := gross - fees

	returnPct := 0.0
	if notional := p.EntryPrice * p.Quantity; notional > 0 {
		returnPct = pnl / notional * 100
	}

	return domain.Trade{
		Side:       p.Side,
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   p.Quantity,
		PnL:        pnl,
		ReturnPct:  returnPct,
		Fees:       fees,
		ExitReason: reason,
	}
}

// positionSize implements fixed-fractional sizing: the quantity loses
// RiskPerTrade of equity if the stop is hit. Without a usable stop the
// notional falls back to DefaultPositionFraction of equity. Notional never
// exceeds MaxPositionFraction of equity.
func positionSize(equity, entry, stop float64, cfg Config) float64 {
	if equity <= 0 || entry <= 0 {
		return 0
	}

	maxNotional := equity * cfg.MaxPositionFraction
	notional := 0.0
	if stop > 0 {
		if dist := math.Abs(entry - stop); dist > 0 {
			notional = equity * cfg.RiskPerTrade / dist * entry
		}
	}
	if notional <= 0 {
		notional = equity * cfg.DefaultPositionFraction
	}
	notional = math.Min(notional, maxNotional)
	return notional / entry
}
