// Package sizing turns a target fill into our order size and limit price.
//
// Three modes:
//
//	fixed_usd      spend a fixed dollar amount per copied trade
//	fixed_shares   copy a fixed share count per trade
//	proportional   scale the target's size by a multiplier
//
// Proportional mode prefers the target's share count; when the upstream
// record lacks it the notional is used, and when both are missing the engine
// falls back to fixed_usd sizing. Slippage is applied as a price cushion so
// the marketable limit order crosses the book and fills.
package sizing

import (
	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// Engine computes order size and limit price from the trading config.
type Engine struct {
	cfg config.TradingConfig
}

// New creates a sizing engine.
func New(cfg config.TradingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Shares returns the quantized share count for a signal at the given
// reference price. The reference price is the target's fill price.
func (e *Engine) Shares(sig types.Signal, price float64) float64 {
	if price <= 0 {
		price = 0.5
	}

	var raw float64
	switch e.cfg.SizingMode {
	case types.SizingFixedShares:
		raw = e.cfg.FixedSharesSize
	case types.SizingProportional:
		switch {
		case sig.SizeShares > 0:
			raw = sig.SizeShares * e.cfg.ProportionalMultiplier
		case sig.NotionalUSD > 0:
			raw = (sig.NotionalUSD / price) * e.cfg.ProportionalMultiplier
		default:
			raw = e.cfg.FixedUsdSize / price
		}
	default: // fixed_usd
		raw = e.cfg.FixedUsdSize / price
	}

	return types.QuantizeShares(raw)
}

// LimitPrice applies the slippage cushion: BUYs pay up, SELLs give way. The
// result is quantized and stays inside [0.01, 0.99].
func (e *Engine) LimitPrice(side types.Side, price float64) float64 {
	if side == types.SELL {
		return types.QuantizePrice(price * (1 - e.cfg.Slippage))
	}
	return types.QuantizePrice(price * (1 + e.cfg.Slippage))
}

// Order builds the order request for a resolved signal: sized shares,
// slippage-adjusted limit price, FOK time-in-force.
func (e *Engine) Order(sig types.Signal, tokenID string) types.OrderRequest {
	limit := e.LimitPrice(sig.Side, sig.Price)
	return types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: sig.ConditionID,
		MarketSlug:  sig.MarketSlug,
		Side:        sig.Side,
		Price:       limit,
		Size:        e.Shares(sig, sig.Price),
		TimeInForce: "FOK",
		Source:      "copy",
		SignalID:    sig.TradeID,
	}
}
