// Package control runs the background sweeps that act on open positions:
// paper-mode mark-to-market refresh, the stop-loss exit, and auto-redeem of
// resolved live positions. Each loop is a plain ticker with its own Run(ctx)
// so the supervisor can start exactly the ones the active mode needs.
package control

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"polycopy/internal/executor"
	"polycopy/internal/paper"
	"polycopy/internal/resolver"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	priceRefreshInterval = 30 * time.Second
	stopLossSlippage     = 0.05
	sharesDecimals       = 1_000_000 // CTF token base units
)

// Markets is the slice of the resolver the loops need.
type Markets interface {
	MarketForToken(ctx context.Context, tokenID, conditionID string) (*resolver.Market, error)
	RefreshMarket(ctx context.Context, conditionID string) (*resolver.Market, error)
}

// OrderSink accepts synthesized orders and reports their outcome.
type OrderSink interface {
	Submit(job *executor.Job) (<-chan types.OrderResult, bool)
}

// Redeemer sends the on-chain redemption for a resolved condition.
type Redeemer interface {
	Redeem(ctx context.Context, conditionID string, negRisk bool, amounts []*big.Int) (string, error)
}

// Params looks up per-market submission parameters (neg-risk flag).
type Params interface {
	MarketParams(ctx context.Context, tokenID string) (types.MarketParams, error)
}

// ————————————————————————————————————————————————————————————————————————
// Paper price refresh
// ————————————————————————————————————————————————————————————————————————

// PriceRefresher marks the paper book to market and settles resolved
// positions. Paper mode only.
type PriceRefresher struct {
	book    *paper.Book
	markets Markets
	st      *store.Store
	logger  *slog.Logger
}

func NewPriceRefresher(book *paper.Book, markets Markets, st *store.Store, logger *slog.Logger) *PriceRefresher {
	return &PriceRefresher{
		book:    book,
		markets: markets,
		st:      st,
		logger:  logger.With("component", "price_refresh"),
	}
}

func (p *PriceRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(priceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *PriceRefresher) sweep(ctx context.Context) {
	for _, pos := range p.book.Positions() {
		m, err := p.markets.RefreshMarket(ctx, pos.ConditionID)
		if err != nil {
			p.logger.Warn("price refresh failed", "condition", pos.ConditionID, "error", err)
			continue
		}
		if sp, ok := m.SettlementPrice(pos.TokenID); ok {
			p.book.Settle(pos.TokenID, sp)
			continue
		}
		if price := m.PriceFor(pos.TokenID); price > 0 {
			p.book.UpdatePrice(pos.TokenID, price)
		}
	}

	s := p.book.Stats()
	if err := p.st.AppendChartSnapshot(store.ChartSnapshot{
		Timestamp:     time.Now().UnixMilli(),
		PnL:           s.RealizedPnL + s.UnrealizedPnL,
		RealizedPnL:   s.RealizedPnL,
		UnrealizedPnL: s.UnrealizedPnL,
		Balance:       s.Equity,
	}); err != nil {
		p.logger.Warn("chart snapshot failed", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Stop loss
// ————————————————————————————————————————————————————————————————————————

// StopLoss exits live positions whose mark has fallen far enough below the
// average entry. Each token fires at most once; the trigger is cleared only
// when the exit order fails, so a filled or in-flight exit is never doubled.
type StopLoss struct {
	st      *store.Store
	markets Markets
	sink    OrderSink
	logger  *slog.Logger

	percent  float64
	interval time.Duration

	mu        sync.Mutex
	triggered map[string]bool
}

func NewStopLoss(percent float64, interval time.Duration, st *store.Store, markets Markets, sink OrderSink, logger *slog.Logger) *StopLoss {
	return &StopLoss{
		st:        st,
		markets:   markets,
		sink:      sink,
		logger:    logger.With("component", "stop_loss"),
		percent:   percent,
		interval:  interval,
		triggered: make(map[string]bool),
	}
}

func (s *StopLoss) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *StopLoss) sweep(ctx context.Context) {
	for _, pos := range s.st.SnapshotPositions() {
		if pos.Shares <= 0 || pos.AvgEntryPrice <= 0 || pos.Settled {
			continue
		}
		s.mu.Lock()
		fired := s.triggered[pos.TokenID]
		s.mu.Unlock()
		if fired {
			continue
		}

		price := s.mark(ctx, pos)
		if price <= 0 {
			continue
		}
		loss := (pos.AvgEntryPrice - price) / pos.AvgEntryPrice
		if loss < s.percent {
			continue
		}
		s.trigger(pos, price)
	}
}

// mark refreshes the position's current price from the market cache and
// persists it so the dashboard sees fresh numbers too.
func (s *StopLoss) mark(ctx context.Context, pos types.Position) float64 {
	m, err := s.markets.MarketForToken(ctx, pos.TokenID, pos.ConditionID)
	if err != nil {
		return pos.CurrentPrice
	}
	price := m.PriceFor(pos.TokenID)
	if price > 0 && price != pos.CurrentPrice {
		pos.CurrentPrice = price
		pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Shares
		if err := s.st.UpsertPosition(pos); err != nil {
			s.logger.Warn("failed to persist mark", "token", pos.TokenID, "error", err)
		}
	}
	return price
}

func (s *StopLoss) trigger(pos types.Position, price float64) {
	ord := types.OrderRequest{
		TokenID:     pos.TokenID,
		ConditionID: pos.ConditionID,
		MarketSlug:  pos.MarketSlug,
		Side:        types.SELL,
		Price:       types.QuantizePrice(price * (1 - stopLossSlippage)),
		Size:        types.QuantizeShares(pos.Shares),
		TimeInForce: "FOK",
		Source:      "stop_loss",
	}

	s.mu.Lock()
	s.triggered[pos.TokenID] = true
	s.mu.Unlock()

	resCh, ok := s.sink.Submit(&executor.Job{Order: ord})
	if !ok {
		s.mu.Lock()
		delete(s.triggered, pos.TokenID)
		s.mu.Unlock()
		s.logger.Warn("executor queue full, stop-loss postponed", "token", pos.TokenID)
		return
	}
	s.logger.Warn("stop loss triggered",
		"token", pos.TokenID,
		"entry", pos.AvgEntryPrice,
		"mark", price,
		"exit_limit", ord.Price,
	)

	go func() {
		res := <-resCh
		if res.Success {
			return
		}
		// Re-arm so the next sweep can try again.
		s.mu.Lock()
		delete(s.triggered, pos.TokenID)
		s.mu.Unlock()
		s.logger.Warn("stop-loss exit failed, will retry",
			"token", pos.TokenID,
			"skip_reason", res.SkipReason,
			"error", res.Error,
		)
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Auto redeem
// ————————————————————————————————————————————————————————————————————————

// AutoRedeem sweeps live positions whose market has resolved and claims the
// collateral on-chain. A condition is attempted once per process; the chain
// itself rejects double redemptions, so a restart retrying is harmless.
type AutoRedeem struct {
	st       *store.Store
	markets  Markets
	params   Params
	redeemer Redeemer
	logger   *slog.Logger

	interval time.Duration

	mu        sync.Mutex
	attempted map[string]bool
}

func NewAutoRedeem(interval time.Duration, st *store.Store, markets Markets, params Params, redeemer Redeemer, logger *slog.Logger) *AutoRedeem {
	return &AutoRedeem{
		st:        st,
		markets:   markets,
		params:    params,
		redeemer:  redeemer,
		logger:    logger.With("component", "auto_redeem"),
		interval:  interval,
		attempted: make(map[string]bool),
	}
}

func (a *AutoRedeem) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *AutoRedeem) sweep(ctx context.Context) {
	for _, pos := range a.st.SnapshotPositions() {
		if pos.Shares <= 0 || pos.Settled || pos.ConditionID == "" {
			continue
		}
		a.mu.Lock()
		done := a.attempted[pos.ConditionID]
		a.mu.Unlock()
		if done {
			continue
		}

		m, err := a.markets.RefreshMarket(ctx, pos.ConditionID)
		if err != nil {
			a.logger.Warn("market refresh failed", "condition", pos.ConditionID, "error", err)
			continue
		}
		sp, ok := m.SettlementPrice(pos.TokenID)
		if !ok {
			continue
		}
		a.redeem(ctx, pos, sp)
	}
}

func (a *AutoRedeem) redeem(ctx context.Context, pos types.Position, settlementPrice float64) {
	a.mu.Lock()
	a.attempted[pos.ConditionID] = true
	a.mu.Unlock()

	params, err := a.params.MarketParams(ctx, pos.TokenID)
	if err != nil {
		a.logger.Warn("neg-risk lookup failed, assuming standard market",
			"condition", pos.ConditionID, "error", err)
	}

	var amounts []*big.Int
	if params.NegRisk {
		units := new(big.Int).SetInt64(int64(pos.Shares * sharesDecimals))
		amounts = []*big.Int{units, big.NewInt(0)}
		if pos.Outcome == types.OutcomeNo {
			amounts = []*big.Int{big.NewInt(0), units}
		}
	}

	tx, err := a.redeemer.Redeem(ctx, pos.ConditionID, params.NegRisk, amounts)
	if err != nil {
		a.logger.Error("redemption failed", "condition", pos.ConditionID, "error", err)
		a.mu.Lock()
		delete(a.attempted, pos.ConditionID)
		a.mu.Unlock()
		return
	}
	a.logger.Info("redeemed position",
		"condition", pos.ConditionID,
		"token", pos.TokenID,
		"tx", tx,
		"settlement_price", settlementPrice,
	)

	pos.Settled = true
	pos.Resolved = true
	pos.SettlementPrice = settlementPrice
	pos.SettlementPnL = (settlementPrice - pos.AvgEntryPrice) * pos.Shares
	pos.Shares = 0
	pos.TotalCost = 0
	if err := a.st.UpsertPosition(pos); err != nil {
		a.logger.Warn("failed to persist settled position", "token", pos.TokenID, "error", err)
	}
}
