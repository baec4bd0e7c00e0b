// Package paper implements the simulated exchange. The book holds cash and
// positions in exact decimal arithmetic, fills every order at its limit
// price, charges a configurable fee on both sides, and settles positions at
// 1.0 or 0.0 when their market resolves. It satisfies the same submission
// interface as the live CLOB client, so the executor does not know which
// one it is driving.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polycopy/internal/config"
	"polycopy/internal/exchange"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	defaultFeeRate = 0.001
	tradeLogCap    = 200
)

// Position is one simulated holding. Negative shares are a short.
type Position struct {
	TokenID      string          `json:"token_id"`
	ConditionID  string          `json:"condition_id,omitempty"`
	MarketSlug   string          `json:"market_slug,omitempty"`
	Shares       decimal.Decimal `json:"shares"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// Trade is one fill as recorded in the book's rolling log.
type Trade struct {
	At       time.Time       `json:"at"`
	TokenID  string          `json:"token_id"`
	Side     types.Side      `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Size     decimal.Decimal `json:"size"`
	Fee      decimal.Decimal `json:"fee"`
	Realized decimal.Decimal `json:"realized"` // zero while the fill only opens
	Settled  bool            `json:"settled,omitempty"`
}

// Stats is the performance summary computed over the book's closed trades.
type Stats struct {
	StartingBalance float64 `json:"starting_balance"`
	Cash            float64 `json:"cash"`
	Equity          float64 `json:"equity"`
	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	FeesPaid        float64 `json:"fees_paid"`
	TotalReturnPct  float64 `json:"total_return_pct"`
	Fills           int     `json:"fills"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"` // +Inf when no losing trade
	LargestWin      float64 `json:"largest_win"`
	LargestLoss     float64 `json:"largest_loss"`
	AvgTradeUSD     float64 `json:"avg_trade_usd"`
}

// snapshot is the durable shape written to paper-state.json.
type snapshot struct {
	StartingBalance decimal.Decimal      `json:"starting_balance"`
	Cash            decimal.Decimal      `json:"cash"`
	FeesPaid        decimal.Decimal      `json:"fees_paid"`
	RealizedPnL     decimal.Decimal      `json:"realized_pnl"`
	GrossWins       decimal.Decimal      `json:"gross_wins"`
	GrossLosses     decimal.Decimal      `json:"gross_losses"`
	TotalNotional   decimal.Decimal      `json:"total_notional"`
	Fills           int                  `json:"fills"`
	Wins            int                  `json:"wins"`
	Losses          int                  `json:"losses"`
	LargestWin      decimal.Decimal      `json:"largest_win"`
	LargestLoss     decimal.Decimal      `json:"largest_loss"`
	Positions       map[string]*Position `json:"positions"`
	Trades          []Trade              `json:"trades"`
}

// Book is the simulated exchange.
type Book struct {
	st      *store.Store
	logger  *slog.Logger
	feeRate decimal.Decimal

	mu   sync.Mutex
	snap snapshot

	now func() time.Time
}

// New creates a book, restoring any prior snapshot from the store. A fresh
// book starts with the configured cash balance.
func New(cfg config.PaperConfig, st *store.Store, logger *slog.Logger) (*Book, error) {
	fee := cfg.FeeRate
	if fee == 0 {
		fee = defaultFeeRate
	}
	b := &Book{
		st:      st,
		logger:  logger.With("component", "paper"),
		feeRate: decimal.NewFromFloat(fee),
		now:     time.Now,
	}
	b.snap.Positions = make(map[string]*Position)
	if err := st.LoadPaperState(&b.snap); err != nil {
		return nil, fmt.Errorf("restore paper state: %w", err)
	}
	if b.snap.Positions == nil {
		b.snap.Positions = make(map[string]*Position)
	}
	if b.snap.StartingBalance.IsZero() {
		start := decimal.NewFromFloat(cfg.StartingBalance)
		b.snap.StartingBalance = start
		b.snap.Cash = start
	}
	return b, nil
}

// ————————————————————————————————————————————————————————————————————————
// Exchange interface
// ————————————————————————————————————————————————————————————————————————

// PostOrder fills the order at its limit price. BUYs require cash to cover
// notional plus fee; SELLs always fill and may open a short.
func (b *Book) PostOrder(_ context.Context, ord types.OrderRequest, _ types.MarketParams) (types.OrderResult, error) {
	price := decimal.NewFromFloat(ord.Price)
	size := decimal.NewFromFloat(ord.Size)
	notional := price.Mul(size)
	fee := notional.Mul(b.feeRate)

	b.mu.Lock()
	defer b.mu.Unlock()

	if ord.Side == types.BUY && b.snap.Cash.LessThan(notional.Add(fee)) {
		return types.OrderResult{}, exchange.ErrInsufficientBalance
	}

	if ord.Side == types.BUY {
		b.snap.Cash = b.snap.Cash.Sub(notional).Sub(fee)
	} else {
		b.snap.Cash = b.snap.Cash.Add(notional).Sub(fee)
	}
	b.snap.FeesPaid = b.snap.FeesPaid.Add(fee)
	b.snap.TotalNotional = b.snap.TotalNotional.Add(notional)
	b.snap.Fills++

	realized := b.applyLocked(ord, price, size, fee)
	b.logTradeLocked(Trade{
		At:       b.now(),
		TokenID:  ord.TokenID,
		Side:     ord.Side,
		Price:    price,
		Size:     size,
		Fee:      fee,
		Realized: realized,
	})
	b.persistLocked()

	b.logger.Info("paper fill",
		"token", ord.TokenID,
		"side", ord.Side,
		"price", ord.Price,
		"size", ord.Size,
		"realized", realized.InexactFloat64(),
	)
	return types.OrderResult{
		Success:       true,
		OrderID:       fmt.Sprintf("PAPER_%d", b.now().UnixNano()),
		ExecutedPrice: ord.Price,
		ExecutedSize:  ord.Size,
	}, nil
}

// MarketParams returns fixed simulation parameters.
func (b *Book) MarketParams(context.Context, string) (types.MarketParams, error) {
	return types.MarketParams{TickSize: 0.01, FetchedAt: time.Now()}, nil
}

// GetBalance returns the book's cash.
func (b *Book) GetBalance(context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap.Cash.InexactFloat64(), nil
}

// SharesOf returns the signed share count held in a token.
func (b *Book) SharesOf(tokenID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.snap.Positions[tokenID]; ok {
		return pos.Shares.InexactFloat64()
	}
	return 0
}

// ————————————————————————————————————————————————————————————————————————
// Fill accounting
// ————————————————————————————————————————————————————————————————————————

// applyLocked updates the position for a fill and returns the realized PnL,
// fee included. A fill against an opposite-signed position first closes the
// overlap at the running average, then any remainder opens the other way.
func (b *Book) applyLocked(ord types.OrderRequest, price, size, fee decimal.Decimal) decimal.Decimal {
	pos, ok := b.snap.Positions[ord.TokenID]
	if !ok {
		pos = &Position{
			TokenID:     ord.TokenID,
			ConditionID: ord.ConditionID,
			MarketSlug:  ord.MarketSlug,
			OpenedAt:    b.now(),
		}
		b.snap.Positions[ord.TokenID] = pos
	}
	pos.CurrentPrice = price

	signed := size
	if ord.Side == types.SELL {
		signed = size.Neg()
	}

	realized := decimal.Zero
	if !pos.Shares.IsZero() && pos.Shares.Sign() != signed.Sign() {
		closing := decimal.Min(size, pos.Shares.Abs())
		// Long closes gain (price − avg); shorts gain (avg − price).
		perShare := price.Sub(pos.AvgPrice)
		if pos.Shares.Sign() < 0 {
			perShare = perShare.Neg()
		}
		closeFee := fee.Mul(closing).Div(size)
		realized = perShare.Mul(closing).Sub(closeFee)
		b.recordRealizedLocked(realized)

		pos.Shares = pos.Shares.Add(signed)
		if remainder := size.Sub(closing); remainder.Sign() > 0 {
			pos.AvgPrice = price
		}
	} else {
		total := pos.AvgPrice.Mul(pos.Shares.Abs()).Add(price.Mul(size))
		pos.Shares = pos.Shares.Add(signed)
		if !pos.Shares.IsZero() {
			pos.AvgPrice = total.Div(pos.Shares.Abs())
		}
	}

	if pos.Shares.IsZero() {
		delete(b.snap.Positions, ord.TokenID)
	}
	return realized
}

func (b *Book) recordRealizedLocked(realized decimal.Decimal) {
	b.snap.RealizedPnL = b.snap.RealizedPnL.Add(realized)
	switch realized.Sign() {
	case 1:
		b.snap.Wins++
		b.snap.GrossWins = b.snap.GrossWins.Add(realized)
		b.snap.LargestWin = decimal.Max(b.snap.LargestWin, realized)
	case -1:
		b.snap.Losses++
		b.snap.GrossLosses = b.snap.GrossLosses.Add(realized.Abs())
		b.snap.LargestLoss = decimal.Min(b.snap.LargestLoss, realized)
	}
}

func (b *Book) logTradeLocked(tr Trade) {
	b.snap.Trades = append(b.snap.Trades, tr)
	if len(b.snap.Trades) > tradeLogCap {
		b.snap.Trades = b.snap.Trades[len(b.snap.Trades)-tradeLogCap:]
	}
}

func (b *Book) persistLocked() {
	if err := b.st.SavePaperState(&b.snap); err != nil {
		b.logger.Warn("failed to persist paper state", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Marks and settlement
// ————————————————————————————————————————————————————————————————————————

// UpdatePrice marks a position to a fresh market price.
func (b *Book) UpdatePrice(tokenID string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.snap.Positions[tokenID]; ok {
		pos.CurrentPrice = decimal.NewFromFloat(price)
		b.persistLocked()
	}
}

// Settle cashes out a position at its settlement price (1.0 for the winning
// outcome, 0.0 otherwise), fee-free. Settling a token with no open position
// is a no-op, which makes repeated sweeps idempotent.
func (b *Book) Settle(tokenID string, settlementPrice float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.snap.Positions[tokenID]
	if !ok || pos.Shares.IsZero() {
		return
	}
	price := decimal.NewFromFloat(settlementPrice)

	proceeds := price.Mul(pos.Shares) // negative for shorts: buying back
	b.snap.Cash = b.snap.Cash.Add(proceeds)

	perShare := price.Sub(pos.AvgPrice)
	if pos.Shares.Sign() < 0 {
		perShare = perShare.Neg()
	}
	realized := perShare.Mul(pos.Shares.Abs())
	b.recordRealizedLocked(realized)

	side := types.SELL
	if pos.Shares.Sign() < 0 {
		side = types.BUY
	}
	b.logTradeLocked(Trade{
		At:       b.now(),
		TokenID:  tokenID,
		Side:     side,
		Price:    price,
		Size:     pos.Shares.Abs(),
		Realized: realized,
		Settled:  true,
	})
	delete(b.snap.Positions, tokenID)
	b.persistLocked()

	b.logger.Info("position settled",
		"token", tokenID,
		"price", settlementPrice,
		"realized", realized.InexactFloat64(),
	)
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// Positions returns a copy of all open positions.
func (b *Book) Positions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.snap.Positions))
	for _, pos := range b.snap.Positions {
		out = append(out, *pos)
	}
	return out
}

// Trades returns a copy of the rolling fill log, oldest first.
func (b *Book) Trades() []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Trade, len(b.snap.Trades))
	copy(out, b.snap.Trades)
	return out
}

// Equity is cash plus the marked value of every open position.
func (b *Book) Equity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.equityLocked().InexactFloat64()
}

func (b *Book) equityLocked() decimal.Decimal {
	eq := b.snap.Cash
	for _, pos := range b.snap.Positions {
		eq = eq.Add(pos.CurrentPrice.Mul(pos.Shares))
	}
	return eq
}

// Stats computes the performance summary.
func (b *Book) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.equityLocked()
	unrealized := decimal.Zero
	for _, pos := range b.snap.Positions {
		perShare := pos.CurrentPrice.Sub(pos.AvgPrice)
		if pos.Shares.Sign() < 0 {
			perShare = perShare.Neg()
		}
		unrealized = unrealized.Add(perShare.Mul(pos.Shares.Abs()))
	}

	s := Stats{
		StartingBalance: b.snap.StartingBalance.InexactFloat64(),
		Cash:            b.snap.Cash.InexactFloat64(),
		Equity:          equity.InexactFloat64(),
		RealizedPnL:     b.snap.RealizedPnL.InexactFloat64(),
		UnrealizedPnL:   unrealized.InexactFloat64(),
		FeesPaid:        b.snap.FeesPaid.InexactFloat64(),
		Fills:           b.snap.Fills,
		Wins:            b.snap.Wins,
		Losses:          b.snap.Losses,
		LargestWin:      b.snap.LargestWin.InexactFloat64(),
		LargestLoss:     b.snap.LargestLoss.InexactFloat64(),
	}
	if !b.snap.StartingBalance.IsZero() {
		s.TotalReturnPct = equity.Sub(b.snap.StartingBalance).
			Div(b.snap.StartingBalance).InexactFloat64() * 100
	}
	if closed := b.snap.Wins + b.snap.Losses; closed > 0 {
		s.WinRate = float64(b.snap.Wins) / float64(closed)
	}
	switch {
	case b.snap.GrossLosses.IsZero() && b.snap.GrossWins.Sign() > 0:
		s.ProfitFactor = math.Inf(1)
	case !b.snap.GrossLosses.IsZero():
		s.ProfitFactor = b.snap.GrossWins.Div(b.snap.GrossLosses).InexactFloat64()
	}
	if b.snap.Fills > 0 {
		s.AvgTradeUSD = b.snap.TotalNotional.
			Div(decimal.NewFromInt(int64(b.snap.Fills))).InexactFloat64()
	}
	return s
}
