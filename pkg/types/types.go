// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the copy-trading engine — target
// activity signals, order requests, positions, and the WebSocket payloads of
// the upstream activity feed. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Outcome identifies which leg of a binary market a token represents.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// ParseOutcome maps upstream outcome strings ("Yes", "NO", "yes") to the
// Outcome enum. Returns empty Outcome when the string is unrecognized.
func ParseOutcome(s string) Outcome {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "YES":
		return OutcomeYes
	case "NO":
		return OutcomeNo
	default:
		return ""
	}
}

// ActivityType classifies target-wallet activity after normalization.
// Only these four types produce derived orders; rewards, conversions and
// maker rebates are dropped at the edge.
type ActivityType string

const (
	ActivityTrade  ActivityType = "TRADE"
	ActivitySplit  ActivityType = "SPLIT"
	ActivityMerge  ActivityType = "MERGE"
	ActivityRedeem ActivityType = "REDEEM"
)

// SizingMode selects how a target fill is translated into our order size.
type SizingMode string

const (
	SizingFixedUSD     SizingMode = "fixed_usd"
	SizingFixedShares  SizingMode = "fixed_shares"
	SizingProportional SizingMode = "proportional"
)

// SkipReason explains why a detected trade did not produce an order.
// These strings surface verbatim in trade-skipped events and metrics.
type SkipReason string

const (
	SkipMissingCreds      SkipReason = "missing_creds"
	SkipCapPerTrade       SkipReason = "cap_per_trade"
	SkipCapPerMarket      SkipReason = "cap_per_market"
	SkipCapDailyVolume    SkipReason = "cap_daily_volume"
	SkipNotAllowlisted    SkipReason = "not_allowlisted"
	SkipDenylisted        SkipReason = "denylisted"
	SkipNearResolution    SkipReason = "near_resolution"
	SkipUnresolvedToken   SkipReason = "unresolved_token"
	SkipBelowMinimum      SkipReason = "below_minimum"
	SkipTemporarilyPaused SkipReason = "temporarily_paused"
	SkipInsufficientFunds SkipReason = "insufficient_funds"
	SkipNoHoldings        SkipReason = "no_holdings"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is a normalized observation of one target-wallet activity.
// Both activity sources (stream and poll) produce the same shape, so the
// ingress gate can deduplicate on TradeID regardless of origin.
type Signal struct {
	TargetWallet string       `json:"target_wallet"` // lowercased hex address
	TradeID      string       `json:"trade_id"`      // stable across sources
	TimestampMS  int64        `json:"timestamp_ms"`
	TokenID      string       `json:"token_id"`
	ConditionID  string       `json:"condition_id,omitempty"`
	MarketSlug   string       `json:"market_slug,omitempty"`
	MarketTitle  string       `json:"market_title,omitempty"`
	Side         Side         `json:"side"`
	Price        float64      `json:"price"`                  // in [0,1]
	SizeShares   float64      `json:"size_shares,omitempty"`  // ≥ 0
	NotionalUSD  float64      `json:"notional_usd,omitempty"` // ≥ 0
	Outcome      Outcome      `json:"outcome,omitempty"`
	ActivityType ActivityType `json:"activity_type"`
	TxHash       string       `json:"tx_hash,omitempty"`
}

// Timestamp returns the signal time as time.Time.
func (s Signal) Timestamp() time.Time {
	return time.UnixMilli(s.TimestampMS)
}

// DeriveTradeID builds a deterministic trade ID for upstream records that
// lack one. The same activity observed by both sources hashes to the same
// ID, which is what makes dedup source-agnostic.
func DeriveTradeID(wallet string, tsMS int64, tokenID string, side Side, price, size float64, txHash string) string {
	raw := fmt.Sprintf("%s|%d|%s|%s|%.6f|%.6f|%s",
		strings.ToLower(wallet), tsMS, tokenID, side, price, size, strings.ToLower(txHash))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is a concrete order derived from a Signal (or synthesized by
// a control loop). Price and Size are already quantized to two decimals.
type OrderRequest struct {
	TokenID     string  `json:"token_id"`
	ConditionID string  `json:"condition_id,omitempty"`
	MarketSlug  string  `json:"market_slug,omitempty"`
	Side        Side    `json:"side"`
	Price       float64 `json:"price"`         // in [0.01, 0.99]
	Size        float64 `json:"size"`          // shares
	TimeInForce string  `json:"time_in_force"` // "FOK" for marketable limits
	Source      string  `json:"source"`        // "copy", "stop_loss", "manual"
	SignalID    string  `json:"signal_id,omitempty"`
}

// NotionalUSD returns price × size.
func (o OrderRequest) NotionalUSD() float64 {
	return o.Price * o.Size
}

// OrderResult is the outcome of one submission attempt.
type OrderResult struct {
	Success       bool       `json:"success"`
	OrderID       string     `json:"order_id,omitempty"`
	ExecutedPrice float64    `json:"executed_price,omitempty"`
	ExecutedSize  float64    `json:"executed_size,omitempty"`
	Skipped       bool       `json:"skipped,omitempty"`
	SkipReason    SkipReason `json:"skip_reason,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// MarketParams are the per-market submission parameters fetched from the
// CLOB before building an order. Cached briefly by the executor.
type MarketParams struct {
	TickSize   float64   `json:"tick_size"`
	NegRisk    bool      `json:"neg_risk"`
	FeeRateBps int       `json:"fee_rate_bps"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is the holding in a single outcome token. Shares are signed:
// negative shares represent a paper-mode short.
type Position struct {
	TokenID         string    `json:"token_id"`
	ConditionID     string    `json:"condition_id,omitempty"`
	MarketSlug      string    `json:"market_slug,omitempty"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	Shares          float64   `json:"shares"`
	AvgEntryPrice   float64   `json:"avg_entry_price"`
	TotalCost       float64   `json:"total_cost"`
	CurrentPrice    float64   `json:"current_price,omitempty"`
	UnrealizedPnL   float64   `json:"unrealized_pnl,omitempty"`
	OpenedAt        time.Time `json:"opened_at"`
	Resolved        bool      `json:"resolved,omitempty"`
	Redeemable      bool      `json:"redeemable,omitempty"`
	Settled         bool      `json:"settled,omitempty"`
	SettlementPrice float64   `json:"settlement_price,omitempty"`
	SettlementPnL   float64   `json:"settlement_pnl,omitempty"`
}

// CostBasis returns the absolute cost of the open position.
func (p Position) CostBasis() float64 {
	return math.Abs(p.TotalCost)
}

// ————————————————————————————————————————————————————————————————————————
// Upstream wire shapes
// ————————————————————————————————————————————————————————————————————————

// RawActivity is the JSON shape of one record from GET /activity and of the
// per-message payload on the activity WebSocket channels. Price and Size
// arrive as strings to preserve decimal precision.
type RawActivity struct {
	ProxyWallet     string  `json:"proxyWallet"`
	User            string  `json:"user,omitempty"`
	TransactionHash string  `json:"transactionHash"`
	Timestamp       int64   `json:"timestamp"` // seconds or ms, normalizer decides
	Asset           string  `json:"asset"`     // token ID
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Title           string  `json:"title,omitempty"`
	Side            string  `json:"side"`
	Price           string  `json:"price"` // decimal string in [0,1]
	Size            string  `json:"size"`  // decimal string ≥ 0
	UsdcSize        float64 `json:"usdcSize,omitempty"`
	Outcome         string  `json:"outcome"`
	Type            string  `json:"type"` // TRADE, SPLIT, MERGE, REDEEM, REWARD, ...
}

// Wallet returns the activity's wallet address, lowercased. The REST feed
// uses proxyWallet while some stream payloads use user.
func (r RawActivity) Wallet() string {
	if r.ProxyWallet != "" {
		return strings.ToLower(r.ProxyWallet)
	}
	return strings.ToLower(r.User)
}

// WSActivitySubscribe is the subscription message for the activity stream.
// Two topics cover filled trades and matched orders.
type WSActivitySubscribe struct {
	Action string   `json:"action"` // "subscribe"
	Topics []string `json:"subscriptions,omitempty"`
}

// WSActivityMessage is the envelope around each streamed activity record.
type WSActivityMessage struct {
	Topic   string      `json:"topic"` // "activity:trades" or "activity:orders_matched"
	Type    string      `json:"type"`
	Payload RawActivity `json:"payload"`
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// QuantizePrice clamps a price into [0.01, 0.99] and rounds to two decimals.
func QuantizePrice(p float64) float64 {
	q := math.Round(p*100) / 100
	if q < 0.01 {
		return 0.01
	}
	if q > 0.99 {
		return 0.99
	}
	return q
}

// QuantizeShares rounds shares to two decimals with a 0.01 floor.
func QuantizeShares(s float64) float64 {
	q := math.Round(s*100) / 100
	if q < 0.01 {
		return 0.01
	}
	return q
}

// NormalizeAddress lowercases a wallet address. All address comparisons in
// the engine go through this.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidAddress reports whether addr looks like a 0x-prefixed 20-byte hex
// address.
func ValidAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, c := range addr[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
