// normalize.go converts upstream activity records into Signals.
//
// Both activity sources (WebSocket stream and REST poller) deliver the same
// RawActivity shape, so one normalizer serves both. Everything downstream of
// this file works in Signal terms only.
package feed

import (
	"strconv"
	"strings"

	"polycopy/pkg/types"
)

// msThreshold separates second-precision upstream timestamps from
// millisecond ones. Anything at or below it is seconds.
const msThreshold = int64(1_000_000_000_000)

// Normalize converts one raw activity record into a Signal. The second
// return value is false when the record is not copyable: unknown activity
// type, missing wallet, an unparseable side, or a trade whose price does
// not parse.
//
// Activity mapping:
//
//	TRADE  → side taken from the record
//	SPLIT  → BUY  (minting both legs reads as entering the position)
//	MERGE  → SELL
//	REDEEM → SELL
//
// REWARD, CONVERSION and maker-rebate records are dropped here, before any
// dedup or risk work happens.
func Normalize(raw types.RawActivity) (types.Signal, bool) {
	wallet := raw.Wallet()
	if wallet == "" {
		return types.Signal{}, false
	}

	var (
		activity types.ActivityType
		side     types.Side
	)
	switch strings.ToUpper(strings.TrimSpace(raw.Type)) {
	case "TRADE":
		activity = types.ActivityTrade
		switch strings.ToUpper(raw.Side) {
		case "BUY":
			side = types.BUY
		case "SELL":
			side = types.SELL
		default:
			return types.Signal{}, false
		}
	case "SPLIT":
		activity = types.ActivitySplit
		side = types.BUY
	case "MERGE":
		activity = types.ActivityMerge
		side = types.SELL
	case "REDEEM":
		activity = types.ActivityRedeem
		side = types.SELL
	default:
		return types.Signal{}, false
	}

	ts := raw.Timestamp
	if ts > 0 && ts <= msThreshold {
		ts *= 1000
	}

	price, perr := strconv.ParseFloat(strings.TrimSpace(raw.Price), 64)
	if activity == types.ActivityTrade && (perr != nil || price <= 0) {
		// A price-0 trade would size into a nonsense order downstream.
		return types.Signal{}, false
	}
	size, _ := strconv.ParseFloat(strings.TrimSpace(raw.Size), 64)

	notional := raw.UsdcSize
	if notional == 0 {
		notional = price * size
	}

	return types.Signal{
		TargetWallet: wallet,
		TradeID:      types.DeriveTradeID(wallet, ts, raw.Asset, side, price, size, raw.TransactionHash),
		TimestampMS:  ts,
		TokenID:      raw.Asset,
		ConditionID:  raw.ConditionID,
		MarketSlug:   raw.Slug,
		MarketTitle:  raw.Title,
		Side:         side,
		Price:        price,
		SizeShares:   size,
		NotionalUSD:  notional,
		Outcome:      types.ParseOutcome(raw.Outcome),
		ActivityType: activity,
		TxHash:       raw.TransactionHash,
	}, true
}
