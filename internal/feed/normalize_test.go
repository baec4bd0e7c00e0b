package feed

import (
	"testing"

	"polycopy/pkg/types"
)

func TestNormalizeTrade(t *testing.T) {
	t.Parallel()

	raw := types.RawActivity{
		ProxyWallet:     "0xABCdef0000000000000000000000000000000001",
		TransactionHash: "0xfeed",
		Timestamp:       1700000000, // seconds
		Asset:           "7132104567925221259462638553270691275033272857194253228963137931",
		ConditionID:     "0xcond",
		Slug:            "will-it-rain",
		Side:            "buy",
		Price:           "0.42",
		Size:            "100",
		Outcome:         "Yes",
		Type:            "TRADE",
	}

	sig, ok := Normalize(raw)
	if !ok {
		t.Fatal("trade record should normalize")
	}
	if sig.TimestampMS != 1700000000000 {
		t.Errorf("seconds timestamp not scaled to ms: %d", sig.TimestampMS)
	}
	if sig.Side != types.BUY {
		t.Errorf("side = %s, want BUY", sig.Side)
	}
	if sig.Price != 0.42 || sig.SizeShares != 100 {
		t.Errorf("price/size = %v/%v", sig.Price, sig.SizeShares)
	}
	if sig.NotionalUSD != 42 {
		t.Errorf("notional = %v, want price*size = 42", sig.NotionalUSD)
	}
	if sig.Outcome != types.OutcomeYes {
		t.Errorf("outcome = %s, want YES", sig.Outcome)
	}
	if sig.TargetWallet != "0xabcdef0000000000000000000000000000000001" {
		t.Errorf("wallet not lowercased: %s", sig.TargetWallet)
	}
	if sig.TradeID == "" {
		t.Error("trade ID should be derived")
	}
}

func TestNormalizeMillisecondTimestampUnchanged(t *testing.T) {
	t.Parallel()

	raw := types.RawActivity{
		ProxyWallet: "0xabc",
		Timestamp:   1700000000123,
		Side:        "SELL",
		Type:        "TRADE",
		Price:       "0.5",
		Size:        "1",
	}
	sig, ok := Normalize(raw)
	if !ok {
		t.Fatal("should normalize")
	}
	if sig.TimestampMS != 1700000000123 {
		t.Errorf("ms timestamp rescaled: %d", sig.TimestampMS)
	}
}

func TestNormalizeActivityTypeMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ      string
		wantSide types.Side
		wantKind types.ActivityType
	}{
		{"SPLIT", types.BUY, types.ActivitySplit},
		{"MERGE", types.SELL, types.ActivityMerge},
		{"REDEEM", types.SELL, types.ActivityRedeem},
	}
	for _, tc := range cases {
		sig, ok := Normalize(types.RawActivity{
			ProxyWallet: "0xabc",
			Type:        tc.typ,
			Timestamp:   1700000000,
			Price:       "0.5",
			Size:        "10",
		})
		if !ok {
			t.Errorf("%s should normalize", tc.typ)
			continue
		}
		if sig.Side != tc.wantSide || sig.ActivityType != tc.wantKind {
			t.Errorf("%s → side %s kind %s, want %s/%s",
				tc.typ, sig.Side, sig.ActivityType, tc.wantSide, tc.wantKind)
		}
	}
}

func TestNormalizeDropsNonCopyableTypes(t *testing.T) {
	t.Parallel()

	for _, typ := range []string{"REWARD", "CONVERSION", "MAKER_REBATE", ""} {
		if _, ok := Normalize(types.RawActivity{ProxyWallet: "0xabc", Type: typ}); ok {
			t.Errorf("type %q should be dropped", typ)
		}
	}
	// Trades with an unparseable side are dropped too.
	if _, ok := Normalize(types.RawActivity{ProxyWallet: "0xabc", Type: "TRADE", Side: "HOLD"}); ok {
		t.Error("unknown trade side should be dropped")
	}
	if _, ok := Normalize(types.RawActivity{Type: "TRADE", Side: "BUY"}); ok {
		t.Error("record without a wallet should be dropped")
	}
}

func TestNormalizeDropsTradeWithBadPrice(t *testing.T) {
	t.Parallel()

	for _, price := range []string{"", "garbage", "0"} {
		raw := types.RawActivity{
			ProxyWallet: "0xabc",
			Type:        "TRADE",
			Side:        "BUY",
			Price:       price,
			Size:        "10",
			Timestamp:   1700000000,
			Asset:       "tok1",
		}
		if _, ok := Normalize(raw); ok {
			t.Errorf("trade with price %q should be dropped", price)
		}
	}

	// Non-trade activity legitimately omits the price.
	sig, ok := Normalize(types.RawActivity{
		ProxyWallet: "0xabc",
		Type:        "REDEEM",
		Size:        "10",
		UsdcSize:    12,
		Timestamp:   1700000000,
		Asset:       "tok1",
	})
	if !ok {
		t.Fatal("redeem without a price should still normalize")
	}
	if sig.NotionalUSD != 12 {
		t.Errorf("notional = %v, want the reported usdcSize", sig.NotionalUSD)
	}
}

func TestNormalizeSameFillFromBothSources(t *testing.T) {
	t.Parallel()

	// The stream payload carries user, the poller carries proxyWallet.
	// Same underlying fill must hash to the same trade ID.
	fromStream := types.RawActivity{
		User:            "0xABC",
		TransactionHash: "0xHASH1",
		Timestamp:       1700000000,
		Asset:           "tok1",
		Side:            "BUY",
		Price:           "0.42",
		Size:            "100",
		Type:            "TRADE",
	}
	fromPoll := fromStream
	fromPoll.User = ""
	fromPoll.ProxyWallet = "0xabc"
	fromPoll.TransactionHash = "0xhash1"

	a, _ := Normalize(fromStream)
	b, _ := Normalize(fromPoll)
	if a.TradeID != b.TradeID {
		t.Errorf("trade IDs diverge across sources: %s vs %s", a.TradeID, b.TradeID)
	}
}
