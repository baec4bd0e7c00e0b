package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const pollWallet = "0x56687bf447db6ffa42ffe2204a05edaa20f55839"

func newTestPoller(t *testing.T, url string) (*Poller, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{Targets: []string{pollWallet}}
	cfg.API.DataBaseURL = url
	cfg.Polling.Interval = 2 * time.Second
	cfg.Polling.NonTradeInterval = 30 * time.Second
	cfg.Polling.TradeLimit = 50
	cfg.Polling.MaxRetries = 0
	cfg.Polling.BaseBackoff = time.Millisecond
	return NewPoller(cfg, st, slog.Default()), st
}

func activityPage(ts ...int64) []types.RawActivity {
	// Newest first, matching the live API.
	out := make([]types.RawActivity, 0, len(ts))
	for i := len(ts) - 1; i >= 0; i-- {
		out = append(out, types.RawActivity{
			ProxyWallet:     pollWallet,
			TransactionHash: "0xhash",
			Timestamp:       ts[i],
			Asset:           "tok1",
			Side:            "BUY",
			Price:           "0.40",
			Size:            "10",
			Type:            "TRADE",
		})
	}
	return out
}

func TestPollWalletEmitsChronologically(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.URL.Query().Get("user"); got != pollWallet {
			t.Errorf("user param = %q", got)
		}
		if got := req.URL.Query().Get("type"); got != "TRADE" {
			t.Errorf("type param = %q, want TRADE on the fast path", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(activityPage(1700000001, 1700000002, 1700000003))
	}))
	defer srv.Close()

	p, st := newTestPoller(t, srv.URL)
	if err := p.pollWallet(context.Background(), pollWallet, true); err != nil {
		t.Fatalf("pollWallet: %v", err)
	}

	var prev int64
	for i := 0; i < 3; i++ {
		select {
		case sig := <-p.Signals():
			if sig.TimestampMS < prev {
				t.Errorf("signals out of order: %d after %d", sig.TimestampMS, prev)
			}
			prev = sig.TimestampMS
		default:
			t.Fatalf("expected 3 signals, got %d", i)
		}
	}

	if got := st.LastPoll(pollWallet); got != 1700000003000 {
		t.Errorf("poll watermark = %d, want newest record", got)
	}
}

func TestPollWalletHonorsWatermark(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(activityPage(1700000000, 1700009000))
	}))
	defer srv.Close()

	p, st := newTestPoller(t, srv.URL)
	// Watermark far past the first record, within overlap of nothing.
	st.SetLastPoll(pollWallet, 1700008000000)

	if err := p.pollWallet(context.Background(), pollWallet, true); err != nil {
		t.Fatalf("pollWallet: %v", err)
	}

	var got []int64
	for {
		select {
		case sig := <-p.Signals():
			got = append(got, sig.TimestampMS)
			continue
		default:
		}
		break
	}
	if len(got) != 1 || got[0] != 1700009000000 {
		t.Errorf("emitted %v, want only the record past the watermark", got)
	}
}

func TestPollWalletServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := newTestPoller(t, srv.URL)
	if err := p.pollWallet(context.Background(), pollWallet, true); err == nil {
		t.Fatal("non-2xx response should surface as an error")
	}
}
