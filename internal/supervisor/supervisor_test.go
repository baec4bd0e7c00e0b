package supervisor

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/config"
	"polycopy/internal/paper"
	"polycopy/internal/resolver"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	testTarget = "0x1111111111111111111111111111111111111111"
	longToken  = "71321045679252212594626385532706912750332728571942850843991608029009"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// quietWS accepts the stream's connection and swallows whatever it sends,
// keeping the supervisor in streaming mode for the duration of a test.
func quietWS(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestSupervisor(t *testing.T) (*Supervisor, *paper.Book) {
	t.Helper()
	ws := quietWS(t)

	cfg := &config.Config{Targets: []string{testTarget}}
	cfg.API.WSActivity = "ws" + strings.TrimPrefix(ws.URL, "http")
	cfg.API.DataBaseURL = "http://unreachable.invalid"
	cfg.API.GammaBaseURL = "http://unreachable.invalid"
	cfg.Trading.SizingMode = types.SizingFixedUSD
	cfg.Trading.FixedUsdSize = 10
	cfg.Trading.Slippage = 0.02
	cfg.Trading.MinOrderSize = 0.5
	cfg.Trading.MinOrderShares = 0.1
	cfg.Risk.MaxUsdPerTrade = 100
	cfg.Risk.MaxUsdPerMarket = 1000
	cfg.Risk.MaxDailyUsdVolume = 10000
	cfg.Paper.Enabled = true
	cfg.Paper.StartingBalance = 1000
	cfg.Paper.FeeRate = 0.001
	cfg.Polling.Interval = time.Second
	cfg.Polling.NonTradeInterval = time.Minute

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := testLogger()
	book, err := paper.New(cfg.Paper, st, logger)
	if err != nil {
		t.Fatalf("paper.New: %v", err)
	}
	res := resolver.New(*cfg, st, logger)

	sup := New(cfg, Deps{
		Store:     st,
		Resolver:  res,
		Exchange:  book,
		Positions: book,
		Params:    book,
		Book:      book,
	}, logger)
	return sup, book
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t)

	if got := sup.State(); got != StateStopped {
		t.Fatalf("initial state = %v, want stopped", got)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sup.State(); got != StateRunning {
		t.Errorf("state = %v, want running", got)
	}
	if err := sup.Start(); err == nil {
		t.Error("second Start should be rejected")
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := sup.State(); got != StateStopped {
		t.Errorf("state = %v, want stopped", got)
	}
	if err := sup.Stop(); err == nil {
		t.Error("Stop on a stopped engine should be rejected")
	}

	// Restart from stopped fails on the Stop leg.
	if err := sup.Restart(); err == nil {
		t.Error("Restart on a stopped engine should be rejected")
	}
}

func signalFor(id string) types.Signal {
	return types.Signal{
		TargetWallet: testTarget,
		TradeID:      id,
		TimestampMS:  time.Now().UnixMilli(),
		TokenID:      longToken,
		ConditionID:  "0xcond1",
		MarketSlug:   "test-market",
		Side:         types.BUY,
		Price:        0.50,
		SizeShares:   200,
		ActivityType: types.ActivityTrade,
	}
}

func TestPipelineCopiesAdmittedSignal(t *testing.T) {
	t.Parallel()
	sup, book := newTestSupervisor(t)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.handleSignal(context.Background(), signalFor("trade-1"))
	sup.handleSignal(context.Background(), signalFor("trade-1")) // duplicate

	deadline := time.After(5 * time.Second)
	for sup.Metrics().TradesCopied < 1 {
		select {
		case <-deadline:
			t.Fatalf("trade never copied: %+v", sup.Metrics())
		case <-time.After(10 * time.Millisecond):
		}
	}

	m := sup.Metrics()
	if m.TradesDetected != 1 {
		t.Errorf("detected = %d, want 1 (duplicate dropped at the gate)", m.TradesDetected)
	}
	// fixed $10 at the target's 0.50 fill price: 20 shares
	if got := book.SharesOf(longToken); got != 20 {
		t.Errorf("paper shares = %v, want 20", got)
	}
}

func TestManualSellClosesPaperPosition(t *testing.T) {
	t.Parallel()
	sup, book := newTestSupervisor(t)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.handleSignal(context.Background(), signalFor("trade-2"))
	deadline := time.After(5 * time.Second)
	for book.SharesOf(longToken) == 0 {
		select {
		case <-deadline:
			t.Fatal("buy never filled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sup.ManualSell(ctx, longToken, 0)
	if err != nil {
		t.Fatalf("ManualSell: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if got := book.SharesOf(longToken); got != 0 {
		t.Errorf("shares after manual sell = %v, want 0", got)
	}
}

func TestManualSellRejectsUnknownToken(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	if _, err := sup.ManualSell(context.Background(), "no-such-token", 0); err == nil {
		t.Error("selling an unheld token should fail")
	}
}

func TestSkippedTradeCounted(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t)
	sup.cfg.Risk.MaxUsdPerTrade = 1 // below the $10 sizing

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	sup.handleSignal(context.Background(), signalFor("trade-3"))

	m := sup.Metrics()
	if m.TradesSkipped[string(types.SkipCapPerTrade)] != 1 {
		t.Errorf("skips = %v, want one cap_per_trade", m.TradesSkipped)
	}
	if m.TradesCopied != 0 {
		t.Errorf("copied = %d, want 0", m.TradesCopied)
	}
}

func TestFailoverWhenStreamNeverConnects(t *testing.T) {
	t.Parallel()

	var polls atomic.Int64
	data := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	}))
	t.Cleanup(data.Close)

	sup, _ := newTestSupervisor(t)
	// Nothing listens here; the stream is down from the first dial.
	sup.cfg.API.WSActivity = "ws://127.0.0.1:1"
	sup.cfg.API.DataBaseURL = data.URL
	sup.cfg.Polling.Interval = 50 * time.Millisecond
	sup.grace = 100 * time.Millisecond

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if sup.State() == StateRunning {
			sup.Stop()
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && polls.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if polls.Load() == 0 {
		t.Fatal("poller never queried the activity API while the stream was down")
	}
	if mode := sup.Metrics().Mode; mode != ModePolling && mode != ModeDegraded {
		t.Errorf("mode = %s, want polling after failover", mode)
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t)

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Wait for the stream to park on a healthy, silent connection.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !sup.Metrics().Connected {
		time.Sleep(10 * time.Millisecond)
	}
	if !sup.Metrics().Connected {
		t.Fatal("stream never connected")
	}

	done := make(chan error, 1)
	go func() { done <- sup.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on the idle stream read")
	}
	if got := sup.State(); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestStopLossGatedToLiveMode(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t)
	sup.cfg.StopLoss.Enabled = true

	sup.cfg.Paper.Enabled = true
	sup.cfg.Risk.DryRun = false
	if sup.stopLossActive() {
		t.Error("stop-loss must stay off in paper mode")
	}

	sup.cfg.Paper.Enabled = false
	sup.cfg.Risk.DryRun = true
	if sup.stopLossActive() {
		t.Error("stop-loss must stay off in dry-run")
	}

	sup.cfg.Risk.DryRun = false
	if !sup.stopLossActive() {
		t.Error("stop-loss should run when live and enabled")
	}
}
