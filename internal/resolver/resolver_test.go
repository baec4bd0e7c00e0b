package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	yesToken = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	noToken  = "52114319501245915516055106046884209969926127482827954674443846427813813222426"
)

func gammaBody() string {
	return fmt.Sprintf(`{
		"conditionId": "0xcond1",
		"slug": "will-it-rain",
		"question": "Will it rain?",
		"active": true,
		"closed": false,
		"endDate": "2026-12-31T12:00:00Z",
		"clobTokenIds": "[\"%s\", \"%s\"]",
		"outcomePrices": "[\"0.62\", \"0.38\"]"
	}`, yesToken, noToken)
}

func newTestResolver(t *testing.T, url string) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Config{}
	cfg.API.GammaBaseURL = url
	return New(cfg, st, slog.Default()), st
}

func TestResolveLongTokenIDPassesThrough(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t, "http://unreachable.invalid")

	got, err := r.Resolve(context.Background(), types.Signal{TokenID: yesToken})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != yesToken {
		t.Errorf("token = %s, want passthrough", got)
	}
}

func TestResolveByConditionAndOutcome(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", gammaBody())
	}))
	defer srv.Close()

	r, _ := newTestResolver(t, srv.URL)

	tok, err := r.Resolve(context.Background(), types.Signal{
		ConditionID: "0xCOND1",
		Outcome:     types.OutcomeNo,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tok != noToken {
		t.Errorf("token = %s, want NO leg", tok)
	}

	// Second lookup for the same condition is served from cache.
	if _, err := r.Resolve(context.Background(), types.Signal{ConditionID: "0xcond1", Outcome: types.OutcomeYes}); err != nil {
		t.Fatalf("cached Resolve: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("catalog calls = %d, want 1 (second hit cached)", calls.Load())
	}
}

func TestResolveBySlug(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/markets/will-it-rain" {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, gammaBody())
	}))
	defer srv.Close()

	r, _ := newTestResolver(t, srv.URL)

	tok, err := r.Resolve(context.Background(), types.Signal{
		MarketSlug: "will-it-rain",
		Outcome:    types.OutcomeYes,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tok != yesToken {
		t.Errorf("token = %s, want YES leg", tok)
	}
}

func TestResolveNoIdentifiers(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t, "http://unreachable.invalid")

	if _, err := r.Resolve(context.Background(), types.Signal{}); err == nil {
		t.Fatal("Resolve with no identifiers should fail")
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", gammaBody())
	}))

	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cfg := config.Config{}
	cfg.API.GammaBaseURL = srv.URL
	r := New(cfg, st, slog.Default())
	if _, err := r.MarketByCondition(context.Background(), "0xcond1"); err != nil {
		t.Fatalf("MarketByCondition: %v", err)
	}
	st.Close()
	srv.Close() // catalog goes away; only the durable cache remains

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()
	cfg.API.GammaBaseURL = "http://unreachable.invalid"
	r2 := New(cfg, st2, slog.Default())

	m, err := r2.MarketByCondition(context.Background(), "0xcond1")
	if err != nil {
		t.Fatalf("restored lookup: %v", err)
	}
	if m.YesTokenID != yesToken {
		t.Errorf("restored YES token = %s, want %s", m.YesTokenID, yesToken)
	}
}

func TestMarketSettlementPrice(t *testing.T) {
	t.Parallel()
	m := &Market{
		YesTokenID:    yesToken,
		NoTokenID:     noToken,
		Closed:        true,
		OutcomePrices: []float64{1, 0},
	}
	if p, ok := m.SettlementPrice(yesToken); !ok || p != 1 {
		t.Errorf("winner payout = %v (%v), want 1", p, ok)
	}
	if p, ok := m.SettlementPrice(noToken); !ok || p != 0 {
		t.Errorf("loser payout = %v (%v), want 0", p, ok)
	}

	m.Closed = false
	if _, ok := m.SettlementPrice(yesToken); ok {
		t.Error("open market should not report a settlement price")
	}
}
