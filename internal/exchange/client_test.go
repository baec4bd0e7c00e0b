package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

func newTestClient(t *testing.T, url string, dryRun bool) *Client {
	t.Helper()
	cfg := config.Config{}
	cfg.API.CLOBBaseURL = url
	cfg.Risk.DryRun = dryRun
	cfg.Wallet.PrivateKey = testKey
	cfg.Wallet.ChainID = 137
	cfg.API.ApiKey = "key"
	cfg.API.Secret = "c2VjcmV0LXNlY3JldC1zZWNyZXQ="
	cfg.API.Passphrase = "pass"

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return NewClient(cfg, auth, slog.Default())
}

func TestPostOrderDryRun(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://unreachable.invalid", true)

	ord := types.OrderRequest{
		TokenID: "tok1",
		Side:    types.BUY,
		Price:   0.51,
		Size:    20,
	}
	res, err := c.PostOrder(context.Background(), ord, types.MarketParams{TickSize: 0.01})
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if !res.Success {
		t.Error("dry-run order should succeed")
	}
	if !strings.HasPrefix(res.OrderID, "DRY_RUN_") {
		t.Errorf("order ID = %q, want DRY_RUN_ prefix", res.OrderID)
	}
	if res.ExecutedPrice != 0.51 || res.ExecutedSize != 20 {
		t.Errorf("executed = %v @ %v, want echo of the request", res.ExecutedSize, res.ExecutedPrice)
	}
}

func TestPostOrderSubmitsSignedOrder(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/order" || req.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}
		if req.Header.Get("POLY_SIGNATURE") == "" {
			t.Error("missing L2 auth headers")
		}
		var payload orderPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.OrderType != "FOK" {
			t.Errorf("orderType = %q, want FOK", payload.OrderType)
		}
		if payload.Order.Signature == "" {
			t.Error("order must be signed")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orderResponse{Success: true, OrderID: "ord-1", Status: "matched"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ord := types.OrderRequest{
		TokenID:     "71321045679252212594626385532706912750332728571942",
		Side:        types.BUY,
		Price:       0.51,
		Size:        20,
		TimeInForce: "FOK",
	}
	res, err := c.PostOrder(context.Background(), ord, types.MarketParams{TickSize: 0.01})
	if err != nil {
		t.Fatalf("PostOrder: %v", err)
	}
	if !res.Success || res.OrderID != "ord-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestPostOrderInsufficientBalance(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(orderResponse{Success: false, ErrorMsg: "not enough balance / allowance"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	ord := types.OrderRequest{
		TokenID: "71321045679252212594626385532706912750332728571942",
		Side:    types.BUY,
		Price:   0.5,
		Size:    10,
	}
	_, err := c.PostOrder(context.Background(), ord, types.MarketParams{TickSize: 0.01})
	if err != ErrInsufficientBalance {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestMarketParamsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch req.URL.Path {
		case "/tick-size":
			json.NewEncoder(w).Encode(tickSizeResponse{MinimumTickSize: 0.001})
		case "/neg-risk":
			json.NewEncoder(w).Encode(negRiskResponse{NegRisk: true})
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)

	p, err := c.MarketParams(context.Background(), "tok1")
	if err != nil {
		t.Fatalf("MarketParams: %v", err)
	}
	if p.TickSize != 0.001 || !p.NegRisk {
		t.Errorf("params = %+v", p)
	}

	if _, err := c.MarketParams(context.Background(), "tok1"); err != nil {
		t.Fatalf("cached MarketParams: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("HTTP calls = %d, want 2 (second lookup cached)", calls.Load())
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("asset_type") != "COLLATERAL" {
			t.Errorf("asset_type = %q", req.URL.Query().Get("asset_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(balanceResponse{Balance: "123456789"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal != 123.456789 {
		t.Errorf("balance = %v, want 123.456789", bal)
	}
}

func TestIsBalanceError(t *testing.T) {
	t.Parallel()

	if !isBalanceError("not enough balance / allowance") {
		t.Error("CLOB balance message not recognized")
	}
	if !isBalanceError("Insufficient funds") {
		t.Error("insufficient message not recognized")
	}
	if isBalanceError("invalid signature") {
		t.Error("unrelated error misclassified")
	}
}

func TestTickFromFloat(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want TickSize
	}{
		{0.1, Tick01},
		{0.01, Tick001},
		{0.001, Tick0001},
		{0.0001, Tick00001},
	}
	for _, tc := range cases {
		if got := tickFromFloat(tc.in); got != tc.want {
			t.Errorf("tickFromFloat(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
