// Package exchange implements the Polymarket CLOB REST client used to place
// copied orders.
//
//   - PostOrder:      POST /order               — submit one signed FOK order
//   - MarketParams:   GET  /tick-size, /neg-risk — per-market submission params
//   - GetBalance:     GET  /balance-allowance    — collateral balance (USDC)
//   - DeriveAPIKey:   GET  /auth/derive-api-key  — bootstrap L2 creds from L1 wallet
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with L2 HMAC headers. In dry-run
// mode the mutating methods return synthetic success without any HTTP call.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/config"
	"polycopy/pkg/types"
)

// ErrInsufficientBalance marks an order rejection caused by missing
// collateral. The executor treats it as non-retryable and arms its cooldown.
var ErrInsufficientBalance = errors.New("insufficient balance")

// marketParamsTTL bounds how long tick-size and neg-risk flags are reused.
const marketParamsTTL = 60 * time.Second

// Client is the CLOB REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	paramsMu sync.Mutex
	params   map[string]types.MarketParams
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.Risk.DryRun,
		logger: logger.With("component", "exchange"),
		params: make(map[string]types.MarketParams),
	}
}

// Auth exposes the client's auth provider (the redeemer shares it).
func (c *Client) Auth() *Auth { return c.auth }

// EnsureCredentials derives L2 credentials when only the wallet key is
// configured. Safe to call when credentials already exist.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	if c.dryRun || c.auth == nil || c.auth.HasL2Credentials() {
		return nil
	}
	_, err := c.DeriveAPIKey(ctx)
	return err
}

// PostOrder signs and submits a single order. The params carry the market's
// tick size and neg-risk flag from MarketParams.
func (c *Client) PostOrder(ctx context.Context, ord types.OrderRequest, params types.MarketParams) (types.OrderResult, error) {
	if c.dryRun {
		id := fmt.Sprintf("DRY_RUN_%d", time.Now().Unix())
		c.logger.Info("DRY-RUN: would post order",
			"token", ord.TokenID,
			"side", ord.Side,
			"price", ord.Price,
			"size", ord.Size,
		)
		return types.OrderResult{
			Success:       true,
			OrderID:       id,
			ExecutedPrice: ord.Price,
			ExecutedSize:  ord.Size,
		}, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	tick := tickFromFloat(params.TickSize)
	makerAmt, takerAmt := PriceToAmounts(ord.Price, ord.Size, ord.Side, tick)

	order := signedOrder{
		Salt:          newSalt(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       ord.TokenID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          string(ord.Side),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(params.FeeRateBps),
		SignatureType: c.auth.sigType,
	}
	if err := c.auth.SignOrder(&order, params.NegRisk); err != nil {
		return types.OrderResult{}, err
	}

	orderType := ord.TimeInForce
	if orderType == "" {
		orderType = "FOK"
	}
	payload := orderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderType,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		ForceContentType("application/json").
		Post("/order")
	if err != nil {
		return types.OrderResult{}, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		if isBalanceError(resp.String()) {
			return types.OrderResult{}, ErrInsufficientBalance
		}
		return types.OrderResult{}, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		if isBalanceError(result.ErrorMsg) {
			return types.OrderResult{}, ErrInsufficientBalance
		}
		return types.OrderResult{}, fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}

	return types.OrderResult{
		Success:       true,
		OrderID:       result.OrderID,
		ExecutedPrice: ord.Price,
		ExecutedSize:  ord.Size,
	}, nil
}

// MarketParams fetches the market's tick size and neg-risk flag, cached for
// a minute per token.
func (c *Client) MarketParams(ctx context.Context, tokenID string) (types.MarketParams, error) {
	c.paramsMu.Lock()
	if p, ok := c.params[tokenID]; ok && time.Since(p.FetchedAt) < marketParamsTTL {
		c.paramsMu.Unlock()
		return p, nil
	}
	c.paramsMu.Unlock()

	if err := c.rl.Read.Wait(ctx); err != nil {
		return types.MarketParams{}, err
	}

	var tick tickSizeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&tick).
		ForceContentType("application/json").
		Get("/tick-size")
	if err != nil {
		return types.MarketParams{}, fmt.Errorf("get tick size: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketParams{}, fmt.Errorf("get tick size: status %d", resp.StatusCode())
	}

	var neg negRiskResponse
	resp, err = c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&neg).
		ForceContentType("application/json").
		Get("/neg-risk")
	if err != nil {
		return types.MarketParams{}, fmt.Errorf("get neg risk: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.MarketParams{}, fmt.Errorf("get neg risk: status %d", resp.StatusCode())
	}

	p := types.MarketParams{
		TickSize:  tick.MinimumTickSize,
		NegRisk:   neg.NegRisk,
		FetchedAt: time.Now(),
	}
	if p.TickSize == 0 {
		p.TickSize = 0.01
	}

	c.paramsMu.Lock()
	c.params[tokenID] = p
	c.paramsMu.Unlock()
	return p, nil
}

// GetBalance returns the available collateral (USDC) balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if c.dryRun {
		return 1_000_000, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParams(map[string]string{
			"asset_type":     "COLLATERAL",
			"signature_type": strconv.Itoa(int(c.auth.sigType)),
		}).
		SetResult(&result).
		ForceContentType("application/json").
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// isBalanceError matches the CLOB's collateral rejection messages.
func isBalanceError(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not enough balance") ||
		strings.Contains(m, "insufficient")
}

// tickFromFloat maps a numeric tick size onto the enum used for amount
// rounding.
func tickFromFloat(f float64) TickSize {
	switch {
	case f >= 0.1:
		return Tick01
	case f >= 0.01:
		return Tick001
	case f >= 0.001:
		return Tick0001
	default:
		return Tick00001
	}
}
