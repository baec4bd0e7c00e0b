// Package resolver maps market identifiers to tradable CLOB token IDs.
//
// A Signal may arrive carrying only a condition ID or a market slug plus an
// outcome; before sizing we need the concrete token ID for that outcome.
// Resolution consults an in-memory cache (24 h TTL) backed by a durable map
// in the state store, and falls back to the Gamma market catalog. The same
// metadata serves the reverse direction: token ID → market, which the
// control loops use for mark-to-market and settlement checks.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// ErrUnresolved is returned when no token ID can be found for a signal.
// Callers skip the signal with reason unresolved_token.
var ErrUnresolved = errors.New("unresolved token")

const cacheTTL = 24 * time.Hour

// minTokenIDLen distinguishes real CLOB token IDs (decimal strings of 70+
// digits) from condition IDs and slugs that sometimes arrive in the same
// field.
const minTokenIDLen = 20

// Market is the cached catalog entry for one binary market.
type Market struct {
	ConditionID   string    `json:"conditionId"`
	Slug          string    `json:"slug"`
	Question      string    `json:"question"`
	YesTokenID    string    `json:"yesTokenId"`
	NoTokenID     string    `json:"noTokenId"`
	YesPrice      float64   `json:"yesPrice"`
	NoPrice       float64   `json:"noPrice"`
	EndDate       time.Time `json:"endDate"`
	Active        bool      `json:"active"`
	Closed        bool      `json:"closed"`
	OutcomePrices []float64 `json:"outcomePrices"`
	CachedAt      time.Time `json:"cachedAt"`
}

// TokenFor returns the token ID for an outcome leg.
func (m *Market) TokenFor(outcome types.Outcome) string {
	if outcome == types.OutcomeNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// OutcomeFor returns which leg a token ID belongs to.
func (m *Market) OutcomeFor(tokenID string) types.Outcome {
	if tokenID == m.NoTokenID {
		return types.OutcomeNo
	}
	return types.OutcomeYes
}

// PriceFor returns the current catalog price of a token's leg.
func (m *Market) PriceFor(tokenID string) float64 {
	if tokenID == m.NoTokenID {
		return m.NoPrice
	}
	return m.YesPrice
}

// SettlementPrice returns the resolved payout of a token's leg (1.0 for the
// winner, 0.0 for the loser) and whether the market has resolved prices.
func (m *Market) SettlementPrice(tokenID string) (float64, bool) {
	if !m.Closed || len(m.OutcomePrices) < 2 {
		return 0, false
	}
	if tokenID == m.NoTokenID {
		return m.OutcomePrices[1], true
	}
	return m.OutcomePrices[0], true
}

// gammaMarket is the JSON shape returned by the Gamma catalog.
type gammaMarket struct {
	ConditionID   string  `json:"conditionId"`
	Slug          string  `json:"slug"`
	Question      string  `json:"question"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	EndDate       string  `json:"endDate"`
	ClobTokenIds  string  `json:"clobTokenIds"`  // JSON array string
	OutcomePrices string  `json:"outcomePrices"` // JSON array string
	BestBid       float64 `json:"bestBid"`
	BestAsk       float64 `json:"bestAsk"`
}

// Resolver resolves (condition, outcome) or (slug, outcome) to token IDs
// with a TTL cache and a durable backing map.
type Resolver struct {
	http   *resty.Client
	st     *store.Store
	logger *slog.Logger

	mu      sync.RWMutex
	byCond  map[string]*Market
	bySlug  map[string]*Market
	byToken map[string]*Market
}

// New creates a resolver backed by the Gamma catalog and the state store.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Resolver {
	client := resty.New().
		SetBaseURL(cfg.API.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	r := &Resolver{
		http:    client,
		st:      st,
		logger:  logger.With("component", "resolver"),
		byCond:  make(map[string]*Market),
		bySlug:  make(map[string]*Market),
		byToken: make(map[string]*Market),
	}
	r.restore()
	return r
}

// restore loads the durable token cache written by a previous run.
func (r *Resolver) restore() {
	var cached map[string]*Market
	if err := r.st.LoadTokenCache(&cached); err != nil {
		r.logger.Warn("token cache unreadable, starting cold", "error", err)
		return
	}
	for _, m := range cached {
		r.index(m)
	}
	if len(cached) > 0 {
		r.logger.Info("token cache restored", "markets", len(cached))
	}
}

func (r *Resolver) index(m *Market) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ConditionID != "" {
		r.byCond[strings.ToLower(m.ConditionID)] = m
	}
	if m.Slug != "" {
		r.bySlug[strings.ToLower(m.Slug)] = m
	}
	if m.YesTokenID != "" {
		r.byToken[m.YesTokenID] = m
	}
	if m.NoTokenID != "" {
		r.byToken[m.NoTokenID] = m
	}
}

func (r *Resolver) persist() {
	r.mu.RLock()
	snapshot := make(map[string]*Market, len(r.byCond))
	for k, v := range r.byCond {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	if err := r.st.SaveTokenCache(snapshot); err != nil {
		r.logger.Warn("failed to persist token cache", "error", err)
	}
}

// Resolve returns the token ID to trade for a signal.
//
//  1. A long token ID on the signal is accepted unchanged.
//  2. condition_id + outcome, cache then catalog.
//  3. market_slug + outcome.
//  4. Otherwise ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context, sig types.Signal) (string, error) {
	if len(sig.TokenID) > minTokenIDLen {
		return sig.TokenID, nil
	}

	outcome := sig.Outcome
	if outcome == "" {
		outcome = types.OutcomeYes
	}

	if sig.ConditionID != "" {
		if m, err := r.MarketByCondition(ctx, sig.ConditionID); err == nil {
			if tok := m.TokenFor(outcome); tok != "" {
				return tok, nil
			}
		}
	}
	if sig.MarketSlug != "" {
		if m, err := r.MarketBySlug(ctx, sig.MarketSlug); err == nil {
			if tok := m.TokenFor(outcome); tok != "" {
				return tok, nil
			}
		}
	}
	return "", ErrUnresolved
}

// MarketByCondition returns market metadata for a condition ID.
func (r *Resolver) MarketByCondition(ctx context.Context, conditionID string) (*Market, error) {
	key := strings.ToLower(conditionID)
	r.mu.RLock()
	m, ok := r.byCond[key]
	r.mu.RUnlock()
	if ok && time.Since(m.CachedAt) < cacheTTL {
		return m, nil
	}

	var page []gammaMarket
	resp, err := r.http.R().
		SetContext(ctx).
		SetQueryParam("condition_id", conditionID).
		SetResult(&page).
		ForceContentType("application/json").
		Get("/markets")
	if err != nil {
		if ok {
			return m, nil // stale beats nothing
		}
		return nil, fmt.Errorf("fetch market %s: %w", conditionID, err)
	}
	if resp.StatusCode() != 200 || len(page) == 0 {
		if ok {
			return m, nil
		}
		return nil, fmt.Errorf("%w: condition %s", ErrUnresolved, conditionID)
	}

	fresh := convertMarket(page[0])
	r.index(fresh)
	r.persist()
	return fresh, nil
}

// MarketBySlug returns market metadata for a URL slug.
func (r *Resolver) MarketBySlug(ctx context.Context, slug string) (*Market, error) {
	key := strings.ToLower(slug)
	r.mu.RLock()
	m, ok := r.bySlug[key]
	r.mu.RUnlock()
	if ok && time.Since(m.CachedAt) < cacheTTL {
		return m, nil
	}

	var gm gammaMarket
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&gm).
		ForceContentType("application/json").
		Get("/markets/" + slug)
	if err != nil {
		if ok {
			return m, nil
		}
		return nil, fmt.Errorf("fetch market %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 || gm.ConditionID == "" {
		if ok {
			return m, nil
		}
		return nil, fmt.Errorf("%w: slug %s", ErrUnresolved, slug)
	}

	fresh := convertMarket(gm)
	r.index(fresh)
	r.persist()
	return fresh, nil
}

// MarketForToken reverse-maps a token ID to its market, refreshing the
// catalog entry when stale. Used by the control loops for pricing and
// settlement state.
func (r *Resolver) MarketForToken(ctx context.Context, tokenID, conditionID string) (*Market, error) {
	r.mu.RLock()
	m, ok := r.byToken[tokenID]
	r.mu.RUnlock()
	if ok && time.Since(m.CachedAt) < cacheTTL {
		return m, nil
	}
	if conditionID == "" && ok {
		conditionID = m.ConditionID
	}
	if conditionID == "" {
		return nil, fmt.Errorf("%w: token %s", ErrUnresolved, tokenID)
	}
	return r.MarketByCondition(ctx, conditionID)
}

// RefreshMarket forces a catalog refetch, bypassing the TTL. The paper
// book's mark-to-market loop calls this to get current prices.
func (r *Resolver) RefreshMarket(ctx context.Context, conditionID string) (*Market, error) {
	r.mu.Lock()
	if m, ok := r.byCond[strings.ToLower(conditionID)]; ok {
		m.CachedAt = time.Time{} // expire
	}
	r.mu.Unlock()
	return r.MarketByCondition(ctx, conditionID)
}

func convertMarket(gm gammaMarket) *Market {
	m := &Market{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		Active:      gm.Active,
		Closed:      gm.Closed,
		CachedAt:    time.Now(),
	}

	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}
	if len(tokenIDs) >= 2 {
		m.YesTokenID = tokenIDs[0]
		m.NoTokenID = tokenIDs[1]
	}

	if gm.OutcomePrices != "" {
		var raw []string
		if err := json.Unmarshal([]byte(gm.OutcomePrices), &raw); err == nil {
			for _, p := range raw {
				f, _ := strconv.ParseFloat(p, 64)
				m.OutcomePrices = append(m.OutcomePrices, f)
			}
		}
	}
	if len(m.OutcomePrices) >= 2 {
		m.YesPrice = m.OutcomePrices[0]
		m.NoPrice = m.OutcomePrices[1]
	} else if gm.BestBid > 0 && gm.BestAsk > 0 {
		mid := (gm.BestBid + gm.BestAsk) / 2
		m.YesPrice = mid
		m.NoPrice = 1 - mid
	}

	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			m.EndDate = t
		}
	}
	return m
}
