// Package risk gates every candidate order against the configured policy.
//
// Checks run in a fixed order and the first failure wins, so a given signal
// always skips for the same reason:
//
//  1. credentials present (live mode only)
//  2. per-trade USD cap
//  3. per-market exposure cap (BUY only; SELL reduces exposure)
//  4. daily volume cap
//  5. market allowlist (condition ID match or slug substring)
//  6. market denylist
//  7. resolution proximity window
//
// An allowed candidate takes a tentative reservation against the exposure
// ledger and the daily volume counter, so concurrent candidates cannot
// oversubscribe a cap between check and fill. The executor commits the
// reservation on a successful order and releases it on failure.
package risk

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// Candidate is an order proposal after sizing: everything the policy needs
// to decide, nothing it doesn't.
type Candidate struct {
	ConditionID  string
	MarketSlug   string
	Side         types.Side
	NotionalUSD  float64
	ResolutionAt time.Time // zero when the market end date is unknown
}

// Decision is the policy verdict for one candidate.
type Decision struct {
	Allowed bool
	Reason  types.SkipReason
	Detail  string
}

func allow() Decision { return Decision{Allowed: true} }

func skip(reason types.SkipReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Manager evaluates candidates and tracks tentative reservations.
type Manager struct {
	cfg    *config.Config
	st     *store.Store
	logger *slog.Logger

	mu            sync.Mutex
	reservedByMkt map[string]float64
	reservedDaily float64

	now func() time.Time
}

// NewManager creates the policy gate.
func NewManager(cfg *config.Config, st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		st:            st,
		logger:        logger.With("component", "risk"),
		reservedByMkt: make(map[string]float64),
		now:           time.Now,
	}
}

// Evaluate runs the policy checks. When the candidate is allowed, the
// returned Reservation holds its notional against the caps until Commit or
// Release is called; on a skip the reservation is nil.
func (m *Manager) Evaluate(c Candidate) (*Reservation, Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.checkLocked(c)
	if !d.Allowed {
		m.logger.Debug("candidate skipped",
			"reason", d.Reason,
			"detail", d.Detail,
			"market", c.ConditionID,
		)
		return nil, d
	}

	if c.Side == types.BUY {
		m.reservedByMkt[c.ConditionID] += c.NotionalUSD
	}
	m.reservedDaily += c.NotionalUSD
	return &Reservation{m: m, c: c}, d
}

func (m *Manager) checkLocked(c Candidate) Decision {
	if m.cfg.Live() && !m.cfg.HasCredentials() {
		return skip(types.SkipMissingCreds, "live mode without wallet credentials")
	}

	if c.NotionalUSD > m.cfg.Risk.MaxUsdPerTrade {
		return skip(types.SkipCapPerTrade, "order notional exceeds max_usd_per_trade")
	}

	if c.Side == types.BUY {
		exposure := m.st.Exposure(c.ConditionID) + m.reservedByMkt[c.ConditionID]
		if exposure+c.NotionalUSD > m.cfg.Risk.MaxUsdPerMarket {
			return skip(types.SkipCapPerMarket, "market exposure would exceed max_usd_per_market")
		}
	}

	if m.st.DailyVolume()+m.reservedDaily+c.NotionalUSD > m.cfg.Risk.MaxDailyUsdVolume {
		return skip(types.SkipCapDailyVolume, "daily volume would exceed max_daily_usd_volume")
	}

	if len(m.cfg.Risk.MarketAllowlist) > 0 && !matchesList(m.cfg.Risk.MarketAllowlist, c) {
		return skip(types.SkipNotAllowlisted, "market not on allowlist")
	}

	if matchesList(m.cfg.Risk.MarketDenylist, c) {
		return skip(types.SkipDenylisted, "market on denylist")
	}

	if buffer := m.cfg.Risk.ResolutionBufferSeconds; buffer > 0 && !c.ResolutionAt.IsZero() {
		if m.now().Add(time.Duration(buffer) * time.Second).After(c.ResolutionAt) {
			return skip(types.SkipNearResolution, "market resolves inside the no-trade window")
		}
	}

	return allow()
}

// matchesList reports whether the candidate's market is named by the list:
// an exact condition-ID match or a case-insensitive slug substring.
func matchesList(list []string, c Candidate) bool {
	cond := strings.ToLower(c.ConditionID)
	slug := strings.ToLower(c.MarketSlug)
	for _, entry := range list {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if e == cond {
			return true
		}
		if slug != "" && strings.Contains(slug, e) {
			return true
		}
	}
	return false
}

// Reservation is a tentative hold against the exposure and volume caps.
// Exactly one of Commit or Release must be called.
type Reservation struct {
	m    *Manager
	c    Candidate
	done bool
}

// Commit turns the tentative hold into recorded exposure and daily volume.
// SELL fills reduce market exposure.
func (r *Reservation) Commit() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.releaseLocked()

	delta := r.c.NotionalUSD
	if r.c.Side == types.SELL {
		delta = -delta
	}
	if err := r.m.st.RecordExposure(r.c.ConditionID, delta); err != nil {
		r.m.logger.Warn("failed to record exposure", "error", err)
	}
	if err := r.m.st.DailyVolumeAdd(r.c.NotionalUSD); err != nil {
		r.m.logger.Warn("failed to record daily volume", "error", err)
	}
}

// Release drops the hold without recording anything.
func (r *Reservation) Release() {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.releaseLocked()
}

func (r *Reservation) releaseLocked() {
	if r.c.Side == types.BUY {
		r.m.reservedByMkt[r.c.ConditionID] -= r.c.NotionalUSD
		if r.m.reservedByMkt[r.c.ConditionID] <= 0 {
			delete(r.m.reservedByMkt, r.c.ConditionID)
		}
	}
	r.m.reservedDaily -= r.c.NotionalUSD
	if r.m.reservedDaily < 0 {
		r.m.reservedDaily = 0
	}
}
