// ingress.go is the single dedup point between the activity sources and the
// trading pipeline. Both the stream and the poller can observe the same fill
// (failover overlap, reconnect replay), so every Signal passes through here
// exactly once before risk checks.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	recentTTL = 30 * time.Second
	recentCap = 100
)

// Gate admits each trade ID at most once. A small in-memory recent map
// absorbs the common stream/poll overlap cheaply; the persisted seen set in
// the store catches replays across restarts.
type Gate struct {
	st      *store.Store
	targets map[string]bool
	logger  *slog.Logger

	mu     sync.Mutex
	recent map[string]time.Time
	now    func() time.Time

	admitted   atomic.Int64
	duplicates atomic.Int64
}

// NewGate creates the ingress gate for a set of target wallets.
func NewGate(st *store.Store, targets []string, logger *slog.Logger) *Gate {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[types.NormalizeAddress(t)] = true
	}
	return &Gate{
		st:      st,
		targets: set,
		logger:  logger.With("component", "ingress"),
		recent:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Admit reports whether a signal should proceed to the pipeline. An admitted
// signal is immediately marked seen, so a second call with the same trade ID
// returns false regardless of which source delivered it.
func (g *Gate) Admit(sig types.Signal) bool {
	if !g.targets[sig.TargetWallet] {
		return false
	}
	if sig.TradeID == "" {
		return false
	}

	g.mu.Lock()
	now := g.now()
	if at, ok := g.recent[sig.TradeID]; ok && now.Sub(at) < recentTTL {
		g.mu.Unlock()
		g.duplicates.Add(1)
		return false
	}
	if len(g.recent) >= recentCap {
		g.evictLocked(now)
	}
	g.recent[sig.TradeID] = now
	g.mu.Unlock()

	if g.st.HasSeen(sig.TargetWallet, sig.TradeID) {
		g.duplicates.Add(1)
		return false
	}
	if err := g.st.MarkSeen(sig.TargetWallet, sig.TradeID); err != nil {
		g.logger.Warn("failed to persist seen trade", "trade_id", sig.TradeID, "error", err)
	}

	g.admitted.Add(1)
	return true
}

// evictLocked drops expired entries, then the oldest one if the map is still
// at capacity.
func (g *Gate) evictLocked(now time.Time) {
	for id, at := range g.recent {
		if now.Sub(at) >= recentTTL {
			delete(g.recent, id)
		}
	}
	if len(g.recent) < recentCap {
		return
	}
	var oldestID string
	var oldestAt time.Time
	for id, at := range g.recent {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID, oldestAt = id, at
		}
	}
	delete(g.recent, oldestID)
}

// Admitted returns how many signals passed the gate.
func (g *Gate) Admitted() int64 { return g.admitted.Load() }

// Duplicates returns how many signals were rejected as already seen.
func (g *Gate) Duplicates() int64 { return g.duplicates.Load() }
