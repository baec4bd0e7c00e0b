// Package store provides crash-safe persistence for engine state using JSON
// files under a single data directory.
//
// Files:
//
//	state.json         seen trade IDs, daily volume, per-market exposure, poll cursors
//	positions.json     live-mode positions keyed by token ID
//	token-cache.json   durable (condition, outcome) → token ID map
//	chart-history.json rolling equity snapshots for the dashboard chart
//	paper-state.json   simulated book snapshot (cash, positions, trade log)
//
// Writes use atomic file replacement (write to .tmp, fsync, then rename) so a
// crash mid-save never leaves a corrupt file. Reads tolerate missing files by
// returning empty defaults.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polycopy/pkg/types"
)

const (
	stateFile     = "state.json"
	positionsFile = "positions.json"
	tokenFile     = "token-cache.json"
	chartFile     = "chart-history.json"
	paperFile     = "paper-state.json"

	// Seen-set bounds: entries older than seenMaxAge are evicted, and at
	// most seenMaxPerWallet recent IDs are kept per wallet so membership
	// checks stay cheap.
	seenMaxAge       = 7 * 24 * time.Hour
	seenMaxPerWallet = 1000

	// Chart history: 7 days at one snapshot per minute. On overflow the
	// oldest half is downsampled to one in five.
	chartMaxEntries = 10080
)

// persistedState mirrors state.json on disk.
type persistedState struct {
	SeenTradeIDs   map[string][]string `json:"seenTradeIds"`
	DailyVolume    DailyVolume         `json:"dailyVolume"`
	MarketExposure map[string]float64  `json:"marketExposure"`
	LastPoll       map[string]int64    `json:"lastPollTimestamp"`
}

// DailyVolume tracks copied USD volume for one local calendar date.
type DailyVolume struct {
	Date     string  `json:"date"` // YYYY-MM-DD local
	TotalUSD float64 `json:"totalUsd"`
}

// ChartSnapshot is one point on the dashboard equity chart.
type ChartSnapshot struct {
	Timestamp     int64   `json:"timestamp"`
	PnL           float64 `json:"pnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	Balance       float64 `json:"balance"`
}

type chartHistory struct {
	Snapshots []ChartSnapshot `json:"snapshots"`
}

// seenEntry pairs a trade ID with when this process first saw it, so the
// in-memory working set can age out without persisting timestamps.
type seenEntry struct {
	id   string
	seen time.Time
}

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected; reads return copies.
type Store struct {
	dir string
	mu  sync.Mutex

	seen      map[string][]seenEntry    // wallet → ordered oldest-first
	seenIndex map[string]map[string]int // wallet → id → slice index hint
	volume    DailyVolume
	exposure  map[string]float64
	lastPoll  map[string]int64
	positions map[string]types.Position

	now func() time.Time // injectable clock for date-rollover tests
}

// Open loads (or initializes) a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		seen:      make(map[string][]seenEntry),
		seenIndex: make(map[string]map[string]int),
		exposure:  make(map[string]float64),
		lastPoll:  make(map[string]int64),
		positions: make(map[string]types.Position),
		now:       time.Now,
	}

	var ps persistedState
	if err := s.readJSON(stateFile, &ps); err != nil {
		return nil, err
	}
	now := time.Now()
	for wallet, ids := range ps.SeenTradeIDs {
		entries := make([]seenEntry, 0, len(ids))
		idx := make(map[string]int, len(ids))
		for _, id := range ids {
			idx[id] = len(entries)
			entries = append(entries, seenEntry{id: id, seen: now})
		}
		s.seen[wallet] = entries
		s.seenIndex[wallet] = idx
	}
	s.volume = ps.DailyVolume
	if ps.MarketExposure != nil {
		s.exposure = ps.MarketExposure
	}
	if ps.LastPoll != nil {
		s.lastPoll = ps.LastPoll
	}

	var positions map[string]types.Position
	if err := s.readJSON(positionsFile, &positions); err != nil {
		return nil, err
	}
	if positions != nil {
		s.positions = positions
	}

	return s, nil
}

// Flush writes the in-memory state to disk without closing the store.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes state to disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// ————— seen sets —————

// HasSeen reports whether the trade ID is in the wallet's seen set.
func (s *Store) HasSeen(wallet, tradeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.seenIndex[types.NormalizeAddress(wallet)]
	if !ok {
		return false
	}
	_, ok = idx[tradeID]
	return ok
}

// MarkSeen adds a trade ID to the wallet's seen set and persists the state
// file. Idempotent: marking an already-seen ID is a no-op.
func (s *Store) MarkSeen(wallet, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet = types.NormalizeAddress(wallet)
	idx := s.seenIndex[wallet]
	if idx == nil {
		idx = make(map[string]int)
		s.seenIndex[wallet] = idx
	}
	if _, ok := idx[tradeID]; ok {
		return nil
	}

	s.evictSeenLocked(wallet)
	// Eviction rebuilds the index when it drops entries.
	idx = s.seenIndex[wallet]
	idx[tradeID] = len(s.seen[wallet])
	s.seen[wallet] = append(s.seen[wallet], seenEntry{id: tradeID, seen: s.now()})

	return s.flushLocked()
}

// LoadSeen returns a copy of the wallet's seen set.
func (s *Store) LoadSeen(wallet string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool)
	for _, e := range s.seen[types.NormalizeAddress(wallet)] {
		out[e.id] = true
	}
	return out
}

// evictSeenLocked drops aged-out entries and enforces the per-wallet cap.
// Entries are ordered oldest-first, so eviction trims from the front.
func (s *Store) evictSeenLocked(wallet string) {
	entries := s.seen[wallet]
	cutoff := s.now().Add(-seenMaxAge)

	drop := 0
	for drop < len(entries) && entries[drop].seen.Before(cutoff) {
		drop++
	}
	if need := len(entries) - (seenMaxPerWallet - 1); need > drop {
		drop = need
	}
	if drop <= 0 {
		return
	}

	entries = entries[drop:]
	s.seen[wallet] = entries
	idx := make(map[string]int, len(entries))
	for i, e := range entries {
		idx[e.id] = i
	}
	s.seenIndex[wallet] = idx
}

// ————— exposure ledger —————

// RecordExposure applies a USD delta to a market's exposure. Exposure
// increases on BUY, decreases on SELL, and is clamped at zero.
func (s *Store) RecordExposure(conditionID string, usdDelta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.exposure[conditionID] + usdDelta
	if v <= 0 {
		delete(s.exposure, conditionID)
	} else {
		s.exposure[conditionID] = v
	}
	return s.flushLocked()
}

// Exposure returns the current USD exposure for a market.
func (s *Store) Exposure(conditionID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposure[conditionID]
}

// ExposureSnapshot returns a copy of the per-market exposure map.
func (s *Store) ExposureSnapshot() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(s.exposure))
	for k, v := range s.exposure {
		out[k] = v
	}
	return out
}

// DailyVolumeAdd accrues copied volume, rolling the counter to zero when
// the local date has changed since the last write.
func (s *Store) DailyVolumeAdd(usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDateLocked()
	s.volume.TotalUSD += usd
	return s.flushLocked()
}

// DailyVolume returns today's accrued volume, applying the date rollover.
func (s *Store) DailyVolume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDateLocked()
	return s.volume.TotalUSD
}

func (s *Store) rollDateLocked() {
	today := s.now().Format("2006-01-02")
	if s.volume.Date != today {
		s.volume = DailyVolume{Date: today}
	}
}

// ————— poll cursors —————

// LastPoll returns the last activity timestamp (ms) polled for a wallet.
func (s *Store) LastPoll(wallet string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoll[types.NormalizeAddress(wallet)]
}

// SetLastPoll records the poll cursor for a wallet. Not flushed on every
// call; the cursor rides along with the next state write.
func (s *Store) SetLastPoll(wallet string, tsMS int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll[types.NormalizeAddress(wallet)] = tsMS
}

// ————— positions —————

// UpsertPosition stores a live-mode position keyed by token ID.
func (s *Store) UpsertPosition(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.Shares == 0 && pos.Settled {
		// keep settled record for history
		s.positions[pos.TokenID] = pos
	} else if pos.Shares == 0 {
		delete(s.positions, pos.TokenID)
	} else {
		s.positions[pos.TokenID] = pos
	}
	return s.writeJSON(positionsFile, s.positions)
}

// SnapshotPositions returns a copy of all persisted positions.
func (s *Store) SnapshotPositions() map[string]types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// SharesOf returns the held share count for a token, zero when flat.
func (s *Store) SharesOf(tokenID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[tokenID].Shares
}

// ————— token cache —————

// SaveTokenCache persists the resolver's durable backing map.
func (s *Store) SaveTokenCache(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(tokenFile, v)
}

// LoadTokenCache restores the resolver's durable backing map. Returns
// without touching out when the file does not exist.
func (s *Store) LoadTokenCache(out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readJSON(tokenFile, out)
}

// ————— paper state —————

// SavePaperState persists the simulated book's snapshot.
func (s *Store) SavePaperState(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(paperFile, v)
}

// LoadPaperState restores the simulated book's snapshot. Returns without
// touching out when the file does not exist.
func (s *Store) LoadPaperState(out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readJSON(paperFile, out)
}

// ————— chart history —————

// AppendChartSnapshot appends an equity snapshot, enforcing the entry cap.
// On overflow, the older half of the history is thinned to one entry in
// five before trimming.
func (s *Store) AppendChartSnapshot(snap ChartSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h chartHistory
	if err := s.readJSON(chartFile, &h); err != nil {
		return err
	}
	h.Snapshots = append(h.Snapshots, snap)

	if len(h.Snapshots) > chartMaxEntries {
		half := len(h.Snapshots) / 2
		thinned := make([]ChartSnapshot, 0, half/5+half)
		for i, sn := range h.Snapshots[:half] {
			if i%5 == 0 {
				thinned = append(thinned, sn)
			}
		}
		h.Snapshots = append(thinned, h.Snapshots[half:]...)
	}
	return s.writeJSON(chartFile, h)
}

// ChartHistory returns the stored equity snapshots.
func (s *Store) ChartHistory() ([]ChartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h chartHistory
	if err := s.readJSON(chartFile, &h); err != nil {
		return nil, err
	}
	return h.Snapshots, nil
}

// ————— file plumbing —————

func (s *Store) flushLocked() error {
	ps := persistedState{
		SeenTradeIDs:   make(map[string][]string, len(s.seen)),
		DailyVolume:    s.volume,
		MarketExposure: s.exposure,
		LastPoll:       s.lastPoll,
	}
	for wallet, entries := range s.seen {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.id
		}
		ps.SeenTradeIDs[wallet] = ids
	}
	return s.writeJSON(stateFile, ps)
}

// writeJSON atomically replaces a file: marshal, write .tmp, fsync, rename.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON loads a file into out, leaving out untouched when the file is
// missing.
func (s *Store) readJSON(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}
