package store

import (
	"strconv"
	"testing"
	"time"

	"polycopy/pkg/types"
)

func TestMarkSeenIdempotent(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.HasSeen("0xABC", "t1") {
		t.Fatal("fresh store should not have seen t1")
	}
	if err := s.MarkSeen("0xABC", "t1"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := s.MarkSeen("0xabc", "t1"); err != nil {
		t.Fatalf("MarkSeen (repeat): %v", err)
	}

	// case-insensitive wallet lookup
	if !s.HasSeen("0xAbC", "t1") {
		t.Error("HasSeen should be wallet-case-insensitive")
	}

	seen := s.LoadSeen("0xabc")
	if len(seen) != 1 {
		t.Errorf("seen set size = %d, want 1", len(seen))
	}
}

func TestSeenSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.MarkSeen("0xabc", "t1")
	_ = s.MarkSeen("0xabc", "t2")
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if !s2.HasSeen("0xabc", "t1") || !s2.HasSeen("0xabc", "t2") {
		t.Error("seen IDs should survive a restart")
	}
}

func TestSeenSetCapped(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < seenMaxPerWallet+50; i++ {
		_ = s.MarkSeen("0xabc", "trade-"+strconv.Itoa(i))
	}

	if got := len(s.LoadSeen("0xabc")); got > seenMaxPerWallet {
		t.Errorf("seen set size = %d, want ≤ %d", got, seenMaxPerWallet)
	}
	// Newest entries survive, oldest are evicted.
	if !s.HasSeen("0xabc", "trade-"+strconv.Itoa(seenMaxPerWallet+49)) {
		t.Error("newest entry should survive eviction")
	}
	if s.HasSeen("0xabc", "trade-0") {
		t.Error("oldest entry should have been evicted")
	}
}

func TestSeenAgeEviction(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	base := time.Now()
	s.now = func() time.Time { return base }
	_ = s.MarkSeen("0xabc", "old")

	s.now = func() time.Time { return base.Add(seenMaxAge + time.Hour) }
	_ = s.MarkSeen("0xabc", "new")

	if s.HasSeen("0xabc", "old") {
		t.Error("entry older than the age bound should be evicted")
	}
	if !s.HasSeen("0xabc", "new") {
		t.Error("fresh entry should remain")
	}
}

func TestExposureClampedAtZero(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_ = s.RecordExposure("cond1", 25)
	if got := s.Exposure("cond1"); got != 25 {
		t.Errorf("exposure = %v, want 25", got)
	}

	_ = s.RecordExposure("cond1", -40)
	if got := s.Exposure("cond1"); got != 0 {
		t.Errorf("exposure = %v, want 0 (never negative)", got)
	}
}

func TestDailyVolumeRollover(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.Local)
	s.now = func() time.Time { return day1 }
	_ = s.DailyVolumeAdd(100)
	if got := s.DailyVolume(); got != 100 {
		t.Fatalf("day1 volume = %v, want 100", got)
	}

	// Local midnight passes: counter resets, only new volume counts.
	day2 := day1.Add(20 * time.Minute)
	s.now = func() time.Time { return day2 }
	if got := s.DailyVolume(); got != 0 {
		t.Errorf("volume after rollover = %v, want 0", got)
	}
	_ = s.DailyVolumeAdd(7)
	if got := s.DailyVolume(); got != 7 {
		t.Errorf("day2 volume = %v, want 7", got)
	}
}

func TestUpsertAndSnapshotPositions(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	pos := types.Position{TokenID: "tok1", Shares: 10, AvgEntryPrice: 0.4, TotalCost: 4}
	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	snap := s.SnapshotPositions()
	if got := snap["tok1"].Shares; got != 10 {
		t.Errorf("shares = %v, want 10", got)
	}

	// Closing to zero removes the record unless it settled.
	pos.Shares = 0
	_ = s.UpsertPosition(pos)
	if _, ok := s.SnapshotPositions()["tok1"]; ok {
		t.Error("zero-share unsettled position should be removed")
	}

	pos.Settled = true
	_ = s.UpsertPosition(pos)
	if _, ok := s.SnapshotPositions()["tok1"]; !ok {
		t.Error("settled position should be kept for history")
	}
}

func TestChartHistoryCap(t *testing.T) {
	t.Parallel()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	for i := 0; i < chartMaxEntries+1; i++ {
		if err := s.AppendChartSnapshot(ChartSnapshot{Timestamp: int64(i)}); err != nil {
			t.Fatalf("AppendChartSnapshot: %v", err)
		}
	}

	snaps, err := s.ChartHistory()
	if err != nil {
		t.Fatalf("ChartHistory: %v", err)
	}
	if len(snaps) > chartMaxEntries {
		t.Errorf("history size = %d, want ≤ %d", len(snaps), chartMaxEntries)
	}
	// The newest entry is always retained.
	if snaps[len(snaps)-1].Timestamp != int64(chartMaxEntries) {
		t.Errorf("newest snapshot = %d, want %d", snaps[len(snaps)-1].Timestamp, chartMaxEntries)
	}
}

