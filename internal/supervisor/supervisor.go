// Package supervisor owns the engine lifecycle and the signal pipeline.
//
// One Supervisor runs the whole engine: the WebSocket stream and its REST
// fallback feed signals through the dedup gate, resolved signals are sized,
// risk-checked and queued on the executor, and the background control loops
// sweep open positions. The dashboard API drives it through Start, Stop and
// Restart and observes it through Status, Metrics and Events.
//
// Feed failover: the stream is primary. When it stays disconnected past a
// short grace window the poller takes over, and it stands down as soon as
// the stream is healthy again. A stream that exhausts its reconnect budget
// leaves the engine degraded on the poller until a manual restart.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/control"
	"polycopy/internal/executor"
	"polycopy/internal/feed"
	"polycopy/internal/paper"
	"polycopy/internal/resolver"
	"polycopy/internal/risk"
	"polycopy/internal/sizing"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	failoverGrace = 5 * time.Second
	drainGrace    = 3 * time.Second
	eventBuffer   = 256
)

// State is the lifecycle phase of the engine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// FeedMode says which activity source is driving the pipeline.
type FeedMode string

const (
	ModeStreaming FeedMode = "streaming"
	ModePolling   FeedMode = "polling"
	ModeDegraded  FeedMode = "degraded"
)

// Event is one dashboard notification, fanned out over the API WebSocket.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Event types as they appear on the wire.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventDetected     = "trade-detected"
	EventExecuted     = "trade-executed"
	EventSkipped      = "trade-skipped"
	EventError        = "error"
	EventLog          = "log"
)

// Metrics is the counters snapshot served by GET /api/stats.
type Metrics struct {
	State          State            `json:"state"`
	Mode           FeedMode         `json:"mode"`
	Connected      bool             `json:"connected"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Targets        []string         `json:"targets"`
	MessagesTotal  int64            `json:"messages_total"`
	TradesDetected int64            `json:"trades_detected"`
	TradesCopied   int64            `json:"trades_copied"`
	TradesSkipped  map[string]int64 `json:"trades_skipped"`
	Duplicates     int64            `json:"duplicates"`
	Errors         int64            `json:"errors"`
	DryRun         bool             `json:"dry_run"`
	PaperTrading   bool             `json:"paper_trading"`
}

// Deps are the mode-dependent collaborators main wires in. Exchange and
// Positions point at the CLOB client in live and dry-run modes and at the
// paper book in paper mode; Book and Redeemer are nil when their mode is
// off.
type Deps struct {
	Store     *store.Store
	Resolver  *resolver.Resolver
	Exchange  executor.Exchange
	Positions executor.Positions
	Params    control.Params
	Redeemer  control.Redeemer
	Book      *paper.Book
}

// Supervisor is the engine root.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	grace time.Duration // failover grace window, shortened in tests

	mu        sync.Mutex
	state     State
	mode      FeedMode
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	// per-run components, rebuilt on every Start
	stream  *feed.Stream
	poller  *feed.Poller
	gate    *feed.Gate
	riskMgr *risk.Manager
	sizer   *sizing.Engine
	exec    *executor.Executor

	pollCancel context.CancelFunc

	events chan Event

	detected   atomic.Int64
	copied     atomic.Int64
	errorCount atomic.Int64
	skipMu     sync.Mutex
	skips      map[types.SkipReason]int64
}

// New creates a stopped supervisor.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "supervisor"),
		grace:  failoverGrace,
		state:  StateStopped,
		mode:   ModeStreaming,
		events: make(chan Event, eventBuffer),
		skips:  make(map[types.SkipReason]int64),
	}
}

// Events is the dashboard notification stream.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Executor exposes the order queue for the manual-sell endpoint.
func (s *Supervisor) Executor() *executor.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

// State returns the current lifecycle phase.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start builds the per-run components and launches the pipeline.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("cannot start from state %q", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())

	stream := feed.NewStream(s.cfg.API.WSActivity, s.cfg.Targets, s.logger)
	poller := feed.NewPoller(*s.cfg, s.deps.Store, s.logger)
	gate := feed.NewGate(s.deps.Store, s.cfg.Targets, s.logger)
	riskMgr := risk.NewManager(s.cfg, s.deps.Store, s.logger)
	sizer := sizing.New(s.cfg.Trading)
	exec := executor.New(s.deps.Exchange, s.deps.Positions, s.deps.Store, executor.Config{
		MinOrderUSD:    s.cfg.Trading.MinOrderSize,
		MinOrderShares: s.cfg.Trading.MinOrderShares,
		TrackPositions: !s.cfg.Paper.Enabled,
	}, s.logger)

	s.mu.Lock()
	s.cancel = cancel
	s.stream = stream
	s.poller = poller
	s.gate = gate
	s.riskMgr = riskMgr
	s.sizer = sizer
	s.exec = exec
	s.startedAt = time.Now()
	s.mode = ModeStreaming
	s.state = StateRunning
	s.mu.Unlock()

	s.run(ctx)

	s.logger.Info("engine started",
		"targets", len(s.cfg.Targets),
		"dry_run", s.cfg.Risk.DryRun,
		"paper", s.cfg.Paper.Enabled,
	)
	s.emit(Event{Type: EventLog, At: time.Now(), Data: "engine started"})
	return nil
}

// spawn runs fn on the run's wait group.
func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// run launches all goroutines for one engine run.
func (s *Supervisor) run(ctx context.Context) {
	s.spawn(func() {
		err := s.stream.Run(ctx)
		if errors.Is(err, feed.ErrTooManyReconnects) {
			s.logger.Error("stream gave up, engine degraded to polling")
			s.setMode(ModeDegraded)
			s.startPoller(ctx)
			s.emit(Event{Type: EventError, At: time.Now(), Data: "stream reconnect budget exhausted"})
		}
	})
	s.spawn(func() { s.watchStream(ctx) })
	s.spawn(func() { s.pump(ctx) })
	s.spawn(func() { _ = s.exec.Run(ctx) })
	s.spawn(func() { s.consumeResults(ctx) })
	s.startControlLoops(ctx)
}

func (s *Supervisor) startControlLoops(ctx context.Context) {
	if s.cfg.Paper.Enabled && s.deps.Book != nil {
		pr := control.NewPriceRefresher(s.deps.Book, s.deps.Resolver, s.deps.Store, s.logger)
		s.spawn(func() { _ = pr.Run(ctx) })
	}

	if s.stopLossActive() {
		sl := control.NewStopLoss(s.cfg.StopLoss.Percent, s.cfg.StopLoss.CheckInterval,
			s.deps.Store, s.deps.Resolver, s.exec, s.logger)
		s.spawn(func() { _ = sl.Run(ctx) })
	}

	if s.cfg.Live() && s.cfg.Redeem.Enabled && s.deps.Redeemer != nil {
		ar := control.NewAutoRedeem(s.cfg.Redeem.Interval, s.deps.Store,
			s.deps.Resolver, s.deps.Params, s.deps.Redeemer, s.logger)
		s.spawn(func() { _ = ar.Run(ctx) })
	}
}

// stopLossActive reports whether the stop-loss sweep should run. Its exits
// are real orders, so it stays off in dry-run and paper modes; the paper
// book marks to market on its own.
func (s *Supervisor) stopLossActive() bool {
	return s.cfg.Live() && s.cfg.StopLoss.Enabled
}

// Stop winds the engine down: cancel everything, give the executor a grace
// window to drain, flush state.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("cannot stop from state %q", s.state)
	}
	s.state = StateStopping
	cancel := s.cancel
	exec := s.exec
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	exec.Drain(drainGrace)
	if err := s.deps.Store.Flush(); err != nil {
		s.logger.Warn("state flush on stop failed", "error", err)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.pollCancel = nil
	s.mu.Unlock()

	s.logger.Info("engine stopped")
	s.emit(Event{Type: EventLog, At: time.Now(), Data: "engine stopped"})
	return nil
}

// Restart is a Stop followed by a Start. The fresh Start rebuilds every
// component, which is also the escape hatch from degraded mode.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// ————————————————————————————————————————————————————————————————————————
// Feed failover
// ————————————————————————————————————————————————————————————————————————

// watchStream flips between streaming and polling based on the stream's
// connection status. The stream starts disconnected, so the grace window
// opens immediately: an endpoint that never answers the first dial still
// hands the feed to the poller after the grace.
func (s *Supervisor) watchStream(ctx context.Context) {
	graceTimer := time.NewTimer(s.grace)
	graceC := graceTimer.C

	for {
		select {
		case <-ctx.Done():
			return
		case up := <-s.stream.Status():
			if up {
				graceTimer.Stop()
				graceC = nil
				s.stopPoller()
				if s.currentMode() != ModeDegraded {
					s.setMode(ModeStreaming)
				}
				s.emit(Event{Type: EventConnected, At: time.Now()})
				s.logger.Info("activity stream up")
			} else {
				s.emit(Event{Type: EventDisconnected, At: time.Now()})
				s.logger.Warn("activity stream down", "failover_in", s.grace)
				graceTimer = time.NewTimer(s.grace)
				graceC = graceTimer.C
			}
		case <-graceC:
			graceC = nil
			if !s.stream.Connected() {
				s.logger.Warn("stream still down, failing over to polling")
				s.setMode(ModePolling)
				s.startPoller(ctx)
			}
		}
	}
}

func (s *Supervisor) startPoller(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.poller.Run(pollCtx)
	}()
}

func (s *Supervisor) stopPoller() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
}

func (s *Supervisor) setMode(m FeedMode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *Supervisor) currentMode() FeedMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ————————————————————————————————————————————————————————————————————————
// Pipeline
// ————————————————————————————————————————————————————————————————————————

// pump fans both activity sources into the pipeline.
func (s *Supervisor) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-s.stream.Signals():
			s.handleSignal(ctx, sig)
		case sig := <-s.poller.Signals():
			s.handleSignal(ctx, sig)
		}
	}
}

func (s *Supervisor) handleSignal(ctx context.Context, sig types.Signal) {
	if !s.gate.Admit(sig) {
		return
	}
	s.detected.Add(1)
	s.emit(Event{Type: EventDetected, At: time.Now(), Data: sig})
	s.logger.Info("target trade detected",
		"wallet", sig.TargetWallet,
		"side", sig.Side,
		"market", sig.MarketSlug,
		"price", sig.Price,
		"size", sig.SizeShares,
	)

	tokenID, err := s.deps.Resolver.Resolve(ctx, sig)
	if err != nil {
		s.recordSkip(sig, types.SkipUnresolvedToken, err.Error())
		return
	}

	// Market end date feeds the resolution-proximity check; best effort.
	var resolutionAt time.Time
	if m, err := s.deps.Resolver.MarketForToken(ctx, tokenID, sig.ConditionID); err == nil {
		resolutionAt = m.EndDate
	}

	ord := s.sizer.Order(sig, tokenID)
	resv, dec := s.riskMgr.Evaluate(risk.Candidate{
		ConditionID:  sig.ConditionID,
		MarketSlug:   sig.MarketSlug,
		Side:         ord.Side,
		NotionalUSD:  ord.NotionalUSD(),
		ResolutionAt: resolutionAt,
	})
	if !dec.Allowed {
		s.recordSkip(sig, dec.Reason, dec.Detail)
		return
	}

	if !s.exec.Enqueue(&executor.Job{Signal: sig, Order: ord, Reservation: resv}) {
		resv.Release()
		s.errorCount.Add(1)
		s.logger.Error("executor queue full, dropping order", "trade_id", sig.TradeID)
		s.emit(Event{Type: EventError, At: time.Now(), Data: "executor queue full"})
	}
}

func (s *Supervisor) consumeResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case exec := <-s.exec.Results():
			switch {
			case exec.Result.Success:
				s.copied.Add(1)
				s.emit(Event{Type: EventExecuted, At: exec.At, Data: exec})
			case exec.Result.Skipped:
				s.recordSkip(exec.Signal, exec.Result.SkipReason, "")
			default:
				s.errorCount.Add(1)
				s.emit(Event{Type: EventError, At: exec.At, Data: exec})
			}
		}
	}
}

func (s *Supervisor) recordSkip(sig types.Signal, reason types.SkipReason, detail string) {
	s.skipMu.Lock()
	s.skips[reason]++
	s.skipMu.Unlock()
	s.logger.Info("trade skipped",
		"reason", reason,
		"detail", detail,
		"trade_id", sig.TradeID,
		"market", sig.MarketSlug,
	)
	s.emit(Event{Type: EventSkipped, At: time.Now(), Data: map[string]any{
		"signal": sig,
		"reason": reason,
		"detail": detail,
	}})
}

// emit never blocks; a slow dashboard loses events, not the engine.
func (s *Supervisor) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// ————————————————————————————————————————————————————————————————————————
// Observability
// ————————————————————————————————————————————————————————————————————————

// Metrics returns the counters snapshot.
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	state, mode, startedAt := s.state, s.mode, s.startedAt
	stream, gate := s.stream, s.gate
	s.mu.Unlock()

	m := Metrics{
		State:          state,
		Mode:           mode,
		Targets:        s.cfg.Targets,
		TradesDetected: s.detected.Load(),
		TradesCopied:   s.copied.Load(),
		TradesSkipped:  make(map[string]int64),
		Errors:         s.errorCount.Load(),
		DryRun:         s.cfg.Risk.DryRun,
		PaperTrading:   s.cfg.Paper.Enabled,
	}
	if state == StateRunning {
		m.UptimeSeconds = time.Since(startedAt).Seconds()
	}
	if stream != nil {
		m.Connected = stream.Connected()
		m.MessagesTotal = stream.Stats().MessagesTotal
	}
	if gate != nil {
		m.Duplicates = gate.Duplicates()
	}
	s.skipMu.Lock()
	for reason, n := range s.skips {
		m.TradesSkipped[string(reason)] = n
	}
	s.skipMu.Unlock()
	return m
}

// ManualSell queues an exit for a held token at the current mark and waits
// for the outcome.
func (s *Supervisor) ManualSell(ctx context.Context, tokenID string, shares float64) (types.OrderResult, error) {
	s.mu.Lock()
	exec := s.exec
	state := s.state
	s.mu.Unlock()
	if state != StateRunning || exec == nil {
		return types.OrderResult{}, fmt.Errorf("engine is not running")
	}

	pos, ok := s.position(tokenID)
	if !ok {
		return types.OrderResult{}, fmt.Errorf("no position in token %s", tokenID)
	}
	if shares <= 0 || shares > pos.Shares {
		shares = pos.Shares
	}

	price := pos.CurrentPrice
	if m, err := s.deps.Resolver.MarketForToken(ctx, tokenID, pos.ConditionID); err == nil {
		if p := m.PriceFor(tokenID); p > 0 {
			price = p
		}
	}
	if price <= 0 {
		price = pos.AvgEntryPrice
	}

	ord := types.OrderRequest{
		TokenID:     tokenID,
		ConditionID: pos.ConditionID,
		MarketSlug:  pos.MarketSlug,
		Side:        types.SELL,
		Price:       s.sizer.LimitPrice(types.SELL, price),
		Size:        types.QuantizeShares(shares),
		TimeInForce: "FOK",
		Source:      "manual",
	}
	resCh, ok := exec.Submit(&executor.Job{Order: ord})
	if !ok {
		return types.OrderResult{}, fmt.Errorf("executor queue full")
	}
	select {
	case <-ctx.Done():
		return types.OrderResult{}, ctx.Err()
	case res := <-resCh:
		return res, nil
	}
}

// position finds a holding in whichever ledger the mode uses.
func (s *Supervisor) position(tokenID string) (types.Position, bool) {
	if s.cfg.Paper.Enabled && s.deps.Book != nil {
		for _, p := range s.deps.Book.Positions() {
			if p.TokenID == tokenID && p.Shares.Sign() > 0 {
				return types.Position{
					TokenID:       p.TokenID,
					ConditionID:   p.ConditionID,
					MarketSlug:    p.MarketSlug,
					Shares:        p.Shares.InexactFloat64(),
					AvgEntryPrice: p.AvgPrice.InexactFloat64(),
					CurrentPrice:  p.CurrentPrice.InexactFloat64(),
				}, true
			}
		}
		return types.Position{}, false
	}
	pos, ok := s.deps.Store.SnapshotPositions()[tokenID]
	return pos, ok && pos.Shares > 0
}
