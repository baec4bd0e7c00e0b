// Package executor serializes order submission. All orders, copied or
// synthesized by the control loops, pass through one queue with a single
// consumer, so balance reservations and retries never race each other.
//
// Pipeline per order:
//
//	cooldown check → minimum size check → balance/holdings preflight →
//	reserve → market params → submit (with retry) → finalize
//
// Transient submit failures retry twice (500 ms then 1 s, ±25 % jitter).
// An insufficient-balance rejection is non-retryable and arms a 10 s
// cooldown during which new BUYs skip with temporarily_paused; SELLs are
// unaffected.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"polycopy/internal/exchange"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

const (
	queueSize        = 128
	balanceCacheTTL  = 5 * time.Second
	balanceCushion   = 1.01 // reserve 1% over notional for fees and rounding
	cooldownDuration = 10 * time.Second
)

// Exchange is the submission surface the executor drives. Implemented by
// the CLOB client and by the paper book.
type Exchange interface {
	PostOrder(ctx context.Context, ord types.OrderRequest, params types.MarketParams) (types.OrderResult, error)
	MarketParams(ctx context.Context, tokenID string) (types.MarketParams, error)
	GetBalance(ctx context.Context) (float64, error)
}

// Positions answers the SELL holdings preflight.
type Positions interface {
	SharesOf(tokenID string) float64
}

// Committer finalizes a risk reservation. Matches *risk.Reservation.
type Committer interface {
	Commit()
	Release()
}

// Job is one order plus its bookkeeping.
type Job struct {
	Signal      types.Signal // zero value for control-loop orders
	Order       types.OrderRequest
	Reservation Committer // nil when no risk hold was taken
	resultCh    chan types.OrderResult
}

// Execution is the completed outcome of a job, emitted on Results().
type Execution struct {
	Signal types.Signal       `json:"signal"`
	Order  types.OrderRequest `json:"order"`
	Result types.OrderResult  `json:"result"`
	At     time.Time          `json:"at"`
}

// Config tunes the executor.
type Config struct {
	MinOrderUSD    float64
	MinOrderShares float64
	// TrackPositions makes the executor maintain the position ledger in the
	// store. Off in paper mode, where the book keeps its own.
	TrackPositions bool
}

// Executor is the single-consumer order queue.
type Executor struct {
	ex     Exchange
	pos    Positions
	st     *store.Store
	cfg    Config
	logger *slog.Logger

	queue   chan *Job
	results chan Execution

	mu            sync.Mutex
	cooldownUntil time.Time
	balance       float64
	balanceAt     time.Time
	reservedUSD   float64

	now         func() time.Time
	retryDelays []time.Duration
}

// New creates an executor. pos may be nil when SELL preflights should be
// skipped entirely (not used in practice; both modes supply one).
func New(ex Exchange, pos Positions, st *store.Store, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MinOrderUSD == 0 {
		cfg.MinOrderUSD = 0.5
	}
	if cfg.MinOrderShares == 0 {
		cfg.MinOrderShares = 0.1
	}
	return &Executor{
		ex:          ex,
		pos:         pos,
		st:          st,
		cfg:         cfg,
		logger:      logger.With("component", "executor"),
		queue:       make(chan *Job, queueSize),
		results:     make(chan Execution, queueSize),
		now:         time.Now,
		retryDelays: []time.Duration{500 * time.Millisecond, time.Second},
	}
}

// Results returns the stream of completed executions.
func (e *Executor) Results() <-chan Execution { return e.results }

// Enqueue adds a job without blocking. Returns false when the queue is full;
// the caller records the drop.
func (e *Executor) Enqueue(job *Job) bool {
	select {
	case e.queue <- job:
		return true
	default:
		return false
	}
}

// Submit enqueues a job and returns a channel that delivers its result.
// Used by the manual-sell API where the caller waits.
func (e *Executor) Submit(job *Job) (<-chan types.OrderResult, bool) {
	job.resultCh = make(chan types.OrderResult, 1)
	if !e.Enqueue(job) {
		return nil, false
	}
	return job.resultCh, true
}

// Run consumes the queue until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-e.queue:
			e.process(ctx, job)
		}
	}
}

// Drain processes whatever is queued within the grace period. Called during
// shutdown after Run's context is cancelled.
func (e *Executor) Drain(grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for {
		select {
		case job := <-e.queue:
			e.process(ctx, job)
		default:
			return
		}
	}
}

func (e *Executor) process(ctx context.Context, job *Job) {
	res := e.execute(ctx, job)
	e.finish(job, res)
}

func (e *Executor) finish(job *Job, res types.OrderResult) {
	if job.Reservation != nil {
		if res.Success {
			job.Reservation.Commit()
		} else {
			job.Reservation.Release()
		}
	}
	if res.Success && e.cfg.TrackPositions {
		e.recordFill(job.Order)
	}

	if job.resultCh != nil {
		job.resultCh <- res
	}
	exec := Execution{Signal: job.Signal, Order: job.Order, Result: res, At: e.now()}
	select {
	case e.results <- exec:
	default:
		e.logger.Warn("results channel full, dropping execution record")
	}
}

func skipResult(reason types.SkipReason) types.OrderResult {
	return types.OrderResult{Skipped: true, SkipReason: reason}
}

func (e *Executor) execute(ctx context.Context, job *Job) types.OrderResult {
	ord := job.Order
	usd := ord.NotionalUSD()

	e.mu.Lock()
	inCooldown := e.now().Before(e.cooldownUntil)
	e.mu.Unlock()
	// The cooldown is about missing collateral, so exits still go through.
	if inCooldown && ord.Side == types.BUY {
		return skipResult(types.SkipTemporarilyPaused)
	}

	if ord.Side == types.SELL && e.pos != nil {
		held := e.pos.SharesOf(ord.TokenID)
		if held <= 0 {
			return skipResult(types.SkipNoHoldings)
		}
		if ord.Size > held {
			ord.Size = types.QuantizeShares(held)
			job.Order.Size = ord.Size
			usd = ord.NotionalUSD()
		}
	}

	if usd < e.cfg.MinOrderUSD || ord.Size < e.cfg.MinOrderShares {
		return skipResult(types.SkipBelowMinimum)
	}

	if ord.Side == types.BUY {
		need := usd * balanceCushion
		avail, err := e.availableBalance(ctx)
		if err != nil {
			e.logger.Warn("balance preflight failed", "error", err)
			return types.OrderResult{Error: err.Error()}
		}
		if avail < need {
			e.armCooldown()
			return skipResult(types.SkipInsufficientFunds)
		}
		e.reserve(need)
		defer e.release(need)
	}

	params, err := e.ex.MarketParams(ctx, ord.TokenID)
	if err != nil {
		e.logger.Warn("market params fetch failed", "token", ord.TokenID, "error", err)
		return types.OrderResult{Error: err.Error()}
	}

	res := e.submitWithRetry(ctx, ord, params)
	if res.Success && ord.Side == types.BUY {
		// Keep the cached balance roughly honest until the next refresh.
		e.mu.Lock()
		e.balance -= usd
		e.mu.Unlock()
	}
	return res
}

func (e *Executor) submitWithRetry(ctx context.Context, ord types.OrderRequest, params types.MarketParams) types.OrderResult {
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := e.ex.PostOrder(ctx, ord, params)
		if err == nil {
			e.logger.Info("order placed",
				"order_id", res.OrderID,
				"token", ord.TokenID,
				"side", ord.Side,
				"price", ord.Price,
				"size", ord.Size,
			)
			return res
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			e.armCooldown()
			return skipResult(types.SkipInsufficientFunds)
		}
		if ctx.Err() != nil {
			return types.OrderResult{Error: ctx.Err().Error()}
		}
		lastErr = err
		if attempt >= len(e.retryDelays) {
			break
		}

		delay := jitter(e.retryDelays[attempt])
		e.logger.Warn("order submit failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return types.OrderResult{Error: ctx.Err().Error()}
		case <-time.After(delay):
		}
	}
	return types.OrderResult{Error: lastErr.Error()}
}

// jitter spreads a delay by ±25% so synchronized retries fan out.
func jitter(d time.Duration) time.Duration {
	f := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * f)
}

// availableBalance is the cached exchange balance minus in-flight
// reservations.
func (e *Executor) availableBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	fresh := e.now().Sub(e.balanceAt) < balanceCacheTTL
	bal, reserved := e.balance, e.reservedUSD
	e.mu.Unlock()

	if !fresh {
		var err error
		bal, err = e.ex.GetBalance(ctx)
		if err != nil {
			return 0, err
		}
		e.mu.Lock()
		e.balance = bal
		e.balanceAt = e.now()
		reserved = e.reservedUSD
		e.mu.Unlock()
	}
	return bal - reserved, nil
}

func (e *Executor) reserve(usd float64) {
	e.mu.Lock()
	e.reservedUSD += usd
	e.mu.Unlock()
}

func (e *Executor) release(usd float64) {
	e.mu.Lock()
	e.reservedUSD -= usd
	if e.reservedUSD < 0 {
		e.reservedUSD = 0
	}
	e.mu.Unlock()
}

func (e *Executor) armCooldown() {
	e.mu.Lock()
	e.cooldownUntil = e.now().Add(cooldownDuration)
	e.mu.Unlock()
	e.logger.Warn("insufficient balance, pausing submissions", "for", cooldownDuration)
}

// recordFill maintains the live position ledger: BUYs average in, SELLs
// realize out at the running average entry price.
func (e *Executor) recordFill(ord types.OrderRequest) {
	positions := e.st.SnapshotPositions()
	pos, ok := positions[ord.TokenID]
	if !ok {
		pos = types.Position{
			TokenID:     ord.TokenID,
			ConditionID: ord.ConditionID,
			MarketSlug:  ord.MarketSlug,
			OpenedAt:    e.now(),
		}
	}

	if ord.Side == types.BUY {
		pos.TotalCost += ord.NotionalUSD()
		pos.Shares += ord.Size
		if pos.Shares > 0 {
			pos.AvgEntryPrice = pos.TotalCost / pos.Shares
		}
	} else {
		sold := math.Min(ord.Size, pos.Shares)
		pos.TotalCost -= pos.AvgEntryPrice * sold
		pos.Shares -= sold
		if pos.Shares <= 1e-9 {
			pos.Shares = 0
			pos.TotalCost = 0
		}
	}
	pos.CurrentPrice = ord.Price

	if err := e.st.UpsertPosition(pos); err != nil {
		e.logger.Warn("failed to persist position", "token", ord.TokenID, "error", err)
	}
}
