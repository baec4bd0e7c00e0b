// poller.go implements the REST fallback activity watcher. It covers two
// gaps the stream leaves: outage failover (the supervisor starts it when the
// stream has been down for a few seconds) and the non-trade activity types
// (SPLIT, MERGE, REDEEM) that only surface reliably on the data API.
package feed

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"polycopy/internal/config"
	"polycopy/internal/store"
	"polycopy/pkg/types"
)

// pollOverlap is how far behind the last recorded poll timestamp a record
// may be and still get emitted. Overlap duplicates are the ingress gate's
// problem; missing a fill is ours.
const pollOverlap = 60 * time.Second

// Poller periodically fetches recent activity per target wallet.
type Poller struct {
	http    *resty.Client
	st      *store.Store
	targets []string
	logger  *slog.Logger

	interval         time.Duration
	nonTradeInterval time.Duration
	limit            int

	signals chan types.Signal
}

// NewPoller creates the REST activity watcher.
func NewPoller(cfg config.Config, st *store.Store, logger *slog.Logger) *Poller {
	client := resty.New().
		SetBaseURL(cfg.API.DataBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.Polling.MaxRetries).
		SetRetryWaitTime(cfg.Polling.BaseBackoff).
		SetRetryMaxWaitTime(8 * cfg.Polling.BaseBackoff).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	targets := make([]string, 0, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targets = append(targets, types.NormalizeAddress(t))
	}

	return &Poller{
		http:             client,
		st:               st,
		targets:          targets,
		logger:           logger.With("component", "poller"),
		interval:         cfg.Polling.Interval,
		nonTradeInterval: cfg.Polling.NonTradeInterval,
		limit:            cfg.Polling.TradeLimit,
		signals:          make(chan types.Signal, signalBufferSize),
	}
}

// Signals returns the channel of normalized target activity.
func (p *Poller) Signals() <-chan types.Signal { return p.signals }

// Run polls until ctx is cancelled. Trades are fetched every interval; a
// slower sweep picks up splits, merges and redemptions.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"targets", len(p.targets),
		"interval", p.interval,
	)

	tradeTicker := time.NewTicker(p.interval)
	defer tradeTicker.Stop()
	sweepTicker := time.NewTicker(p.nonTradeInterval)
	defer sweepTicker.Stop()

	// Immediate first pass so failover does not wait a full interval.
	p.pollAll(ctx, true)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tradeTicker.C:
			p.pollAll(ctx, true)
		case <-sweepTicker.C:
			p.pollAll(ctx, false)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context, tradesOnly bool) {
	for _, wallet := range p.targets {
		if ctx.Err() != nil {
			return
		}
		if err := p.pollWallet(ctx, wallet, tradesOnly); err != nil {
			p.logger.Warn("poll failed", "wallet", wallet, "error", err)
		}
	}
}

// pollWallet fetches the recent activity window for one wallet and emits
// anything newer than the last poll watermark (minus overlap).
func (p *Poller) pollWallet(ctx context.Context, wallet string, tradesOnly bool) error {
	req := p.http.R().
		SetContext(ctx).
		SetQueryParam("user", wallet).
		SetQueryParam("limit", strconv.Itoa(p.limit))
	if tradesOnly {
		req.SetQueryParam("type", "TRADE")
	}

	var page []types.RawActivity
	resp, err := req.SetResult(&page).ForceContentType("application/json").Get("/activity")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return &PollError{Status: resp.StatusCode(), Wallet: wallet}
	}

	var cutoff int64
	if last := p.st.LastPoll(wallet); last > 0 {
		cutoff = last - pollOverlap.Milliseconds()
	}
	var newest int64

	// The API returns newest-first; walk backwards so signals come out in
	// chronological order.
	for i := len(page) - 1; i >= 0; i-- {
		sig, ok := Normalize(page[i])
		if !ok || sig.TargetWallet != wallet {
			continue
		}
		if sig.TimestampMS > newest {
			newest = sig.TimestampMS
		}
		if cutoff > 0 && sig.TimestampMS < cutoff {
			continue
		}
		select {
		case p.signals <- sig:
		default:
			p.logger.Warn("signal channel full, dropping", "trade_id", sig.TradeID)
		}
	}

	if newest > p.st.LastPoll(wallet) {
		p.st.SetLastPoll(wallet, newest)
	}
	return nil
}

// PollError is a non-2xx response from the activity API.
type PollError struct {
	Status int
	Wallet string
}

func (e *PollError) Error() string {
	return "activity poll for " + e.Wallet + ": status " + strconv.Itoa(e.Status)
}
