// stream.go implements the primary activity watcher: a WebSocket
// subscription to the public activity feed, filtered to the target wallets.
//
// The connection auto-reconnects with exponential backoff (5s base). After
// maxReconnectAttempts consecutive failures Run returns
// ErrTooManyReconnects and the supervisor marks the source degraded; until
// then every disconnect is reported on Status() so the poller failover can
// engage.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/pkg/types"
)

const (
	topicTrades        = "activity:trades"
	topicOrdersMatched = "activity:orders_matched"

	streamPingInterval = 15 * time.Second
	streamReadTimeout  = 45 * time.Second // ~3 missed heartbeats
	streamWriteTimeout = 10 * time.Second
	reconnectBase      = 5 * time.Second
	reconnectMaxWait   = 60 * time.Second

	maxReconnectAttempts = 10

	signalBufferSize = 256
)

// ErrTooManyReconnects is returned by Run after the reconnect budget is
// spent without a healthy connection.
var ErrTooManyReconnects = errors.New("stream: reconnect attempts exhausted")

// StreamStats are the stream watcher's counters.
type StreamStats struct {
	MessagesTotal      int64 `json:"messages_total"`
	TargetMatchesTotal int64 `json:"target_matches_total"`
}

// Stream is the WebSocket activity watcher.
type Stream struct {
	url     string
	targets map[string]bool
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	signals  chan types.Signal
	statusCh chan bool

	backoffBase time.Duration

	connected     atomic.Bool
	messages      atomic.Int64
	targetMatches atomic.Int64
}

// NewStream creates a stream watcher for the given activity WebSocket URL
// and target wallets.
func NewStream(wsURL string, targets []string, logger *slog.Logger) *Stream {
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[types.NormalizeAddress(t)] = true
	}
	return &Stream{
		url:         wsURL,
		targets:     set,
		logger:      logger.With("component", "stream"),
		signals:     make(chan types.Signal, signalBufferSize),
		statusCh:    make(chan bool, 8),
		backoffBase: reconnectBase,
	}
}

// Signals returns the channel of normalized target activity.
func (s *Stream) Signals() <-chan types.Signal { return s.signals }

// Status reports connection transitions: true on connect, false on
// disconnect. The supervisor uses these for poller failover.
func (s *Stream) Status() <-chan bool { return s.statusCh }

// Connected reports the current connection state.
func (s *Stream) Connected() bool { return s.connected.Load() }

// Stats returns the message counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		MessagesTotal:      s.messages.Load(),
		TargetMatchesTotal: s.targetMatches.Load(),
	}
}

// Run connects and maintains the stream until ctx is cancelled or the
// reconnect budget runs out.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.backoffBase
	attempts := 0

	for {
		healthy, err := s.connectAndRead(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if healthy {
			// The connection worked before it dropped; the budget resets.
			attempts = 0
			backoff = s.backoffBase
		}
		attempts++
		if attempts > maxReconnectAttempts {
			s.logger.Error("giving up on stream", "attempts", attempts-1, "error", err)
			return ErrTooManyReconnects
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"attempt", attempts,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > reconnectMaxWait {
			backoff = reconnectMaxWait
		}
	}
}

// Close tears down the current connection, unblocking the read loop.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// connectAndRead dials, subscribes, and reads until the connection fails.
// The healthy return is true once at least one message arrived.
func (s *Stream) connectAndRead(ctx context.Context) (healthy bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// A quiet connection blocks in ReadMessage until the read deadline;
	// closing it on cancellation unblocks the loop right away.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	sub := types.WSActivitySubscribe{
		Action: "subscribe",
		Topics: []string{topicTrades, topicOrdersMatched},
	}
	if err := s.writeJSON(sub); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("stream connected", "topics", sub.Topics)
	s.setConnected(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return healthy, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return healthy, fmt.Errorf("read: %w", err)
		}

		healthy = true
		s.dispatch(msg)
	}
}

// dispatch filters one raw frame down to target activity.
func (s *Stream) dispatch(data []byte) {
	s.messages.Add(1)

	var env types.WSActivityMessage
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-json stream message")
		return
	}

	if !s.targets[env.Payload.Wallet()] {
		return
	}
	sig, ok := Normalize(env.Payload)
	if !ok {
		return
	}

	s.targetMatches.Add(1)
	select {
	case s.signals <- sig:
	default:
		s.logger.Warn("signal channel full, dropping", "trade_id", sig.TradeID)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) setConnected(up bool) {
	if s.connected.Swap(up) == up {
		return
	}
	select {
	case s.statusCh <- up:
	default:
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return s.conn.WriteMessage(msgType, data)
}
