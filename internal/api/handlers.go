package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polycopy/internal/config"
	"polycopy/internal/paper"
	"polycopy/internal/store"
	"polycopy/internal/supervisor"
	"polycopy/pkg/types"
)

const tradeLogCap = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard is served from the same host in practice.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	sup    *supervisor.Supervisor
	cfg    *config.Config
	st     *store.Store
	book   *paper.Book // nil outside paper mode
	hub    *Hub
	logger *slog.Logger

	mu     sync.Mutex
	trades []supervisor.Event // rolling trade-executed log
}

func NewHandlers(sup *supervisor.Supervisor, cfg *config.Config, st *store.Store, book *paper.Book, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		sup:    sup,
		cfg:    cfg,
		st:     st,
		book:   book,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// recordTrade keeps the rolling log served by GET /api/trades.
func (h *Handlers) recordTrade(ev supervisor.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, ev)
	if len(h.trades) > tradeLogCap {
		h.trades = h.trades[len(h.trades)-tradeLogCap:]
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bot lifecycle
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Start(); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(h.sup.State())})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Stop(); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(h.sup.State())})
}

func (h *Handlers) HandleRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.sup.Restart(); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": string(h.sup.State())})
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sup.Metrics())
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  string(h.sup.State()),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Config and targets
// ————————————————————————————————————————————————————————————————————————

// sanitizedConfig is the config as served over HTTP, secrets blanked.
func (h *Handlers) sanitizedConfig() config.Config {
	cfg := *h.cfg
	if cfg.Wallet.PrivateKey != "" {
		cfg.Wallet.PrivateKey = "[redacted]"
	}
	if cfg.API.Secret != "" {
		cfg.API.Secret = "[redacted]"
	}
	if cfg.API.Passphrase != "" {
		cfg.API.Passphrase = "[redacted]"
	}
	return cfg
}

func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sanitizedConfig())
}

// configUpdate is the PUT /api/config body: sections present in the body
// replace the corresponding config sections wholesale.
type configUpdate struct {
	Trading  *config.TradingConfig  `json:"trading"`
	Risk     *config.RiskConfig     `json:"risk"`
	StopLoss *config.StopLossConfig `json:"stop_loss"`
	Redeem   *config.RedeemConfig   `json:"auto_redeem"`
}

func (h *Handlers) HandleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	trial := *h.cfg
	if upd.Trading != nil {
		trial.Trading = *upd.Trading
	}
	if upd.Risk != nil {
		trial.Risk = *upd.Risk
	}
	if upd.StopLoss != nil {
		trial.StopLoss = *upd.StopLoss
	}
	if upd.Redeem != nil {
		trial.Redeem = *upd.Redeem
	}
	if err := trial.Validate(); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	*h.cfg = trial
	h.logger.Info("config updated over API")
	h.writeJSON(w, http.StatusOK, h.sanitizedConfig())
}

type targetRequest struct {
	Address string `json:"address"`
}

func (h *Handlers) HandleAddTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	addr := types.NormalizeAddress(req.Address)
	if !types.ValidAddress(addr) {
		h.writeError(w, http.StatusUnprocessableEntity, "not a valid 0x address")
		return
	}
	for _, t := range h.cfg.Targets {
		if t == addr {
			h.writeJSON(w, http.StatusOK, h.targetsResponse())
			return
		}
	}
	h.cfg.Targets = append(h.cfg.Targets, addr)
	h.logger.Info("target added", "wallet", addr)
	h.writeJSON(w, http.StatusOK, h.targetsResponse())
}

func (h *Handlers) HandleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	addr := types.NormalizeAddress(req.Address)
	kept := h.cfg.Targets[:0]
	for _, t := range h.cfg.Targets {
		if t != addr {
			kept = append(kept, t)
		}
	}
	h.cfg.Targets = kept
	h.logger.Info("target removed", "wallet", addr)
	h.writeJSON(w, http.StatusOK, h.targetsResponse())
}

// Target edits apply to the feed on the next engine start.
func (h *Handlers) targetsResponse() map[string]any {
	return map[string]any{
		"targets":          h.cfg.Targets,
		"restart_required": h.sup.State() == supervisor.StateRunning,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio, trades, performance
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sup.Metrics())
}

type portfolioResponse struct {
	Positions  []types.Position   `json:"positions"`
	BalanceUSD float64            `json:"balance_usd"`
	EquityUSD  float64            `json:"equity_usd,omitempty"`
	Exposure   map[string]float64 `json:"exposure_usd"`
}

func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	resp := portfolioResponse{Exposure: h.st.ExposureSnapshot()}

	if h.book != nil {
		for _, p := range h.book.Positions() {
			resp.Positions = append(resp.Positions, types.Position{
				TokenID:       p.TokenID,
				ConditionID:   p.ConditionID,
				MarketSlug:    p.MarketSlug,
				Shares:        p.Shares.InexactFloat64(),
				AvgEntryPrice: p.AvgPrice.InexactFloat64(),
				CurrentPrice:  p.CurrentPrice.InexactFloat64(),
				OpenedAt:      p.OpenedAt,
			})
		}
		s := h.book.Stats()
		resp.BalanceUSD = s.Cash
		resp.EquityUSD = s.Equity
	} else {
		for _, p := range h.st.SnapshotPositions() {
			resp.Positions = append(resp.Positions, p)
		}
	}
	if resp.Positions == nil {
		resp.Positions = []types.Position{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	out := make([]supervisor.Event, len(h.trades))
	copy(out, h.trades)
	h.mu.Unlock()
	h.writeJSON(w, http.StatusOK, out)
}

type performanceResponse struct {
	Paper          *paper.Stats          `json:"paper,omitempty"`
	Chart          []store.ChartSnapshot `json:"chart"`
	DailyVolumeUSD float64               `json:"daily_volume_usd"`
}

func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	resp := performanceResponse{DailyVolumeUSD: h.st.DailyVolume()}
	if h.book != nil {
		s := h.book.Stats()
		resp.Paper = &s
	}
	chart, err := h.st.ChartHistory()
	if err != nil {
		h.logger.Warn("chart history read failed", "error", err)
	}
	if chart == nil {
		chart = []store.ChartSnapshot{}
	}
	resp.Chart = chart
	h.writeJSON(w, http.StatusOK, resp)
}

// ————————————————————————————————————————————————————————————————————————
// Manual sell
// ————————————————————————————————————————————————————————————————————————

type sellRequest struct {
	TokenID string  `json:"token_id"`
	Shares  float64 `json:"shares,omitempty"` // 0 sells the whole position
}

func (h *Handlers) HandleSellPosition(w http.ResponseWriter, r *http.Request) {
	var req sellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TokenID == "" {
		h.writeError(w, http.StatusBadRequest, "token_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := h.sup.ManualSell(ctx, req.TokenID, req.Shares)
	if err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	// Greet with the current status so the UI renders immediately.
	data, err := json.Marshal(supervisor.Event{
		Type: "status",
		At:   time.Now(),
		Data: h.sup.Metrics(),
	})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
