// Polymarket Copy Trader — watches target wallets and mirrors their fills.
//
// Architecture:
//
//	main.go                  — entry point: loads config, wires the mode, waits for SIGINT/SIGTERM
//	supervisor/supervisor.go — lifecycle + pipeline: feed → dedup → resolve → size → risk → execute
//	feed/stream.go           — WebSocket activity stream for the target wallets, with auto-reconnect
//	feed/poller.go           — REST activity poller, takes over when the stream is down
//	feed/ingress.go          — dedup gate: the same fill seen by both sources copies once
//	resolver/resolver.go     — Gamma market catalog: condition/slug → CLOB token ID, cached on disk
//	sizing/sizing.go         — fixed-USD / fixed-shares / proportional sizing + slippage cushion
//	risk/manager.go          — per-trade, per-market, daily caps, market lists, resolution buffer
//	executor/executor.go     — single-consumer order queue: preflights, retries, cooldown
//	exchange/client.go       — Polymarket CLOB client: EIP-712 signed orders, L2 HMAC auth
//	exchange/redeem.go       — on-chain redemption of resolved positions via Polygon RPC
//	paper/paper.go           — simulated book for paper trading: decimal cash, fees, settlement
//	control/control.go       — stop-loss, auto-redeem and mark-to-market sweeps
//	api/server.go            — dashboard REST + WebSocket control surface
//	store/store.go           — JSON file persistence (seen trades, positions, caches)
//
// Three modes, set in config: live submits signed orders to the CLOB,
// dry_run runs the whole pipeline but fabricates fills, paper_trading routes
// orders into the simulated book.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polycopy/internal/api"
	"polycopy/internal/config"
	"polycopy/internal/exchange"
	"polycopy/internal/paper"
	"polycopy/internal/resolver"
	"polycopy/internal/store"
	"polycopy/internal/supervisor"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open state store", "error", err, "dir", cfg.Store.DataDir)
		os.Exit(1)
	}
	defer st.Close()

	deps, book, err := buildDeps(cfg, st, logger)
	if err != nil {
		logger.Error("failed to wire engine", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(cfg, deps, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg, sup, st, book, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := sup.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	switch {
	case cfg.Paper.Enabled:
		logger.Warn("PAPER TRADING — orders fill in the simulated book")
	case cfg.Risk.DryRun:
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("copy trader started",
		"targets", len(cfg.Targets),
		"sizing_mode", cfg.Trading.SizingMode,
		"max_usd_per_trade", cfg.Risk.MaxUsdPerTrade,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	if sup.State() == supervisor.StateRunning {
		if err := sup.Stop(); err != nil {
			logger.Error("failed to stop engine", "error", err)
		}
	}
}

// buildDeps assembles the mode-dependent collaborators. Paper mode routes
// orders into the simulated book; live and dry-run modes drive the CLOB
// client, with the redeemer only wired when real redemptions are possible.
func buildDeps(cfg *config.Config, st *store.Store, logger *slog.Logger) (supervisor.Deps, *paper.Book, error) {
	res := resolver.New(*cfg, st, logger)

	if cfg.Paper.Enabled {
		book, err := paper.New(cfg.Paper, st, logger)
		if err != nil {
			return supervisor.Deps{}, nil, err
		}
		return supervisor.Deps{
			Store:     st,
			Resolver:  res,
			Exchange:  book,
			Positions: book,
			Params:    book,
			Book:      book,
		}, book, nil
	}

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		return supervisor.Deps{}, nil, fmt.Errorf("wallet auth: %w", err)
	}
	client := exchange.NewClient(*cfg, auth, logger)
	if cfg.Live() {
		if err := client.EnsureCredentials(context.Background()); err != nil {
			return supervisor.Deps{}, nil, fmt.Errorf("derive API credentials: %w", err)
		}
	}

	deps := supervisor.Deps{
		Store:     st,
		Resolver:  res,
		Exchange:  client,
		Positions: st,
		Params:    client,
	}
	if cfg.Live() && cfg.Redeem.Enabled {
		redeemer, err := exchange.NewRedeemer(*cfg, auth, logger)
		if err != nil {
			return supervisor.Deps{}, nil, fmt.Errorf("redeemer: %w", err)
		}
		deps.Redeemer = redeemer
	}
	return deps, nil, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
