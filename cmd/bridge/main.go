// copybridge — replicates MT5 trade events onto cTrader accounts over
// the Open API.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine + ingress, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: one broker session per account, wires stores and replicators
//	engine/router.go     — fans a normalized source event out across accounts, failure-isolated
//	session/session.go   — per-account connection lifecycle: auth, symbol load, reconcile, reconnect
//	replicate/           — turns source events into sized, quantized broker orders
//	correlate/store.go   — ticket ↔ broker position/order ids, learned from SRC_<ticket> labels
//	pending/store.go     — deferred SL/TP and master open lots, keyed by source ticket
//	policy/policy.go     — per-account copy filters: caps, magic numbers, symbol lists, min lot
//	symbols/             — MT5 → broker symbol resolution and price/volume quantization
//	dedup/filter.go      — suppresses the duplicate webhooks MT5 fires for one lifecycle event
//	broker/              — websocket transport, typed Open API messages, REST account lookup
//	api/                 — HTTP ingress the MT5 expert advisor posts events to
//
// The flow for one copied trade:
//
//	The EA posts an OPEN event. The router stages the desired SL/TP and
//	master lot size, then each account resolves the symbol, applies its
//	filters, sizes the lots per its risk mode, and places a market order
//	labelled SRC_<ticket> without stops. When the broker's execution
//	event links the label to a position id, the staged SL/TP is amended
//	onto the position. Later MODIFY/CLOSE events address the position
//	through the same label correlation.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"copybridge/internal/api"
	"copybridge/internal/config"
	"copybridge/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BRIDGE_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	// Start the ingress
	apiServer := api.NewServer(cfg.Server, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("ingress server failed", "error", err)
		}
	}()

	enabled := 0
	for _, a := range cfg.Accounts {
		if a.Enabled {
			enabled++
		}
	}
	logger.Info("copy bridge started",
		"listen", cfg.Server.Host, "port", cfg.Server.Port,
		"accounts", enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop ingress", "error", err)
	}
	eng.Stop()
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
