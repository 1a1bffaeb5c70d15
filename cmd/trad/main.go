// trad — a strategy execution core for a bonding-curve launchpad.
//
// Architecture:
//
//	main.go             — entry point: loads config, wires everything, waits for SIGINT/SIGTERM
//	runtime/host.go     — hosts running strategies: one worker per run, tick + sleep scheduling
//	runtime/capability.go — the api.* surface strategy programs call into
//	script/             — the strategy language: lexer, parser, sandboxed interpreter, @param schema
//	executor/executor.go — trade pipeline: validation, risk ceilings, slippage-bounded quote, submission
//	chain/client.go     — go-ethereum RPC client: pair reads, direct and delegate submission, receipts
//	custody/            — custody contract ABI, revert decoding, and a reference state machine
//	subgraph/client.go  — GraphQL market-data reads (coins, trades, metadata)
//	ledger/             — SQLite persistence: strategies, runs, trades with FIFO PnL, credentials
//	api/                — dashboard HTTP/WebSocket control surface
//
// Strategies are small generated programs. Each deployed strategy runs in its
// own sandboxed interpreter slot; everything it can observe or do goes
// through the capability surface, and every confirmed fill lands in the
// ledger with FIFO-accounted PnL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trad-core/internal/api"
	"trad-core/internal/chain"
	"trad-core/internal/config"
	"trad-core/internal/executor"
	"trad-core/internal/ledger"
	"trad-core/internal/runtime"
	"trad-core/internal/subgraph"
)

func main() {
	// .env is optional; the deployment environment usually sets these directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRAD_CONFIG"); p != "" {
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

	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		logger.Error("failed to open ledger", "error", err, "path", cfg.Ledger.Path)
		os.Exit(1)
	}
	defer led.Close()

	dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	chainClient, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, cfg.Chain.DelegateAddress, cfg.Chain.OperatorKey, logger)
	cancel()
	if err != nil {
		logger.Error("failed to dial chain", "error", err, "rpc", cfg.Chain.RPCURL)
		os.Exit(1)
	}
	defer chainClient.Close()

	// Delegate-mode quoting needs the custody contract's current operator fee.
	feeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	custodyFeeBps, err := chainClient.CustodyFeeBps(feeCtx)
	cancel()
	if err != nil {
		logger.Warn("failed to read custody fee, quoting without it", "error", err)
		custodyFeeBps = 0
	}

	exec := executor.New(chainClient, led, cfg.Risk, custodyFeeBps, cfg.DryRun, cfg.Chain.ReceiptTimeout, logger)
	market := subgraph.NewClient(cfg.Subgraph)
	host := runtime.New(cfg, led, exec, market, chainClient, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, led, host, market, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	// Pick strategies left active by a previous process back up.
	host.ResumeAll()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real trades will be submitted")
	}

	logger.Info("strategy execution core started",
		"ledger", cfg.Ledger.Path,
		"delegate", cfg.Chain.DelegateAddress != "",
		"running", len(host.Running()),
		"dry_run", cfg.DryRun,
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

	// Workers stop; open runs stay open so ResumeAll re-attaches next boot.
	host.Shutdown()
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
