// Package main is the entry point for the Predwatch ingestion engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/predwatch/engine/internal/chain"
	"github.com/predwatch/engine/internal/config"
	"github.com/predwatch/engine/internal/detector"
	"github.com/predwatch/engine/internal/live"
	"github.com/predwatch/engine/internal/metrics"
	"github.com/predwatch/engine/internal/push"
	"github.com/predwatch/engine/internal/reconciler"
	"github.com/predwatch/engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("predwatch starting", "version", "1.0.0")
	slog.Info("config_loaded",
		"rpc_http_url", cfg.RPCHTTPURL,
		"rpc_ws_url", cfg.RPCWSURL,
		"contract", cfg.ContractAddress,
		"database", cfg.MaskedDatabaseURL(),
		"max_rps", cfg.MaxRequestsPerSec,
		"epoch_pause", cfg.EpochPause,
		"max_epoch_failures", cfg.MaxEpochFailures,
		"claim_threshold", cfg.ClaimThreshold,
		"push_listen", cfg.PushListenAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Push hub first: the connection manager reports live-path status to it.
	hub := push.NewHub()
	go hub.Run(ctx)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("store_open_failed", "error", err)
		os.Exit(1)
	}

	tracker := metrics.NewTracker()

	manager := chain.NewManager(chain.ManagerOptions{
		HTTPURL:              cfg.RPCHTTPURL,
		WSURL:                cfg.RPCWSURL,
		ContractAddress:      cfg.ContractAddress,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		HealthInterval:       cfg.HealthInterval,
		DB:                   db,
		OnStatusChange: func(connected bool) {
			hub.Publish(push.TypeConnectionStatus, push.ConnectionStatus{Connected: connected})
		},
	})
	if err := manager.Init(ctx); err != nil {
		slog.Error("rpc_init_failed", "error", err)
		db.Close()
		os.Exit(1)
	}

	limiter := chain.NewRateLimiter(cfg.MaxRequestsPerSec)
	contract, err := chain.NewContract(manager.HTTP(), manager.ContractAddress(), limiter)
	if err != nil {
		slog.Error("contract_bind_failed", "error", err)
		manager.Close()
		db.Close()
		os.Exit(1)
	}

	locator := chain.NewBlockLocator(manager.HTTP(), limiter)
	fetcher := chain.NewFetcher(manager.HTTP(), manager.HTTP(), contract, limiter)
	source := chain.NewSource(contract, locator, fetcher)

	claimDetector := detector.NewClaimDetector(db, cfg.ClaimThreshold)

	recon := reconciler.New(source, db, claimDetector, tracker, reconciler.Config{
		EpochPause:  cfg.EpochPause,
		MaxFailures: cfg.MaxEpochFailures,
	})

	walletTracker := live.NewWalletTracker(live.HeuristicConfig{
		HighVolumeBets: cfg.HighVolumeBets,
		WindowBets:     cfg.WindowBets,
		Window:         cfg.WindowDuration,
		MaxBetAmount:   cfg.MaxBetAmount,
	})
	listener := live.NewListener(manager, contract, db, hub, walletTracker, tracker)
	listener.FetchLockTime = cfg.FetchLockTime

	go manager.HealthLoop(ctx)
	go listener.Run(ctx)
	go runReconcilerSchedule(ctx, recon, cfg.ReconcilerRestart)
	go runAuditSchedule(ctx, db, cfg.AuditInterval)
	go logSnapshots(ctx, tracker, hub)

	server := &http.Server{Addr: cfg.PushListenAddr, Handler: pushMux(hub)}
	go func() {
		slog.Info("push_server_started", "addr", cfg.PushListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("push_server_failed", "error", err)
			cancel()
		}
	}()

	slog.Info("engine_started", "status", "reconciling and listening")

	select {
	case sig := <-sigChan:
		slog.Info("shutdown_signal_received", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown: the backfill finishes its in-flight epoch before the
	// connections are torn down.
	recon.RequestStop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("push_server_shutdown_failed", "error", err)
	}

	manager.Close()
	if err := db.Close(); err != nil {
		slog.Warn("store_close_failed", "error", err)
	}

	slog.Info("shutdown_complete")
}

// runReconcilerSchedule runs the backfill, then stops and relaunches it on the
// restart interval. The stop request lets the in-flight epoch finish; killing
// the run context would surface as spurious RPC failures mid-epoch.
func runReconcilerSchedule(ctx context.Context, recon *reconciler.Reconciler, restart time.Duration) {
	for {
		stop := time.AfterFunc(restart, recon.RequestStop)
		if err := recon.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("backfill_run_ended", "error", err)
		}
		stop.Stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// runAuditSchedule periodically re-audits the full claim table.
func runAuditSchedule(ctx context.Context, claims detector.ClaimLister, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := detector.Audit(ctx, claims); err != nil {
				slog.Warn("claim_audit_failed", "error", err)
			}
		}
	}
}

// logSnapshots emits engine counters once a minute.
func logSnapshots(ctx context.Context, tracker *metrics.Tracker, hub *push.Hub) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tracker.Snapshot()
			slog.Info("engine_stats",
				"live_bets", snap.LiveBets,
				"dedup_discards", snap.DedupDiscards,
				"suspicious_flags", snap.SuspiciousFlags,
				"epochs_committed", snap.EpochsCommitted,
				"epochs_failed", snap.EpochsFailed,
				"epochs_skipped", snap.EpochsSkipped,
				"ws_status", snap.WSStatus,
				"push_clients", hub.ClientCount(),
				"uptime", snap.Uptime.Round(time.Second),
			)
		}
	}
}

func pushMux(hub *push.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	return mux
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
