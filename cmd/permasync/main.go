package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jbracken/permasync/internal/config"
	"github.com/jbracken/permasync/internal/daemon"
	"github.com/jbracken/permasync/internal/filter"
	"github.com/jbracken/permasync/internal/gateway"
	"github.com/jbracken/permasync/internal/logging"
	"github.com/jbracken/permasync/internal/queue"
	"github.com/jbracken/permasync/internal/scanner"
	"github.com/jbracken/permasync/internal/state"
	"github.com/jbracken/permasync/internal/watch"
)

var Version = "dev"

const quoteRefreshInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("permasync starting",
		slog.String("version", Version),
		slog.String("dir", cfg.SyncDir),
		slog.String("gateway", cfg.GatewayURL),
		slog.String("preference", cfg.PaymentPreference),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	rules := filter.Default()
	if cfg.RulesFile != "" {
		rules, err = filter.LoadFile(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("loading rules: %w", err)
		}

		logger.Info("rules loaded", slog.String("file", cfg.RulesFile))
	}

	gw := gateway.NewClient(nil, cfg.GatewayURL, cfg.PaymentServiceURL,
		cfg.WalletAddress, int64(cfg.CreditFeePercent), appState, logger)

	g, gctx := errgroup.WithContext(ctx)

	// The daemon client and the engine reference each other: progress
	// events flow daemon -> engine, submissions flow engine -> daemon.
	var engine *queue.Engine

	dc := daemon.NewClient(daemon.ClientConfig{
		Addr:   cfg.DaemonAddr,
		Device: cfg.DeviceName,
		OnEvent: func(ev queue.ProgressEvent) {
			engine.PublishEvent(ev)
		},
	}, logger)
	defer dc.Close()

	engine = queue.New(queue.Config{
		Exec:               dc,
		Balances:           gw,
		Prices:             gw,
		Lookup:             appState,
		FreeThresholdBytes: cfg.FreeThresholdBytes,
		Preference:         cfg.Preference(),
		SettleDelay:        cfg.SettleDelay,
		ApprovePacing:      cfg.ApprovePacing,
		OnBalanceRefresh: func() {
			// Fired from the engine loop; refreshing inline would block
			// the loop on its own command channel.
			go func() {
				if err := engine.RefreshQuotes(gctx); err != nil && gctx.Err() == nil {
					logger.Warn("refreshing quotes after completion", slog.String("error", err.Error()))
				}
			}()
		},
		OnUseRemote: func(item queue.PendingUpload) {
			logger.Info("keeping remote version",
				slog.String("path", item.LocalPath),
				slog.String("hash", item.ContentHash),
			)
		},
	}, logger)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		if err := dc.Connect(gctx); err != nil {
			return fmt.Errorf("connecting to execution daemon: %w", err)
		}

		if err := engine.RefreshQuotes(gctx); err != nil {
			return fmt.Errorf("initial quote refresh: %w", err)
		}

		if err := seedFromScan(gctx, cfg.SyncDir, appState, rules, engine, logger); err != nil {
			return err
		}

		return dc.Listen(gctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(quoteRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := engine.RefreshQuotes(gctx); err != nil && gctx.Err() == nil {
					logger.Warn("periodic quote refresh", slog.String("error", err.Error()))
				}
			}
		}
	})

	watcher := watch.New(cfg.SyncDir, engine, appState, rules, logger)
	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	return g.Wait()
}

// seedFromScan runs the startup sweep, persists the fresh local index,
// and queues every offline change for approval.
func seedFromScan(ctx context.Context, dir string, appState *state.State, rules *filter.Filter, engine *queue.Engine, logger *slog.Logger) error {
	result, err := scanner.Scan(dir, appState, rules, logger)
	if err != nil {
		return fmt.Errorf("scanning sync dir: %w", err)
	}

	for _, lf := range result.Current {
		if err := appState.SetLocalFile(lf); err != nil {
			logger.Warn("persisting local index entry",
				slog.String("path", lf.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, ch := range result.Changes {
		if _, err := engine.Add(ctx, ch); err != nil {
			logger.Warn("queueing scanned change",
				slog.String("path", ch.LocalPath),
				slog.String("operation", ch.Operation.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}
