// Command recurringd is the recurring-order daemon: it wires the
// broker client, sheet adapter, notifier, order engine, scheduler,
// HTTP surface, and the supervisor that owns its process lifecycle
// (§4.7, §6.6).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/api"
	"github.com/castlepeak/ibkr-recurring/pkg/broker"
	"github.com/castlepeak/ibkr-recurring/pkg/config"
	"github.com/castlepeak/ibkr-recurring/pkg/engine"
	"github.com/castlepeak/ibkr-recurring/pkg/logging"
	"github.com/castlepeak/ibkr-recurring/pkg/notify"
	"github.com/castlepeak/ibkr-recurring/pkg/scheduler"
	"github.com/castlepeak/ibkr-recurring/pkg/sheet"
	"github.com/castlepeak/ibkr-recurring/pkg/supervisor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	sugarLogger, err := logging.New(logging.DefaultFileConfig(cfg.Supervisor.LogFile))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer sugarLogger.Sync()

	sup := supervisor.New(cfg.Supervisor.PIDFile, sugarLogger)
	if err := sup.AcquireOrFail(); err != nil {
		sugarLogger.Fatal("acquire_pid_lock_failed", zap.Error(err))
	}
	defer sup.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := func(ctx context.Context) error { return run(ctx, cfg, sugarLogger) }
	if err := supervisor.RunSupervised(ctx, loop, nil, sugarLogger); err != nil && ctx.Err() == nil {
		sugarLogger.Fatal("recurringd_failed", zap.Error(err))
	}
	sugarLogger.Info("recurringd_stopped")
}

// run wires and drives one generation of the daemon: broker session,
// sheet adapter, notifier, engine, scheduler, and HTTP surface. A
// non-nil return (anything short of a clean shutdown signal) is what
// triggers RunSupervised's crash-restart backoff (§4.7).
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	creds, err := broker.LoadCredentials(
		cfg.Broker.ConsumerKey, cfg.Broker.AccessToken, cfg.Broker.AccessTokenSecret,
		cfg.Broker.Realm, cfg.Broker.DHPrimeHex, cfg.Broker.SignatureKeyPath, cfg.Broker.EncryptionKeyPath,
	)
	if err != nil {
		return fmt.Errorf("load broker credentials: %w", err)
	}

	brokerClient := broker.New(creds, cfg.Broker.BaseURL, cfg.Broker.AccountID, cfg.Broker.RequestTimeout, nil, logger)
	brokerClient.StartTickler(ctx, cfg.Broker.TicklerInterval)

	sheetAdapter, err := sheet.New(ctx, cfg.Sheet.ServiceAccountJSON, cfg.Sheet.SpreadsheetURL, cfg.Sheet.WorksheetIndex, logger)
	if err != nil {
		return fmt.Errorf("init sheet adapter: %w", err)
	}

	notifier := notify.New(cfg.Notifier.WebhookURLs, cfg.Notifier.Timeout, logger)

	orderEngine := engine.New(brokerClient, sheetAdapter, notifier, cfg.Broker.AccountID, nil, logger)

	hour, minute := cfg.FireHourMinute()
	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load scheduler timezone: %w", err)
	}

	sched, err := scheduler.New(hour, minute, location,
		func(ctx context.Context, firedAt time.Time) {
			result, err := orderEngine.ExecuteDue(ctx, firedAt)
			if err != nil {
				logger.Warn("scheduled_execute_due_failed", zap.Error(err))
				return
			}
			logger.Info("scheduled_execute_due_completed",
				zap.Int("total", result.Total), zap.Int("success", result.Success), zap.Int("failure", result.Failure))
		},
		func(ctx context.Context, firedAt time.Time) {
			logger.Debug("health_tick", zap.Time("at", firedAt), zap.String("tickler_state", brokerClient.TicklerState().String()))
		},
		nil,
		logger,
	)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sched.Stop(stopCtx)
	}()

	httpServer := api.New(orderEngine, brokerClient, sched, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(cfg.HTTP.Port); err != nil {
			errCh <- err
		}
	}()

	logger.Info("recurringd_started",
		zap.String("environment", string(cfg.Environment)),
		zap.Int("fire_hour", hour), zap.Int("fire_minute", minute),
		zap.String("timezone", cfg.Scheduler.Timezone), zap.Int("http_port", cfg.HTTP.Port))

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}
