// Command chainwatchd runs one blockchain monitoring core process watching
// a single chain family, per the CHAIN environment variable.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/chainwatch/internal/app"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("chainwatchd: building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := app.Load()
	if err != nil {
		return fmt.Errorf("chainwatchd: loading config: %w", err)
	}

	svc, err := app.Build(cfg, log)
	if err != nil {
		return fmt.Errorf("chainwatchd: wiring services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{Addr: ":9090", Handler: svc.Metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", zap.Error(err))
		}
	}()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- svc.Run(ctx)
	}()

	log.Info("chainwatchd started", zap.String("chain", string(cfg.Chain)))

	monitorStopped := false
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-runErrCh:
		monitorStopped = true
		if err != nil && err != context.Canceled {
			log.Error("monitor exited unexpectedly", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server did not shut down cleanly", zap.Error(err))
	}

	if !monitorStopped {
		select {
		case <-runErrCh:
		case <-shutdownCtx.Done():
			log.Warn("monitor did not stop within the shutdown grace period")
		}
	}

	log.Info("chainwatchd stopped")
	return nil
}
