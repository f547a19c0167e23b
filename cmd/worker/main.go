package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scan-orchestrator/internal/app"
	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init services")
	}
	defer svc.Close()

	// A standalone worker always runs its loop. The API process may also
	// own one; the Redis slot lease keeps them from overlapping.
	st, err := svc.Worker.Start(ctx)
	if err != nil {
		logger.WithError(err).Error("worker start failed")
		return
	}
	logger.WithFields(log.Fields{
		"worker_id":     st.WorkerID,
		"scope_project": cfg.WorkerScopeProject,
		"lease_ttl":     cfg.LeaseTTL,
	}).Info("worker started")

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// The loop exits on its own when it loses the slot lease.
		svc.Worker.Wait()
		return errors.New("worker loop exited")
	})
	g.Go(func() error {
		<-gctx.Done()
		// Finish the item in flight before exiting.
		svc.Worker.Stop()
		svc.Worker.Wait()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("worker stopped")
	}
	logger.Info("worker shut down")
}
