package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scan-orchestrator/internal/api"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("init services")
	}
	defer svc.Close()

	deps := api.Deps{
		Queue:         svc.Queue,
		Scheduler:     svc.Scheduler,
		Notifications: svc.Notifications,
		Sessions:      svc.Sessions,
		Worker:        svc.Worker,
		Health:        svc.Backend,
		Logger:        logger,
	}
	if svc.Limiter != nil {
		deps.Limiter = svc.Limiter
	}
	server := api.New(ctx, deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.WorkerAutoStart {
		if _, err := svc.Worker.Start(ctx); err != nil {
			logger.WithError(err).Warn("worker autostart failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", httpServer.Addr).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return svc.Sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("api stopped")
	}
	svc.Worker.Stop()
	svc.Worker.Wait()
	logger.Info("api shut down")
}
