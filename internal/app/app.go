// Package app assembles the services shared by the API and worker processes.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/archive"
	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/lock"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/ratelimit"
	"scan-orchestrator/internal/retention"
	"scan-orchestrator/internal/session"
	"scan-orchestrator/internal/store"
	"scan-orchestrator/internal/store/memstore"
	"scan-orchestrator/internal/worker"
)

// Backend is everything the services persist through. Both the Postgres
// store and memstore implement it.
type Backend interface {
	queue.Repository
	notify.Repository
	session.Repository
	Ping(ctx context.Context) error
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// Services is one process's wiring.
type Services struct {
	Backend       Backend
	Redis         *redis.Client
	Queue         *queue.Queue
	Scheduler     *queue.Scheduler
	Notifications *notify.Dispatcher
	Sessions      *session.Tracker
	Worker        *worker.Controller
	Limiter       *ratelimit.EnqueueLimiter
	Archive       archive.Sink
	Sweeper       *retention.Sweeper

	closers []func()
}

// Build opens the store (and Redis when configured) and wires every service.
// The worker controller is created but not started.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*Services, error) {
	s := &Services{}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.Backend = backend
	if pg, ok := backend.(*store.Store); ok {
		s.closers = append(s.closers, pg.Close)
	}

	if cfg.RedisAddr != "" {
		s.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		client := s.Redis
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.Limiter = ratelimit.NewEnqueueLimiter(s.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
	}

	s.Queue = queue.New(backend)
	s.Scheduler = queue.NewScheduler(backend, cfg.ClaimRetries)
	s.Notifications = notify.NewDispatcher(backend, cfg.NotificationDefaultLimit, cfg.NotificationMaxLimit, logger)
	s.Sessions = session.NewTracker(backend, logger)

	opts := worker.OptionsFromConfig(cfg)
	opts.Logger = logger
	if s.Redis != nil {
		opts.Slot = lock.NewSlotLease(s.Redis, cfg.WorkerSlot, cfg.WorkerID, cfg.LeaseTTL)
	}
	s.Worker = worker.NewController(s.Queue, s.Scheduler, s.Notifications, opts)
	s.Worker.SetDefaultExecutor(worker.SimulatedExecutor{})

	s.Archive, err = archive.New(ctx, cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Sweeper = retention.NewSweeper(s.Queue, s.Notifications, s.Sessions, s.Archive, retention.PolicyFromConfig(cfg), logger)
	return s, nil
}

func openBackend(ctx context.Context, cfg config.Config, logger *log.Logger) (Backend, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store; state is lost on exit")
		return memstore.New(), nil
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// Close releases connections in reverse order of opening.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
