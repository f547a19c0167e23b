package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/telemetry"
)

// SlotPhase is where the worker slot is in its claim/run cycle.
type SlotPhase string

const (
	PhaseIdle       SlotPhase = "idle"
	PhaseClaiming   SlotPhase = "claiming"
	PhaseRunning    SlotPhase = "running"
	PhaseCompleting SlotPhase = "completing"
	PhaseFailing    SlotPhase = "failing"
)

const leaseExpiredMessage = "worker lease expired"

// Status is the externally visible state of a controller.
type Status struct {
	IsRunning     bool      `json:"is_running"`
	Stopping      bool      `json:"stopping"`
	CurrentItemID *string   `json:"current_item_id,omitempty"`
	Phase         SlotPhase `json:"phase"`
	WorkerID      string    `json:"worker_id"`
}

// Notifier announces queue item transitions.
type Notifier interface {
	ItemStarted(ctx context.Context, item models.QueueItem) (models.Notification, error)
	ItemCompleted(ctx context.Context, item models.QueueItem) (models.Notification, error)
	ItemFailed(ctx context.Context, item models.QueueItem) (models.Notification, error)
}

// Slot is a cross-process guard ensuring one loop per worker slot.
type Slot interface {
	Acquire(ctx context.Context) error
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
	TTL() time.Duration
}

// Options tunes a Controller.
type Options struct {
	WorkerID         string
	ScopeProject     string
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	RecoveryInterval time.Duration
	ProgressInterval time.Duration
	Slot             Slot
	Logger           log.FieldLogger
}

// OptionsFromConfig maps runtime configuration onto controller options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:         cfg.WorkerID,
		ScopeProject:     cfg.WorkerScopeProject,
		PollInterval:     cfg.WorkerPollInterval,
		LeaseTTL:         cfg.LeaseTTL,
		RecoveryInterval: cfg.RecoveryInterval,
		ProgressInterval: cfg.ProgressWriteInterval,
	}
}

// Controller owns one worker slot: a single claim-and-run loop that can be
// started and cooperatively stopped.
type Controller struct {
	queue    *queue.Queue
	sched    *queue.Scheduler
	notifier Notifier
	opts     Options
	logger   log.FieldLogger

	execMu    sync.RWMutex
	executors map[string]Executor
	fallback  Executor

	kick chan struct{}

	mu       sync.Mutex
	running  bool
	stopping bool
	phase    SlotPhase
	current  *string
	stop     chan struct{}
	done     chan struct{}
	// restart holds the context of a Start that arrived while stopping.
	restart  context.Context
}

// NewController wires a controller. It does not start the loop.
func NewController(q *queue.Queue, sched *queue.Scheduler, notifier Notifier, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = time.Minute
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		queue:     q,
		sched:     sched,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.WithField("worker_id", opts.WorkerID),
		executors: make(map[string]Executor),
		kick:      make(chan struct{}, 1),
		phase:     PhaseIdle,
	}
}

// RegisterExecutor binds an executor to a scan type.
func (c *Controller) RegisterExecutor(scanType string, exec Executor) {
	if scanType == "" || exec == nil {
		return
	}
	c.execMu.Lock()
	defer c.execMu.Unlock()
	c.executors[scanType] = exec
}

// SetDefaultExecutor handles scan types without a registered executor.
func (c *Controller) SetDefaultExecutor(exec Executor) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	c.fallback = exec
}

// Start launches the loop; ctx bounds its lifetime. Starting a running
// controller is a no-op that reports the current status. Starting one that
// is stopping cancels the stop: the loop finishes its current item and then
// keeps claiming. When a Slot is configured and held elsewhere, Start fails
// with ErrSlotBusy.
func (c *Controller) Start(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		if c.stopping {
			c.restart = ctx
			c.stopping = false
			c.logger.Info("worker restart queued behind stop")
		}
		return c.statusLocked(), nil
	}
	if c.opts.Slot != nil {
		if err := c.opts.Slot.Acquire(ctx); err != nil {
			return c.statusLocked(), err
		}
	}
	c.running = true
	c.stopping = false
	c.phase = PhaseIdle
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(ctx, c.stop, c.done)
	c.logger.WithField("scope", c.opts.ScopeProject).Info("worker started")
	return c.statusLocked(), nil
}

// Stop asks the loop to exit once the in-flight item, if any, reaches a
// terminal state. It never interrupts the executor.
func (c *Controller) Stop() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.running || c.stopping:
	case c.restart != nil:
		// The stop channel is already closed; drop the queued restart.
		c.restart = nil
		c.stopping = true
	default:
		c.stopping = true
		close(c.stop)
		c.logger.Info("worker stop requested")
	}
	return c.statusLocked()
}

// Wait blocks until the loop has exited. It returns immediately when the
// controller was never started.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Status reports whether the loop runs and which item it holds.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		IsRunning: c.running,
		Stopping:  c.stopping,
		Phase:     c.phase,
		WorkerID:  c.opts.WorkerID,
	}
	if c.current != nil {
		id := *c.current
		st.CurrentItemID = &id
	}
	return st
}

// Kick wakes an idle loop so a fresh enqueue is picked up without waiting
// for the next poll.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Controller) setPhase(phase SlotPhase, itemID *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
	c.current = itemID
}

func (c *Controller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		c.run(ctx, stop)
		var again bool
		if ctx, stop, again = c.finish(); !again {
			return
		}
	}
}

// run claims and processes items until ctx ends, stop closes or the slot
// lease is lost.
func (c *Controller) run(ctx context.Context, stop <-chan struct{}) {
	slotLost := make(chan struct{})
	if c.opts.Slot != nil {
		slotCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.holdSlot(slotCtx, slotLost)
	}

	if _, err := c.RecoverExpired(ctx); err != nil {
		c.logger.WithError(err).Warn("lease recovery failed")
	}
	lastRecovery := time.Now()

	for {
		if halted(ctx, stop, slotLost) {
			return
		}
		if time.Since(lastRecovery) >= c.opts.RecoveryInterval {
			if _, err := c.RecoverExpired(ctx); err != nil {
				c.logger.WithError(err).Warn("lease recovery failed")
			}
			lastRecovery = time.Now()
		}

		c.setPhase(PhaseClaiming, nil)
		item, found, err := c.sched.Claim(ctx, c.opts.ScopeProject, c.opts.WorkerID, c.opts.LeaseTTL)
		c.reportDepth(ctx)
		if err != nil || !found {
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.WithError(err).Warn("claim failed")
			}
			c.setPhase(PhaseIdle, nil)
			if !c.idle(ctx, stop, slotLost) {
				return
			}
			continue
		}

		// The item runs to a terminal state even if ctx ends meanwhile.
		c.process(context.WithoutCancel(ctx), item)
		c.setPhase(PhaseIdle, nil)
	}
}

func halted(ctx context.Context, stop, slotLost <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	case <-slotLost:
		return true
	default:
		return false
	}
}

// idle waits for the next poll tick or a kick; false means exit the loop.
func (c *Controller) idle(ctx context.Context, stop, slotLost <-chan struct{}) bool {
	timer := time.NewTimer(c.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-slotLost:
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

// finish ends one run of the loop. A restart queued by Start gets a fresh
// run; otherwise the slot is released and the controller marked stopped.
// A concurrent Start either queues a restart or sees a stopped controller.
func (c *Controller) finish() (context.Context, <-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseIdle
	c.current = nil

	if next := c.restart; next != nil {
		c.restart = nil
		err := next.Err()
		if err == nil && c.opts.Slot != nil {
			err = c.opts.Slot.Acquire(next)
		}
		if err == nil {
			c.stop = make(chan struct{})
			c.logger.Info("worker restarted")
			return next, c.stop, true
		}
		c.logger.WithError(err).Warn("worker restart failed")
	}

	if c.opts.Slot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.opts.Slot.Release(ctx); err != nil {
			c.logger.WithError(err).Warn("release worker slot failed")
		}
		cancel()
	}
	c.running = false
	c.stopping = false
	c.logger.Info("worker stopped")
	return nil, nil, false
}

// holdSlot refreshes the slot lease and closes lost if another owner takes it.
func (c *Controller) holdSlot(ctx context.Context, lost chan<- struct{}) {
	interval := c.opts.Slot.TTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.opts.Slot.Refresh(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, models.ErrSlotBusy) {
				c.logger.Error("worker slot lease lost; stopping after current item")
				close(lost)
				return
			}
			c.logger.WithError(err).Warn("refresh worker slot failed")
		}
	}
}

func (c *Controller) reportDepth(ctx context.Context) {
	if depth, err := c.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// process runs one claimed item and records exactly one terminal transition.
func (c *Controller) process(ctx context.Context, item models.QueueItem) {
	logger := c.logger.WithFields(log.Fields{
		"item_id":    item.ID,
		"project_id": item.ProjectID,
		"scan_type":  item.ScanType,
	})
	id := item.ID
	c.setPhase(PhaseRunning, &id)
	telemetry.ClaimCounter.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	started := time.Now()
	logger.Info("scan started")

	if _, err := c.notifier.ItemStarted(ctx, item); err != nil {
		logger.WithError(err).Warn("scan_started notification failed")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(hbCtx, item.ID, logger)
	}()

	reporter := newProgressReporter(ctx, c.opts.ProgressInterval, func(ctx context.Context, pct int, msg string) error {
		_, err := c.queue.UpdateStatus(ctx, item.ID, models.StatusRunning, &pct, &msg)
		return err
	}, logger)
	runErr := c.execute(ctx, item, reporter.report)
	reporter.flush()
	stopHeartbeat()
	<-hbDone

	if runErr == nil {
		c.setPhase(PhaseCompleting, &id)
		done, err := c.queue.UpdateStatus(ctx, item.ID, models.StatusCompleted, nil, nil)
		if err != nil {
			logger.WithError(err).Error("mark completed failed")
			return
		}
		telemetry.WorkerSuccess.Inc()
		telemetry.JobDuration.Observe(time.Since(started).Seconds())
		logger.WithField("duration", time.Since(started)).Info("scan completed")
		if _, err := c.notifier.ItemCompleted(ctx, done); err != nil {
			logger.WithError(err).Warn("scan_completed notification failed")
		}
		return
	}

	c.setPhase(PhaseFailing, &id)
	logger.WithError(fmt.Errorf("%w: %w", models.ErrExecutorFailure, runErr)).Warn("scan failed")
	failed, err := c.queue.Fail(ctx, item.ID, runErr.Error())
	if err != nil {
		logger.WithError(err).Error("mark failed failed")
		return
	}
	telemetry.WorkerFailures.Inc()
	telemetry.JobDuration.Observe(time.Since(started).Seconds())
	if _, err := c.notifier.ItemFailed(ctx, failed); err != nil {
		logger.WithError(err).Warn("scan_failed notification failed")
	}
}

// execute runs the item's executor; a panic becomes an ordinary error.
func (c *Controller) execute(ctx context.Context, item models.QueueItem, progress ProgressFunc) (err error) {
	c.execMu.RLock()
	exec, ok := c.executors[item.ScanType]
	if !ok {
		exec = c.fallback
	}
	c.execMu.RUnlock()
	if exec == nil {
		return fmt.Errorf("no executor registered for scan type %q", item.ScanType)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return exec.Run(ctx, item, progress)
}

func (c *Controller) heartbeat(ctx context.Context, itemID string, logger log.FieldLogger) {
	ticker := time.NewTicker(c.opts.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.queue.Heartbeat(ctx, itemID, c.opts.WorkerID, time.Now().Add(c.opts.LeaseTTL))
			if err == nil {
				continue
			}
			if errors.Is(err, models.ErrConcurrentModification) {
				logger.Warn("lease no longer held; item was recovered elsewhere")
				return
			}
			logger.WithError(err).Warn("lease heartbeat failed")
		}
	}
}

// RecoverExpired fails running items whose lease has lapsed, emitting one
// scan_failed notification per recovered item. Orphans are never requeued.
func (c *Controller) RecoverExpired(ctx context.Context) (int, error) {
	expired, err := c.queue.ExpiredLeases(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, item := range expired {
		failed, err := c.queue.Fail(ctx, item.ID, leaseExpiredMessage)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		telemetry.LeaseRecoveries.Inc()
		c.logger.WithFields(log.Fields{"item_id": item.ID, "project_id": item.ProjectID}).Warn("failed orphaned scan")
		if _, err := c.notifier.ItemFailed(ctx, failed); err != nil {
			c.logger.WithError(err).Warn("scan_failed notification failed")
		}
	}
	return recovered, nil
}
