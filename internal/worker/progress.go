package worker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/telemetry"
)

type progressWriter func(ctx context.Context, percent int, message string) error

// progressReporter coalesces executor progress into throttled store writes.
// 0%, 100% and message changes are written immediately; other updates wait
// for the limiter. The latest skipped value is written one interval later,
// or by flush if that comes first.
type progressReporter struct {
	ctx      context.Context
	write    progressWriter
	limiter  *rate.Limiter
	interval time.Duration
	logger   log.FieldLogger

	mu       sync.Mutex
	closed   bool
	written  bool
	lastPct  int
	lastMsg  string
	pending  bool
	pendPct  int
	pendMsg  string
	trailing *time.Timer
}

func newProgressReporter(ctx context.Context, interval time.Duration, write progressWriter, logger log.FieldLogger) *progressReporter {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &progressReporter{
		ctx:      ctx,
		write:    write,
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
		logger:   logger,
	}
}

func (r *progressReporter) report(percent int, message string) {
	percent = models.ClampProgress(percent)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.written && percent <= r.lastPct && message == r.lastMsg {
		return
	}
	milestone := percent == 0 || percent == 100 || message != r.lastMsg
	if !milestone && !r.limiter.Allow() {
		r.pending = true
		r.pendPct, r.pendMsg = percent, message
		if r.trailing == nil {
			r.trailing = time.AfterFunc(r.interval, r.writePending)
		}
		return
	}
	r.persist(percent, message)
}

func (r *progressReporter) writePending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trailing = nil
	if r.closed || !r.pending {
		return
	}
	r.limiter.Allow()
	r.persist(r.pendPct, r.pendMsg)
}

// flush writes the last coalesced update and ignores any later reports.
func (r *progressReporter) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trailing != nil {
		r.trailing.Stop()
		r.trailing = nil
	}
	if r.pending {
		r.persist(r.pendPct, r.pendMsg)
	}
	r.closed = true
}

func (r *progressReporter) persist(percent int, message string) {
	r.pending = false
	if err := r.write(r.ctx, percent, message); err != nil {
		r.logger.WithError(err).WithField("progress", percent).Warn("progress write failed")
		return
	}
	telemetry.ProgressWrites.Inc()
	r.written = true
	if percent > r.lastPct {
		r.lastPct = percent
	}
	r.lastMsg = message
}
