// Package retention periodically removes finished work: terminal queue items,
// read notifications and terminal automation sessions (archived first).
package retention

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/archive"
	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/session"
)

// Policy sets how long each kind of record is kept once finished. A
// non-positive age disables that sweep.
type Policy struct {
	Interval      time.Duration
	QueueItems    time.Duration
	Notifications time.Duration
	Sessions      time.Duration
}

// PolicyFromConfig reads the RETENTION_* settings.
func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		Interval:      cfg.RetentionInterval,
		QueueItems:    cfg.RetentionQueueItems,
		Notifications: cfg.RetentionNotifications,
		Sessions:      cfg.RetentionSessions,
	}
}

// Result counts what one sweep removed.
type Result struct {
	QueueItems    int64
	Notifications int64
	Sessions      int
}

// Sweeper applies a Policy.
type Sweeper struct {
	queue    *queue.Queue
	notes    *notify.Dispatcher
	sessions *session.Tracker
	sink     archive.Sink
	policy   Policy
	logger   log.FieldLogger
	now      func() time.Time
}

// NewSweeper builds a sweeper; sink may be nil to delete sessions without archiving.
func NewSweeper(q *queue.Queue, notes *notify.Dispatcher, sessions *session.Tracker, sink archive.Sink, policy Policy, logger log.FieldLogger) *Sweeper {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sweeper{
		queue:    q,
		notes:    notes,
		sessions: sessions,
		sink:     sink,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps once per interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.policy.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.WithError(err).Warn("retention sweep incomplete")
			}
			s.logger.WithFields(log.Fields{
				"queue_items":   res.QueueItems,
				"notifications": res.Notifications,
				"sessions":      res.Sessions,
			}).Debug("retention sweep finished")
		}
	}
}

// Sweep runs every enabled pruning step once. A failing step does not stop
// the others; their errors are joined.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	now := s.now()

	if s.policy.QueueItems > 0 {
		n, err := s.queue.PurgeTerminal(ctx, now.Add(-s.policy.QueueItems))
		res.QueueItems = n
		errs = append(errs, err)
	}
	if s.policy.Notifications > 0 {
		n, err := s.notes.PruneRead(ctx, now.Add(-s.policy.Notifications))
		res.Notifications = n
		errs = append(errs, err)
	}
	if s.policy.Sessions > 0 {
		n, err := s.sessions.PruneFinished(ctx, now.Add(-s.policy.Sessions), s.sink)
		res.Sessions = n
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}
