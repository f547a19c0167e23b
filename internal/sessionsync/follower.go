package sessionsync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/models"
)

// Cadence picks the poll interval: Active while any followed session is still
// working, Idle once all of them are terminal.
type Cadence struct {
	Active time.Duration
	Idle   time.Duration
}

// DefaultCadence polls every 3s while work is in flight and every 30s otherwise.
func DefaultCadence() Cadence {
	return Cadence{Active: 3 * time.Second, Idle: 30 * time.Second}
}

// Next returns the interval to wait before the next poll.
func (c Cadence) Next(sessions ...models.AutomationSession) time.Duration {
	for _, s := range sessions {
		if !s.Phase.Terminal() {
			return c.Active
		}
	}
	return c.Idle
}

// Fetcher reads a session with the events newer than after.
type Fetcher interface {
	SessionDetails(ctx context.Context, id string, after *time.Time) (models.SessionDetails, error)
}

// Follower polls one session and merges what it gets into a Timeline.
type Follower struct {
	fetch     Fetcher
	sessionID string
	cadence   Cadence
	timeline  *Timeline
	logger    log.FieldLogger
}

// NewFollower builds a follower for sessionID.
func NewFollower(fetch Fetcher, sessionID string, cadence Cadence, logger log.FieldLogger) *Follower {
	if cadence.Active <= 0 || cadence.Idle <= 0 {
		cadence = DefaultCadence()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Follower{
		fetch:     fetch,
		sessionID: sessionID,
		cadence:   cadence,
		timeline:  NewTimeline(),
		logger:    logger.WithField("session_id", sessionID),
	}
}

// Timeline exposes the merged state.
func (f *Follower) Timeline() *Timeline { return f.timeline }

// Poll fetches once from the current cursor. A failed fetch leaves the
// timeline untouched.
func (f *Follower) Poll(ctx context.Context) (int, error) {
	details, err := f.fetch.SessionDetails(ctx, f.sessionID, f.timeline.Cursor())
	if err != nil {
		return 0, err
	}
	return f.timeline.Merge(details), nil
}

// Interval is the wait before the next poll given the last known state.
func (f *Follower) Interval() time.Duration {
	sess, ok := f.timeline.Session()
	if !ok {
		return f.cadence.Active
	}
	return f.cadence.Next(sess)
}

// Run polls until ctx ends or the session reaches a terminal phase.
func (f *Follower) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		if _, err := f.Poll(ctx); err != nil {
			f.logger.WithError(err).Warn("session poll failed; keeping last state")
		} else if sess, ok := f.timeline.Session(); ok && sess.Phase.Terminal() {
			return nil
		}
		timer.Reset(f.Interval())
	}
}
