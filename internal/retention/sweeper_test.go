package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/archive"
	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/session"
	"scan-orchestrator/internal/store/memstore"
)

func TestSweepRemovesOnlyExpiredFinishedRecords(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	q := queue.New(st)
	sched := queue.NewScheduler(st, 3)
	notes := notify.NewDispatcher(st, 20, 100, nil)
	tracker := session.NewTracker(st, nil)

	done, err := q.Enqueue(ctx, models.NewQueueItem{ProjectID: "p1", ScanType: "lint"})
	require.NoError(t, err)
	_, _, err = sched.Claim(ctx, "p1", "w", time.Minute)
	require.NoError(t, err)
	_, err = q.UpdateStatus(ctx, done.ID, models.StatusCompleted, nil, nil)
	require.NoError(t, err)
	waiting, err := q.Enqueue(ctx, models.NewQueueItem{ProjectID: "p1", ScanType: "lint"})
	require.NoError(t, err)

	read, err := notes.Notify(ctx, "p1", models.NotificationScanCompleted, "done", "", nil)
	require.NoError(t, err)
	require.NoError(t, notes.MarkRead(ctx, read.ID))
	unread, err := notes.Notify(ctx, "p1", models.NotificationScanFailed, "failed", "", nil)
	require.NoError(t, err)

	sess, err := tracker.Create(ctx, "p1", "")
	require.NoError(t, err)
	_, _, err = tracker.Advance(ctx, sess.ID, models.PhaseRunning, nil, nil)
	require.NoError(t, err)
	_, _, err = tracker.Fail(ctx, sess.ID, "stopped")
	require.NoError(t, err)

	dir := t.TempDir()
	sw := NewSweeper(q, notes, tracker, archive.NewLocal(dir), Policy{
		QueueItems:    time.Hour,
		Notifications: time.Hour,
		Sessions:      time.Hour,
	}, nil)

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "nothing is old enough yet")

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{QueueItems: 1, Notifications: 1, Sessions: 1}, res)

	_, err = q.Get(ctx, waiting.ID)
	assert.NoError(t, err, "queued items are never purged")
	left, err := notes.ListUnread(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, unread.ID, left[0].ID)

	_, err = os.Stat(filepath.Join(dir, "sessions", "p1", sess.ID+".json"))
	assert.NoError(t, err, "session log archived before deletion")
}

func TestRunWithoutIntervalReturnsImmediately(t *testing.T) {
	sw := NewSweeper(nil, nil, nil, nil, Policy{}, nil)
	assert.NoError(t, sw.Run(context.Background()))
}
