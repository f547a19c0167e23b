package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/api"
	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/session"
	"scan-orchestrator/internal/store/memstore"
	"scan-orchestrator/internal/worker"
)

type backend struct {
	notes    *notify.Dispatcher
	sessions *session.Tracker
}

func newServer(t *testing.T) (*Client, *backend) {
	t.Helper()
	st := memstore.New()
	q := queue.New(st)
	sched := queue.NewScheduler(st, 3)
	notes := notify.NewDispatcher(st, 20, 100, nil)
	tracker := session.NewTracker(st, nil)
	ctrl := worker.NewController(q, sched, notes, worker.Options{PollInterval: 10 * time.Millisecond})
	ctrl.SetDefaultExecutor(worker.SimulatedExecutor{})
	t.Cleanup(func() {
		ctrl.Stop()
		ctrl.Wait()
	})

	srv := httptest.NewServer(api.New(context.Background(), api.Deps{
		Queue:         q,
		Scheduler:     sched,
		Notifications: notes,
		Sessions:      tracker,
		Worker:        ctrl,
	}).Router())
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second), &backend{notes: notes, sessions: tracker}
}

func TestQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newServer(t)

	a, err := c.Enqueue(ctx, "p1", "lint", nil)
	require.NoError(t, err)
	b, err := c.Enqueue(ctx, "p1", "deps", map[string]any{"depth": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Priority)
	assert.Equal(t, 2, b.Priority)

	items, err := c.Reorder(ctx, "p1", []string{a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)

	cancelled, err := c.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	queued, err := c.ListQueue(ctx, "p1", models.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	require.NoError(t, c.Delete(ctx, b.ID))
	err = c.Delete(ctx, b.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	assert.False(t, IsTemporary(err))
}

func TestWorkerControlAndNotifications(t *testing.T) {
	ctx := context.Background()
	c, _ := newServer(t)

	st, err := c.StartWorker(ctx)
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	item, err := c.Enqueue(ctx, "p1", "lint", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list, err := c.ListUnread(ctx, "p1", 10)
		return err == nil && len(list) == 2
	}, 2*time.Second, 10*time.Millisecond)

	list, err := c.ListUnread(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationScanCompleted, list[0].Type)
	assert.Equal(t, item.ID, list[0].Data["queue_item_id"])

	n, err := c.MarkAllRead(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	st, err = c.StopWorker(ctx)
	require.NoError(t, err)
	assert.True(t, st.Stopping || !st.IsRunning)
	require.Eventually(t, func() bool {
		st, err := c.WorkerStatus(ctx)
		return err == nil && !st.IsRunning
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionDetailsWithCursor(t *testing.T) {
	ctx := context.Background()
	c, be := newServer(t)

	sess, err := be.sessions.Create(ctx, "p1", "")
	require.NoError(t, err)
	first, _, err := be.sessions.Advance(ctx, sess.ID, models.PhaseRunning, nil, nil)
	require.NoError(t, err)
	_, err = be.sessions.AppendEvent(ctx, sess.ID, models.EventFileRead, map[string]any{"path": "go.mod"})
	require.NoError(t, err)

	details, err := c.SessionDetails(ctx, sess.ID, &first.Timestamp)
	require.NoError(t, err)
	require.Len(t, details.Events, 1)
	assert.Equal(t, models.EventFileRead, details.Events[0].Type)

	active, err := c.ListSessions(ctx, "p1", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = c.SessionDetails(ctx, "missing", nil)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestFeedExpiresTerminalNotifications(t *testing.T) {
	ctx := context.Background()
	c, be := newServer(t)

	started, err := be.notes.Notify(ctx, "p1", models.NotificationScanStarted, "Lint scan started", "", nil)
	require.NoError(t, err)
	completed, err := be.notes.Notify(ctx, "p1", models.NotificationScanCompleted, "Lint scan completed", "", nil)
	require.NoError(t, err)

	feed := NewFeed(c, "p1", 0)
	require.NoError(t, feed.Refresh(ctx, 20))

	now := completed.CreatedAt.Add(time.Second)
	assert.Len(t, feed.Visible(now), 2)

	later := completed.CreatedAt.Add(DefaultNotificationExpiry)
	visible := feed.Visible(later)
	require.Len(t, visible, 1, "terminal notifications expire client-side")
	assert.Equal(t, started.ID, visible[0].ID)

	require.NoError(t, feed.Dismiss(ctx, started.ID))
	assert.Len(t, feed.Visible(now), 1)

	require.NoError(t, feed.Refresh(ctx, 20))
	assert.Len(t, feed.Visible(now), 1, "server now returns only the unread completion")
	assert.False(t, feed.Stale())
}

func TestFeedKeepsLastStateOnError(t *testing.T) {
	ctx := context.Background()
	var down atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/p1/notifications", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"store unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{"notifications":[{"id":"n1","project_id":"p1","notification_type":"auto_merge_completed","title":"Merged","created_at":"2026-01-01T00:00:00Z"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	feed := NewFeed(New(srv.URL, time.Second), "p1", 0)
	require.NoError(t, feed.Refresh(ctx, 0))
	down.Store(true)
	err := feed.Refresh(ctx, 0)
	require.Error(t, err)
	assert.True(t, IsTemporary(err))
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.True(t, feed.Stale())
	assert.Len(t, feed.Visible(time.Now()), 1)
}
