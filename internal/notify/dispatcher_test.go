package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/store/memstore"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	var mu sync.Mutex
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(memstore.WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}))
	return NewDispatcher(st, 2, 3, nil)
}

func TestListUnreadNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	for _, title := range []string{"one", "two", "three", "four"} {
		_, err := d.Notify(ctx, "p1", models.NotificationAutoMergeCompleted, title, "", nil)
		require.NoError(t, err)
	}
	_, err := d.Notify(ctx, "p2", models.NotificationAutoMergeCompleted, "other", "", nil)
	require.NoError(t, err)

	got, err := d.ListUnread(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "default limit")
	assert.Equal(t, "four", got[0].Title)
	assert.Equal(t, "three", got[1].Title)

	got, err = d.ListUnread(ctx, "p1", 50)
	require.NoError(t, err)
	assert.Len(t, got, 3, "capped at max limit")

	empty, err := d.ListUnread(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	n, err := d.Notify(ctx, "p1", models.NotificationScanStarted, "t", "m", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.False(t, n.Read)

	require.NoError(t, d.MarkRead(ctx, n.ID))
	require.NoError(t, d.MarkRead(ctx, n.ID))

	got, err := d.ListUnread(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, d.MarkRead(ctx, "missing"), models.ErrNotFound)
}

func TestMarkAllRead(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	for i := 0; i < 3; i++ {
		_, err := d.Notify(ctx, "p1", models.NotificationScanCompleted, "t", "m", nil)
		require.NoError(t, err)
	}
	other, err := d.Notify(ctx, "p2", models.NotificationScanCompleted, "t", "m", nil)
	require.NoError(t, err)

	n, err := d.MarkAllRead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = d.MarkAllRead(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	left, err := d.ListUnread(ctx, "p2", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, other.ID, left[0].ID)
}

func TestNotifyValidates(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	_, err := d.Notify(ctx, "p1", models.NotificationType("party"), "t", "m", nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = d.Notify(ctx, " ", models.NotificationScanFailed, "t", "m", nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestTransitionNotifications(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)
	reason := "parser crashed"
	item := models.QueueItem{ID: "q1", ProjectID: "p1", ScanType: "vision_scan", StartedAt: &started, CompletedAt: &done}

	n, err := d.ItemStarted(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationScanStarted, n.Type)
	assert.Equal(t, "Vision scan started", n.Title)

	item.Status = models.StatusCompleted
	n, err = d.ItemCompleted(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationScanCompleted, n.Type)
	assert.EqualValues(t, 1500, n.Data["duration_ms"])
	assert.Equal(t, "q1", n.Data["queue_item_id"])

	item.Status = models.StatusFailed
	item.ErrorMessage = &reason
	n, err = d.ItemFailed(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationScanFailed, n.Type)
	assert.Contains(t, n.Message, "parser crashed")
}

func TestPruneRead(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)
	read, err := d.Notify(ctx, "p1", models.NotificationScanCompleted, "t", "m", nil)
	require.NoError(t, err)
	_, err = d.Notify(ctx, "p1", models.NotificationScanCompleted, "t", "m", nil)
	require.NoError(t, err)
	require.NoError(t, d.MarkRead(ctx, read.ID))

	n, err := d.PruneRead(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := d.ListUnread(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}
