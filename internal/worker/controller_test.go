package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/lock"
	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/notify"
	"scan-orchestrator/internal/queue"
	"scan-orchestrator/internal/store/memstore"
)

type harness struct {
	store    *memstore.Store
	queue    *queue.Queue
	sched    *queue.Scheduler
	notifier *notify.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memstore.New()
	return &harness{
		store:    st,
		queue:    queue.New(st),
		sched:    queue.NewScheduler(st, 3),
		notifier: notify.NewDispatcher(st, 100, 100, nil),
	}
}

func (h *harness) controller(opts Options) *Controller {
	if opts.WorkerID == "" {
		opts.WorkerID = "test-worker"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return NewController(h.queue, h.sched, h.notifier, opts)
}

func (h *harness) enqueue(t *testing.T, projectID, scanType string, options map[string]any) models.QueueItem {
	t.Helper()
	item, err := h.queue.Enqueue(context.Background(), models.NewQueueItem{ProjectID: projectID, ScanType: scanType, Options: options})
	require.NoError(t, err)
	return item
}

func (h *harness) notificationsByType(t *testing.T, projectID string) map[models.NotificationType]int {
	t.Helper()
	list, err := h.notifier.ListUnread(context.Background(), projectID, 100)
	require.NoError(t, err)
	out := make(map[models.NotificationType]int)
	for _, n := range list {
		out[n.Type]++
	}
	return out
}

func (h *harness) waitStatus(t *testing.T, id string, want models.QueueStatus) models.QueueItem {
	t.Helper()
	var item models.QueueItem
	require.Eventually(t, func() bool {
		var err error
		item, err = h.queue.Get(context.Background(), id)
		return err == nil && item.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return item
}

func TestStopMidRunFinishesCurrentItemOnly(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "p1", "lint", nil)
	second := h.enqueue(t, "p1", "lint", nil)

	entered := make(chan string, 1)
	release := make(chan struct{})
	ctrl := h.controller(Options{})
	ctrl.RegisterExecutor("lint", ExecutorFunc(func(ctx context.Context, item models.QueueItem, progress ProgressFunc) error {
		entered <- item.ID
		<-release
		progress(100, "done")
		return nil
	}))

	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)

	var runningID string
	select {
	case runningID = <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never invoked")
	}
	otherID := first.ID
	if runningID == first.ID {
		otherID = second.ID
	}

	st := ctrl.Stop()
	assert.True(t, st.IsRunning, "loop keeps running until the item finishes")
	assert.True(t, st.Stopping)
	require.NotNil(t, st.CurrentItemID)
	assert.Equal(t, runningID, *st.CurrentItemID)

	close(release)
	ctrl.Wait()

	done, err := h.queue.Get(context.Background(), runningID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Nil(t, done.WorkerID)

	other, err := h.queue.Get(context.Background(), otherID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, other.Status)

	final := ctrl.Status()
	assert.False(t, final.IsRunning)
	assert.Nil(t, final.CurrentItemID)
	assert.Equal(t, PhaseIdle, final.Phase)
}

func TestStartWhileStoppingKeepsWorkerRunning(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, "p1", "lint", nil)

	entered := make(chan string, 4)
	release := make(chan struct{})
	ctrl := h.controller(Options{})
	ctrl.RegisterExecutor("lint", ExecutorFunc(func(ctx context.Context, item models.QueueItem, progress ProgressFunc) error {
		entered <- item.ID
		if item.ID == first.ID {
			<-release
		}
		return nil
	}))

	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	select {
	case id := <-entered:
		require.Equal(t, first.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("executor never invoked")
	}

	assert.True(t, ctrl.Stop().Stopping)
	st, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsRunning)
	assert.False(t, st.Stopping, "start cancels the pending stop")

	close(release)
	h.waitStatus(t, first.ID, models.StatusCompleted)

	second := h.enqueue(t, "p1", "lint", nil)
	ctrl.Kick()
	h.waitStatus(t, second.ID, models.StatusCompleted)
	assert.True(t, ctrl.Status().IsRunning)

	ctrl.Stop()
	ctrl.Wait()
	assert.False(t, ctrl.Status().IsRunning)
}

func TestStopStartStopEndsStopped(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "p1", "lint", nil)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	ctrl := h.controller(Options{})
	ctrl.RegisterExecutor("lint", ExecutorFunc(func(ctx context.Context, _ models.QueueItem, _ ProgressFunc) error {
		entered <- struct{}{}
		<-release
		return nil
	}))

	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	<-entered

	ctrl.Stop()
	_, err = ctrl.Start(context.Background())
	require.NoError(t, err)
	st := ctrl.Stop()
	assert.True(t, st.Stopping)

	close(release)
	ctrl.Wait()
	h.waitStatus(t, item.ID, models.StatusCompleted)
	assert.False(t, ctrl.Status().IsRunning)
}

func TestEachTerminalTransitionNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ok := h.enqueue(t, "p1", "deps", map[string]any{"steps": 3})
	bad := h.enqueue(t, "p1", "deps", map[string]any{"should_fail": true})

	ctrl := h.controller(Options{})
	ctrl.SetDefaultExecutor(SimulatedExecutor{})
	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)

	h.waitStatus(t, ok.ID, models.StatusCompleted)
	failed := h.waitStatus(t, bad.ID, models.StatusFailed)
	ctrl.Stop()
	ctrl.Wait()

	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "should_fail")

	counts := h.notificationsByType(t, "p1")
	assert.Equal(t, 2, counts[models.NotificationScanStarted])
	assert.Equal(t, 1, counts[models.NotificationScanCompleted])
	assert.Equal(t, 1, counts[models.NotificationScanFailed])
}

func TestExecutorErrorsNeverStopTheLoop(t *testing.T) {
	h := newHarness(t)
	panicky := h.enqueue(t, "p1", "panics", nil)
	unknown := h.enqueue(t, "p1", "unregistered", nil)
	erring := h.enqueue(t, "p1", "errors", nil)

	ctrl := h.controller(Options{})
	ctrl.RegisterExecutor("panics", ExecutorFunc(func(context.Context, models.QueueItem, ProgressFunc) error {
		panic("index out of range")
	}))
	ctrl.RegisterExecutor("errors", ExecutorFunc(func(context.Context, models.QueueItem, ProgressFunc) error {
		return errors.New("analyzer crashed")
	}))
	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)

	p := h.waitStatus(t, panicky.ID, models.StatusFailed)
	u := h.waitStatus(t, unknown.ID, models.StatusFailed)
	e := h.waitStatus(t, erring.ID, models.StatusFailed)
	ctrl.Stop()
	ctrl.Wait()

	assert.Contains(t, *p.ErrorMessage, "panicked")
	assert.Contains(t, *u.ErrorMessage, "no executor registered")
	assert.Equal(t, "analyzer crashed", *e.ErrorMessage)
	assert.Equal(t, 3, h.notificationsByType(t, "p1")[models.NotificationScanFailed])
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctrl := h.controller(Options{})

	assert.False(t, ctrl.Stop().IsRunning, "stopping an idle controller is a no-op")
	ctrl.Wait()

	first, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	second, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, first.IsRunning)
	assert.True(t, second.IsRunning)

	ctrl.Stop()
	ctrl.Wait()
	assert.False(t, ctrl.Status().IsRunning)

	restarted, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, restarted.IsRunning)
	ctrl.Stop()
	ctrl.Wait()
}

func TestContextCancellationStopsIdleLoop(t *testing.T) {
	h := newHarness(t)
	ctrl := h.controller(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	_, err := ctrl.Start(ctx)
	require.NoError(t, err)
	cancel()
	ctrl.Wait()
	assert.False(t, ctrl.Status().IsRunning)
}

func TestScopedWorkerIgnoresOtherProjects(t *testing.T) {
	h := newHarness(t)
	mine := h.enqueue(t, "p1", "lint", nil)
	theirs := h.enqueue(t, "p2", "lint", nil)

	ctrl := h.controller(Options{ScopeProject: "p1"})
	ctrl.SetDefaultExecutor(SimulatedExecutor{})
	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	h.waitStatus(t, mine.ID, models.StatusCompleted)
	ctrl.Stop()
	ctrl.Wait()

	got, err := h.queue.Get(context.Background(), theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestRecoverExpiredFailsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	orphan := h.enqueue(t, "p1", "lint", nil)
	_, found, err := h.sched.Claim(ctx, "p1", "crashed-worker", -time.Second)
	require.NoError(t, err)
	require.True(t, found)

	ctrl := h.controller(Options{})
	n, err := ctrl.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.queue.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, leaseExpiredMessage, *got.ErrorMessage)

	n, err = ctrl.RecoverExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.notificationsByType(t, "p1")[models.NotificationScanFailed])
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	h := newHarness(t)
	item := h.enqueue(t, "p1", "slow", nil)

	release := make(chan struct{})
	ctrl := h.controller(Options{LeaseTTL: 300 * time.Millisecond})
	ctrl.RegisterExecutor("slow", ExecutorFunc(func(ctx context.Context, _ models.QueueItem, _ ProgressFunc) error {
		<-release
		return nil
	}))
	_, err := ctrl.Start(context.Background())
	require.NoError(t, err)
	h.waitStatus(t, item.ID, models.StatusRunning)

	time.Sleep(400 * time.Millisecond)
	n, err := ctrl.RecoverExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a heartbeating item is not an orphan")

	close(release)
	h.waitStatus(t, item.ID, models.StatusCompleted)
	ctrl.Stop()
	ctrl.Wait()
}

func TestSlotLeaseAllowsOneControllerPerSlot(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t)
	a := h.controller(Options{WorkerID: "a", Slot: lock.NewSlotLease(client, "default", "a", time.Minute)})
	b := h.controller(Options{WorkerID: "b", Slot: lock.NewSlotLease(client, "default", "b", time.Minute)})

	_, err = a.Start(context.Background())
	require.NoError(t, err)
	st, err := b.Start(context.Background())
	assert.ErrorIs(t, err, models.ErrSlotBusy)
	assert.False(t, st.IsRunning)

	a.Stop()
	a.Wait()

	_, err = b.Start(context.Background())
	require.NoError(t, err)
	b.Stop()
	b.Wait()
}
