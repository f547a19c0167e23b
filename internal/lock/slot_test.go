package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/models"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSlotLeaseSingleOwner(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)

	a := NewSlotLease(client, "default", "worker-a", time.Minute)
	b := NewSlotLease(client, "default", "worker-b", time.Minute)

	require.NoError(t, a.Acquire(ctx))
	require.NoError(t, a.Acquire(ctx), "re-acquire by the owner refreshes")

	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, models.ErrSlotBusy)
	assert.ErrorIs(t, b.Refresh(ctx), models.ErrSlotBusy)

	require.NoError(t, b.Release(ctx), "release by a non-owner is a no-op")
	assert.ErrorIs(t, b.Acquire(ctx), models.ErrSlotBusy)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Acquire(ctx))
}

func TestSlotLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)

	a := NewSlotLease(client, "default", "worker-a", time.Second)
	b := NewSlotLease(client, "default", "worker-b", time.Second)
	require.NoError(t, a.Acquire(ctx))

	mr.FastForward(2 * time.Second)
	require.NoError(t, b.Acquire(ctx))
	assert.ErrorIs(t, a.Refresh(ctx), models.ErrSlotBusy)
}

func TestSlotsAreIndependent(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)

	require.NoError(t, NewSlotLease(client, "one", "a", time.Minute).Acquire(ctx))
	require.NoError(t, NewSlotLease(client, "two", "b", time.Minute).Acquire(ctx))
}
