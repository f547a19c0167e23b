package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scan-orchestrator/internal/models"
)

// SlotLease guards a worker slot across processes with a Redis key holding the
// owner's token. Only the owner can refresh or release it.
type SlotLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewSlotLease builds a lease for slot, held on behalf of owner.
func NewSlotLease(client *redis.Client, slot, owner string, ttl time.Duration) *SlotLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SlotLease{
		client: client,
		key:    fmt.Sprintf("worker:slot:%s", slot),
		owner:  owner,
		ttl:    ttl,
	}
}

// TTL is the lease lifetime; callers refresh well before it elapses.
func (l *SlotLease) TTL() time.Duration { return l.ttl }

// Acquire takes the slot. It returns ErrSlotBusy when another owner holds it.
// Re-acquiring a slot this owner already holds refreshes it.
func (l *SlotLease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire slot lease: %w", err)
	}
	if ok {
		return nil
	}
	if err := l.Refresh(ctx); err != nil {
		if errors.Is(err, models.ErrSlotBusy) {
			holder, _ := l.client.Get(ctx, l.key).Result()
			return fmt.Errorf("%w: held by %q", models.ErrSlotBusy, holder)
		}
		return err
	}
	return nil
}

// Refresh extends the lease if this owner still holds it.
func (l *SlotLease) Refresh(ctx context.Context) error {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh slot lease: %w", err)
	}
	if res == 0 {
		return models.ErrSlotBusy
	}
	return nil
}

// Release frees the slot if this owner holds it.
func (l *SlotLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release slot lease: %w", err)
	}
	return nil
}

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
