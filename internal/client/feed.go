package client

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"scan-orchestrator/internal/models"
)

// DefaultNotificationExpiry is how long terminal scan notifications stay
// visible after creation.
const DefaultNotificationExpiry = 10 * time.Second

// Feed is the locally held notification list of one project. Terminal scan
// notifications drop out of the visible list after the expiry window without
// a server call; everything else stays until it is read.
type Feed struct {
	client    *Client
	projectID string
	expiry    time.Duration

	mu        sync.Mutex
	items     []models.Notification
	dismissed mapset.Set[string]
	lastErr   error
}

// NewFeed builds a feed for projectID.
func NewFeed(c *Client, projectID string, expiry time.Duration) *Feed {
	if expiry <= 0 {
		expiry = DefaultNotificationExpiry
	}
	return &Feed{
		client:    c,
		projectID: projectID,
		expiry:    expiry,
		dismissed: mapset.NewSet[string](),
	}
}

// Refresh replaces the list with the server's unread notifications. On error
// the previous list is kept and the error is returned for the caller to retry
// on its next tick.
func (f *Feed) Refresh(ctx context.Context, limit int) error {
	list, err := f.client.ListUnread(ctx, f.projectID, limit)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastErr = err
	if err != nil {
		return err
	}
	f.replace(list)
	return nil
}

func (f *Feed) replace(list []models.Notification) {
	seen := mapset.NewThreadUnsafeSetWithSize[string](len(list))
	items := make([]models.Notification, 0, len(list))
	for _, n := range list {
		if !seen.Add(n.ID) {
			continue
		}
		items = append(items, n)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	f.items = items
}

// Visible returns the notifications to show at now, newest first.
func (f *Feed) Visible(now time.Time) []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Notification, 0, len(f.items))
	for _, n := range f.items {
		if f.dismissed.Contains(n.ID) {
			continue
		}
		if n.Type.Terminal() && now.Sub(n.CreatedAt) >= f.expiry {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Stale reports whether the last refresh failed, meaning Visible shows the
// last known state.
func (f *Feed) Stale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr != nil
}

// Dismiss hides a notification immediately and marks it read on the server.
// If the server call fails the notification reappears.
func (f *Feed) Dismiss(ctx context.Context, id string) error {
	f.mu.Lock()
	f.dismissed.Add(id)
	f.mu.Unlock()

	if err := f.client.MarkRead(ctx, id); err != nil {
		f.mu.Lock()
		f.dismissed.Remove(id)
		f.mu.Unlock()
		return err
	}
	return nil
}
