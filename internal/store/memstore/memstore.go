// Package memstore keeps queue items, notifications and automation sessions in
// process memory. It mirrors the Postgres store's semantics, including row
// level atomicity, and backs tests and single-process development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scan-orchestrator/internal/models"
)

// Store is a mutex-guarded in-memory implementation of the persistence layer.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	items   map[string]models.QueueItem
	itemSeq int64

	notifications map[string]models.Notification
	noteOrder     map[string]int64
	noteSeq       int64

	sessions map[string]*sessionRow
}

type sessionRow struct {
	session models.AutomationSession
	events  []models.SessionEvent
	last    *time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:           time.Now,
		items:         make(map[string]models.QueueItem),
		notifications: make(map[string]models.Notification),
		noteOrder:     make(map[string]int64),
		sessions:      make(map[string]*sessionRow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func copyData(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// InsertQueueItem stores a new queued item at max(queued priority)+1.
func (s *Store) InsertQueueItem(_ context.Context, p models.NewQueueItem) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	priority := 0
	for _, it := range s.items {
		if it.ProjectID == p.ProjectID && it.Status == models.StatusQueued && it.Priority > priority {
			priority = it.Priority
		}
	}
	s.itemSeq++
	item := models.QueueItem{
		ID:        uuid.New().String(),
		ProjectID: p.ProjectID,
		ScanType:  p.ScanType,
		ContextID: p.ContextID,
		Options:   copyData(p.Options),
		Status:    models.StatusQueued,
		Priority:  priority + 1,
		Seq:       s.itemSeq,
		CreatedAt: s.timestamp(),
	}
	s.items[item.ID] = item
	return item, nil
}

// GetQueueItem fetches an item by id.
func (s *Store) GetQueueItem(_ context.Context, id string) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("get queue item %s: %w", id, models.ErrNotFound)
	}
	return item, nil
}

func sortForDequeue(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].RunsBefore(items[j]) })
}

// ListQueueItems returns a project's items in dequeue order.
func (s *Store) ListQueueItems(_ context.Context, projectID string, statuses []models.QueueStatus) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.QueueItem
	for _, it := range s.items {
		if it.ProjectID != projectID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, it.Status) {
			continue
		}
		out = append(out, it)
	}
	sortForDequeue(out)
	return out, nil
}

func containsStatus(list []models.QueueStatus, s models.QueueStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// UpdateQueueStatus applies a status/progress write atomically.
func (s *Store) UpdateQueueStatus(_ context.Context, id string, upd models.StatusUpdate) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return models.QueueItem{}, fmt.Errorf("update queue item %s: %w", id, models.ErrNotFound)
	}
	updated, err := models.ApplyStatusUpdate(item, upd, s.timestamp())
	if err != nil {
		return models.QueueItem{}, err
	}
	s.items[id] = updated
	return updated, nil
}

// Reprioritize validates every update before applying any of them.
func (s *Store) Reprioritize(_ context.Context, updates []models.PriorityUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		item, ok := s.items[u.ID]
		if !ok {
			return fmt.Errorf("reprioritize %s: %w", u.ID, models.ErrNotFound)
		}
		if item.Status != models.StatusQueued {
			return fmt.Errorf("reprioritize %s: item no longer queued: %w", u.ID, models.ErrConcurrentModification)
		}
	}
	for _, u := range updates {
		item := s.items[u.ID]
		item.Priority = u.Priority
		s.items[u.ID] = item
	}
	return nil
}

// DeleteQueueItem removes a non-running item.
func (s *Store) DeleteQueueItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", id, models.ErrNotFound)
	}
	if item.Status == models.StatusRunning {
		return fmt.Errorf("delete %s: %w: item is running", id, models.ErrInvalidTransition)
	}
	delete(s.items, id)
	return nil
}

// ClaimNext moves the best queued item to running.
func (s *Store) ClaimNext(_ context.Context, projectID, workerID string, leaseUntil time.Time) (models.QueueItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.QueueItem
	for _, it := range s.items {
		if it.Status != models.StatusQueued || (projectID != "" && it.ProjectID != projectID) {
			continue
		}
		if best == nil || it.RunsBefore(*best) {
			candidate := it
			best = &candidate
		}
	}
	if best == nil {
		return models.QueueItem{}, false, nil
	}
	claimed, err := models.ApplyStatusUpdate(*best, models.StatusUpdate{Status: models.StatusRunning}, s.timestamp())
	if err != nil {
		return models.QueueItem{}, false, err
	}
	owner := workerID
	lease := leaseUntil.UTC()
	claimed.WorkerID = &owner
	claimed.LeaseExpiresAt = &lease
	s.items[claimed.ID] = claimed
	return claimed, true, nil
}

// ExtendLease pushes a running item's lease forward.
func (s *Store) ExtendLease(_ context.Context, id, workerID string, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != models.StatusRunning || item.WorkerID == nil || *item.WorkerID != workerID {
		return fmt.Errorf("extend lease %s: %w", id, models.ErrConcurrentModification)
	}
	lease := leaseUntil.UTC()
	item.LeaseExpiresAt = &lease
	s.items[id] = item
	return nil
}

// ExpiredLeases lists running items whose lease ended before now.
func (s *Store) ExpiredLeases(_ context.Context, now time.Time) ([]models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.QueueItem
	for _, it := range s.items {
		if it.Status == models.StatusRunning && (it.LeaseExpiresAt == nil || it.LeaseExpiresAt.Before(now)) {
			out = append(out, it)
		}
	}
	sortForDequeue(out)
	return out, nil
}

// PurgeTerminal removes terminal items finished before olderThan.
func (s *Store) PurgeTerminal(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, it := range s.items {
		if it.Status.Terminal() && it.CompletedAt != nil && it.CompletedAt.Before(olderThan) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// QueueDepth counts queued items.
func (s *Store) QueueDepth(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, it := range s.items {
		if it.Status == models.StatusQueued {
			n++
		}
	}
	return n, nil
}
