package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scan-orchestrator/internal/models"
)

// Scheduler turns client orderings into persisted priorities and hands out
// the next runnable item.
type Scheduler struct {
	repo         Repository
	claimRetries int
}

// NewScheduler builds a scheduler. claimRetries bounds how many lost claim
// races are absorbed before giving up.
func NewScheduler(repo Repository, claimRetries int) *Scheduler {
	if claimRetries <= 0 {
		claimRetries = 5
	}
	return &Scheduler{repo: repo, claimRetries: claimRetries}
}

// Reorder persists a run order for a project's queued items. The listed ids
// run first in the given order; queued items the client did not list follow
// in their current order. With N queued items, position i receives priority
// N-i, so priorities are distinct and the first position runs next.
func (s *Scheduler) Reorder(ctx context.Context, projectID string, orderedIDs []string) ([]models.PriorityUpdate, error) {
	seen := make(map[string]struct{}, len(orderedIDs))
	for _, id := range orderedIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s in order", models.ErrInvalidArgument, id)
		}
		seen[id] = struct{}{}
	}

	queued, err := s.repo.ListQueueItems(ctx, projectID, []models.QueueStatus{models.StatusQueued})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]struct{}, len(queued))
	for _, it := range queued {
		byID[it.ID] = struct{}{}
	}

	order := make([]string, 0, len(queued)+len(orderedIDs))
	for _, id := range orderedIDs {
		if _, ok := byID[id]; !ok {
			item, err := s.repo.GetQueueItem(ctx, id)
			if err != nil {
				return nil, err
			}
			if item.ProjectID != projectID {
				return nil, fmt.Errorf("reorder: item %s belongs to another project: %w", id, models.ErrNotFound)
			}
			return nil, fmt.Errorf("reorder: item %s is %s: %w", id, item.Status, models.ErrConcurrentModification)
		}
		order = append(order, id)
	}
	for _, it := range queued {
		if _, listed := seen[it.ID]; !listed {
			order = append(order, it.ID)
		}
	}

	updates := PrioritiesFor(order)
	if err := s.repo.Reprioritize(ctx, updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// PrioritiesFor assigns N-index priorities to an ordered id list.
func PrioritiesFor(order []string) []models.PriorityUpdate {
	n := len(order)
	updates := make([]models.PriorityUpdate, n)
	for i, id := range order {
		updates[i] = models.PriorityUpdate{ID: id, Priority: n - i}
	}
	return updates
}

// Claim atomically moves the next eligible item to running for workerID.
// projectID limits the scope; empty means all projects. Lost races are
// retried against the next candidate.
func (s *Scheduler) Claim(ctx context.Context, projectID, workerID string, lease time.Duration) (models.QueueItem, bool, error) {
	var lastErr error
	for attempt := 0; attempt < s.claimRetries; attempt++ {
		item, found, err := s.repo.ClaimNext(ctx, projectID, workerID, time.Now().Add(lease))
		if err == nil {
			return item, found, nil
		}
		if !errors.Is(err, models.ErrConcurrentModification) {
			return models.QueueItem{}, false, err
		}
		lastErr = err
	}
	return models.QueueItem{}, false, fmt.Errorf("claim after %d attempts: %w", s.claimRetries, lastErr)
}
