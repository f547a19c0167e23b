package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"scan-orchestrator/internal/models"
)

// Repository is the persistence contract for queue items. Both the Postgres
// store and memstore satisfy it.
type Repository interface {
	InsertQueueItem(ctx context.Context, p models.NewQueueItem) (models.QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (models.QueueItem, error)
	ListQueueItems(ctx context.Context, projectID string, statuses []models.QueueStatus) ([]models.QueueItem, error)
	UpdateQueueStatus(ctx context.Context, id string, upd models.StatusUpdate) (models.QueueItem, error)
	Reprioritize(ctx context.Context, updates []models.PriorityUpdate) error
	DeleteQueueItem(ctx context.Context, id string) error
	ClaimNext(ctx context.Context, projectID, workerID string, leaseUntil time.Time) (models.QueueItem, bool, error)
	ExtendLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error
	ExpiredLeases(ctx context.Context, now time.Time) ([]models.QueueItem, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
	QueueDepth(ctx context.Context) (int64, error)
}

// Queue is the queue-store contract exposed to the API and the worker.
type Queue struct {
	repo Repository
}

// New wraps a repository.
func New(repo Repository) *Queue {
	return &Queue{repo: repo}
}

// Enqueue adds a job to the end of its project's run list.
func (q *Queue) Enqueue(ctx context.Context, p models.NewQueueItem) (models.QueueItem, error) {
	p.ProjectID = strings.TrimSpace(p.ProjectID)
	p.ScanType = strings.TrimSpace(p.ScanType)
	if p.ProjectID == "" {
		return models.QueueItem{}, fmt.Errorf("%w: project id is required", models.ErrInvalidArgument)
	}
	if p.ScanType == "" {
		return models.QueueItem{}, fmt.Errorf("%w: scan type is required", models.ErrInvalidArgument)
	}
	return q.repo.InsertQueueItem(ctx, p)
}

// Get fetches one item.
func (q *Queue) Get(ctx context.Context, id string) (models.QueueItem, error) {
	return q.repo.GetQueueItem(ctx, id)
}

// ListByProject returns a project's items in run order, optionally filtered by status.
func (q *Queue) ListByProject(ctx context.Context, projectID string, statuses ...models.QueueStatus) ([]models.QueueItem, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidArgument, s)
		}
	}
	return q.repo.ListQueueItems(ctx, projectID, statuses)
}

// UpdateStatus transitions an item and/or records progress.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status models.QueueStatus, progress *int, message *string) (models.QueueItem, error) {
	return q.repo.UpdateQueueStatus(ctx, id, models.StatusUpdate{Status: status, Progress: progress, Message: message})
}

// Fail moves a running item to failed with an error message.
func (q *Queue) Fail(ctx context.Context, id, reason string) (models.QueueItem, error) {
	return q.repo.UpdateQueueStatus(ctx, id, models.StatusUpdate{Status: models.StatusFailed, Error: &reason})
}

// Cancel moves a queued item to cancelled. Running items cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) (models.QueueItem, error) {
	return q.repo.UpdateQueueStatus(ctx, id, models.StatusUpdate{Status: models.StatusCancelled})
}

// Delete removes an item that is not running.
func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.repo.DeleteQueueItem(ctx, id)
}

// Reprioritize writes explicit priorities in one transaction.
func (q *Queue) Reprioritize(ctx context.Context, updates []models.PriorityUpdate) error {
	return q.repo.Reprioritize(ctx, updates)
}

// Depth counts queued items across projects.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.repo.QueueDepth(ctx)
}

// PurgeTerminal removes terminal items older than the cutoff.
func (q *Queue) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	return q.repo.PurgeTerminal(ctx, olderThan)
}

// Heartbeat extends the lease a worker holds on a running item.
func (q *Queue) Heartbeat(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	return q.repo.ExtendLease(ctx, id, workerID, leaseUntil)
}

// ExpiredLeases lists running items whose worker stopped heartbeating.
func (q *Queue) ExpiredLeases(ctx context.Context, now time.Time) ([]models.QueueItem, error) {
	return q.repo.ExpiredLeases(ctx, now)
}
