package models

import (
	"fmt"
	"time"
)

// QueueStatus enumerates lifecycle states of a queue item.
type QueueStatus string

const (
	StatusQueued    QueueStatus = "queued"
	StatusRunning   QueueStatus = "running"
	StatusCompleted QueueStatus = "completed"
	StatusFailed    QueueStatus = "failed"
	StatusCancelled QueueStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s QueueStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var queueTransitions = map[QueueStatus][]QueueStatus{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// ValidateQueueTransition returns ErrInvalidTransition unless from→to is one of
// queued→running, queued→cancelled, running→completed, running→failed.
func ValidateQueueTransition(from, to QueueStatus) error {
	for _, allowed := range queueTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: queue item %s -> %s", ErrInvalidTransition, from, to)
}

// QueueItem is a scan job tracked by the queue.
type QueueItem struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	ScanType        string         `json:"scan_type"`
	ContextID       *string        `json:"context_id,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	Status          QueueStatus    `json:"status"`
	Priority        int            `json:"priority"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progress_message"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	WorkerID        *string        `json:"worker_id,omitempty"`
	LeaseExpiresAt  *time.Time     `json:"lease_expires_at,omitempty"`
	Seq             int64          `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

// RunsBefore reports whether a should be dequeued ahead of b: higher priority
// first, then earlier creation, then insertion order.
func (a QueueItem) RunsBefore(b QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// NewQueueItem collects the caller-supplied fields of an enqueue request.
type NewQueueItem struct {
	ProjectID string
	ScanType  string
	ContextID *string
	Options   map[string]any
}

// StatusUpdate is a status/progress write against a single item.
type StatusUpdate struct {
	Status   QueueStatus
	Progress *int
	Message  *string
	// Error is recorded on failed transitions.
	Error *string
}

// PriorityUpdate assigns a new priority to one queued item.
type PriorityUpdate struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
}

// ClampProgress bounds p to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ApplyStatusUpdate returns item with upd applied, enforcing the queue
// invariants: only legal transitions, progress clamped and non-decreasing
// while running, lease cleared once terminal. A write whose status equals the
// current running status is a progress update.
func ApplyStatusUpdate(item QueueItem, upd StatusUpdate, now time.Time) (QueueItem, error) {
	if !upd.Status.Valid() {
		return item, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, upd.Status)
	}
	progressOnly := upd.Status == item.Status && item.Status == StatusRunning
	if !progressOnly {
		if err := ValidateQueueTransition(item.Status, upd.Status); err != nil {
			return item, err
		}
	}

	switch upd.Status {
	case StatusRunning:
		if !progressOnly {
			item.StartedAt = &now
			item.Progress = 0
		}
	case StatusCompleted:
		item.Progress = 100
	}
	if upd.Progress != nil && item.Status == StatusRunning {
		if p := ClampProgress(*upd.Progress); p > item.Progress {
			item.Progress = p
		}
	}
	if upd.Message != nil {
		item.ProgressMessage = *upd.Message
	}
	if upd.Status == StatusFailed && upd.Error != nil {
		msg := *upd.Error
		item.ErrorMessage = &msg
	}
	if upd.Status.Terminal() {
		item.CompletedAt = &now
		item.WorkerID = nil
		item.LeaseExpiresAt = nil
	}
	item.Status = upd.Status
	return item, nil
}
