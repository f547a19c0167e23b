package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"scan-orchestrator/internal/models"
)

const queueItemColumns = `id, project_id, scan_type, context_id, options, status, priority, progress,
	progress_message, error_message, worker_id, lease_expires_at, seq, created_at, started_at, completed_at`

const dequeueOrder = `ORDER BY priority DESC, created_at ASC, seq ASC`

func scanQueueItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var status string
	var options []byte
	if err := row.Scan(&item.ID, &item.ProjectID, &item.ScanType, &item.ContextID, &options, &status,
		&item.Priority, &item.Progress, &item.ProgressMessage, &item.ErrorMessage, &item.WorkerID,
		&item.LeaseExpiresAt, &item.Seq, &item.CreatedAt, &item.StartedAt, &item.CompletedAt); err != nil {
		return models.QueueItem{}, err
	}
	item.Status = models.QueueStatus(status)
	opts, err := unmarshalData(options)
	if err != nil {
		return models.QueueItem{}, err
	}
	item.Options = opts
	return item, nil
}

func collectQueueItems(rows pgx.Rows) ([]models.QueueItem, error) {
	defer rows.Close()
	var out []models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// InsertQueueItem persists a new queued item with priority one above the
// highest queued priority in its project. Inserts for one project are
// serialized with an advisory lock so default priorities stay distinct.
func (s *Store) InsertQueueItem(ctx context.Context, p models.NewQueueItem) (models.QueueItem, error) {
	options, err := marshalData(p.Options)
	if err != nil {
		return models.QueueItem{}, err
	}

	var item models.QueueItem
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.ProjectID); err != nil {
			return storeErr("lock project queue", err)
		}
		var priority int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(priority), 0) + 1 FROM queue_items WHERE project_id = $1 AND status = $2
		`, p.ProjectID, string(models.StatusQueued)).Scan(&priority); err != nil {
			return storeErr("next priority", err)
		}

		now := s.timestamp()
		row := tx.QueryRow(ctx, `
			INSERT INTO queue_items (id, project_id, scan_type, context_id, options, status, priority, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			RETURNING `+queueItemColumns,
			uuid.New().String(), p.ProjectID, p.ScanType, p.ContextID, options, string(models.StatusQueued), priority, now)
		var err error
		item, err = scanQueueItem(row)
		if err != nil {
			return storeErr("insert queue item", err)
		}
		return nil
	})
	return item, err
}

// GetQueueItem fetches a queue item by id.
func (s *Store) GetQueueItem(ctx context.Context, id string) (models.QueueItem, error) {
	item, err := scanQueueItem(s.pool.QueryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1`, id))
	if err != nil {
		return models.QueueItem{}, storeErr("get queue item "+id, err)
	}
	return item, nil
}

// ListQueueItems returns a project's items in dequeue order, optionally
// filtered by status.
func (s *Store) ListQueueItems(ctx context.Context, projectID string, statuses []models.QueueStatus) ([]models.QueueItem, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueItemColumns+` FROM queue_items
		WHERE project_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		`+dequeueOrder, projectID, filter)
	if err != nil {
		return nil, storeErr("list queue items", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, storeErr("scan queue items", err)
	}
	return items, nil
}

// UpdateQueueStatus applies a status/progress write under a row lock.
func (s *Store) UpdateQueueStatus(ctx context.Context, id string, upd models.StatusUpdate) (models.QueueItem, error) {
	var updated models.QueueItem
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanQueueItem(tx.QueryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return storeErr("lock queue item "+id, err)
		}
		updated, err = models.ApplyStatusUpdate(current, upd, s.timestamp())
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE queue_items
			SET status = $2, progress = $3, progress_message = $4, error_message = $5, worker_id = $6,
			    lease_expires_at = $7, started_at = $8, completed_at = $9, updated_at = NOW()
			WHERE id = $1
		`, id, string(updated.Status), updated.Progress, updated.ProgressMessage, updated.ErrorMessage,
			updated.WorkerID, updated.LeaseExpiresAt, updated.StartedAt, updated.CompletedAt); err != nil {
			return storeErr("update queue item "+id, err)
		}
		return nil
	})
	return updated, err
}

// Reprioritize applies every priority update in one transaction. A missing id
// yields ErrNotFound and an item that left the queued state yields
// ErrConcurrentModification; in both cases nothing is written.
func (s *Store) Reprioritize(ctx context.Context, updates []models.PriorityUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, u := range updates {
			tag, err := tx.Exec(ctx, `
				UPDATE queue_items SET priority = $2, updated_at = NOW() WHERE id = $1 AND status = $3
			`, u.ID, u.Priority, string(models.StatusQueued))
			if err != nil {
				return storeErr("reprioritize "+u.ID, err)
			}
			if tag.RowsAffected() == 1 {
				continue
			}
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM queue_items WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
				return storeErr("reprioritize "+u.ID, err)
			}
			if !exists {
				return fmt.Errorf("reprioritize %s: %w", u.ID, models.ErrNotFound)
			}
			return fmt.Errorf("reprioritize %s: item no longer queued: %w", u.ID, models.ErrConcurrentModification)
		}
		return nil
	})
}

// DeleteQueueItem removes an item that is not currently running.
func (s *Store) DeleteQueueItem(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM queue_items WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			return storeErr("lock queue item "+id, err)
		}
		if models.QueueStatus(status) == models.StatusRunning {
			return fmt.Errorf("delete %s: %w: item is running", id, models.ErrInvalidTransition)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id); err != nil {
			return storeErr("delete queue item "+id, err)
		}
		return nil
	})
}

// ClaimNext selects the next queued item (optionally within one project) and
// moves it to running inside a single transaction. The final UPDATE is a
// compare-and-swap on status; losing it reports ErrConcurrentModification.
func (s *Store) ClaimNext(ctx context.Context, projectID, workerID string, leaseUntil time.Time) (models.QueueItem, bool, error) {
	var claimed models.QueueItem
	found := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM queue_items
			WHERE status = $1 AND ($2 = '' OR project_id = $2)
			`+dequeueOrder+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, string(models.StatusQueued), projectID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storeErr("select next queue item", err)
		}

		now := s.timestamp()
		row := tx.QueryRow(ctx, `
			UPDATE queue_items
			SET status = $2, progress = 0, started_at = $3, worker_id = $4, lease_expires_at = $5, updated_at = $3
			WHERE id = $1 AND status = $6
			RETURNING `+queueItemColumns,
			id, string(models.StatusRunning), now, workerID, leaseUntil.UTC(), string(models.StatusQueued))
		claimed, err = scanQueueItem(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("claim %s: %w", id, models.ErrConcurrentModification)
		}
		if err != nil {
			return storeErr("claim "+id, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return models.QueueItem{}, false, err
	}
	return claimed, found, nil
}

// ExtendLease pushes the lease of a running item forward. It fails with
// ErrConcurrentModification when the item is no longer held by workerID.
func (s *Store) ExtendLease(ctx context.Context, id, workerID string, leaseUntil time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items SET lease_expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND worker_id = $2 AND status = $4
	`, id, workerID, leaseUntil.UTC(), string(models.StatusRunning))
	if err != nil {
		return storeErr("extend lease "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("extend lease %s: %w", id, models.ErrConcurrentModification)
	}
	return nil
}

// ExpiredLeases returns running items whose lease ended before now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]models.QueueItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueItemColumns+` FROM queue_items
		WHERE status = $1 AND (lease_expires_at IS NULL OR lease_expires_at < $2)
	`, string(models.StatusRunning), now.UTC())
	if err != nil {
		return nil, storeErr("list expired leases", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, storeErr("scan expired leases", err)
	}
	return items, nil
}

// PurgeTerminal deletes terminal items that finished before olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE status = ANY($1::text[]) AND COALESCE(completed_at, updated_at) < $2
	`, []string{string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled)}, olderThan.UTC())
	if err != nil {
		return 0, storeErr("purge queue items", err)
	}
	return tag.RowsAffected(), nil
}

// QueueDepth counts queued items across all projects.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = $1`, string(models.StatusQueued)).Scan(&n); err != nil {
		return 0, storeErr("count queued items", err)
	}
	return n, nil
}
