package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"scan-orchestrator/internal/models"
)

const notificationColumns = `id, project_id, notification_type, title, message, data, read, created_at`

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	var typ string
	var data []byte
	if err := row.Scan(&n.ID, &n.ProjectID, &typ, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
		return models.Notification{}, err
	}
	n.Type = models.NotificationType(typ)
	payload, err := unmarshalData(data)
	if err != nil {
		return models.Notification{}, err
	}
	n.Data = payload
	return n, nil
}

// InsertNotification persists an unread notification.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) (models.Notification, error) {
	data, err := marshalData(n.Data)
	if err != nil {
		return models.Notification{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, project_id, notification_type, title, message, data, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING `+notificationColumns,
		uuid.New().String(), n.ProjectID, string(n.Type), n.Title, n.Message, data, s.timestamp())
	created, err := scanNotification(row)
	if err != nil {
		return models.Notification{}, storeErr("insert notification", err)
	}
	return created, nil
}

// ListUnreadNotifications returns up to limit unread notifications, newest first.
func (s *Store) ListUnreadNotifications(ctx context.Context, projectID string, limit int) ([]models.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE project_id = $1 AND NOT read
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, storeErr("list notifications", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storeErr("scan notification", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list notifications", err)
	}
	return out, nil
}

// MarkNotificationRead sets read=true. Marking an already-read notification
// succeeds.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return storeErr("mark notification read", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark notification %s read: %w", id, models.ErrNotFound)
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of a project and
// returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, projectID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE project_id = $1 AND NOT read`, projectID)
	if err != nil {
		return 0, storeErr("mark all notifications read", err)
	}
	return tag.RowsAffected(), nil
}

// PruneNotifications deletes read notifications created before olderThan.
func (s *Store) PruneNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notifications WHERE read AND created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, storeErr("prune notifications", err)
	}
	return tag.RowsAffected(), nil
}
