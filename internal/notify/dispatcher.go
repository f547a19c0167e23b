package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/telemetry"
)

// Repository persists notifications.
type Repository interface {
	InsertNotification(ctx context.Context, n models.Notification) (models.Notification, error)
	ListUnreadNotifications(ctx context.Context, projectID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context, projectID string) (int64, error)
	PruneNotifications(ctx context.Context, olderThan time.Time) (int64, error)
}

// Dispatcher creates notifications for job lifecycle transitions and serves
// the read/unread contract.
type Dispatcher struct {
	repo         Repository
	defaultLimit int
	maxLimit     int
	logger       log.FieldLogger
}

// NewDispatcher builds a dispatcher. Non-positive limits fall back to 20/100.
func NewDispatcher(repo Repository, defaultLimit, maxLimit int, logger log.FieldLogger) *Dispatcher {
	if defaultLimit <= 0 {
		defaultLimit = 20
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{repo: repo, defaultLimit: defaultLimit, maxLimit: maxLimit, logger: logger}
}

// Notify records one notification.
func (d *Dispatcher) Notify(ctx context.Context, projectID string, typ models.NotificationType, title, message string, data map[string]any) (models.Notification, error) {
	if !typ.Valid() {
		return models.Notification{}, fmt.Errorf("%w: unknown notification type %q", models.ErrInvalidArgument, typ)
	}
	if strings.TrimSpace(projectID) == "" {
		return models.Notification{}, fmt.Errorf("%w: project id is required", models.ErrInvalidArgument)
	}
	n, err := d.repo.InsertNotification(ctx, models.Notification{
		ProjectID: projectID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
	})
	if err != nil {
		return models.Notification{}, err
	}
	telemetry.NotificationCounter.WithLabelValues(string(typ)).Inc()
	d.logger.WithFields(log.Fields{"project_id": projectID, "type": typ, "notification_id": n.ID}).Debug("notification created")
	return n, nil
}

// ListUnread returns unread notifications newest first, capped at limit.
func (d *Dispatcher) ListUnread(ctx context.Context, projectID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = d.defaultLimit
	}
	if limit > d.maxLimit {
		limit = d.maxLimit
	}
	out, err := d.repo.ListUnreadNotifications(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Notification{}
	}
	return out, nil
}

// MarkRead acknowledges one notification. Repeated calls succeed.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	return d.repo.MarkNotificationRead(ctx, id)
}

// MarkAllRead acknowledges every unread notification of a project.
func (d *Dispatcher) MarkAllRead(ctx context.Context, projectID string) (int64, error) {
	return d.repo.MarkAllNotificationsRead(ctx, projectID)
}

// PruneRead deletes read notifications older than the cutoff.
func (d *Dispatcher) PruneRead(ctx context.Context, olderThan time.Time) (int64, error) {
	return d.repo.PruneNotifications(ctx, olderThan)
}
