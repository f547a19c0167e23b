package models

import "time"

// NotificationType enumerates the events surfaced to users.
type NotificationType string

const (
	NotificationScanStarted        NotificationType = "scan_started"
	NotificationScanCompleted      NotificationType = "scan_completed"
	NotificationScanFailed         NotificationType = "scan_failed"
	NotificationAutoMergeCompleted NotificationType = "auto_merge_completed"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationScanStarted, NotificationScanCompleted, NotificationScanFailed, NotificationAutoMergeCompleted:
		return true
	}
	return false
}

// Terminal reports whether t announces the end of a job. Terminal
// notifications auto-expire from client lists.
func (t NotificationType) Terminal() bool {
	return t == NotificationScanCompleted || t == NotificationScanFailed
}

// Notification is a persisted, per-project user notification.
type Notification struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	Type      NotificationType `json:"notification_type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}
