package notify

import (
	"context"
	"fmt"
	"strings"

	"scan-orchestrator/internal/models"
)

func itemData(item models.QueueItem) map[string]any {
	data := map[string]any{
		"queue_item_id": item.ID,
		"scan_type":     item.ScanType,
		"status":        string(item.Status),
	}
	if item.ContextID != nil {
		data["context_id"] = *item.ContextID
	}
	return data
}

func scanLabel(item models.QueueItem) string {
	label := humanize(item.ScanType)
	if strings.HasSuffix(strings.ToLower(label), " scan") {
		return label
	}
	return label + " scan"
}

func humanize(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r == '_' || r == '-' {
			out[i] = ' '
		}
	}
	if len(out) > 0 && out[0] >= 'a' && out[0] <= 'z' {
		out[0] -= 'a' - 'A'
	}
	return string(out)
}

// ItemStarted announces queued→running.
func (d *Dispatcher) ItemStarted(ctx context.Context, item models.QueueItem) (models.Notification, error) {
	return d.Notify(ctx, item.ProjectID, models.NotificationScanStarted,
		scanLabel(item)+" started", fmt.Sprintf("%s is now running.", scanLabel(item)), itemData(item))
}

// ItemCompleted announces running→completed.
func (d *Dispatcher) ItemCompleted(ctx context.Context, item models.QueueItem) (models.Notification, error) {
	data := itemData(item)
	if item.StartedAt != nil && item.CompletedAt != nil {
		data["duration_ms"] = item.CompletedAt.Sub(*item.StartedAt).Milliseconds()
	}
	return d.Notify(ctx, item.ProjectID, models.NotificationScanCompleted,
		scanLabel(item)+" completed", fmt.Sprintf("%s finished successfully.", scanLabel(item)), data)
}

// ItemFailed announces running→failed with the captured error.
func (d *Dispatcher) ItemFailed(ctx context.Context, item models.QueueItem) (models.Notification, error) {
	reason := "unknown error"
	if item.ErrorMessage != nil && *item.ErrorMessage != "" {
		reason = *item.ErrorMessage
	}
	data := itemData(item)
	data["error"] = reason
	return d.Notify(ctx, item.ProjectID, models.NotificationScanFailed,
		scanLabel(item)+" failed", fmt.Sprintf("%s failed: %s", scanLabel(item), reason), data)
}
