// Package client is a typed HTTP client for the scan orchestrator API, used
// by pollers such as dashboards and the session follower.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"scan-orchestrator/internal/models"
	"scan-orchestrator/internal/worker"
)

// APIError is a non-2xx reply from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back onto the shared error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusBadRequest:
		return models.ErrInvalidArgument
	case http.StatusServiceUnavailable:
		return models.ErrStoreUnavailable
	default:
		return nil
	}
}

// Temporary reports whether retrying on the next poll may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type errorBody struct {
	Error string `json:"error"`
}

// ReqCallback customizes one request.
type ReqCallback func(req *resty.Request)

// Client calls the API over HTTP.
type Client struct {
	http *resty.Client
}

// New builds a client for baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")}
}

func (c *Client) request(ctx context.Context, method, path string, callback ReqCallback, out any) error {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if callback != nil {
		callback(req)
	}
	if out != nil {
		req.SetResult(out)
	}
	res, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if res.IsError() {
		msg := http.StatusText(res.StatusCode())
		if body, ok := res.Error().(*errorBody); ok && body.Error != "" {
			msg = body.Error
		}
		return &APIError{StatusCode: res.StatusCode(), Message: msg}
	}
	return nil
}

// Enqueue adds a scan to a project's queue.
func (c *Client) Enqueue(ctx context.Context, projectID, scanType string, options map[string]any) (models.QueueItem, error) {
	var item models.QueueItem
	err := c.request(ctx, http.MethodPost, "/projects/{projectID}/queue", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID).
			SetBody(map[string]any{"scan_type": scanType, "options": options})
	}, &item)
	return item, err
}

// ListQueue lists a project's items in run order.
func (c *Client) ListQueue(ctx context.Context, projectID string, statuses ...models.QueueStatus) ([]models.QueueItem, error) {
	var resp struct {
		Items []models.QueueItem `json:"items"`
	}
	err := c.request(ctx, http.MethodGet, "/projects/{projectID}/queue", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID)
		if len(statuses) > 0 {
			parts := make([]string, len(statuses))
			for i, s := range statuses {
				parts[i] = string(s)
			}
			req.SetQueryParam("status", strings.Join(parts, ","))
		}
	}, &resp)
	return resp.Items, err
}

// Reorder submits a run order for a project's queued items.
func (c *Client) Reorder(ctx context.Context, projectID string, ids []string) ([]models.QueueItem, error) {
	var resp struct {
		Items []models.QueueItem `json:"items"`
	}
	err := c.request(ctx, http.MethodPut, "/projects/{projectID}/queue/order", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID).SetBody(map[string]any{"ids": ids})
	}, &resp)
	return resp.Items, err
}

// Cancel cancels a queued item.
func (c *Client) Cancel(ctx context.Context, id string) (models.QueueItem, error) {
	var item models.QueueItem
	err := c.request(ctx, http.MethodPost, "/queue/{id}/cancel", func(req *resty.Request) {
		req.SetPathParam("id", id)
	}, &item)
	return item, err
}

// Delete removes a non-running item.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/queue/{id}", func(req *resty.Request) {
		req.SetPathParam("id", id)
	}, nil)
}

// StartWorker starts the API's worker slot.
func (c *Client) StartWorker(ctx context.Context) (worker.Status, error) {
	var st worker.Status
	err := c.request(ctx, http.MethodPost, "/worker/start", nil, &st)
	return st, err
}

// StopWorker requests a cooperative stop.
func (c *Client) StopWorker(ctx context.Context) (worker.Status, error) {
	var st worker.Status
	err := c.request(ctx, http.MethodPost, "/worker/stop", nil, &st)
	return st, err
}

// WorkerStatus reads the worker slot state.
func (c *Client) WorkerStatus(ctx context.Context) (worker.Status, error) {
	var st worker.Status
	err := c.request(ctx, http.MethodGet, "/worker/status", nil, &st)
	return st, err
}

// ListUnread fetches unread notifications, newest first.
func (c *Client) ListUnread(ctx context.Context, projectID string, limit int) ([]models.Notification, error) {
	var resp struct {
		Notifications []models.Notification `json:"notifications"`
	}
	err := c.request(ctx, http.MethodGet, "/projects/{projectID}/notifications", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID)
		if limit > 0 {
			req.SetQueryParam("limit", strconv.Itoa(limit))
		}
	}, &resp)
	return resp.Notifications, err
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodPost, "/notifications/{id}/read", func(req *resty.Request) {
		req.SetPathParam("id", id)
	}, nil)
}

// MarkAllRead marks every unread notification of a project.
func (c *Client) MarkAllRead(ctx context.Context, projectID string) (int64, error) {
	var resp struct {
		Marked int64 `json:"marked"`
	}
	err := c.request(ctx, http.MethodPost, "/projects/{projectID}/notifications/read-all", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID)
	}, &resp)
	return resp.Marked, err
}

// ListSessions lists a project's automation sessions.
func (c *Client) ListSessions(ctx context.Context, projectID string, activeOnly bool) ([]models.AutomationSession, error) {
	var resp struct {
		Sessions []models.AutomationSession `json:"sessions"`
	}
	err := c.request(ctx, http.MethodGet, "/projects/{projectID}/sessions", func(req *resty.Request) {
		req.SetPathParam("projectID", projectID)
		if activeOnly {
			req.SetQueryParam("active", "true")
		}
	}, &resp)
	return resp.Sessions, err
}

// SessionDetails fetches a session and its events newer than after.
func (c *Client) SessionDetails(ctx context.Context, id string, after *time.Time) (models.SessionDetails, error) {
	var details models.SessionDetails
	err := c.request(ctx, http.MethodGet, "/sessions/{id}", func(req *resty.Request) {
		req.SetPathParam("id", id)
		if after != nil {
			req.SetQueryParam("after", after.UTC().Format(time.RFC3339Nano))
		}
	}, &details)
	return details, err
}

// IsTemporary reports whether err is worth retrying on the next poll tick.
func IsTemporary(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return err != nil
}
