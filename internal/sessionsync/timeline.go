// Package sessionsync follows automation sessions from the client side: it
// merges incremental event pages into a local timeline and keeps derived
// projections current without recomputing them from the full history.
package sessionsync

import (
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"scan-orchestrator/internal/models"
)

// Timeline is the locally held, deduplicated event log of one session.
type Timeline struct {
	mu sync.RWMutex

	session    models.AutomationSession
	hasSession bool

	events   []models.SessionEvent
	seen     mapset.Set[string]
	files    mapset.Set[string]
	fileList []string
	findings []map[string]any
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		seen:  mapset.NewThreadUnsafeSet[string](),
		files: mapset.NewThreadUnsafeSet[string](),
	}
}

// Merge applies one fetched page and returns how many events were new.
// Events already held are skipped; projections only look at new events.
func (t *Timeline) Merge(details models.SessionDetails) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if details.Session.ID != "" {
		t.session = details.Session
		t.hasSession = true
	}

	added := 0
	outOfOrder := false
	for _, ev := range details.Events {
		if !t.seen.Add(ev.ID) {
			continue
		}
		if n := len(t.events); n > 0 && ev.Timestamp.Before(t.events[n-1].Timestamp) {
			outOfOrder = true
		}
		t.events = append(t.events, ev)
		t.project(ev)
		added++
	}
	if outOfOrder {
		sort.SliceStable(t.events, func(i, j int) bool { return t.events[i].Timestamp.Before(t.events[j].Timestamp) })
	}
	return added
}

func (t *Timeline) project(ev models.SessionEvent) {
	switch ev.Type {
	case models.EventFileRead:
		if path, ok := ev.Data["path"].(string); ok && path != "" && t.files.Add(path) {
			t.fileList = append(t.fileList, path)
		}
	case models.EventFinding:
		t.findings = append(t.findings, ev.Data)
	}
}

// Cursor is the timestamp of the newest held event, or nil when empty.
func (t *Timeline) Cursor() *time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.events) == 0 {
		return nil
	}
	ts := t.events[len(t.events)-1].Timestamp
	return &ts
}

// Session is the most recently fetched session state.
func (t *Timeline) Session() (models.AutomationSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session, t.hasSession
}

// Events returns a copy of the held events, oldest first.
func (t *Timeline) Events() []models.SessionEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.SessionEvent(nil), t.events...)
}

// FilesRead lists distinct file_read paths in first-read order.
func (t *Timeline) FilesRead() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.fileList...)
}

// Findings lists finding payloads in arrival order.
func (t *Timeline) Findings() []map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]map[string]any(nil), t.findings...)
}
