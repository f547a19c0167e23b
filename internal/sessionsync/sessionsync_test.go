package sessionsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/models"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func event(id string, offset int, typ models.EventType, data map[string]any) models.SessionEvent {
	return models.SessionEvent{ID: id, SessionID: "s1", Type: typ, Timestamp: base.Add(time.Duration(offset) * time.Second), Data: data}
}

func TestMergeDeduplicatesAndProjectsIncrementally(t *testing.T) {
	tl := NewTimeline()
	sess := models.AutomationSession{ID: "s1", Phase: models.PhaseExploring}

	added := tl.Merge(models.SessionDetails{Session: sess, Events: []models.SessionEvent{
		event("e1", 1, models.EventFileRead, map[string]any{"path": "main.go"}),
		event("e2", 2, models.EventFileRead, map[string]any{"path": "go.mod"}),
		event("e3", 3, models.EventFinding, map[string]any{"title": "unused import"}),
	}})
	assert.Equal(t, 3, added)

	added = tl.Merge(models.SessionDetails{Session: sess, Events: []models.SessionEvent{
		event("e3", 3, models.EventFinding, map[string]any{"title": "unused import"}),
		event("e4", 4, models.EventFileRead, map[string]any{"path": "main.go"}),
		event("e5", 5, models.EventFinding, map[string]any{"title": "shadowed err"}),
	}})
	assert.Equal(t, 2, added, "e3 was already held")

	assert.Equal(t, []string{"main.go", "go.mod"}, tl.FilesRead())
	findings := tl.Findings()
	require.Len(t, findings, 2)
	assert.Equal(t, "shadowed err", findings[1]["title"])
	assert.Len(t, tl.Events(), 5)

	cursor := tl.Cursor()
	require.NotNil(t, cursor)
	assert.Equal(t, base.Add(5*time.Second), *cursor)
}

func TestMergeRestoresOrder(t *testing.T) {
	tl := NewTimeline()
	tl.Merge(models.SessionDetails{Events: []models.SessionEvent{
		event("b", 2, models.EventProgress, nil),
		event("a", 1, models.EventProgress, nil),
	}})
	events := tl.Events()
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	_, ok := tl.Session()
	assert.False(t, ok)
}

func TestCadence(t *testing.T) {
	c := DefaultCadence()
	running := models.AutomationSession{Phase: models.PhaseGenerating}
	done := models.AutomationSession{Phase: models.PhaseComplete}
	failed := models.AutomationSession{Phase: models.PhaseFailed}

	assert.Equal(t, 3*time.Second, c.Next(done, running))
	assert.Equal(t, 30*time.Second, c.Next(done, failed))
	assert.Equal(t, 30*time.Second, c.Next())
}

type scriptedFetcher struct {
	mu      sync.Mutex
	pages   []models.SessionDetails
	errs    []error
	cursors []*time.Time
}

func (f *scriptedFetcher) SessionDetails(_ context.Context, _ string, after *time.Time) (models.SessionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, after)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return models.SessionDetails{}, err
		}
	}
	if len(f.pages) == 0 {
		return models.SessionDetails{}, errors.New("no more pages")
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func TestFollowerKeepsStateOnErrorAndStopsWhenTerminal(t *testing.T) {
	fetcher := &scriptedFetcher{
		errs: []error{nil, errors.New("store unavailable"), nil},
		pages: []models.SessionDetails{
			{
				Session: models.AutomationSession{ID: "s1", Phase: models.PhaseExploring},
				Events:  []models.SessionEvent{event("e1", 1, models.EventFileRead, map[string]any{"path": "a.go"})},
			},
			{
				Session: models.AutomationSession{ID: "s1", Phase: models.PhaseComplete},
				Events:  []models.SessionEvent{event("e2", 2, models.EventPhaseChange, map[string]any{"phase": "complete"})},
			},
		},
	}
	f := NewFollower(fetcher, "s1", Cadence{Active: time.Millisecond, Idle: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.Run(ctx))
	require.NoError(t, ctx.Err(), "Run returned because the session finished")

	sess, ok := f.Timeline().Session()
	require.True(t, ok)
	assert.Equal(t, models.PhaseComplete, sess.Phase)
	assert.Len(t, f.Timeline().Events(), 2)
	assert.Equal(t, time.Hour, f.Interval())

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	require.Len(t, fetcher.cursors, 3)
	assert.Nil(t, fetcher.cursors[0])
	require.NotNil(t, fetcher.cursors[1])
	assert.Equal(t, base.Add(time.Second), *fetcher.cursors[1])
	assert.Equal(t, *fetcher.cursors[1], *fetcher.cursors[2], "a failed poll does not move the cursor")
}
