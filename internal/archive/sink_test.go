package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scan-orchestrator/internal/config"
	"scan-orchestrator/internal/models"
)

func TestLocalPutSession(t *testing.T) {
	dir := t.TempDir()
	sink := NewLocal(dir)

	details := models.SessionDetails{
		Session: models.AutomationSession{ID: "s-1", ProjectID: "p-1", Phase: models.PhaseComplete, StartedAt: time.Now().UTC()},
		Events: []models.SessionEvent{
			{ID: "e-1", SessionID: "s-1", Seq: 1, Type: models.EventFileRead, Data: map[string]any{"path": "main.go"}},
		},
	}
	loc, err := PutSession(context.Background(), sink, details)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sessions", "p-1", "s-1.json"), loc)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "events")
}

func TestLocalPutKeepsKeysInsideBaseDir(t *testing.T) {
	dir := t.TempDir()
	loc, err := NewLocal(dir).Put(context.Background(), "../../escape.json", []byte("{}"), "application/json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.json"), loc)
}

func TestNewDefaultsToLocal(t *testing.T) {
	sink, err := New(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	_, ok := sink.(*Local)
	assert.True(t, ok)
}
