package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"scan-orchestrator/internal/models"
)

// InsertNotification stores an unread notification.
func (s *Store) InsertNotification(_ context.Context, n models.Notification) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n.ID = uuid.New().String()
	n.Read = false
	n.Data = copyData(n.Data)
	n.CreatedAt = s.timestamp()
	s.noteSeq++
	s.notifications[n.ID] = n
	s.noteOrder[n.ID] = s.noteSeq
	return n, nil
}

// ListUnreadNotifications returns up to limit unread notifications, newest first.
func (s *Store) ListUnreadNotifications(_ context.Context, projectID string, limit int) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Notification
	for _, n := range s.notifications {
		if n.ProjectID == projectID && !n.Read {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return s.noteOrder[out[i].ID] > s.noteOrder[out[j].ID]
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkNotificationRead sets read=true; repeated calls succeed.
func (s *Store) MarkNotificationRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return fmt.Errorf("mark notification %s read: %w", id, models.ErrNotFound)
	}
	n.Read = true
	s.notifications[id] = n
	return nil
}

// MarkAllNotificationsRead marks a project's unread notifications.
func (s *Store) MarkAllNotificationsRead(_ context.Context, projectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, note := range s.notifications {
		if note.ProjectID == projectID && !note.Read {
			note.Read = true
			s.notifications[id] = note
			n++
		}
	}
	return n, nil
}

// PruneNotifications deletes read notifications created before olderThan.
func (s *Store) PruneNotifications(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, note := range s.notifications {
		if note.Read && note.CreatedAt.Before(olderThan) {
			delete(s.notifications, id)
			delete(s.noteOrder, id)
			n++
		}
	}
	return n, nil
}

// InsertSession creates a pending session.
func (s *Store) InsertSession(_ context.Context, projectID, message string) (models.AutomationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timestamp()
	sess := models.AutomationSession{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Phase:     models.PhasePending,
		Message:   message,
		StartedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = &sessionRow{session: sess}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(_ context.Context, id string) (models.AutomationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[id]
	if !ok {
		return models.AutomationSession{}, fmt.Errorf("get session %s: %w", id, models.ErrNotFound)
	}
	return row.session, nil
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(_ context.Context, projectID string, activeOnly bool) ([]models.AutomationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AutomationSession
	for _, row := range s.sessions {
		if row.session.ProjectID != projectID {
			continue
		}
		if activeOnly && row.session.Phase.Terminal() {
			continue
		}
		out = append(out, row.session)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendSessionEvent applies a session mutation and appends one event with a
// strictly increasing timestamp, atomically.
func (s *Store) AppendSessionEvent(_ context.Context, sessionID string, typ models.EventType, data map[string]any,
	apply func(*models.AutomationSession) error) (models.SessionEvent, models.AutomationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[sessionID]
	if !ok {
		return models.SessionEvent{}, models.AutomationSession{}, fmt.Errorf("append event to session %s: %w", sessionID, models.ErrNotFound)
	}
	sess := row.session
	if apply != nil {
		if err := apply(&sess); err != nil {
			return models.SessionEvent{}, models.AutomationSession{}, err
		}
	}

	ts := s.timestamp()
	if row.last != nil && !ts.After(*row.last) {
		ts = row.last.Add(time.Microsecond)
	}
	sess.UpdatedAt = ts
	ev := models.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Seq:       int64(len(row.events)) + 1,
		Type:      typ,
		Timestamp: ts,
		Data:      copyData(data),
	}
	row.session = sess
	row.events = append(row.events, ev)
	row.last = &ts
	return ev, sess, nil
}

// ListSessionEvents returns events strictly after the cursor, oldest first.
func (s *Store) ListSessionEvents(_ context.Context, sessionID string, after *time.Time) ([]models.SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("list events of session %s: %w", sessionID, models.ErrNotFound)
	}
	out := []models.SessionEvent{}
	for _, ev := range row.events {
		if after == nil || ev.Timestamp.After(*after) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// FinishedSessions lists terminal sessions completed before olderThan.
func (s *Store) FinishedSessions(_ context.Context, olderThan time.Time) ([]models.AutomationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AutomationSession
	for _, row := range s.sessions {
		sess := row.session
		if sess.Phase.Terminal() && sess.CompletedAt != nil && sess.CompletedAt.Before(olderThan) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(*out[j].CompletedAt) })
	return out, nil
}

// DeleteSession removes a session and its events.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("delete session %s: %w", id, models.ErrNotFound)
	}
	delete(s.sessions, id)
	return nil
}
