package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"scan-orchestrator/internal/models"
)

const sessionColumns = `id, project_id, phase, resume_phase, progress, message, has_error, error_message,
	started_at, updated_at, completed_at`

func scanSession(row pgx.Row, extra ...any) (models.AutomationSession, error) {
	var sess models.AutomationSession
	var phase string
	var resume *string
	dest := []any{&sess.ID, &sess.ProjectID, &phase, &resume, &sess.Progress, &sess.Message, &sess.HasError,
		&sess.ErrorMessage, &sess.StartedAt, &sess.UpdatedAt, &sess.CompletedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.AutomationSession{}, err
	}
	sess.Phase = models.Phase(phase)
	if resume != nil {
		p := models.Phase(*resume)
		sess.ResumePhase = &p
	}
	return sess, nil
}

func scanEvent(row pgx.Row) (models.SessionEvent, error) {
	var ev models.SessionEvent
	var typ string
	var data []byte
	if err := row.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &typ, &ev.Timestamp, &data); err != nil {
		return models.SessionEvent{}, err
	}
	ev.Type = models.EventType(typ)
	payload, err := unmarshalData(data)
	if err != nil {
		return models.SessionEvent{}, err
	}
	ev.Data = payload
	return ev, nil
}

func phasePtr(p *models.Phase) *string {
	if p == nil {
		return nil
	}
	s := string(*p)
	return &s
}

// InsertSession creates a pending automation session.
func (s *Store) InsertSession(ctx context.Context, projectID, message string) (models.AutomationSession, error) {
	now := s.timestamp()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO automation_sessions (id, project_id, phase, message, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+sessionColumns,
		uuid.New().String(), projectID, string(models.PhasePending), message, now)
	sess, err := scanSession(row)
	if err != nil {
		return models.AutomationSession{}, storeErr("insert session", err)
	}
	return sess, nil
}

// GetSession fetches a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.AutomationSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM automation_sessions WHERE id = $1`, id))
	if err != nil {
		return models.AutomationSession{}, storeErr("get session "+id, err)
	}
	return sess, nil
}

// ListSessions returns a project's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, projectID string, activeOnly bool) ([]models.AutomationSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM automation_sessions
		WHERE project_id = $1 AND (NOT $2 OR phase NOT IN ($3, $4))
		ORDER BY started_at DESC, id
	`, projectID, activeOnly, string(models.PhaseComplete), string(models.PhaseFailed))
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	var out []models.AutomationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return out, nil
}

// AppendSessionEvent locks the session row, lets apply mutate it (and data),
// persists the result and appends one event. The event timestamp is assigned here and is
// strictly greater than the previous event of the same session.
func (s *Store) AppendSessionEvent(ctx context.Context, sessionID string, typ models.EventType, data map[string]any,
	apply func(*models.AutomationSession) error) (models.SessionEvent, models.AutomationSession, error) {
	var ev models.SessionEvent
	var sess models.AutomationSession
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var seq int64
		var last *time.Time
		var err error
		sess, err = scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+`, event_seq, last_event_at FROM automation_sessions WHERE id = $1 FOR UPDATE
		`, sessionID), &seq, &last)
		if err != nil {
			return storeErr("lock session "+sessionID, err)
		}
		if apply != nil {
			if err := apply(&sess); err != nil {
				return err
			}
		}
		// apply may enrich data, so it is encoded only now.
		payload, err := marshalData(data)
		if err != nil {
			return err
		}

		ts := s.timestamp()
		if last != nil && !ts.After(*last) {
			ts = last.Add(time.Microsecond)
		}
		seq++
		sess.UpdatedAt = ts

		if _, err := tx.Exec(ctx, `
			UPDATE automation_sessions
			SET phase = $2, resume_phase = $3, progress = $4, message = $5, has_error = $6, error_message = $7,
			    completed_at = $8, updated_at = $9, event_seq = $10, last_event_at = $9
			WHERE id = $1
		`, sessionID, string(sess.Phase), phasePtr(sess.ResumePhase), sess.Progress, sess.Message, sess.HasError,
			sess.ErrorMessage, sess.CompletedAt, ts, seq); err != nil {
			return storeErr("update session "+sessionID, err)
		}

		ev, err = scanEvent(tx.QueryRow(ctx, `
			INSERT INTO session_events (id, session_id, seq, event_type, ts, data)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, session_id, seq, event_type, ts, data
		`, uuid.New().String(), sessionID, seq, string(typ), ts, payload))
		if err != nil {
			return storeErr("insert session event", err)
		}
		return nil
	})
	if err != nil {
		return models.SessionEvent{}, models.AutomationSession{}, err
	}
	return ev, sess, nil
}

// ListSessionEvents returns the events of a session with timestamp strictly
// after the cursor (all events when after is nil), oldest first.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, after *time.Time) ([]models.SessionEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM automation_sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, storeErr("list session events", err)
	}
	if !exists {
		return nil, fmt.Errorf("list events of session %s: %w", sessionID, models.ErrNotFound)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, seq, event_type, ts, data FROM session_events
		WHERE session_id = $1 AND ($2::timestamptz IS NULL OR ts > $2::timestamptz)
		ORDER BY seq
	`, sessionID, after)
	if err != nil {
		return nil, storeErr("list session events", err)
	}
	defer rows.Close()

	out := []models.SessionEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, storeErr("scan session event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list session events", err)
	}
	return out, nil
}

// FinishedSessions lists terminal sessions completed before olderThan.
func (s *Store) FinishedSessions(ctx context.Context, olderThan time.Time) ([]models.AutomationSession, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM automation_sessions
		WHERE phase IN ($1, $2) AND completed_at < $3
		ORDER BY completed_at
	`, string(models.PhaseComplete), string(models.PhaseFailed), olderThan.UTC())
	if err != nil {
		return nil, storeErr("list finished sessions", err)
	}
	defer rows.Close()

	var out []models.AutomationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list finished sessions", err)
	}
	return out, nil
}

// DeleteSession removes a session together with its events.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM automation_sessions WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete session "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete session %s: %w", id, models.ErrNotFound)
	}
	return nil
}
