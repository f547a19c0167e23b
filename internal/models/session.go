package models

import (
	"fmt"
	"time"
)

// Phase is the state of an automation session.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseRunning    Phase = "running"
	PhaseExploring  Phase = "exploring"
	PhaseGenerating Phase = "generating"
	PhaseEvaluating Phase = "evaluating"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
	PhasePaused     Phase = "paused"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseRunning, PhaseExploring, PhaseGenerating, PhaseEvaluating,
		PhaseComplete, PhaseFailed, PhasePaused:
		return true
	}
	return false
}

// Terminal reports whether p is complete or failed.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

func (p Phase) working() bool {
	switch p {
	case PhaseRunning, PhaseExploring, PhaseGenerating, PhaseEvaluating:
		return true
	}
	return false
}

// ValidatePhaseTransition enforces the session state machine:
//
//	pending -> [running] -> {exploring, generating, evaluating}* -> complete
//	any non-terminal -> failed | paused
//
// A pending session may enter a work phase directly; running is implied.
//
// Leaving paused is handled by ResumeTarget, not by this function.
func ValidatePhaseTransition(from, to Phase) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidArgument, to)
	}
	if from.Terminal() {
		return fmt.Errorf("%w: session already %s", ErrInvalidTransition, from)
	}
	switch to {
	case PhaseFailed:
		return nil
	case PhasePaused:
		if from != PhasePaused {
			return nil
		}
	case PhaseRunning:
		if from == PhasePending {
			return nil
		}
	case PhaseExploring, PhaseGenerating, PhaseEvaluating:
		if from == PhasePending || (from.working() && from != to) {
			return nil
		}
	case PhaseComplete:
		if from.working() {
			return nil
		}
	}
	return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, from, to)
}

// AutomationSession is a multi-phase automation run.
type AutomationSession struct {
	ID           string     `json:"session_id"`
	ProjectID    string     `json:"project_id"`
	Phase        Phase      `json:"phase"`
	ResumePhase  *Phase     `json:"resume_phase,omitempty"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message"`
	HasError     bool       `json:"has_error"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// EventType classifies a session event.
type EventType string

const (
	EventFileRead    EventType = "file_read"
	EventFinding     EventType = "finding"
	EventProgress    EventType = "progress"
	EventCandidate   EventType = "candidate"
	EventEvaluation  EventType = "evaluation"
	EventPhaseChange EventType = "phase_change"
	EventError       EventType = "error"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventFileRead, EventFinding, EventProgress, EventCandidate, EventEvaluation,
		EventPhaseChange, EventError:
		return true
	}
	return false
}

// AuditOnly reports whether an event of type t may still be appended to a
// terminal session. Such events record outcomes without implying new work.
func (t EventType) AuditOnly() bool {
	return t == EventEvaluation || t == EventError
}

// SessionEvent is an append-only record attached to a session.
type SessionEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// SessionDetails is a session together with the events after a cursor.
type SessionDetails struct {
	Session AutomationSession `json:"session"`
	Events  []SessionEvent    `json:"events"`
}
