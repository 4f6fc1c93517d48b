package audit

import "time"

// Event is an immutable, append-only record of a call session transition.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id and type are required.
// - Recording is best-effort; callers never fail a call flow on audit errors.
type Event struct {
	ID            string `json:"id" db:"id"`
	SessionID     string `json:"session_id" db:"session_id"`
	AppointmentID string `json:"appointment_id,omitempty" db:"appointment_id"`

	Type EventType `json:"type" db:"type"`

	// ActorUserID is the participant causing the event, empty for system transitions.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`

	// Status is the session status right after the transition.
	Status string `json:"status,omitempty" db:"status"`

	Message  string `json:"message,omitempty" db:"message"`
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallStarted      EventType = "call_started"
	EventTypeCallEnded        EventType = "call_ended"
	EventTypeCallReconnecting EventType = "call_reconnecting"
	EventTypeCallRejoined     EventType = "call_rejoined"
	EventTypeCallExpired      EventType = "call_expired"
)
