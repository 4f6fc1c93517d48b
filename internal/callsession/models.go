package callsession

import "time"

// Session is one attempt at a live consultation for one appointment.
//
// Invariants:
// - At most one non-terminal session exists per appointment.
// - ENDED is terminal; a new call creates a new session.
// - Sessions are never deleted; EndedAt records when the call finished.
type Session struct {
	ID            string `json:"id" db:"id"`
	AppointmentID string `json:"appointment_id" db:"appointment_id"`
	Status        Status `json:"call_status" db:"call_status"`

	Participants Participants `json:"participants"`

	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at" db:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// ReconnectionAttempts only grows, except for the reset on a successful rejoin.
	ReconnectionAttempts int `json:"reconnection_attempts" db:"reconnection_attempts"`

	// CanRejoinUntil is the rejoin deadline while the session is RECONNECTING.
	CanRejoinUntil *time.Time `json:"can_rejoin_until,omitempty" db:"can_rejoin_until"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Participants holds both parties and their current socket handles.
// Socket ids are presence bookkeeping only; nil means not connected.
type Participants struct {
	DoctorID        string  `json:"doctor_id" db:"doctor_id"`
	PatientID       string  `json:"patient_id" db:"patient_id"`
	DoctorSocketID  *string `json:"doctor_socket_id,omitempty" db:"doctor_socket_id"`
	PatientSocketID *string `json:"patient_socket_id,omitempty" db:"patient_socket_id"`
}

type Status string

const (
	StatusInitiating   Status = "INITIATING"
	StatusActive       Status = "ACTIVE"
	StatusReconnecting Status = "RECONNECTING"
	StatusEnded        Status = "ENDED"
)

func (s Status) IsTerminal() bool { return s == StatusEnded }

func (s Status) Valid() bool {
	switch s {
	case StatusInitiating, StatusActive, StatusReconnecting, StatusEnded:
		return true
	default:
		return false
	}
}

// ActiveStatuses is the non-terminal set.
func ActiveStatuses() []Status {
	return []Status{StatusInitiating, StatusActive, StatusReconnecting}
}

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

func (r Role) Valid() bool { return r == RoleDoctor || r == RolePatient }

// NewSession carries the fields needed to create a session.
type NewSession struct {
	ID            string
	AppointmentID string
	DoctorID      string
	PatientID     string
	StartedAt     time.Time
}

// RejoinStatus is the result of a rejoin eligibility check.
type RejoinStatus struct {
	CanRejoin bool     `json:"can_rejoin"`
	Session   *Session `json:"session,omitempty"`
	// Reason explains a negative answer: "no_active_call", "session_not_found",
	// "ended" or "expired".
	Reason string `json:"reason,omitempty"`
}

const (
	reasonNoActiveCall    = "no_active_call"
	reasonSessionNotFound = "session_not_found"
	reasonEnded           = "ended"
	reasonExpired         = "expired"
)

// HasParticipant reports whether userID is the doctor or the patient.
func (s Session) HasParticipant(userID string) bool {
	_, ok := s.RoleOf(userID)
	return ok
}

// RoleOf returns the role userID plays in the session.
func (s Session) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == s.Participants.DoctorID:
		return RoleDoctor, true
	case userID == s.Participants.PatientID:
		return RolePatient, true
	default:
		return "", false
	}
}

func (s Session) startedBy(doctorID, patientID string) bool {
	return s.Participants.DoctorID == doctorID && s.Participants.PatientID == patientID
}

// rejoinable applies the rejoin policy at now. The deadline is exclusive.
func (s Session) rejoinable(now time.Time) (bool, string) {
	switch s.Status {
	case StatusActive, StatusInitiating:
		return true, ""
	case StatusReconnecting:
		if s.CanRejoinUntil != nil && now.Before(*s.CanRejoinUntil) {
			return true, ""
		}
		return false, reasonExpired
	default:
		return false, reasonEnded
	}
}

func (s Session) clone() Session {
	out := s
	out.Participants.DoctorSocketID = cloneString(s.Participants.DoctorSocketID)
	out.Participants.PatientSocketID = cloneString(s.Participants.PatientSocketID)
	out.EndedAt = cloneTime(s.EndedAt)
	out.CanRejoinUntil = cloneTime(s.CanRejoinUntil)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
