package appointment

import "time"

// Appointment is the subset of the booking record the call coordinator reads
// and writes. Booking, payment and review fields live elsewhere.
type Appointment struct {
	ID        string `json:"id" db:"id"`
	DoctorID  string `json:"doctor_id" db:"doctor_id"`
	PatientID string `json:"patient_id" db:"patient_id"`

	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`

	// ActiveCall mirrors the latest committed state of the call session so
	// dashboards can read it without joining call_sessions.
	ActiveCall *ActiveCall `json:"active_call,omitempty"`

	// SessionEndTime is stamped when the consultation call ends.
	SessionEndTime *time.Time `json:"session_end_time,omitempty" db:"session_end_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type ActiveCallStatus string

const (
	ActiveCallStatusActive ActiveCallStatus = "ACTIVE"
	ActiveCallStatusEnded  ActiveCallStatus = "ENDED"
)

type ActiveCall struct {
	SessionID      string           `json:"session_id" db:"active_call_session_id"`
	Status         ActiveCallStatus `json:"status" db:"active_call_status"`
	CanRejoinUntil *time.Time       `json:"can_rejoin_until" db:"active_call_can_rejoin_until"`
}

// Patch lists the fields UpdateByID may change. Nil fields are left alone.
type Patch struct {
	ActiveCall     *ActiveCall
	SessionEndTime *time.Time
}

func (p Patch) empty() bool {
	return p.ActiveCall == nil && p.SessionEndTime == nil
}

// HasParticipant reports whether userID is the doctor or patient of the appointment.
func (a Appointment) HasParticipant(userID string) bool {
	return userID != "" && (a.DoctorID == userID || a.PatientID == userID)
}
