package callsession

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"telemed-platform/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Repository is the persistence contract for call sessions.
//
// Every method joins the unit of work carried by ctx, if any.
// Reads never fail on "no match": they return ok == false.
// Updates aimed at an unknown id return ok == false; callers decide whether
// that is an error.
type Repository interface {
	FindByID(ctx context.Context, id string) (Session, bool, error)
	// FindByAppointmentID returns the most recent session of the appointment.
	FindByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error)
	// FindActiveByAppointmentID returns the single non-terminal session, if any.
	FindActiveByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error)
	// FindActiveByParticipant lists non-terminal sessions where userID is doctor or patient.
	FindActiveByParticipant(ctx context.Context, userID string) ([]Session, error)

	// Create inserts an INITIATING session. It returns ErrActiveSessionExists
	// when the appointment already has a non-terminal session.
	Create(ctx context.Context, in NewSession) (Session, error)

	// UpdateSocketID sets the socket of the participant holding role, provided
	// userID is that participant. Status is untouched.
	UpdateSocketID(ctx context.Context, id, userID, socketID string, role Role, now time.Time) (Session, bool, error)
	// UpdateCallStatus sets status; moving to ENDED also sets EndedAt.
	// ENDED sessions only accept ENDED.
	UpdateCallStatus(ctx context.Context, id string, status Status, now time.Time) (Session, bool, error)
	IncrementReconnectionAttempts(ctx context.Context, id string, now time.Time) (Session, bool, error)
	// SetRejoinExpiry sets CanRejoinUntil and forces RECONNECTING.
	SetRejoinExpiry(ctx context.Context, id string, deadline, now time.Time) (Session, bool, error)
	// MarkRejoined moves a live session to ACTIVE, resets the reconnection
	// counter and clears the rejoin deadline.
	MarkRejoined(ctx context.Context, id string, now time.Time) (Session, bool, error)

	// CleanupExpiredSessions ends every non-terminal session whose rejoin
	// deadline is before now and returns the sessions it ended.
	CleanupExpiredSessions(ctx context.Context, now time.Time) ([]Session, error)
}

// PostgresRepo stores sessions in the call_sessions table.
//
// The partial unique index call_sessions_one_active_per_appointment backs the
// one-active-session-per-appointment invariant.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const (
	sessionCols = `id, appointment_id, call_status, doctor_id, patient_id,
	doctor_socket_id, patient_socket_id, started_at, last_active_at, ended_at,
	reconnection_attempts, can_rejoin_until, created_at, updated_at`

	oneActiveConstraint = "call_sessions_one_active_per_appointment"
	sqlStateUnique      = "23505"
)

func activeStatusArray() any {
	statuses := ActiveStatuses()
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return pq.Array(out)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		s             Session
		doctorSocket  sql.NullString
		patientSocket sql.NullString
		endedAt       sql.NullTime
		rejoinUntil   sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.AppointmentID,
		&s.Status,
		&s.Participants.DoctorID,
		&s.Participants.PatientID,
		&doctorSocket,
		&patientSocket,
		&s.StartedAt,
		&s.LastActiveAt,
		&endedAt,
		&s.ReconnectionAttempts,
		&rejoinUntil,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	if doctorSocket.Valid {
		s.Participants.DoctorSocketID = &doctorSocket.String
	}
	if patientSocket.Valid {
		s.Participants.PatientSocketID = &patientSocket.String
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	if rejoinUntil.Valid {
		s.CanRejoinUntil = &rejoinUntil.Time
	}
	return s, nil
}

// queryOne runs a single-row query and folds sql.ErrNoRows into ok == false.
func (r *PostgresRepo) queryOne(ctx context.Context, q string, args ...any) (Session, bool, error) {
	s, err := scanSession(utils.Querier(ctx, r.db).QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return s, true, nil
}

func (r *PostgresRepo) FindByID(ctx context.Context, id string) (Session, bool, error) {
	return r.queryOne(ctx, `SELECT `+sessionCols+` FROM call_sessions WHERE id = $1`, id)
}

func (r *PostgresRepo) FindByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error) {
	return r.queryOne(ctx, `
SELECT `+sessionCols+`
FROM call_sessions
WHERE appointment_id = $1
ORDER BY created_at DESC
LIMIT 1`, appointmentID)
}

func (r *PostgresRepo) FindActiveByAppointmentID(ctx context.Context, appointmentID string) (Session, bool, error) {
	return r.queryOne(ctx, `
SELECT `+sessionCols+`
FROM call_sessions
WHERE appointment_id = $1 AND call_status = ANY($2)
ORDER BY created_at DESC
LIMIT 1`, appointmentID, activeStatusArray())
}

func (r *PostgresRepo) FindActiveByParticipant(ctx context.Context, userID string) ([]Session, error) {
	rows, err := utils.Querier(ctx, r.db).QueryContext(ctx, `
SELECT `+sessionCols+`
FROM call_sessions
WHERE (doctor_id = $1 OR patient_id = $1) AND call_status = ANY($2)
ORDER BY last_active_at DESC`, userID, activeStatusArray())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListByDoctor returns the doctor's sessions started within [from, to), oldest first.
func (r *PostgresRepo) ListByDoctor(ctx context.Context, doctorID string, from, to time.Time) ([]Session, error) {
	rows, err := utils.Querier(ctx, r.db).QueryContext(ctx, `
SELECT `+sessionCols+`
FROM call_sessions
WHERE doctor_id = $1 AND started_at >= $2 AND started_at < $3
ORDER BY started_at ASC`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Create(ctx context.Context, in NewSession) (Session, error) {
	s, _, err := r.queryOne(ctx, `
INSERT INTO call_sessions (
  id, appointment_id, call_status, doctor_id, patient_id,
  started_at, last_active_at, reconnection_attempts, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$6,0,$6,$6
)
RETURNING `+sessionCols,
		in.ID,
		in.AppointmentID,
		StatusInitiating,
		in.DoctorID,
		in.PatientID,
		in.StartedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUnique && pgErr.ConstraintName == oneActiveConstraint {
			return Session{}, ErrActiveSessionExists
		}
		return Session{}, err
	}
	return s, nil
}

func (r *PostgresRepo) UpdateSocketID(ctx context.Context, id, userID, socketID string, role Role, now time.Time) (Session, bool, error) {
	var q string
	switch role {
	case RoleDoctor:
		q = `
UPDATE call_sessions
SET doctor_socket_id = $3, last_active_at = $4, updated_at = $4
WHERE id = $1 AND doctor_id = $2
RETURNING ` + sessionCols
	case RolePatient:
		q = `
UPDATE call_sessions
SET patient_socket_id = $3, last_active_at = $4, updated_at = $4
WHERE id = $1 AND patient_id = $2
RETURNING ` + sessionCols
	default:
		return Session{}, false, ErrInvalidArgument
	}
	return r.queryOne(ctx, q, id, userID, socketID, now)
}

func (r *PostgresRepo) UpdateCallStatus(ctx context.Context, id string, status Status, now time.Time) (Session, bool, error) {
	if !status.Valid() {
		return Session{}, false, ErrInvalidArgument
	}
	return r.queryOne(ctx, `
UPDATE call_sessions
SET call_status = $2,
    ended_at = CASE WHEN $2 = 'ENDED' THEN COALESCE(ended_at, $3) ELSE ended_at END,
    last_active_at = $3,
    updated_at = $3
WHERE id = $1 AND (call_status <> 'ENDED' OR $2 = 'ENDED')
RETURNING `+sessionCols, id, string(status), now)
}

func (r *PostgresRepo) IncrementReconnectionAttempts(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	return r.queryOne(ctx, `
UPDATE call_sessions
SET reconnection_attempts = reconnection_attempts + 1, last_active_at = $2, updated_at = $2
WHERE id = $1 AND call_status <> 'ENDED'
RETURNING `+sessionCols, id, now)
}

func (r *PostgresRepo) SetRejoinExpiry(ctx context.Context, id string, deadline, now time.Time) (Session, bool, error) {
	return r.queryOne(ctx, `
UPDATE call_sessions
SET can_rejoin_until = $2, call_status = 'RECONNECTING', last_active_at = $3, updated_at = $3
WHERE id = $1 AND call_status <> 'ENDED'
RETURNING `+sessionCols, id, deadline, now)
}

func (r *PostgresRepo) MarkRejoined(ctx context.Context, id string, now time.Time) (Session, bool, error) {
	return r.queryOne(ctx, `
UPDATE call_sessions
SET call_status = 'ACTIVE', reconnection_attempts = 0, can_rejoin_until = NULL,
    last_active_at = $2, updated_at = $2
WHERE id = $1 AND call_status <> 'ENDED'
RETURNING `+sessionCols, id, now)
}

func (r *PostgresRepo) CleanupExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := utils.Querier(ctx, r.db).QueryContext(ctx, `
UPDATE call_sessions
SET call_status = 'ENDED', ended_at = $1, last_active_at = $1, updated_at = $1
WHERE call_status <> 'ENDED' AND can_rejoin_until IS NOT NULL AND can_rejoin_until < $1
RETURNING `+sessionCols, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
