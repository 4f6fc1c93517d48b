package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telemed-platform/pkg/utils"
)

// Repository is the persistence contract the call coordinator needs.
// Both methods join the unit of work carried by ctx, if any.
type Repository interface {
	// FindByID returns (Appointment{}, false, nil) when nothing matches.
	FindByID(ctx context.Context, id string) (Appointment, bool, error)
	// UpdateByID applies patch and returns the updated row, or false when id is unknown.
	UpdateByID(ctx context.Context, id string, patch Patch) (Appointment, bool, error)
}

// PostgresRepo stores appointments in the appointments table.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const appointmentCols = `id, doctor_id, patient_id, scheduled_at,
	active_call_session_id, active_call_status, active_call_can_rejoin_until,
	session_end_time, created_at, updated_at`

func scanAppointment(row interface{ Scan(dest ...any) error }) (Appointment, error) {
	var (
		a          Appointment
		sessionID  sql.NullString
		callStatus sql.NullString
		rejoin     sql.NullTime
		endTime    sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.ScheduledAt,
		&sessionID,
		&callStatus,
		&rejoin,
		&endTime,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Appointment{}, err
	}
	if sessionID.Valid {
		a.ActiveCall = &ActiveCall{SessionID: sessionID.String, Status: ActiveCallStatus(callStatus.String)}
		if rejoin.Valid {
			t := rejoin.Time
			a.ActiveCall.CanRejoinUntil = &t
		}
	}
	if endTime.Valid {
		t := endTime.Time
		a.SessionEndTime = &t
	}
	return a, nil
}

func (r *PostgresRepo) FindByID(ctx context.Context, id string) (Appointment, bool, error) {
	row := utils.Querier(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, false, nil
		}
		return Appointment{}, false, err
	}
	return a, true, nil
}

func (r *PostgresRepo) UpdateByID(ctx context.Context, id string, patch Patch) (Appointment, bool, error) {
	if patch.empty() {
		return r.FindByID(ctx, id)
	}

	sets := []string{"updated_at = $2"}
	args := []any{id, r.clock().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if ac := patch.ActiveCall; ac != nil {
		add("active_call_session_id", ac.SessionID)
		add("active_call_status", string(ac.Status))
		add("active_call_can_rejoin_until", nullTime(ac.CanRejoinUntil))
	}
	if patch.SessionEndTime != nil {
		add("session_end_time", *patch.SessionEndTime)
	}

	q := `UPDATE appointments SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 RETURNING ` + appointmentCols
	a, err := scanAppointment(utils.Querier(ctx, r.db).QueryRowContext(ctx, q, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, false, nil
		}
		return Appointment{}, false, err
	}
	return a, true, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
