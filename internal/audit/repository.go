package audit

import (
	"context"
	"database/sql"

	"telemed-platform/pkg/utils"
)

// PostgresRepo appends to call_session_events. The table has no UPDATE or
// DELETE paths.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := utils.Querier(ctx, r.db).ExecContext(ctx, `
INSERT INTO call_session_events (
  id, session_id, appointment_id, type, actor_user_id, status, message, metadata, created_at
) VALUES (
  $1,$2,NULLIF($3,''),$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,'')::jsonb,$9
)`,
		e.ID, e.SessionID, e.AppointmentID, string(e.Type), e.ActorUserID, e.Status, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListBySession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := utils.Querier(ctx, r.db).QueryContext(ctx, `
SELECT id, session_id, COALESCE(appointment_id, ''), type, COALESCE(actor_user_id, ''),
       COALESCE(status, ''), COALESCE(message, ''), COALESCE(metadata::text, ''), created_at
FROM call_session_events
WHERE session_id = $1
ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.AppointmentID, &e.Type, &e.ActorUserID,
			&e.Status, &e.Message, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
