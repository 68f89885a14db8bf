package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo stores events in call_events. The table is created by calls.EnsureSchema.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (id, call_id, type, actor, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	if _, err := r.db.ExecContext(ctx, q, e.ID, e.CallID, string(e.Type), e.Actor, e.Message, e.Metadata, e.CreatedAt); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string, limit int) ([]Event, error) {
	const q = `
SELECT id, call_id, type, actor, message, metadata, created_at
FROM call_events
WHERE call_id = $1
ORDER BY created_at ASC
LIMIT $2
`
	rows, err := r.db.QueryContext(ctx, q, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &e.CallID, &typ, &e.Actor, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
