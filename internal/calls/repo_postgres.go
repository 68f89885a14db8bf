package calls

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"outbound-voice/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema applies the call and call event tables in one transaction.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range strings.Split(schemaSQL, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("calls: apply schema: %w", err)
			}
		}
		return nil
	})
}

// PostgresRepo is the Store backed by the calls table.
// The transcript lives in a JSONB column and is appended in place.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `id, provider_call_id, user_id, phone_number, lead_name, status, start_time, end_time,
duration, outcome, qualification_score, notes, recording_url, conversation,
last_processed_at, last_analyzed_at, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (id, provider_call_id, user_id, phone_number, lead_name, status, start_time,
    outcome, notes, conversation, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	conv, err := json.Marshal(nonNilEntries(c.Conversation))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q,
		c.ID,
		nullString(c.ProviderCallID),
		c.UserID,
		c.PhoneNumber,
		c.LeadName,
		string(c.Status),
		c.StartTime,
		string(c.Outcome),
		c.Notes,
		conv,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) FindByID(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) FindByProviderID(ctx context.Context, providerCallID string) (Call, error) {
	if providerCallID == "" {
		return Call{}, ErrNotFound
	}
	q := `SELECT ` + callColumns + ` FROM calls WHERE provider_call_id = $1`
	return scanCall(r.db.QueryRowContext(ctx, q, providerCallID))
}

func (r *PostgresRepo) Find(ctx context.Context, f Filter, limit int) ([]Call, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			ph = append(ph, arg(string(s)))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if !f.UntouchedBefore.IsZero() {
		where = append(where, "(last_processed_at IS NULL OR last_processed_at < "+arg(f.UntouchedBefore)+")")
	}
	if f.NeedsAnalysis {
		where = append(where, "last_analyzed_at IS NULL")
	}

	q := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.NewestFirst {
		q += " ORDER BY start_time DESC"
	} else {
		q += " ORDER BY start_time ASC"
	}
	if limit > 0 {
		q += " LIMIT " + arg(limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) UpdateTransition(ctx context.Context, next Call, expected CallStatus) (bool, error) {
	const q = `
UPDATE calls
SET status = $2, outcome = $3, notes = $4, end_time = $5, duration = $6,
    qualification_score = $7, updated_at = now()
WHERE id = $1 AND status = $8
`
	res, err := r.db.ExecContext(ctx, q,
		next.ID,
		string(next.Status),
		string(next.Outcome),
		next.Notes,
		nullTime(next.EndTime),
		next.DurationSeconds,
		next.QualificationScore,
		string(expected),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) BackfillProviderID(ctx context.Context, id, providerCallID string) (bool, error) {
	const q = `
UPDATE calls
SET provider_call_id = $2, updated_at = now()
WHERE id = $1 AND provider_call_id IS NULL
`
	res, err := r.db.ExecContext(ctx, q, id, providerCallID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) AppendConversationEntry(ctx context.Context, id string, e ConversationEntry) error {
	const q = `
UPDATE calls
SET conversation = conversation || $2::jsonb, updated_at = now()
WHERE id = $1
`
	b, err := json.Marshal([]ConversationEntry{e})
	if err != nil {
		return err
	}
	return r.execOne(ctx, q, id, b)
}

func (r *PostgresRepo) SetRecordingURL(ctx context.Context, id, url string) error {
	const q = `UPDATE calls SET recording_url = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, q, id, url)
}

func (r *PostgresRepo) Annotate(ctx context.Context, id string, a Analysis) error {
	const q = `
UPDATE calls
SET outcome = $2, qualification_score = $3, notes = $4, last_analyzed_at = $5, updated_at = now()
WHERE id = $1
`
	return r.execOne(ctx, q, id, string(a.Outcome), a.QualificationScore, a.Notes, a.AnalyzedAt)
}

func (r *PostgresRepo) Touch(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE calls SET last_processed_at = $2 WHERE id = $1`
	return r.execOne(ctx, q, id, at)
}

func (r *PostgresRepo) execOne(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		c             Call
		providerID    sql.NullString
		status        string
		outcome       string
		endTime       sql.NullTime
		lastProcessed sql.NullTime
		lastAnalyzed  sql.NullTime
		conv          []byte
	)
	if err := row.Scan(
		&c.ID,
		&providerID,
		&c.UserID,
		&c.PhoneNumber,
		&c.LeadName,
		&status,
		&c.StartTime,
		&endTime,
		&c.DurationSeconds,
		&outcome,
		&c.QualificationScore,
		&c.Notes,
		&c.RecordingURL,
		&conv,
		&lastProcessed,
		&lastAnalyzed,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}

	c.ProviderCallID = providerID.String
	c.Status = CallStatus(status)
	c.Outcome = Outcome(outcome)
	c.EndTime = timePtr(endTime)
	c.LastProcessedAt = timePtr(lastProcessed)
	c.LastAnalyzedAt = timePtr(lastAnalyzed)
	c.Conversation = []ConversationEntry{}
	if len(conv) > 0 {
		if err := json.Unmarshal(conv, &c.Conversation); err != nil {
			return Call{}, fmt.Errorf("calls: decode conversation for %s: %w", c.ID, err)
		}
	}
	return c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nonNilEntries(in []ConversationEntry) []ConversationEntry {
	if in == nil {
		return []ConversationEntry{}
	}
	return in
}
