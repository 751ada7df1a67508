package history

import (
	"context"
	"database/sql"
	"time"

	"callrelay/pkg/utils"
)

// NOTE: This repository assumes the following tables exist:
// - call_history (UNIQUE (call_id))
// - conversation_participants (conversation_id, user_id)
// - messages (chat entries; call summaries use kind = 'call')
// - conversations (last_message_at)
//
// Thread and message tables belong to the booking platform; the relay only
// reads participants and appends summary rows.

// PostgresRepo stores history through database/sql with the pgx stdlib driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

var (
	_ Repository      = (*PostgresRepo)(nil)
	_ ThreadDirectory = (*PostgresRepo)(nil)
)

func (r *PostgresRepo) InsertCall(ctx context.Context, rec Record) (bool, error) {
	const q = `
INSERT INTO call_history (
  id, call_id, caller_id, callee_id, call_type, duration_seconds, status,
  started_at, ended_at, conversation_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (call_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.CallID,
		rec.From,
		rec.To,
		rec.CallType,
		rec.DurationSeconds,
		string(rec.Status),
		rec.StartedAt,
		rec.EndedAt,
		nullString(rec.ConversationID),
		rec.CreatedAt,
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

func (r *PostgresRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	const q = `
SELECT id, call_id, caller_id, callee_id, call_type, duration_seconds, status,
       started_at, ended_at, conversation_id, created_at
FROM call_history
WHERE (caller_id = $1 OR callee_id = $1) AND started_at >= $2 AND started_at < $3
ORDER BY started_at
`
	rows, err := r.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec    Record
			status string
			conv   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.CallID,
			&rec.From,
			&rec.To,
			&rec.CallType,
			&rec.DurationSeconds,
			&status,
			&rec.StartedAt,
			&rec.EndedAt,
			&conv,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		rec.ConversationID = conv.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ThreadParticipants(ctx context.Context, conversationID string) ([]string, error) {
	const q = `
SELECT user_id
FROM conversation_participants
WHERE conversation_id = $1
ORDER BY user_id
`
	rows, err := r.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrThreadNotFound
	}
	return out, nil
}

// PostSummary appends the call entry and bumps the thread so it sorts first
// in the participants' inbox.
func (r *PostgresRepo) PostSummary(ctx context.Context, m SummaryMessage) error {
	const insertMsg = `
INSERT INTO messages (id, conversation_id, sender_id, kind, body, call_id, created_at)
VALUES ($1,$2,$3,'call',$4,$5,$6)
`
	const touchThread = `
UPDATE conversations SET last_message_at = $2 WHERE id = $1
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertMsg,
			m.ID,
			m.ConversationID,
			m.SenderID,
			m.Body,
			m.CallID,
			m.CreatedAt,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, touchThread, m.ConversationID, m.CreatedAt)
		return err
	})
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
