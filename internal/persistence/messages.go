package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one entry in a job's working transcript.
type Message struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AddMessage(ctx context.Context, jobID, role, content string, tokens int) error {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "system", "user", "assistant", "tool", "summary":
	default:
		return fmt.Errorf("invalid role %q", role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (job_id, role, content, tokens, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, jobID, role, content, tokens)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the live transcript in insertion order. Archived
// messages (replaced by a summary) are excluded.
func (s *Store) ListMessages(ctx context.Context, jobID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, role, content, tokens, created_at
		FROM messages
		WHERE job_id = ? AND archived_at IS NULL
		ORDER BY COALESCE(ord, CAST(id AS REAL)) ASC, id ASC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.JobID, &m.Role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceWithSummary archives the messages in [fromID, toID] and inserts a
// summary row in their place, atomically. The summary takes the archived
// block's ordering slot so the transcript keeps its original reading order.
func (s *Store) ReplaceWithSummary(ctx context.Context, jobID string, fromID, toID int64, summary string, tokens int) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin summary tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET archived_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND id >= ? AND id <= ? AND archived_at IS NULL;
		`, jobID, fromID, toID); err != nil {
			return fmt.Errorf("archive messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (job_id, role, content, tokens, ord, created_at)
			VALUES (?, 'summary', ?, ?, ?, CURRENT_TIMESTAMP);
		`, jobID, summary, tokens, float64(fromID)); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return tx.Commit()
	})
}
