package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DiagnosticsRecord stores one context-assembly report as opaque JSON. The
// payload shape is owned by the context engine; the store only indexes it by
// job and step.
type DiagnosticsRecord struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	StepID    string    `json:"step_id,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) SaveDiagnostics(ctx context.Context, jobID, stepID, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_diagnostics (job_id, step_id, payload_json, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, jobID, stepID, payloadJSON)
	if err != nil {
		return fmt.Errorf("save diagnostics: %w", err)
	}
	return nil
}

// LatestDiagnostics returns the most recent record for a job, or nil.
func (s *Store) LatestDiagnostics(ctx context.Context, jobID string) (*DiagnosticsRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, step_id, payload_json, created_at
		FROM context_diagnostics
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT 1;
	`, jobID)
	var rec DiagnosticsRecord
	err := row.Scan(&rec.ID, &rec.JobID, &rec.StepID, &rec.Payload, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest diagnostics: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListDiagnostics(ctx context.Context, jobID string, limit int) ([]DiagnosticsRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, step_id, payload_json, created_at
		FROM context_diagnostics
		WHERE job_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()

	var out []DiagnosticsRecord
	for rows.Next() {
		var rec DiagnosticsRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.StepID, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan diagnostics: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneDiagnostics removes records older than the retention window.
func (s *Store) PruneDiagnostics(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM context_diagnostics WHERE created_at < datetime('now', ?);
	`, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune diagnostics: %w", err)
	}
	return res.RowsAffected()
}

// CostEntry is one row in the per-job spend ledger.
type CostEntry struct {
	ID               int64     `json:"id"`
	JobID            string    `json:"job_id"`
	StepID           string    `json:"step_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	CreatedAt        time.Time `json:"created_at"`
}

func (s *Store) ListCostEntries(ctx context.Context, jobID string, limit int) ([]CostEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, step_id, model, prompt_tokens, completion_tokens, cost_usd, created_at
		FROM cost_entries
		WHERE job_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var out []CostEntry
	for rows.Next() {
		var e CostEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.StepID, &e.Model, &e.PromptTokens, &e.CompletionTokens, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
