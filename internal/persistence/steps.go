package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Step struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	Position    int        `json:"position"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	Diff        string     `json:"diff,omitempty"`
	// Verify holds shell commands that must exit zero for the step to count
	// as done.
	Verify []string `json:"verify,omitempty"`
	// EditHistory is the append-only record of prior failed attempts. Later
	// attempts get it injected into their context.
	EditHistory    []string  `json:"edit_history,omitempty"`
	PlanGeneration int       `json:"plan_generation"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PlannedStep is a step as produced by the planner, before persistence.
type PlannedStep struct {
	Title       string
	Description string
	Verify      []string
}

const stepColumns = `id, job_id, position, title, description, status, retry_count, last_error, diff, verify_json, edit_history, plan_generation, created_at, updated_at`

func scanStep(scanFn func(dest ...any) error) (*Step, error) {
	var st Step
	var verifyJSON, historyJSON string
	if err := scanFn(
		&st.ID, &st.JobID, &st.Position, &st.Title, &st.Description, &st.Status,
		&st.RetryCount, &st.LastError, &st.Diff, &verifyJSON, &historyJSON,
		&st.PlanGeneration, &st.CreatedAt, &st.UpdatedAt,
	); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(verifyJSON), &st.Verify)
	_ = json.Unmarshal([]byte(historyJSON), &st.EditHistory)
	return &st, nil
}

func marshalList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// InsertPlan persists the initial step list for a job. Positions are assigned
// in plan order starting at 0.
func (s *Store) InsertPlan(ctx context.Context, jobID string, steps []PlannedStep) ([]*Step, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty plan for job %s", jobID)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for i, ps := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO steps (id, job_id, position, title, description, status, verify_json, plan_generation, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, uuid.NewString(), jobID, i, ps.Title, ps.Description, StepStatusPending, marshalList(ps.Verify)); err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, JobStatusPlanning, JobStatusPlanning, "plan.created",
			fmt.Sprintf(`{"steps":%d}`, len(steps))); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.ListSteps(ctx, jobID)
}

// ReplacePendingSteps supersedes the remaining pending steps and inserts the
// replanned steps after the highest surviving position. Completed and failed
// steps keep their status: the failed step stays the readable record of what
// triggered the replan. consecutive_failures resets and replan_count
// increments in the same transaction, so a crash mid replan never leaves a
// half-applied plan.
func (s *Store) ReplacePendingSteps(ctx context.Context, jobID string, steps []PlannedStep) ([]*Step, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty replacement plan for job %s", jobID)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin replan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var generation int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(plan_generation), 0) FROM steps WHERE job_id = ?;
		`, jobID).Scan(&generation); err != nil {
			return fmt.Errorf("read plan generation: %w", err)
		}
		generation++

		if _, err := tx.ExecContext(ctx, `
			UPDATE steps
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE job_id = ? AND status = ?;
		`, StepStatusSuperseded, jobID, StepStatusPending); err != nil {
			return fmt.Errorf("supersede steps: %w", err)
		}

		var maxPos sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(position) FROM steps WHERE job_id = ?;
		`, jobID).Scan(&maxPos); err != nil {
			return fmt.Errorf("read max position: %w", err)
		}
		base := 0
		if maxPos.Valid {
			base = int(maxPos.Int64) + 1
		}
		for i, ps := range steps {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO steps (id, job_id, position, title, description, status, verify_json, plan_generation, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, uuid.NewString(), jobID, base+i, ps.Title, ps.Description, StepStatusPending, marshalList(ps.Verify), generation); err != nil {
				return fmt.Errorf("insert replanned step: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET replan_count = replan_count + 1,
				consecutive_failures = 0,
				last_progress_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, jobID); err != nil {
			return fmt.Errorf("bump replan count: %w", err)
		}

		if err := s.appendJobEventTx(ctx, tx, jobID, JobStatusExecuting, JobStatusPlanning, "plan.replaced",
			fmt.Sprintf(`{"steps":%d,"generation":%d}`, len(steps), generation)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.ListSteps(ctx, jobID)
}

func (s *Store) GetStep(ctx context.Context, stepID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = ?;`, stepID)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, jobID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stepColumns+` FROM steps WHERE job_id = ? ORDER BY position ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		st, err := scanStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// NextPendingStep returns the lowest-position pending step, or nil when the
// plan is exhausted.
func (s *Store) NextPendingStep(ctx context.Context, jobID string) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE job_id = ? AND status = ?
		ORDER BY position ASC
		LIMIT 1;
	`, jobID, StepStatusPending)
	st, err := scanStep(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending step: %w", err)
	}
	return st, nil
}

func (s *Store) MarkStepRunning(ctx context.Context, stepID string) error {
	return s.setStepStatus(ctx, stepID, StepStatusRunning, "", "")
}

func (s *Store) MarkStepCompleted(ctx context.Context, stepID, diff string) error {
	return s.setStepStatus(ctx, stepID, StepStatusCompleted, "", diff)
}

func (s *Store) MarkStepFailed(ctx context.Context, stepID, lastError string) error {
	if err := s.setStepStatus(ctx, stepID, StepStatusFailed, lastError, ""); err != nil {
		return err
	}
	return s.appendEditHistory(ctx, stepID, lastError)
}

// appendEditHistory adds one attempt summary to the step's append-only
// history.
func (s *Store) appendEditHistory(ctx context.Context, stepID, entry string) error {
	if entry == "" {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin history tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT edit_history FROM steps WHERE id = ?;`, stepID).Scan(&raw); err != nil {
			return fmt.Errorf("read edit history: %w", err)
		}
		var history []string
		_ = json.Unmarshal([]byte(raw), &history)
		history = append(history, entry)
		if _, err := tx.ExecContext(ctx, `
			UPDATE steps SET edit_history = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, marshalList(history), stepID); err != nil {
			return fmt.Errorf("write edit history: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) setStepStatus(ctx context.Context, stepID string, status StepStatus, lastError, diff string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE steps
		SET status = ?,
			last_error = CASE WHEN ? != '' THEN ? ELSE last_error END,
			diff = CASE WHEN ? != '' THEN ? ELSE diff END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, status, lastError, lastError, diff, diff, stepID)
	if err != nil {
		return fmt.Errorf("set step status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("step %s not found", stepID)
	}
	return nil
}

// RequeueStepForRetry moves a failed step back to pending, bumps its retry
// counter, and records the failure in the step's edit history. Returns the
// new retry count.
func (s *Store) RequeueStepForRetry(ctx context.Context, stepID, lastError string) (int, error) {
	var retries int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT edit_history FROM steps WHERE id = ?;`, stepID).Scan(&raw); err != nil {
			return fmt.Errorf("read edit history: %w", err)
		}
		var history []string
		_ = json.Unmarshal([]byte(raw), &history)
		if lastError != "" {
			history = append(history, lastError)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE steps
			SET status = ?, retry_count = retry_count + 1, last_error = ?, edit_history = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, StepStatusPending, lastError, marshalList(history), stepID)
		if err != nil {
			return fmt.Errorf("requeue step: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("step %s not found", stepID)
		}
		if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM steps WHERE id = ?;`, stepID).Scan(&retries); err != nil {
			return fmt.Errorf("read retry count: %w", err)
		}
		return tx.Commit()
	})
	return retries, err
}

// CompletedDiffs returns the diffs of completed steps in position order, for
// the integration stage.
func (s *Store) CompletedDiffs(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT diff FROM steps
		WHERE job_id = ? AND status = ? AND diff != ''
		ORDER BY position ASC;
	`, jobID, StepStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("completed diffs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
