package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/shared"
	"github.com/google/uuid"
)

type Job struct {
	ID                  string     `json:"id"`
	Task                string     `json:"task"`
	Status              JobStatus  `json:"status"`
	RepoPath            string     `json:"repo_path"`
	Branch              string     `json:"branch,omitempty"`
	PRURL               string     `json:"pr_url,omitempty"`
	CancelRequested     bool       `json:"cancel_requested"`
	ReplanCount         int        `json:"replan_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailedStepID    string     `json:"last_failed_step_id,omitempty"`
	CostUSD             float64    `json:"cost_usd"`
	RequestCount        int        `json:"request_count"`
	BudgetWarningsSent  []float64  `json:"budget_warnings_sent"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	LastProgressAt      *time.Time `json:"last_progress_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type JobEvent struct {
	EventID   int64     `json:"event_id"`
	JobID     string    `json:"job_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom JobStatus `json:"state_from,omitempty"`
	StateTo   JobStatus `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

const jobColumns = `id, task, status, repo_path, branch, pr_url, cancel_requested,
	replan_count, consecutive_failures, last_failed_step_id,
	cost_usd, request_count, budget_warnings_sent, failure_reason,
	created_at, started_at, last_progress_at, finished_at, updated_at`

func scanJob(scanFn func(dest ...any) error) (*Job, error) {
	var job Job
	var warnings string
	var started, progress, finished sql.NullTime
	var cancel int
	if err := scanFn(
		&job.ID, &job.Task, &job.Status, &job.RepoPath, &job.Branch, &job.PRURL, &cancel,
		&job.ReplanCount, &job.ConsecutiveFailures, &job.LastFailedStepID,
		&job.CostUSD, &job.RequestCount, &warnings, &job.FailureReason,
		&job.CreatedAt, &started, &progress, &finished, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.CancelRequested = cancel != 0
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if progress.Valid {
		t := progress.Time
		job.LastProgressAt = &t
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(warnings), &job.BudgetWarningsSent); err != nil {
		job.BudgetWarningsSent = nil
	}
	return &job, nil
}

func (s *Store) CreateJob(ctx context.Context, task, repoPath string) (*Job, error) {
	jobID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, task, status, repo_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, jobID, task, JobStatusPending, repoPath); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, "", JobStatusPending, "job.created", "{}"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, from, to JobStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = jobID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, jobID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}

// TransitionJob moves a job to the target status if that transition is legal
// from its current status. Returns false without error when the job is not in
// one of allowedFrom (a concurrent actor won the race). Terminal transitions
// also stamp finished_at.
func (s *Store) TransitionJob(ctx context.Context, jobID string, allowedFrom []JobStatus, to JobStatus, reason string) (bool, error) {
	var applied bool
	var from JobStatus
	err := retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select job for transition: %w", err)
		}
		if !slices.Contains(allowedFrom, current) {
			return nil
		}
		if !canTransition(current, to) {
			return fmt.Errorf("illegal transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?,
				failure_reason = CASE WHEN ? IN ('FAILED', 'CANCELLED') THEN ? ELSE failure_reason END,
				started_at = CASE WHEN ? = 'PLANNING' AND started_at IS NULL THEN CURRENT_TIMESTAMP ELSE started_at END,
				last_progress_at = CURRENT_TIMESTAMP,
				finished_at = CASE WHEN ? IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN CURRENT_TIMESTAMP ELSE finished_at END,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, string(to), reason, string(to), string(to), jobID, current)
		if err != nil {
			return fmt.Errorf("update job transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}

		payload := "{}"
		if reason != "" {
			b, _ := json.Marshal(map[string]string{"reason": reason})
			payload = string(b)
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, current, to, "job.transition", payload); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		applied = true
		from = current
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && s.bus != nil {
		s.bus.Publish(bus.TopicJobStateChanged, bus.JobStateChangedEvent{
			JobID:     jobID,
			OldStatus: string(from),
			NewStatus: string(to),
			Reason:    reason,
		})
	}
	return applied, nil
}

// RequestCancel flags the job for cooperative cancellation. The runner checks
// the flag at step boundaries; a job already in a terminal state is left alone.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET cancel_requested = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED');
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RecordUsage accumulates provider spend on the job and appends a cost ledger
// entry in the same transaction. Counters only ever increase.
func (s *Store) RecordUsage(ctx context.Context, jobID, stepID, model string, promptTokens, completionTokens int, costUSD float64) error {
	if costUSD < 0 {
		return fmt.Errorf("negative cost %v", costUSD)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin usage tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET cost_usd = cost_usd + ?,
				request_count = request_count + 1,
				last_progress_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, costUSD, jobID)
		if err != nil {
			return fmt.Errorf("accumulate usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("job %s not found", jobID)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cost_entries (job_id, step_id, model, prompt_tokens, completion_tokens, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, jobID, stepID, model, promptTokens, completionTokens, costUSD); err != nil {
			return fmt.Errorf("insert cost entry: %w", err)
		}
		return tx.Commit()
	})
}

// MarkProgress refreshes last_progress_at for stall detection.
func (s *Store) MarkProgress(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_progress_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark progress: %w", err)
	}
	return nil
}

// MarkWarningSent records that the given threshold warning fired. Returns
// false when the threshold was already recorded, so each warning fires once.
func (s *Store) MarkWarningSent(ctx context.Context, jobID string, threshold float64) (bool, error) {
	var first bool
	err := retryOnBusy(ctx, 5, func() error {
		first = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin warning tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT budget_warnings_sent FROM jobs WHERE id = ?;`, jobID).Scan(&raw); err != nil {
			return fmt.Errorf("read warnings sent: %w", err)
		}
		var sent []float64
		if err := json.Unmarshal([]byte(raw), &sent); err != nil {
			sent = nil
		}
		if slices.Contains(sent, threshold) {
			return nil
		}
		sent = append(sent, threshold)
		slices.Sort(sent)
		b, err := json.Marshal(sent)
		if err != nil {
			return fmt.Errorf("marshal warnings sent: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET budget_warnings_sent = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, string(b), jobID); err != nil {
			return fmt.Errorf("write warnings sent: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		first = true
		return nil
	})
	return first, err
}

// RecordStepFailure increments consecutive_failures and remembers the step.
func (s *Store) RecordStepFailure(ctx context.Context, jobID, stepID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET consecutive_failures = consecutive_failures + 1,
			last_failed_step_id = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, stepID, jobID)
	if err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}
	return nil
}

// ResetConsecutiveFailures clears the failure streak after a step succeeds.
func (s *Store) ResetConsecutiveFailures(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET consecutive_failures = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, jobID)
	if err != nil {
		return fmt.Errorf("reset consecutive failures: %w", err)
	}
	return nil
}

// SetIntegrationResult records the work branch and PR link.
func (s *Store) SetIntegrationResult(ctx context.Context, jobID, branch, prURL string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET branch = ?, pr_url = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, branch, prURL, jobID)
	if err != nil {
		return fmt.Errorf("set integration result: %w", err)
	}
	return nil
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		var from string
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.TraceID, &ev.EventType, &from, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.StateFrom = JobStatus(from)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneJobEvents removes events older than the retention window.
func (s *Store) PruneJobEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_events WHERE created_at < datetime('now', ?);
	`, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune job events: %w", err)
	}
	return res.RowsAffected()
}
