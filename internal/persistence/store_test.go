package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "autodev.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_MigratesAndReopens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autodev.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Second open must accept the existing schema ledger.
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = store.Close()
}

func TestJobLifecycle_HappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "add retry logic to the fetcher", "/tmp/repo")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != JobStatusPending {
		t.Fatalf("new job status = %s", job.Status)
	}

	path := []JobStatus{JobStatusPlanning, JobStatusExecuting, JobStatusIntegrating, JobStatusCompleted}
	from := JobStatusPending
	for _, to := range path {
		ok, err := store.TransitionJob(ctx, job.ID, []JobStatus{from}, to, "")
		if err != nil {
			t.Fatalf("transition %s -> %s: %v", from, to, err)
		}
		if !ok {
			t.Fatalf("transition %s -> %s not applied", from, to)
		}
		from = to
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobStatusCompleted {
		t.Fatalf("final status = %s", got.Status)
	}
	if got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatal("expected started_at and finished_at to be stamped")
	}

	events, err := store.ListJobEvents(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// job.created plus four transitions.
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
}

func TestTransitionJob_RejectsIllegal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, "task", "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	// PENDING -> COMPLETED is not a legal edge.
	if _, err := store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusPending}, JobStatusCompleted, ""); err == nil {
		t.Fatal("expected error for PENDING -> COMPLETED")
	}

	// Stale allowedFrom returns false, not an error.
	ok, err := store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusExecuting}, JobStatusIntegrating, "")
	if err != nil {
		t.Fatalf("stale transition: %v", err)
	}
	if ok {
		t.Fatal("stale transition should not apply")
	}
}

func TestTransitionJob_TerminalIsFinal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	if _, err := store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusPending}, JobStatusCancelled, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ok, err := store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusCancelled}, JobStatusPlanning, "")
	if err == nil && ok {
		t.Fatal("terminal job must not transition again")
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.FailureReason != "operator request" {
		t.Fatalf("failure_reason = %q", got.FailureReason)
	}
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	ok, err := store.RequestCancel(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("request cancel: ok=%v err=%v", ok, err)
	}
	got, _ := store.GetJob(ctx, job.ID)
	if !got.CancelRequested {
		t.Fatal("cancel_requested not set")
	}

	// Terminal jobs reject the flag.
	_, _ = store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusPending}, JobStatusCancelled, "")
	ok, err = store.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("request cancel on terminal: %v", err)
	}
	if ok {
		t.Fatal("terminal job should not accept cancel request")
	}
}

func TestRecordUsage_AccumulatesMonotonically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1-mini", 1000, 200, 0.01); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1-mini", 500, 100, 0.005); err != nil {
		t.Fatalf("record usage: %v", err)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.RequestCount != 2 {
		t.Fatalf("request_count = %d", got.RequestCount)
	}
	if got.CostUSD < 0.0149 || got.CostUSD > 0.0151 {
		t.Fatalf("cost_usd = %v", got.CostUSD)
	}

	entries, err := store.ListCostEntries(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("list cost entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 cost entries, got %d", len(entries))
	}

	if err := store.RecordUsage(ctx, job.ID, "", "gpt-4.1-mini", 1, 1, -0.5); err == nil {
		t.Fatal("negative cost must be rejected")
	}
}

func TestMarkWarningSent_FiresOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	first, err := store.MarkWarningSent(ctx, job.ID, 0.8)
	if err != nil || !first {
		t.Fatalf("first mark: first=%v err=%v", first, err)
	}
	again, err := store.MarkWarningSent(ctx, job.ID, 0.8)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if again {
		t.Fatal("threshold 0.8 should only fire once")
	}
	first, _ = store.MarkWarningSent(ctx, job.ID, 0.95)
	if !first {
		t.Fatal("distinct threshold 0.95 should fire")
	}

	got, _ := store.GetJob(ctx, job.ID)
	if len(got.BudgetWarningsSent) != 2 {
		t.Fatalf("budget_warnings_sent = %v", got.BudgetWarningsSent)
	}
}

func TestInsertPlan_AndStepFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	_, _ = store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusPending}, JobStatusPlanning, "")

	steps, err := store.InsertPlan(ctx, job.ID, []PlannedStep{
		{Title: "add failing test"},
		{Title: "implement fix"},
		{Title: "run full suite"},
	})
	if err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}

	next, err := store.NextPendingStep(ctx, job.ID)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if next.Title != "add failing test" {
		t.Fatalf("next step = %q", next.Title)
	}

	if err := store.MarkStepRunning(ctx, next.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := store.MarkStepCompleted(ctx, next.ID, "--- a/x\n+++ b/x\n"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	next, _ = store.NextPendingStep(ctx, job.ID)
	if next.Title != "implement fix" {
		t.Fatalf("next step after completion = %q", next.Title)
	}

	retries, err := store.RequeueStepForRetry(ctx, next.ID, "tests failed")
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if retries != 1 {
		t.Fatalf("retry count = %d", retries)
	}
	got, _ := store.GetStep(ctx, next.ID)
	if got.Status != StepStatusPending || got.LastError != "tests failed" {
		t.Fatalf("requeued step = %s / %q", got.Status, got.LastError)
	}
}

func TestReplacePendingSteps_Atomic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	_, _ = store.TransitionJob(ctx, job.ID, []JobStatus{JobStatusPending}, JobStatusPlanning, "")
	steps, _ := store.InsertPlan(ctx, job.ID, []PlannedStep{
		{Title: "one"}, {Title: "two"}, {Title: "three"},
	})

	// Complete the first, fail the second with some streak.
	_ = store.MarkStepCompleted(ctx, steps[0].ID, "diff-1")
	_ = store.MarkStepFailed(ctx, steps[1].ID, "boom")
	_ = store.RecordStepFailure(ctx, job.ID, steps[1].ID)
	_ = store.RecordStepFailure(ctx, job.ID, steps[1].ID)

	replaced, err := store.ReplacePendingSteps(ctx, job.ID, []PlannedStep{
		{Title: "two revised"}, {Title: "three revised"},
	})
	if err != nil {
		t.Fatalf("replace pending: %v", err)
	}

	var completed, failed, superseded, pending int
	for _, st := range replaced {
		switch st.Status {
		case StepStatusCompleted:
			completed++
		case StepStatusFailed:
			failed++
		case StepStatusSuperseded:
			superseded++
		case StepStatusPending:
			pending++
			if st.PlanGeneration != 1 {
				t.Fatalf("replanned step generation = %d", st.PlanGeneration)
			}
		}
	}
	// Only the pending step is superseded; the failed step keeps its status
	// as the record of what forced the replan.
	if completed != 1 || failed != 1 || superseded != 1 || pending != 2 {
		t.Fatalf("step mix completed=%d failed=%d superseded=%d pending=%d", completed, failed, superseded, pending)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.ReplanCount != 1 {
		t.Fatalf("replan_count = %d", got.ReplanCount)
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want reset", got.ConsecutiveFailures)
	}

	// Completed work survives replan.
	diffs, _ := store.CompletedDiffs(ctx, job.ID)
	if len(diffs) != 1 || diffs[0] != "diff-1" {
		t.Fatalf("completed diffs = %v", diffs)
	}
}

func TestArchiveNotes_AllOrNothing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	other, _ := store.CreateJob(ctx, "unrelated task", "")
	for i := 0; i < 15; i++ {
		_, err := store.AddNote(ctx, MemoryNote{
			JobID: job.ID,
			Type:  NoteTypeDecision,
			Title: "fact",
			Body:  "fact number " + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("add note: %v", err)
		}
	}
	if _, err := store.AddNote(ctx, MemoryNote{JobID: other.ID, Type: NoteTypeTodo, Body: "keep me"}); err != nil {
		t.Fatalf("add other note: %v", err)
	}

	archive, err := store.ArchiveNotes(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("archive notes: %v", err)
	}
	if archive == nil || archive.NoteCount != 5 {
		t.Fatalf("archive = %+v", archive)
	}
	if archive.JobID != job.ID {
		t.Fatalf("archive job = %q, want %q", archive.JobID, job.ID)
	}

	count, _, err := store.NoteUsage(ctx, job.ID)
	if err != nil {
		t.Fatalf("note usage: %v", err)
	}
	if count != 10 {
		t.Fatalf("live notes = %d, want 10", count)
	}

	// Archiving one job never touches another job's notes.
	otherCount, _, err := store.NoteUsage(ctx, other.ID)
	if err != nil {
		t.Fatalf("other usage: %v", err)
	}
	if otherCount != 1 {
		t.Fatalf("other job notes = %d, want 1", otherCount)
	}

	restored, err := store.GetArchiveNotes(ctx, archive.ID)
	if err != nil {
		t.Fatalf("get archive notes: %v", err)
	}
	if len(restored) != 5 {
		t.Fatalf("restored notes = %d", len(restored))
	}

	// Nothing left to archive below the keep threshold.
	archive, err = store.ArchiveNotes(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("second archive: %v", err)
	}
	if archive != nil {
		t.Fatalf("expected no-op archive, got %+v", archive)
	}
}

func TestAddNote_ValidatesAndTruncates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")

	if _, err := store.AddNote(ctx, MemoryNote{Type: NoteTypeDecision, Body: "orphan"}); err == nil {
		t.Fatal("expected error for note without a job id")
	}
	if _, err := store.AddNote(ctx, MemoryNote{JobID: job.ID, Type: "rumor", Body: "x"}); err == nil {
		t.Fatal("expected error for unknown note type")
	}

	store.SetNoteByteLimit(16)
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	note, err := store.AddNote(ctx, MemoryNote{
		JobID: job.ID,
		Type:  NoteTypeConstraint,
		Title: "long body",
		Body:  string(long),
		Tags:  []string{"limits", "storage"},
	})
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if len(note.Body) != 16 {
		t.Fatalf("body = %d bytes, want truncated to 16", len(note.Body))
	}

	got, err := store.ListNotes(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("notes = %d", len(got))
	}
	if len(got[0].Body) != 16 || got[0].Title != "long body" {
		t.Fatalf("stored note = %+v", got[0])
	}
	if len(got[0].Tags) != 2 || got[0].Tags[0] != "limits" {
		t.Fatalf("tags = %v", got[0].Tags)
	}
}

func TestReplaceWithSummary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	for i := 0; i < 6; i++ {
		if err := store.AddMessage(ctx, job.ID, "assistant", "turn", 5); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	msgs, _ := store.ListMessages(ctx, job.ID, 0)
	if len(msgs) != 6 {
		t.Fatalf("messages = %d", len(msgs))
	}

	if err := store.ReplaceWithSummary(ctx, job.ID, msgs[1].ID, msgs[3].ID, "condensed middle", 3); err != nil {
		t.Fatalf("replace with summary: %v", err)
	}

	msgs, _ = store.ListMessages(ctx, job.ID, 0)
	// 6 - 3 archived + 1 summary.
	if len(msgs) != 4 {
		t.Fatalf("messages after summary = %d", len(msgs))
	}
	// The summary takes the archived block's position, not the tail.
	if msgs[1].Role != "summary" || msgs[1].Content != "condensed middle" {
		t.Fatalf("summary row = %s %q at wrong position", msgs[1].Role, msgs[1].Content)
	}
}

func TestDiagnostics_SaveAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.CreateJob(ctx, "task", "")
	if err := store.SaveDiagnostics(ctx, job.ID, "step-1", `{"selected":3}`); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}
	if err := store.SaveDiagnostics(ctx, job.ID, "step-2", `{"selected":7}`); err != nil {
		t.Fatalf("save diagnostics: %v", err)
	}

	latest, err := store.LatestDiagnostics(ctx, job.ID)
	if err != nil {
		t.Fatalf("latest diagnostics: %v", err)
	}
	if latest == nil || latest.StepID != "step-2" {
		t.Fatalf("latest = %+v", latest)
	}

	none, err := store.LatestDiagnostics(ctx, "missing-job")
	if err != nil {
		t.Fatalf("latest for missing job: %v", err)
	}
	if none != nil {
		t.Fatal("expected nil for missing job")
	}
}
