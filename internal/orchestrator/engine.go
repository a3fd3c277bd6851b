// Package orchestrator is the job execution engine: the state machine that
// drives a job from intake through planning, step execution, and integration,
// under the budget guard, retry/escalation policy, and stall detection. One
// runner goroutine per job; jobs share nothing but the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/config"
	"github.com/hollis/autodev/internal/contextengine"
	"github.com/hollis/autodev/internal/gitops"
	"github.com/hollis/autodev/internal/llm"
	"github.com/hollis/autodev/internal/otel"
	"github.com/hollis/autodev/internal/persistence"
	"github.com/hollis/autodev/internal/pricing"
	"github.com/hollis/autodev/internal/tokenutil"
)

const implementerSystemPrompt = `You are the implementation agent of an automated software-change pipeline.
Produce a unified diff that completes the given step. Respond with the diff
inside a fenced block:
` + "```diff\n...\n```" + `
Touch only what the step requires. No prose outside the fence.`

var nonTerminal = []persistence.JobStatus{
	persistence.JobStatusPending,
	persistence.JobStatusPlanning,
	persistence.JobStatusExecuting,
	persistence.JobStatusIntegrating,
}

// Engine runs jobs. Submit enqueues; Run consumes the queue and spawns one
// sequential state machine per job.
type Engine struct {
	store      *persistence.Store
	eventBus   *bus.Bus
	cfg        config.Config
	provider   llm.Provider
	builder    *contextengine.Engine
	planner    *Planner
	applier    gitops.Applier
	verifier   Verifier
	integrator *gitops.Integrator
	guard      *BudgetGuard
	stall      *StallDetector
	tracer     trace.Tracer
	metrics    *otel.Metrics

	jobs chan string
	wg   sync.WaitGroup
}

// NewEngine wires the execution engine. Tracer and metrics may be nil.
func NewEngine(
	store *persistence.Store,
	eventBus *bus.Bus,
	cfg config.Config,
	provider llm.Provider,
	builder *contextengine.Engine,
	applier gitops.Applier,
	verifier Verifier,
	integrator *gitops.Integrator,
	tracer trace.Tracer,
	metrics *otel.Metrics,
) (*Engine, error) {
	planner, err := NewPlanner()
	if err != nil {
		return nil, fmt.Errorf("init planner: %w", err)
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("orchestrator")
	}
	e := &Engine{
		store:      store,
		eventBus:   eventBus,
		cfg:        cfg,
		provider:   provider,
		builder:    builder,
		planner:    planner,
		applier:    applier,
		verifier:   verifier,
		integrator: integrator,
		guard:      NewBudgetGuard(store, eventBus, metrics, cfg.Budget),
		stall:      &StallDetector{Timeout: cfg.StallTimeout()},
		tracer:     tracer,
		metrics:    metrics,
		jobs:       make(chan string, 64),
	}
	if builder != nil {
		// Compaction summaries go through the same guarded call path as
		// planner and implementer requests, so they count against the
		// job's cost and request ceilings.
		builder.SetGenerate(func(ctx context.Context, jobID string, role llm.Role, msgs []llm.Message) (*llm.Completion, error) {
			return e.agentCall(ctx, jobID, "", role, msgs)
		})
	}
	return e, nil
}

// Submit enqueues a job for execution. Returns an error when the intake
// queue is full rather than blocking the caller.
func (e *Engine) Submit(jobID string) error {
	select {
	case e.jobs <- jobID:
		return nil
	default:
		return fmt.Errorf("job queue full")
	}
}

// Resume re-enqueues every job left in a non-terminal state, so a restart
// picks up where the previous process stopped.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	jobs, err := e.store.ListJobs(ctx, nonTerminal, 0)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	for i, job := range jobs {
		if err := e.Submit(job.ID); err != nil {
			return i, err
		}
		slog.Info("resuming job", "job_id", job.ID, "status", job.Status)
	}
	return len(jobs), nil
}

// Run consumes the intake queue until ctx is cancelled, then waits for
// running jobs to reach their next boundary and stop.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case jobID := <-e.jobs:
			e.wg.Add(1)
			go func(id string) {
				defer e.wg.Done()
				e.runJob(ctx, id)
			}(jobID)
		}
	}
}

// runJob is one job's complete state machine, PENDING to terminal.
func (e *Engine) runJob(ctx context.Context, jobID string) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "job.run", otel.AttrJobID.String(jobID))
	defer span.End()
	if e.metrics != nil {
		e.metrics.ActiveJobs.Add(ctx, 1)
		defer func() {
			e.metrics.ActiveJobs.Add(ctx, -1)
			e.metrics.JobDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		slog.Error("job lookup failed", "job_id", jobID, "error", err)
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	if done, err := e.checkCancel(ctx, jobID); done || err != nil {
		return
	}

	if job.Status == persistence.JobStatusPending {
		if _, err := e.store.TransitionJob(ctx, jobID, []persistence.JobStatus{persistence.JobStatusPending},
			persistence.JobStatusPlanning, "dequeued"); err != nil {
			e.failJob(ctx, jobID, fmt.Sprintf("transition to planning: %v", err))
			return
		}
		job.Status = persistence.JobStatusPlanning
	}

	if job.Status == persistence.JobStatusPlanning {
		if err := e.planPhase(ctx, jobID, ""); err != nil {
			e.failJob(ctx, jobID, err.Error())
			return
		}
		if _, err := e.store.TransitionJob(ctx, jobID, []persistence.JobStatus{persistence.JobStatusPlanning},
			persistence.JobStatusExecuting, "plan accepted"); err != nil {
			e.failJob(ctx, jobID, fmt.Sprintf("transition to executing: %v", err))
			return
		}
	}

	if err := e.executePhase(ctx, jobID); err != nil {
		e.failJob(ctx, jobID, err.Error())
		return
	}

	// executePhase reports nil both when all steps completed and when the
	// job was cancelled at a boundary; only integrate in the former case.
	// INTEGRATING is included so a restart resumes a job that crashed mid
	// handoff.
	job, err = e.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if job.Status != persistence.JobStatusExecuting && job.Status != persistence.JobStatusIntegrating {
		return
	}
	e.integratePhase(ctx, job)
}

// planPhase builds planning context, asks the planner, and persists the step
// list. A non-empty failureContext marks a replan, which replaces the pending
// steps instead of inserting a first plan.
func (e *Engine) planPhase(ctx context.Context, jobID, failureContext string) error {
	ctx, span := otel.StartSpan(ctx, e.tracer, "job.plan", otel.AttrJobID.String(jobID))
	defer span.End()

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for planning: %w", err)
	}

	hints := ""
	if built, err := e.builder.Build(ctx, job, nil); err != nil {
		slog.Warn("planning context build failed, planning from task only", "job_id", jobID, "error", err)
	} else {
		hints = built.Hints
	}

	generate := func(ctx context.Context, role llm.Role, msgs []llm.Message) (*llm.Completion, error) {
		return e.agentCall(ctx, jobID, "", role, msgs)
	}
	steps, err := e.planner.Plan(ctx, generate, job.Task, hints, failureContext)
	if err != nil {
		return err
	}

	if failureContext == "" {
		_, err = e.store.InsertPlan(ctx, jobID, steps)
	} else {
		_, err = e.store.ReplacePendingSteps(ctx, jobID, steps)
	}
	if err != nil {
		return fmt.Errorf("persist plan: %w", err)
	}
	if err := e.store.MarkProgress(ctx, jobID); err != nil {
		return err
	}
	slog.Info("plan persisted", "job_id", jobID, "steps", len(steps), "replan", failureContext != "")
	return nil
}

// executePhase drains pending steps in order. Returns nil on normal
// completion or cancellation and an error for terminal failures.
func (e *Engine) executePhase(ctx context.Context, jobID string) error {
	for {
		if done, err := e.checkCancel(ctx, jobID); done {
			return nil
		} else if err != nil {
			return err
		}

		job, err := e.store.GetJob(ctx, jobID)
		if err != nil || job == nil {
			return fmt.Errorf("load job: %w", err)
		}

		step, err := e.store.NextPendingStep(ctx, jobID)
		if err != nil {
			return fmt.Errorf("next step: %w", err)
		}
		if step == nil {
			return nil
		}

		if e.stall.Stalled(job, time.Now()) {
			idle := time.Since(*latestProgress(job)).Round(time.Second)
			if e.eventBus != nil {
				e.eventBus.Publish(bus.TopicJobStalled, bus.StepEvent{
					JobID: jobID, StepID: step.ID, Title: step.Title,
					Error: fmt.Sprintf("stalled for %s", idle),
				})
			}
			if err := e.handleStepFailure(ctx, job, step, &stallError{idle: idle.String()}); err != nil {
				return err
			}
			// Recording the stall consumes it: the requeued step gets a
			// real attempt instead of tripping the detector again.
			if err := e.store.MarkProgress(ctx, jobID); err != nil {
				return err
			}
			continue
		}

		if err := e.runStep(ctx, job, step); err != nil {
			var budget *BudgetExceededError
			if errors.As(err, &budget) {
				return err
			}
			if err := e.handleStepFailure(ctx, job, step, err); err != nil {
				return err
			}
			continue
		}
	}
}

// runStep executes one step: context build, agent call, diff apply,
// verification. Any error is a step failure for the escalation policy.
func (e *Engine) runStep(ctx context.Context, job *persistence.Job, step *persistence.Step) error {
	stepStart := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "job.step",
		otel.AttrJobID.String(job.ID),
		otel.AttrStepID.String(step.ID),
		otel.AttrRetryCount.Int(step.RetryCount))
	defer span.End()

	if err := e.store.MarkStepRunning(ctx, step.ID); err != nil {
		return err
	}
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicJobStepStarted, bus.StepEvent{
			JobID: job.ID, StepID: step.ID, Title: step.Title, RetryCount: step.RetryCount,
		})
	}

	built, err := e.builder.Build(ctx, job, step)
	if err != nil {
		return fmt.Errorf("build step context: %w", err)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Step: %s\n", step.Title)
	if step.Description != "" {
		fmt.Fprintf(&user, "%s\n", step.Description)
	}
	if len(step.EditHistory) > 0 {
		user.WriteString("\nPrior failed attempts on this step; do not repeat them:\n")
		for i, h := range step.EditHistory {
			fmt.Fprintf(&user, "%d. %s\n", i+1, h)
		}
	}
	if built.Hints != "" {
		user.WriteString("\n")
		user.WriteString(built.Hints)
	}

	// The compacted transcript sits between the system prompt and the step
	// request, so the agent sees what earlier steps did and decided.
	msgs := make([]llm.Message, 0, len(built.Transcript)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: implementerSystemPrompt})
	for _, m := range built.Transcript {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: user.String()})

	out, err := e.agentCall(ctx, job.ID, step.ID, llm.RoleImplementer, msgs)
	if err != nil {
		return err
	}

	diff := extractDiff(out.Text)
	files, err := e.applier.Apply(ctx, diff, job.RepoPath)
	if err != nil {
		return err
	}
	if err := e.verifier.Verify(ctx, job.RepoPath, step.Verify); err != nil {
		return err
	}

	if err := e.store.MarkStepCompleted(ctx, step.ID, diff); err != nil {
		return err
	}
	if err := e.store.ResetConsecutiveFailures(ctx, job.ID); err != nil {
		return err
	}
	if err := e.store.MarkProgress(ctx, job.ID); err != nil {
		return err
	}
	note := fmt.Sprintf("completed step %q: changed %s", step.Title, strings.Join(files, ", "))
	if err := e.store.AddMessage(ctx, job.ID, "assistant", note, tokenutil.EstimateTokens(note)); err != nil {
		slog.Warn("record step message failed", "job_id", job.ID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.StepDuration.Record(ctx, time.Since(stepStart).Seconds())
	}
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicJobStepCompleted, bus.StepEvent{
			JobID: job.ID, StepID: step.ID, Title: step.Title, RetryCount: step.RetryCount,
		})
	}
	slog.Info("step completed", "job_id", job.ID, "step", step.Title, "files", len(files))
	return nil
}

// handleStepFailure applies the escalation ladder: retry the step below the
// ceiling, replan on the first exhausted step, fail the job on the second.
// Returns an error only when the job must terminate.
func (e *Engine) handleStepFailure(ctx context.Context, job *persistence.Job, step *persistence.Step, cause error) error {
	reason := cause.Error()
	if err := e.store.RecordStepFailure(ctx, job.ID, step.ID); err != nil {
		return err
	}
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicJobStepFailed, bus.StepEvent{
			JobID: job.ID, StepID: step.ID, Title: step.Title,
			RetryCount: step.RetryCount, Error: reason,
		})
	}

	if step.RetryCount+1 < e.cfg.Execution.MaxStepRetries {
		retries, err := e.store.RequeueStepForRetry(ctx, step.ID, reason)
		if err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.StepRetries.Add(ctx, 1)
		}
		slog.Warn("step failed, retrying", "job_id", job.ID, "step", step.Title, "retries", retries, "error", reason)
		return nil
	}

	if err := e.store.MarkStepFailed(ctx, step.ID, reason); err != nil {
		return err
	}

	fresh, err := e.store.GetJob(ctx, job.ID)
	if err != nil || fresh == nil {
		return fmt.Errorf("load job after step failure: %w", err)
	}
	if fresh.ReplanCount >= e.cfg.Execution.MaxReplans {
		return fmt.Errorf("step %q failed after %d retries and %d replans: %s",
			step.Title, step.RetryCount, fresh.ReplanCount, reason)
	}

	return e.replan(ctx, fresh, step, reason)
}

func (e *Engine) replan(ctx context.Context, job *persistence.Job, step *persistence.Step, reason string) error {
	if _, err := e.store.TransitionJob(ctx, job.ID, []persistence.JobStatus{persistence.JobStatusExecuting},
		persistence.JobStatusPlanning, "replan after step failure"); err != nil {
		return err
	}

	var failureContext strings.Builder
	fmt.Fprintf(&failureContext, "step %q failed: %s", step.Title, reason)
	for _, h := range step.EditHistory {
		fmt.Fprintf(&failureContext, "\nearlier attempt: %s", h)
	}

	if err := e.planPhase(ctx, job.ID, failureContext.String()); err != nil {
		return err
	}
	if _, err := e.store.TransitionJob(ctx, job.ID, []persistence.JobStatus{persistence.JobStatusPlanning},
		persistence.JobStatusExecuting, "replanned"); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.Replans.Add(ctx, 1)
	}
	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicJobReplanned, bus.ReplanEvent{
			JobID:        job.ID,
			ReplanCount:  job.ReplanCount + 1,
			FailedStepID: step.ID,
			Reason:       reason,
		})
	}
	slog.Info("job replanned", "job_id", job.ID, "failed_step", step.Title)
	return nil
}

// integratePhase hands the completed work to the VCS collaborator. Any error
// here is terminal and never retried.
func (e *Engine) integratePhase(ctx context.Context, job *persistence.Job) {
	if _, err := e.store.TransitionJob(ctx, job.ID, []persistence.JobStatus{persistence.JobStatusExecuting},
		persistence.JobStatusIntegrating, "all steps completed"); err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("transition to integrating: %v", err))
		return
	}

	diffs, err := e.store.CompletedDiffs(ctx, job.ID)
	if err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("collect diffs: %v", err))
		return
	}
	summary := fmt.Sprintf("Automated change across %d steps.", len(diffs))

	res, err := e.integrator.Integrate(ctx, job.ID, job.RepoPath, firstLine(job.Task), summary)
	if err != nil {
		e.failJob(ctx, job.ID, err.Error())
		return
	}
	if err := e.store.SetIntegrationResult(ctx, job.ID, res.Branch, res.PRURL); err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("record integration result: %v", err))
		return
	}
	if _, err := e.store.TransitionJob(ctx, job.ID, []persistence.JobStatus{persistence.JobStatusIntegrating},
		persistence.JobStatusCompleted, "integrated"); err != nil {
		e.failJob(ctx, job.ID, fmt.Sprintf("transition to completed: %v", err))
		return
	}
	slog.Info("job completed", "job_id", job.ID, "branch", res.Branch, "pr", res.PRURL)
}

// agentCall is the single path to the provider: budget guard before the
// call, usage accounting after, and a second guard pass on the updated
// totals so a call that crosses a ceiling fails the job immediately.
func (e *Engine) agentCall(ctx context.Context, jobID, stepID string, role llm.Role, msgs []llm.Message) (*llm.Completion, error) {
	if err := e.guard.Check(ctx, jobID); err != nil {
		return nil, err
	}

	callStart := time.Now()
	cctx, span := otel.StartClientSpan(ctx, e.tracer, "llm.generate",
		otel.AttrJobID.String(jobID),
		otel.AttrRole.String(string(role)),
		otel.AttrModel.String(e.provider.Model(role)))
	out, err := e.provider.Generate(cctx, role, msgs)
	span.End()
	if e.metrics != nil {
		e.metrics.LLMCallDuration.Record(ctx, time.Since(callStart).Seconds())
	}
	if err != nil {
		return nil, err
	}

	cost := pricing.EstimateCost(out.Model, out.PromptTokens, out.CompletionTokens)
	if err := e.store.RecordUsage(ctx, jobID, stepID, out.Model, out.PromptTokens, out.CompletionTokens, cost); err != nil {
		return nil, fmt.Errorf("record usage: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TokensUsed.Add(ctx, int64(out.PromptTokens+out.CompletionTokens))
		e.metrics.CostUSD.Add(ctx, cost)
	}
	if err := e.guard.Check(ctx, jobID); err != nil {
		return nil, err
	}
	return out, nil
}

// checkCancel honors an external cancellation request at a step boundary.
func (e *Engine) checkCancel(ctx context.Context, jobID string) (bool, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job for cancel check: %w", err)
	}
	if job == nil {
		return false, fmt.Errorf("job %s not found", jobID)
	}
	if !job.CancelRequested || job.Status.IsTerminal() {
		return job.Status.IsTerminal(), nil
	}
	if _, err := e.store.TransitionJob(ctx, jobID, nonTerminal, persistence.JobStatusCancelled, "cancelled by request"); err != nil {
		return false, err
	}
	slog.Info("job cancelled", "job_id", jobID)
	return true, nil
}

func (e *Engine) failJob(ctx context.Context, jobID, reason string) {
	if _, err := e.store.TransitionJob(ctx, jobID, nonTerminal, persistence.JobStatusFailed, reason); err != nil {
		slog.Error("failed to mark job failed", "job_id", jobID, "reason", reason, "error", err)
		return
	}
	slog.Error("job failed", "job_id", jobID, "reason", reason)
}

func latestProgress(job *persistence.Job) *time.Time {
	if job.LastProgressAt != nil {
		return job.LastProgressAt
	}
	if job.StartedAt != nil {
		return job.StartedAt
	}
	return &job.CreatedAt
}

// extractDiff pulls the unified diff out of implementer output. Fenced diff
// blocks win; a bare DIFF: marker or raw diff text is accepted as-is.
func extractDiff(text string) string {
	if idx := strings.Index(text, "```diff"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			return strings.TrimSpace(text[start:start+end]) + "\n"
		}
	}
	if idx := strings.Index(text, "DIFF:"); idx >= 0 {
		return strings.TrimLeft(text[idx+5:], "\n")
	}
	return text
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return s
}
