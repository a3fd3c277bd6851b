package orchestrator

import "fmt"

// BudgetExceededError aborts a job when a hard ceiling is crossed. Fatal;
// the guard fires before the call that would overrun, never after.
type BudgetExceededError struct {
	JobID  string
	Limit  string
	Detail string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded (%s): %s", e.Limit, e.Detail)
}

// PlanParseError reports planner output that failed schema validation after
// the repair retry. Fatal to the planning phase.
type PlanParseError struct {
	Attempts int
	Err      error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("plan unparseable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// VerificationError marks a step whose verification command exited non-zero.
// Step-local; retried under the normal escalation policy.
type VerificationError struct {
	Command string
	Output  string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed: %s: %s", e.Command, e.Output)
}

// stallError marks a job that has made no progress past the stall window.
// Treated exactly like a step failure for escalation.
type stallError struct {
	idle string
}

func (e *stallError) Error() string {
	return fmt.Sprintf("no progress for %s, job stalled", e.idle)
}
