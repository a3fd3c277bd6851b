package orchestrator

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Verifier runs a step's verification commands in the job's worktree. Every
// command must exit zero for the step to count as done.
type Verifier interface {
	Verify(ctx context.Context, repoRoot string, commands []string) error
}

// ShellVerifier runs each command through sh -c, bounded by Timeout.
type ShellVerifier struct {
	Timeout time.Duration
}

func (v *ShellVerifier) Verify(ctx context.Context, repoRoot string, commands []string) error {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	for _, command := range commands {
		if strings.TrimSpace(command) == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(cctx, "sh", "-c", command)
		cmd.Dir = repoRoot
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			return &VerificationError{
				Command: command,
				Output:  tail(strings.TrimSpace(string(out)), 2000),
			}
		}
	}
	return nil
}

// DryRunVerifier accepts everything. Used in dry-run mode and tests.
type DryRunVerifier struct{}

func (v *DryRunVerifier) Verify(context.Context, string, []string) error { return nil }

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max:]
}
