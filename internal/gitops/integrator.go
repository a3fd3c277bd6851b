package gitops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hollis/autodev/internal/config"
)

// Result is what integration hands back to the job record.
type Result struct {
	Branch string
	PRURL  string
}

// Integrator turns a completed job's changes into a commit on a work branch
// and either a pull request or a direct push, per configuration.
type Integrator struct {
	vcs VCS
	cfg config.IntegrationConfig
}

func NewIntegrator(vcs VCS, cfg config.IntegrationConfig) *Integrator {
	return &Integrator{vcs: vcs, cfg: cfg}
}

// Integrate commits the worktree and performs the configured terminal action.
// Any failure is an IntegrationError; the caller must not retry.
//
// The on_conflict setting only widens what counts as fatal: "theirs" is
// accepted for compatibility but a push conflict under it still fails the
// integration rather than silently overwriting remote history.
func (i *Integrator) Integrate(ctx context.Context, jobID, repoRoot, title, summary string) (*Result, error) {
	branch := i.cfg.BranchPrefix + shortID(jobID)

	commitMsg := title
	if summary != "" {
		commitMsg = title + "\n\n" + summary
	}
	if err := i.vcs.CommitAll(ctx, repoRoot, commitMsg); err != nil {
		return nil, &IntegrationError{Op: "commit", Err: err}
	}

	switch i.cfg.Mode {
	case "direct_push":
		if err := i.vcs.PushBranch(ctx, repoRoot, i.cfg.BaseBranch); err != nil {
			return nil, &IntegrationError{Op: "push", Err: err}
		}
		slog.Info("integration pushed directly", "job_id", jobID, "branch", i.cfg.BaseBranch)
		return &Result{Branch: i.cfg.BaseBranch}, nil
	default: // "pr"
		if err := i.vcs.PushBranch(ctx, repoRoot, branch); err != nil {
			return nil, &IntegrationError{Op: "push", Err: err}
		}
		prURL, err := i.vcs.OpenPullRequest(ctx, repoRoot, title, summary, branch, i.cfg.BaseBranch)
		if err != nil {
			return nil, &IntegrationError{Op: "pull request", Err: err}
		}
		slog.Info("integration opened pull request", "job_id", jobID, "branch", branch, "pr", prURL)
		return &Result{Branch: branch, PRURL: prURL}, nil
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// DryRunApplier validates diff shape without touching any file.
type DryRunApplier struct{}

func (a *DryRunApplier) Apply(ctx context.Context, diffText, repoRoot string) ([]string, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, &InvalidDiffError{Reason: "empty diff"}
	}
	files := DiffFiles(diffText)
	if len(files) == 0 {
		return nil, &InvalidDiffError{Reason: "no file headers found"}
	}
	return files, nil
}

// DryRunVCS records the calls it receives and fabricates a PR URL. Useful in
// tests and in dry-run mode where no repository exists.
type DryRunVCS struct {
	Commits  []string
	Pushes   []string
	PROpened bool

	// FailPush makes PushBranch return an error, for conflict-path tests.
	FailPush bool
}

func (v *DryRunVCS) CommitAll(ctx context.Context, repoRoot, message string) error {
	v.Commits = append(v.Commits, message)
	return nil
}

func (v *DryRunVCS) PushBranch(ctx context.Context, repoRoot, branch string) error {
	if v.FailPush {
		return fmt.Errorf("push rejected: non-fast-forward")
	}
	v.Pushes = append(v.Pushes, branch)
	return nil
}

func (v *DryRunVCS) OpenPullRequest(ctx context.Context, repoRoot, title, body, head, base string) (string, error) {
	v.PROpened = true
	return "https://example.invalid/pr/" + head, nil
}
