// Package gitops is the boundary to the version-control collaborators: diff
// application to a worktree, commits, pushes, and pull requests. The engine
// only decides which terminal action to request; everything here shells out
// to git (and gh for pull requests) or to deterministic dry-run stand-ins.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// InvalidDiffError reports a diff git refused to apply. The worktree is
// untouched when this is returned.
type InvalidDiffError struct {
	Reason string
}

func (e *InvalidDiffError) Error() string {
	return fmt.Sprintf("invalid diff: %s", e.Reason)
}

// IntegrationError reports a failed handoff to the VCS collaborator. It is
// terminal for the job; there is no automatic retry.
type IntegrationError struct {
	Op  string
	Err error
}

func (e *IntegrationError) Error() string {
	return fmt.Sprintf("integration %s failed: %v", e.Op, e.Err)
}

func (e *IntegrationError) Unwrap() error { return e.Err }

// Applier applies a unified diff to a repository worktree. Implementations
// must be all-or-nothing: on error no file is partially written.
type Applier interface {
	Apply(ctx context.Context, diffText, repoRoot string) (filesChanged []string, err error)
}

// VCS is the commit/push/PR contract. Branch names arrive fully formed; the
// caller owns naming policy.
type VCS interface {
	CommitAll(ctx context.Context, repoRoot, message string) error
	PushBranch(ctx context.Context, repoRoot, branch string) error
	OpenPullRequest(ctx context.Context, repoRoot, title, body, head, base string) (prURL string, err error)
}

// runGit executes one git subcommand in repoRoot, returning combined output.
func runGit(ctx context.Context, repoRoot string, stdin string, args ...string) (string, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return "", fmt.Errorf("git not found in PATH")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoRoot
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// GitApplier applies diffs with git apply. A --check pass runs first so a
// malformed diff never touches the worktree.
type GitApplier struct{}

func (a *GitApplier) Apply(ctx context.Context, diffText, repoRoot string) ([]string, error) {
	if strings.TrimSpace(diffText) == "" {
		return nil, &InvalidDiffError{Reason: "empty diff"}
	}
	if _, err := runGit(ctx, repoRoot, diffText, "apply", "--check", "--whitespace=nowarn", "-"); err != nil {
		return nil, &InvalidDiffError{Reason: err.Error()}
	}
	if _, err := runGit(ctx, repoRoot, diffText, "apply", "--whitespace=nowarn", "-"); err != nil {
		return nil, fmt.Errorf("apply diff: %w", err)
	}
	return DiffFiles(diffText), nil
}

// GitVCS drives a local git worktree and opens pull requests through the gh
// CLI. Remote is always origin.
type GitVCS struct{}

func (v *GitVCS) CommitAll(ctx context.Context, repoRoot, message string) error {
	if _, err := runGit(ctx, repoRoot, "", "add", "-A"); err != nil {
		return err
	}
	if _, err := runGit(ctx, repoRoot, "", "commit", "--allow-empty", "-m", message); err != nil {
		return err
	}
	return nil
}

func (v *GitVCS) PushBranch(ctx context.Context, repoRoot, branch string) error {
	_, err := runGit(ctx, repoRoot, "", "push", "-u", "origin", "HEAD:"+branch)
	return err
}

func (v *GitVCS) OpenPullRequest(ctx context.Context, repoRoot, title, body, head, base string) (string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return "", fmt.Errorf("gh not found in PATH")
	}
	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--title", title, "--body", body, "--head", head, "--base", base)
	cmd.Dir = repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("gh pr create failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	// gh prints the PR URL as the last line.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1], nil
}

// DiffFiles extracts the touched paths from a unified diff. New-side paths
// win; deletions fall back to the old side.
func DiffFiles(diffText string) []string {
	seen := map[string]bool{}
	var files []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || p == "/dev/null" || seen[p] {
			return
		}
		seen[p] = true
		files = append(files, p)
	}
	var oldPath string
	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "--- a/"):
			oldPath = strings.TrimPrefix(line, "--- a/")
		case strings.HasPrefix(line, "+++ b/"):
			add(strings.TrimPrefix(line, "+++ b/"))
			oldPath = ""
		case strings.HasPrefix(line, "+++ /dev/null"):
			add(oldPath)
			oldPath = ""
		}
	}
	return files
}
