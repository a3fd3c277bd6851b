package contextengine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hollis/autodev/internal/persistence"
	"github.com/hollis/autodev/internal/tokenutil"
)

// Query carries what a retrieval pass is looking for.
type Query struct {
	JobID    string
	StepID   string
	Text     string
	RepoPath string
}

// Retriever is one candidate source. A failing retriever contributes zero
// candidates; the engine records the failure and carries on.
type Retriever interface {
	Source() Source
	Retrieve(ctx context.Context, q Query) ([]Candidate, error)
}

// RetrieverUnavailableError marks a source that could not be consulted.
type RetrieverUnavailableError struct {
	Source Source
	Err    error
}

func (e *RetrieverUnavailableError) Error() string {
	return fmt.Sprintf("retriever %s unavailable: %v", e.Source, e.Err)
}

func (e *RetrieverUnavailableError) Unwrap() error { return e.Err }

const (
	perSourceLimit  = 20
	maxFileBytes    = 64 << 10
	maxRepoMatches  = 10
	repoProbeBudget = 2000 // files scanned before the walk gives up
)

// StepRetriever surfaces the job's own steps: what already ran, what failed
// and why.
type StepRetriever struct {
	Store *persistence.Store
}

func (r *StepRetriever) Source() Source { return SourceStep }

func (r *StepRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	steps, err := r.Store.ListSteps(ctx, q.JobID)
	if err != nil {
		return nil, &RetrieverUnavailableError{Source: r.Source(), Err: err}
	}
	var out []Candidate
	for _, st := range steps {
		if st.ID == q.StepID {
			continue
		}
		content := fmt.Sprintf("step %q (%s)", st.Title, st.Status)
		if st.Description != "" {
			content += ": " + st.Description
		}
		if st.LastError != "" {
			content += "\nlast error: " + st.LastError
		}
		out = append(out, Candidate{
			Source:    SourceStep,
			Ref:       st.ID,
			Content:   content,
			Tokens:    tokenutil.EstimateTokens(content),
			CreatedAt: st.UpdatedAt,
		})
	}
	return out, nil
}

// MemoryRetriever searches the job's live working notes.
type MemoryRetriever struct {
	Store *persistence.Store
}

func (r *MemoryRetriever) Source() Source { return SourceMemory }

func (r *MemoryRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	notes, err := r.Store.SearchNotes(ctx, q.JobID, firstTerms(q.Text, 3), perSourceLimit)
	if err != nil {
		return nil, &RetrieverUnavailableError{Source: r.Source(), Err: err}
	}
	if len(notes) == 0 {
		// Fall back to the most recent notes when the query matches nothing.
		notes, err = r.Store.ListNotes(ctx, q.JobID, perSourceLimit)
		if err != nil {
			return nil, &RetrieverUnavailableError{Source: r.Source(), Err: err}
		}
	}
	var out []Candidate
	for _, n := range notes {
		content := string(n.Type)
		if n.Title != "" {
			content += " " + n.Title
		}
		content += ": " + n.Body
		out = append(out, Candidate{
			Source:    SourceMemory,
			Ref:       n.ID,
			Content:   content,
			Tokens:    tokenutil.EstimateTokens(content),
			CreatedAt: n.CreatedAt,
		})
	}
	return out, nil
}

// ArtifactRetriever surfaces diffs produced by completed steps.
type ArtifactRetriever struct {
	Store *persistence.Store
}

func (r *ArtifactRetriever) Source() Source { return SourceArtifact }

func (r *ArtifactRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	steps, err := r.Store.ListSteps(ctx, q.JobID)
	if err != nil {
		return nil, &RetrieverUnavailableError{Source: r.Source(), Err: err}
	}
	var out []Candidate
	for _, st := range steps {
		if st.Status != persistence.StepStatusCompleted || st.Diff == "" {
			continue
		}
		out = append(out, Candidate{
			Source:    SourceArtifact,
			Ref:       st.ID,
			Content:   st.Diff,
			Tokens:    tokenutil.EstimateTokens(st.Diff),
			CreatedAt: st.UpdatedAt,
		})
	}
	return out, nil
}

// HistoryRetriever surfaces the live transcript.
type HistoryRetriever struct {
	Store *persistence.Store
}

func (r *HistoryRetriever) Source() Source { return SourceHistory }

func (r *HistoryRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	msgs, err := r.Store.ListMessages(ctx, q.JobID, perSourceLimit)
	if err != nil {
		return nil, &RetrieverUnavailableError{Source: r.Source(), Err: err}
	}
	var out []Candidate
	for _, m := range msgs {
		out = append(out, Candidate{
			Source:    SourceHistory,
			Ref:       fmt.Sprintf("msg-%d", m.ID),
			Content:   m.Role + ": " + m.Content,
			Tokens:    tokenutil.EstimateTokens(m.Content),
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// RepoRetriever scans the working tree for source files mentioning query
// terms. The walk is bounded so a large repo cannot stall a build.
type RepoRetriever struct{}

func (r *RepoRetriever) Source() Source { return SourceRepo }

func (r *RepoRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	return scanTree(ctx, q.RepoPath, q.Text, r.Source(), func(path string) bool {
		return !strings.HasSuffix(path, ".md")
	})
}

// DocRetriever scans the working tree for markdown documentation.
type DocRetriever struct{}

func (r *DocRetriever) Source() Source { return SourceDoc }

func (r *DocRetriever) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	return scanTree(ctx, q.RepoPath, q.Text, r.Source(), func(path string) bool {
		return strings.HasSuffix(path, ".md")
	})
}

func scanTree(ctx context.Context, root, query string, source Source, match func(string) bool) ([]Candidate, error) {
	if root == "" {
		return nil, nil
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &RetrieverUnavailableError{Source: source, Err: fmt.Errorf("repo path %q: %v", root, err)}
	}

	terms := tokenize(query)
	var out []Candidate
	probed := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" || name == "vendor" || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			return nil
		}
		if probed >= repoProbeBudget || len(out) >= maxRepoMatches {
			return filepath.SkipAll
		}
		if !match(path) {
			return nil
		}
		probed++
		fi, err := d.Info()
		if err != nil || fi.Size() > maxFileBytes {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		content := string(raw)
		lower := strings.ToLower(content)
		hit := len(terms) == 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				hit = true
				break
			}
		}
		if !hit {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, Candidate{
			Source:    source,
			Ref:       rel,
			Content:   content,
			Tokens:    tokenutil.EstimateTokens(content),
			CreatedAt: fi.ModTime(),
		})
		return nil
	})
	if ctx.Err() != nil {
		return nil, &RetrieverUnavailableError{Source: source, Err: ctx.Err()}
	}
	if err != nil {
		return nil, &RetrieverUnavailableError{Source: source, Err: err}
	}
	return out, nil
}

func firstTerms(text string, n int) string {
	terms := tokenize(text)
	if len(terms) > n {
		terms = terms[:n]
	}
	return strings.Join(terms, " ")
}
