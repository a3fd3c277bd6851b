package contextengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hollis/autodev/internal/bus"
	"github.com/hollis/autodev/internal/persistence"
	"github.com/hollis/autodev/internal/tokenutil"
)

// Embedder turns text into a vector for semantic ranking. Optional: without
// one the curator ranks lexically and flags the degradation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Maintainer runs ahead of retrieval so retrievers see a settled note set
// for the job being built.
type Maintainer interface {
	Maintain(ctx context.Context, jobID string) error
}

// Engine runs the full assembly: maintenance, concurrent retrieval, ranking,
// candidate and transcript compaction, budget fitting, hint rendering and
// diagnostics.
type Engine struct {
	store      *persistence.Store
	eventBus   *bus.Bus // may be nil
	curator    *Curator
	compactor  *Compactor
	fitter     *Fitter
	maintainer Maintainer // may be nil
	embedder   Embedder   // may be nil
	retrievers []Retriever

	retrieverTimeout time.Duration
}

func NewEngine(store *persistence.Store, eventBus *bus.Bus, curator *Curator, compactor *Compactor, fitter *Fitter, retrievers []Retriever, retrieverTimeout time.Duration) *Engine {
	if retrieverTimeout <= 0 {
		retrieverTimeout = 5 * time.Second
	}
	return &Engine{
		store:            store,
		eventBus:         eventBus,
		curator:          curator,
		compactor:        compactor,
		fitter:           fitter,
		retrievers:       retrievers,
		retrieverTimeout: retrieverTimeout,
	}
}

// SetMaintainer wires the pre-retrieval maintenance hook.
func (e *Engine) SetMaintainer(m Maintainer) { e.maintainer = m }

// SetEmbedder wires optional semantic ranking.
func (e *Engine) SetEmbedder(em Embedder) { e.embedder = em }

// SetGenerate routes compaction summaries through the caller's guarded
// model-call path so they are budgeted like any other request.
func (e *Engine) SetGenerate(fn GenerateFunc) { e.compactor.SetGenerate(fn) }

// BuildResult is everything a step prompt needs.
type BuildResult struct {
	Hints       string
	Transcript  []persistence.Message
	Selected    []Candidate
	Diagnostics Diagnostics
}

// Build assembles context for one step. Retrievers run concurrently, each
// under its own timeout; a failed retriever contributes nothing but its
// failure is recorded in diagnostics. The result always satisfies
// TokensSelected <= HardCapTokens.
func (e *Engine) Build(ctx context.Context, job *persistence.Job, step *persistence.Step) (*BuildResult, error) {
	diag := Diagnostics{
		JobID:         job.ID,
		TokenBudget:   e.fitter.Budget,
		HardCapTokens: e.fitter.HardCap,
		BuiltAt:       time.Now().UTC(),
	}
	if step != nil {
		diag.StepID = step.ID
	}

	if e.maintainer != nil {
		if err := e.maintainer.Maintain(ctx, job.ID); err != nil {
			slog.Warn("memory maintenance failed before retrieval", "job_id", job.ID, "error", err)
		}
	}

	queryText := job.Task
	if step != nil {
		queryText = step.Title + " " + step.Description + " " + job.Task
	}
	query := Query{JobID: job.ID, Text: queryText, RepoPath: job.RepoPath}
	if step != nil {
		query.StepID = step.ID
	}

	candidates, reports := e.retrieveAll(ctx, query)
	diag.Retrievers = reports

	// The task statement itself always competes; it is synthesized rather
	// than retrieved so losing every retriever still yields context.
	candidates = append(candidates, Candidate{
		Source:    SourceTask,
		Ref:       job.ID,
		Content:   "task: " + job.Task,
		Tokens:    tokenutil.EstimateTokens(job.Task) + 2,
		CreatedAt: job.CreatedAt,
	})
	diag.CandidatesConsidered = len(candidates)

	var queryEmbedding []float64
	if e.embedder != nil {
		emb, err := e.embedder.Embed(ctx, queryText)
		if err != nil {
			slog.Warn("query embedding failed, ranking lexical-only", "job_id", job.ID, "error", err)
		} else {
			queryEmbedding = emb
			e.embedCandidates(ctx, candidates)
		}
	}

	ranked, degraded := e.curator.Rank(queryText, queryEmbedding, candidates)
	diag.CandidatesRanked = len(ranked)
	diag.RankingDegraded = degraded

	ranked, candidatesCompacted := e.compactor.CompactCandidates(ranked)
	diag.CandidatesCompacted = candidatesCompacted

	transcript, compacted, err := e.compactor.CompactIfNeeded(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("compact transcript: %w", err)
	}
	diag.Compacted = compacted

	fit := e.fitter.Fit(ranked)
	diag.Selected = len(fit.Selected)
	diag.Clipped = fit.Clipped
	diag.DroppedForBudget = fit.DroppedForBudget
	diag.DroppedForHardCap = fit.DroppedForHardCap
	diag.TokensSelected = fit.TokensSelected

	if err := e.persistDiagnostics(ctx, diag); err != nil {
		slog.Warn("persist context diagnostics failed", "job_id", job.ID, "error", err)
	}

	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicContextBuilt, bus.ContextBuiltEvent{
			JobID:          job.ID,
			StepID:         diag.StepID,
			TokensSelected: fit.TokensSelected,
			TokensClipped:  fit.Clipped,
			Candidates:     diag.CandidatesConsidered,
		})
	}

	return &BuildResult{
		Hints:       RenderHints(fit.Selected),
		Transcript:  transcript,
		Selected:    fit.Selected,
		Diagnostics: diag,
	}, nil
}

func (e *Engine) retrieveAll(parent context.Context, query Query) ([]Candidate, []RetrieverReport) {
	type result struct {
		idx        int
		candidates []Candidate
		err        error
		elapsed    time.Duration
	}

	results := make(chan result, len(e.retrievers))
	var wg sync.WaitGroup
	for i, r := range e.retrievers {
		wg.Add(1)
		go func(idx int, r Retriever) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(parent, e.retrieverTimeout)
			defer cancel()
			start := time.Now()
			cands, err := r.Retrieve(ctx, query)
			results <- result{idx: idx, candidates: cands, err: err, elapsed: time.Since(start)}
		}(i, r)
	}
	wg.Wait()
	close(results)

	reports := make([]RetrieverReport, len(e.retrievers))
	var all []Candidate
	for res := range results {
		report := RetrieverReport{
			Source:     e.retrievers[res.idx].Source(),
			DurationMS: res.elapsed.Milliseconds(),
		}
		if res.err != nil {
			report.Failed = true
			report.Error = res.err.Error()
			slog.Warn("retriever failed", "source", report.Source, "error", res.err)
		} else {
			report.Candidates = len(res.candidates)
			all = append(all, res.candidates...)
		}
		reports[res.idx] = report
	}
	return all, reports
}

func (e *Engine) embedCandidates(ctx context.Context, candidates []Candidate) {
	for i := range candidates {
		emb, err := e.embedder.Embed(ctx, candidates[i].Content)
		if err != nil {
			// Leave it without a vector; the curator scores this one
			// lexically and the rest keep their fused scores.
			continue
		}
		candidates[i].Embedding = emb
	}
}

func (e *Engine) persistDiagnostics(ctx context.Context, diag Diagnostics) error {
	payload, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	return e.store.SaveDiagnostics(ctx, diag.JobID, diag.StepID, string(payload))
}

// RenderHints formats the winning candidates as a prompt block, grouped by
// source, highest ranked first within each group.
func RenderHints(selected []Candidate) string {
	if len(selected) == 0 {
		return ""
	}
	order := []Source{SourceTask, SourceStep, SourceArtifact, SourceMemory, SourceRepo, SourceDoc, SourceHistory}
	grouped := make(map[Source][]Candidate)
	for _, cand := range selected {
		grouped[cand.Source] = append(grouped[cand.Source], cand)
	}

	var sb strings.Builder
	sb.WriteString("Relevant context:\n")
	for _, src := range order {
		cands := grouped[src]
		if len(cands) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n## %s\n", src))
		for _, cand := range cands {
			sb.WriteString(fmt.Sprintf("- [%s] ", cand.Ref))
			sb.WriteString(cand.Content)
			if cand.Clipped {
				sb.WriteString(" …(truncated)")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
