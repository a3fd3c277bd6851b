package contextengine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hollis/autodev/internal/llm"
	"github.com/hollis/autodev/internal/persistence"
	"github.com/hollis/autodev/internal/tokenutil"
)

// GenerateFunc issues one model call on behalf of a job. The orchestrator
// installs a function that runs its budget guard and usage accounting around
// the call, so compaction summaries spend from the same ledger as every
// other agent request.
type GenerateFunc func(ctx context.Context, jobID string, role llm.Role, messages []llm.Message) (*llm.Completion, error)

// compactPrefixTokens is the prefix kept when a ranked candidate is cut to
// relieve budget pressure.
const compactPrefixTokens = 256

// Compactor keeps context growth in check on two fronts. Ranked candidates
// whose combined size crosses the threshold share of the budget are cut to
// a fixed prefix past a protected head. The job transcript, when it exceeds
// the same threshold, has its middle summarized and replaced; the protected
// head and the most recent tail survive verbatim, in their original order.
type Compactor struct {
	store    *persistence.Store
	generate GenerateFunc

	TokenBudget    int
	ThresholdRatio float64
	ProtectedHead  int
	TailKeep       int
}

func NewCompactor(store *persistence.Store, provider llm.Provider, tokenBudget int, thresholdRatio float64, protectedHead, tailKeep int) *Compactor {
	if thresholdRatio <= 0 {
		thresholdRatio = 0.75
	}
	if protectedHead <= 0 {
		protectedHead = 2
	}
	if tailKeep <= 0 {
		tailKeep = 6
	}
	c := &Compactor{
		store:          store,
		TokenBudget:    tokenBudget,
		ThresholdRatio: thresholdRatio,
		ProtectedHead:  protectedHead,
		TailKeep:       tailKeep,
	}
	if provider != nil {
		c.generate = func(ctx context.Context, _ string, role llm.Role, messages []llm.Message) (*llm.Completion, error) {
			return provider.Generate(ctx, role, messages)
		}
	}
	return c
}

// SetGenerate replaces the direct provider call with a guarded one.
func (c *Compactor) SetGenerate(fn GenerateFunc) {
	if fn != nil {
		c.generate = fn
	}
}

// CompactCandidates shrinks a ranked candidate set whose combined tokens
// cross the threshold share of the budget. The first ProtectedHead
// candidates keep their full content; every later candidate is cut to a
// fixed prefix with its token count recomputed. Order is preserved, and a
// second pass over an already-compacted set changes nothing.
func (c *Compactor) CompactCandidates(ranked []Candidate) ([]Candidate, int) {
	total := 0
	for _, cand := range ranked {
		total += cand.Tokens
	}
	if float64(total) < float64(c.TokenBudget)*c.ThresholdRatio {
		return ranked, 0
	}

	out := make([]Candidate, len(ranked))
	copy(out, ranked)
	compacted := 0
	for i := c.ProtectedHead; i < len(out); i++ {
		if out[i].Tokens <= compactPrefixTokens {
			continue
		}
		out[i].Content = clipToTokens(out[i].Content, compactPrefixTokens)
		out[i].Tokens = tokenutil.EstimateTokens(out[i].Content)
		out[i].Compacted = true
		compacted++
	}
	return out, compacted
}

// CompactIfNeeded loads the live transcript and compacts it when over
// threshold. Running it again on an already-compacted transcript is a no-op
// until new messages push it back over: compaction never summarizes the
// summary it just wrote into a shorter transcript than the threshold allows.
// Returns the live transcript and whether compaction ran.
func (c *Compactor) CompactIfNeeded(ctx context.Context, jobID string) ([]persistence.Message, bool, error) {
	msgs, err := c.store.ListMessages(ctx, jobID, 0)
	if err != nil {
		return nil, false, fmt.Errorf("list transcript: %w", err)
	}
	if len(msgs) == 0 {
		return msgs, false, nil
	}

	total := 0
	for _, m := range msgs {
		total += m.Tokens
	}
	if float64(total) < float64(c.TokenBudget)*c.ThresholdRatio {
		return msgs, false, nil
	}

	// Middle section boundaries. Nothing to do when head and tail already
	// cover the transcript.
	from := c.ProtectedHead
	to := len(msgs) - c.TailKeep
	if from >= to {
		return msgs, false, nil
	}
	victims := msgs[from:to]

	// An already-compacted middle is just summary rows. Re-summarizing the
	// summary gains nothing, so leave it until new messages arrive.
	onlySummaries := true
	for _, m := range victims {
		if m.Role != "summary" {
			onlySummaries = false
			break
		}
	}
	if onlySummaries {
		return msgs, false, nil
	}

	slog.Info("transcript over threshold, compacting",
		"job_id", jobID,
		"tokens", total,
		"budget", c.TokenBudget,
		"messages", len(victims))

	var convo strings.Builder
	for _, m := range victims {
		convo.WriteString(m.Role)
		convo.WriteString(": ")
		convo.WriteString(m.Content)
		convo.WriteString("\n")
	}
	prompt := fmt.Sprintf(`Summarize the following working transcript into a concise summary that preserves:
- Decisions made and their reasons
- Files touched and what changed
- Errors encountered and how they were resolved
- Anything a later step would need to continue the work

Transcript:
%s`, convo.String())

	summary := "[Older transcript truncated.]"
	if c.generate != nil {
		out, err := c.generate(ctx, jobID, llm.RoleSummarizer, []llm.Message{{Role: "user", Content: prompt}})
		if err != nil {
			slog.Warn("compaction summarization failed, falling back to truncation", "job_id", jobID, "error", err)
		} else {
			summary = out.Text
		}
	}

	content := "Earlier transcript summary: " + summary
	if err := c.store.ReplaceWithSummary(ctx, jobID, victims[0].ID, victims[len(victims)-1].ID,
		content, tokenutil.EstimateTokens(content)); err != nil {
		return nil, false, fmt.Errorf("replace with summary: %w", err)
	}

	fresh, err := c.store.ListMessages(ctx, jobID, 0)
	if err != nil {
		return nil, false, fmt.Errorf("reload transcript: %w", err)
	}
	return fresh, true, nil
}
