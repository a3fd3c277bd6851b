// Package contextengine assembles the prompt context for each step: it
// gathers candidates from several retrieval sources, ranks them, compacts
// oversized candidates and the transcript when they grow past threshold,
// and fits the winners into a token budget with a firm hard cap.
package contextengine

import "time"

// Source names where a candidate came from.
type Source string

const (
	SourceTask     Source = "task"
	SourceStep     Source = "step"
	SourceMemory   Source = "memory"
	SourceRepo     Source = "repo"
	SourceArtifact Source = "artifact"
	SourceHistory  Source = "history"
	SourceDoc      Source = "doc"
)

// Candidate is one piece of context competing for budget space.
type Candidate struct {
	Source  Source    `json:"source"`
	Ref     string    `json:"ref"` // source-scoped identifier (step id, file path, note id)
	Content string    `json:"content"`
	Tokens  int       `json:"tokens"`

	// Embedding is optional. Candidates without one are ranked
	// lexically only.
	Embedding []float64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`

	LexicalScore  float64 `json:"lexical_score"`
	SemanticScore float64 `json:"semantic_score"`
	Score         float64 `json:"score"`

	// Compacted marks a candidate cut to a fixed prefix to relieve
	// budget pressure before fitting.
	Compacted bool `json:"compacted,omitempty"`

	// Clipped marks a candidate whose content was truncated to fit.
	Clipped bool `json:"clipped,omitempty"`
}

// RetrieverReport records one retrieval source's outcome.
type RetrieverReport struct {
	Source     Source `json:"source"`
	Candidates int    `json:"candidates"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Diagnostics is the assembly report persisted after every build.
type Diagnostics struct {
	JobID  string `json:"job_id"`
	StepID string `json:"step_id,omitempty"`

	Retrievers []RetrieverReport `json:"retrievers"`

	CandidatesConsidered int  `json:"candidates_considered"`
	CandidatesRanked     int  `json:"candidates_ranked"`
	Selected             int  `json:"selected"`
	Clipped              int  `json:"clipped"`
	DroppedForBudget     int  `json:"dropped_for_budget"`
	DroppedForHardCap    int  `json:"dropped_for_hard_cap"`
	RankingDegraded      bool `json:"ranking_degraded,omitempty"`
	CandidatesCompacted  int  `json:"candidates_compacted,omitempty"`
	Compacted            bool `json:"compacted,omitempty"`

	TokensSelected int `json:"tokens_selected"`
	TokenBudget    int `json:"token_budget"`
	HardCapTokens  int `json:"hard_cap_tokens"`

	BuiltAt time.Time `json:"built_at"`
}
