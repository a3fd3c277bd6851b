package contextengine

import (
	"math/rand"
	"testing"
	"time"
)

func candAt(source Source, ref, content string, age time.Duration) Candidate {
	return Candidate{
		Source:    source,
		Ref:       ref,
		Content:   content,
		CreatedAt: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC).Add(-age),
	}
}

func TestCurator_RanksRelevantFirst(t *testing.T) {
	c := NewCurator(10, 0)
	cands := []Candidate{
		candAt(SourceMemory, "n1", "the parser chokes on empty input lines", 0),
		candAt(SourceRepo, "weather.go", "package weather provides forecasts", 0),
		candAt(SourceMemory, "n2", "parser retry logic lives in parse.go with the fallback parser", 0),
	}

	ranked, degraded := c.Rank("fix the parser retry fallback", nil, cands)
	if !degraded {
		t.Fatal("no embeddings should mean degraded ranking")
	}
	if len(ranked) == 0 || ranked[0].Ref != "n2" {
		t.Fatalf("expected n2 first, got %+v", refs(ranked))
	}
	if ranked[len(ranked)-1].Ref == "n2" {
		t.Fatal("most relevant candidate ranked last")
	}
}

func TestCurator_DeterministicUnderShuffle(t *testing.T) {
	c := NewCurator(5, 0)
	base := []Candidate{
		candAt(SourceMemory, "a", "retry the request with backoff", time.Hour),
		candAt(SourceStep, "b", "retry the request with backoff", 2*time.Hour),
		candAt(SourceRepo, "c", "unrelated weather code", 0),
		candAt(SourceDoc, "d", "request retry semantics documented here", 30*time.Minute),
	}

	want, _ := c.Rank("retry request", nil, base)
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]Candidate(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, _ := c.Rank("retry request", nil, shuffled)
		if len(got) != len(want) {
			t.Fatalf("trial %d: length %d != %d", trial, len(got), len(want))
		}
		for i := range got {
			if got[i].Ref != want[i].Ref {
				t.Fatalf("trial %d: order %v != %v", trial, refs(got), refs(want))
			}
		}
	}
}

func TestCurator_DedupeKeepsOneCopy(t *testing.T) {
	c := NewCurator(10, 0)
	cands := []Candidate{
		candAt(SourceMemory, "same", "retry logic note", 0),
		candAt(SourceMemory, "same", "retry logic note", time.Hour),
		candAt(SourceMemory, "other", "retry logic elsewhere", 0),
	}
	ranked, _ := c.Rank("retry logic", nil, cands)
	seen := map[string]int{}
	for _, cand := range ranked {
		seen[string(cand.Source)+"/"+cand.Ref]++
	}
	if seen["memory/same"] != 1 {
		t.Fatalf("duplicate (source, ref) survived: %v", seen)
	}
}

func TestCurator_MinScoreFilters(t *testing.T) {
	c := NewCurator(10, 0.01)
	cands := []Candidate{
		candAt(SourceMemory, "hit", "the scheduler drops jobs on restart", 0),
		candAt(SourceRepo, "miss", "completely unrelated text about gardening", 0),
	}
	ranked, _ := c.Rank("scheduler drops jobs", nil, cands)
	for _, cand := range ranked {
		if cand.Ref == "miss" {
			t.Fatal("zero-score candidate passed the min-score filter")
		}
	}
}

func TestCurator_RecencyBreaksTies(t *testing.T) {
	c := NewCurator(10, 0)
	cands := []Candidate{
		candAt(SourceMemory, "old", "retry backoff policy", 3*time.Hour),
		candAt(SourceMemory, "new", "retry backoff policy", time.Minute),
	}
	ranked, _ := c.Rank("retry backoff", nil, cands)
	if ranked[0].Ref != "new" {
		t.Fatalf("newer tie should win, got %v", refs(ranked))
	}
}

func TestCurator_TopKWithSourceDiversity(t *testing.T) {
	c := NewCurator(3, 0)
	// Four identically-scoring candidates from two sources; the cut should
	// prefer covering both sources.
	cands := []Candidate{
		candAt(SourceMemory, "m1", "retry policy", time.Minute),
		candAt(SourceMemory, "m2", "retry policy", time.Minute),
		candAt(SourceMemory, "m3", "retry policy", time.Minute),
		candAt(SourceStep, "s1", "retry policy", time.Minute),
	}
	ranked, _ := c.Rank("retry policy", nil, cands)
	if len(ranked) != 3 {
		t.Fatalf("topK = %d candidates", len(ranked))
	}
	sources := map[Source]bool{}
	for _, cand := range ranked {
		sources[cand.Source] = true
	}
	if !sources[SourceStep] {
		t.Fatalf("diversity cut lost the step source: %v", refs(ranked))
	}
}

func TestCurator_SemanticFusion(t *testing.T) {
	c := NewCurator(10, 0)
	a := candAt(SourceMemory, "sem", "unrelated words entirely", 0)
	a.Embedding = []float64{1, 0}
	b := candAt(SourceMemory, "lex", "query words match here", 0)
	b.Embedding = []float64{0, 1}

	ranked, degraded := c.Rank("query words", []float64{1, 0}, []Candidate{a, b})
	if degraded {
		t.Fatal("full embeddings should not degrade")
	}
	for _, cand := range ranked {
		if cand.Ref == "sem" && cand.SemanticScore < 0.99 {
			t.Fatalf("cosine of aligned vectors = %v", cand.SemanticScore)
		}
	}
}

func TestCurator_MixedEmbeddingsFallBackPerCandidate(t *testing.T) {
	c := NewCurator(10, 0)
	withVec := candAt(SourceMemory, "vec", "retry policy", 0)
	withVec.Embedding = []float64{1, 0}
	bare := candAt(SourceStep, "bare", "retry policy", 0)

	ranked, degraded := c.Rank("retry policy", []float64{1, 0}, []Candidate{withVec, bare})
	if !degraded {
		t.Fatal("a candidate without an embedding should flag degradation")
	}
	byRef := map[string]Candidate{}
	for _, cand := range ranked {
		byRef[cand.Ref] = cand
	}
	// The embedded candidate keeps its fused score; only the bare one is
	// scored lexically.
	vec := byRef["vec"]
	if vec.SemanticScore < 0.99 {
		t.Fatalf("embedded candidate lost its semantic score: %v", vec.SemanticScore)
	}
	if vec.Score <= vec.LexicalScore*lexicalWeight {
		t.Fatalf("embedded candidate not fused: score=%v lexical=%v", vec.Score, vec.LexicalScore)
	}
	fallback := byRef["bare"]
	if fallback.SemanticScore != 0 || fallback.Score != fallback.LexicalScore {
		t.Fatalf("bare candidate should be lexical-only: %+v", fallback)
	}
}

func refs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Ref
	}
	return out
}
