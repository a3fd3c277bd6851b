package contextengine

import (
	"math"
	"sort"
	"strings"
)

// BM25 constants. k1 controls term-frequency saturation, b length
// normalization.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// Fusion weights when both signals are present.
	lexicalWeight  = 0.5
	semanticWeight = 0.5
)

// Curator ranks candidates against the step query. Lexical relevance comes
// from BM25 over whitespace tokens; semantic relevance from cosine similarity
// of embeddings. A candidate without an embedding is scored lexically on its
// own; candidates that do carry one keep their fused score. The degraded
// flag reports that at least one candidate fell back.
type Curator struct {
	TopK     int
	MinScore float64
}

func NewCurator(topK int, minScore float64) *Curator {
	if topK <= 0 {
		topK = 12
	}
	return &Curator{TopK: topK, MinScore: minScore}
}

// Rank is deterministic for a given query and candidate set: order of the
// input slice never affects the output order. Duplicates on (source, ref)
// keep only the highest-scoring copy. Returns the ranked winners and whether
// any candidate was scored lexical-only.
func (c *Curator) Rank(query string, queryEmbedding []float64, candidates []Candidate) ([]Candidate, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	queryTerms := tokenize(query)
	corpus := make([][]string, len(candidates))
	totalLen := 0
	for i, cand := range candidates {
		corpus[i] = tokenize(cand.Content)
		totalLen += len(corpus[i])
	}
	avgLen := float64(totalLen) / float64(len(candidates))
	if avgLen == 0 {
		avgLen = 1
	}
	df := documentFrequencies(corpus, queryTerms)

	degraded := len(queryEmbedding) == 0
	scored := make([]Candidate, len(candidates))
	for i, cand := range candidates {
		cand.LexicalScore = bm25Score(queryTerms, corpus[i], df, len(candidates), avgLen)
		if len(queryEmbedding) > 0 && len(cand.Embedding) > 0 {
			cand.SemanticScore = cosine(queryEmbedding, cand.Embedding)
			cand.Score = lexicalWeight*cand.LexicalScore + semanticWeight*cand.SemanticScore
		} else {
			// Fallback is per candidate: only the ones without a vector
			// drop to lexical-only.
			if len(cand.Embedding) == 0 {
				degraded = true
			}
			cand.SemanticScore = 0
			cand.Score = cand.LexicalScore
		}
		scored[i] = cand
	}

	scored = dedupe(scored)

	filtered := scored[:0]
	for _, cand := range scored {
		if cand.Score >= c.MinScore {
			filtered = append(filtered, cand)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		// Tie-break 1: newer first.
		if !filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		}
		// Tie-break 2: stable key so output never depends on input order.
		if filtered[i].Source != filtered[j].Source {
			return filtered[i].Source < filtered[j].Source
		}
		return filtered[i].Ref < filtered[j].Ref
	})

	// Source diversity among ties is applied on the final cut: when the TopK
	// boundary falls inside a score tie, prefer keeping sources not yet
	// represented.
	if len(filtered) > c.TopK {
		filtered = diversifyCut(filtered, c.TopK)
	}
	return filtered, degraded
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'`")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func documentFrequencies(corpus [][]string, queryTerms []string) map[string]int {
	want := make(map[string]struct{}, len(queryTerms))
	for _, t := range queryTerms {
		want[t] = struct{}{}
	}
	df := make(map[string]int, len(want))
	for _, doc := range corpus {
		seen := make(map[string]struct{})
		for _, t := range doc {
			if _, ok := want[t]; !ok {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			df[t]++
		}
	}
	return df
}

func bm25Score(queryTerms, doc []string, df map[string]int, docCount int, avgLen float64) float64 {
	if len(doc) == 0 || len(queryTerms) == 0 {
		return 0
	}
	tf := make(map[string]int, len(doc))
	for _, t := range doc {
		tf[t]++
	}
	score := 0.0
	for _, term := range queryTerms {
		f := tf[term]
		if f == 0 {
			continue
		}
		n := df[term]
		idf := math.Log(1 + (float64(docCount)-float64(n)+0.5)/(float64(n)+0.5))
		norm := float64(f) * (bm25K1 + 1) /
			(float64(f) + bm25K1*(1-bm25B+bm25B*float64(len(doc))/avgLen))
		score += idf * norm
	}
	return score
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// dedupe keeps the highest-scoring candidate per (source, ref).
func dedupe(candidates []Candidate) []Candidate {
	best := make(map[string]int, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, cand := range candidates {
		key := string(cand.Source) + "\x00" + cand.Ref
		if idx, ok := best[key]; ok {
			if cand.Score > out[idx].Score {
				out[idx] = cand
			}
			continue
		}
		best[key] = len(out)
		out = append(out, cand)
	}
	return out
}

// diversifyCut trims to topK. Inside the score tie spanning the boundary it
// prefers candidates whose source is not yet represented above the line.
func diversifyCut(ranked []Candidate, topK int) []Candidate {
	boundary := ranked[topK-1].Score
	tieStart := topK - 1
	for tieStart > 0 && ranked[tieStart-1].Score == boundary {
		tieStart--
	}
	tieEnd := topK
	for tieEnd < len(ranked) && ranked[tieEnd].Score == boundary {
		tieEnd++
	}
	if tieEnd == topK {
		return ranked[:topK]
	}

	out := make([]Candidate, 0, topK)
	out = append(out, ranked[:tieStart]...)
	seen := make(map[Source]struct{})
	for _, cand := range out {
		seen[cand.Source] = struct{}{}
	}

	tie := ranked[tieStart:tieEnd]
	slots := topK - tieStart
	// First pass: unrepresented sources, in tie order.
	taken := make([]bool, len(tie))
	for i, cand := range tie {
		if len(out) >= tieStart+slots {
			break
		}
		if _, ok := seen[cand.Source]; ok {
			continue
		}
		seen[cand.Source] = struct{}{}
		out = append(out, cand)
		taken[i] = true
	}
	// Second pass: fill remaining slots in tie order.
	for i, cand := range tie {
		if len(out) >= topK {
			break
		}
		if taken[i] {
			continue
		}
		out = append(out, cand)
	}
	return out
}
