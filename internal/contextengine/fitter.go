package contextengine

import (
	"strings"

	"github.com/hollis/autodev/internal/tokenutil"
)

// Fitter packs ranked candidates into the token budget. The usable space is
// Budget minus Reserve; HardCap is the absolute ceiling the selection may
// never exceed, whatever the estimates said.
type Fitter struct {
	Budget  int
	Reserve int
	HardCap int
}

// FitResult reports the packed selection.
type FitResult struct {
	Selected          []Candidate
	TokensSelected    int
	Clipped           int
	DroppedForBudget  int
	DroppedForHardCap int
}

// minClipTokens is the smallest clip worth keeping. Below this the candidate
// is dropped instead of clipped to a useless fragment.
const minClipTokens = 32

// Fit greedily fills the usable budget in rank order. The last candidate
// that does not fit whole is clipped to the remaining space when that space
// is still useful. After filling, a bounded drop loop enforces the hard cap:
// each pass removes the lowest-ranked survivor, and the loop cannot run more
// passes than there are selected candidates, so it always terminates with
// TokensSelected <= HardCap.
func (f *Fitter) Fit(ranked []Candidate) FitResult {
	usable := f.Budget - f.Reserve
	if usable < 0 {
		usable = 0
	}

	var res FitResult
	used := 0
	for _, cand := range ranked {
		if cand.Tokens <= 0 {
			cand.Tokens = tokenutil.EstimateTokens(cand.Content)
		}
		remaining := usable - used
		if remaining <= 0 {
			res.DroppedForBudget++
			continue
		}
		if cand.Tokens <= remaining {
			res.Selected = append(res.Selected, cand)
			used += cand.Tokens
			continue
		}
		if remaining >= minClipTokens {
			clipped := clipToTokens(cand.Content, remaining)
			cand.Content = clipped
			cand.Tokens = tokenutil.EstimateTokens(clipped)
			cand.Clipped = true
			res.Selected = append(res.Selected, cand)
			res.Clipped++
			used += cand.Tokens
			continue
		}
		res.DroppedForBudget++
	}

	// Hard cap enforcement. Token estimates for clipped content can round
	// up past the remaining space, so re-check the real sum and shed the
	// weakest candidates until it fits. Bounded by len(Selected).
	for pass := len(res.Selected); pass > 0 && totalTokens(res.Selected) > f.HardCap; pass-- {
		last := len(res.Selected) - 1
		used -= res.Selected[last].Tokens
		if res.Selected[last].Clipped {
			res.Clipped--
		}
		res.Selected = res.Selected[:last]
		res.DroppedForHardCap++
	}

	res.TokensSelected = totalTokens(res.Selected)
	return res
}

func totalTokens(candidates []Candidate) int {
	total := 0
	for _, c := range candidates {
		total += c.Tokens
	}
	return total
}

// clipToTokens truncates content on a word boundary so its estimate lands at
// or under maxTokens.
func clipToTokens(content string, maxTokens int) string {
	if tokenutil.EstimateTokens(content) <= maxTokens {
		return content
	}
	words := strings.Fields(content)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tokenutil.EstimateTokens(strings.Join(words[:mid], " ")) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}
