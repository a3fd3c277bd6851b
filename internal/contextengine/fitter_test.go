package contextengine

import (
	"strings"
	"testing"

	"github.com/hollis/autodev/internal/tokenutil"
)

func tokenCand(ref string, tokens int) Candidate {
	// Content sized so the estimator lands roughly on the requested count.
	return Candidate{
		Source:  SourceMemory,
		Ref:     ref,
		Content: strings.Repeat("word ", tokens),
		Tokens:  tokens,
	}
}

func TestFitter_FillsInRankOrder(t *testing.T) {
	f := &Fitter{Budget: 1000, Reserve: 100, HardCap: 1200}
	ranked := []Candidate{
		tokenCand("a", 400),
		tokenCand("b", 400),
		tokenCand("c", 400),
	}
	res := f.Fit(ranked)

	// a and b fit whole (800 <= 900); c gets clipped into the last 100.
	if len(res.Selected) != 3 {
		t.Fatalf("selected = %d", len(res.Selected))
	}
	if res.Selected[0].Ref != "a" || res.Selected[1].Ref != "b" {
		t.Fatalf("rank order lost: %v", refs(res.Selected))
	}
	if res.Clipped != 1 || !res.Selected[2].Clipped {
		t.Fatalf("expected one clipped candidate, got %d", res.Clipped)
	}
	if res.TokensSelected > 1000-100 {
		t.Fatalf("tokens selected %d exceed usable budget", res.TokensSelected)
	}
}

func TestFitter_DropsWhenClipTooSmall(t *testing.T) {
	f := &Fitter{Budget: 430, Reserve: 0, HardCap: 500}
	ranked := []Candidate{
		tokenCand("a", 420),
		tokenCand("b", 400), // remaining 10 < minClipTokens
	}
	res := f.Fit(ranked)
	if len(res.Selected) != 1 {
		t.Fatalf("selected = %v", refs(res.Selected))
	}
	if res.DroppedForBudget != 1 {
		t.Fatalf("dropped for budget = %d", res.DroppedForBudget)
	}
}

func TestFitter_HardCapNeverExceeded(t *testing.T) {
	// Hard cap below the usable budget forces the drop loop to shed
	// candidates after the greedy fill.
	f := &Fitter{Budget: 1000, Reserve: 0, HardCap: 500}
	ranked := []Candidate{
		tokenCand("a", 300),
		tokenCand("b", 300),
		tokenCand("c", 300),
	}
	res := f.Fit(ranked)
	if res.TokensSelected > f.HardCap {
		t.Fatalf("tokens selected %d exceed hard cap %d", res.TokensSelected, f.HardCap)
	}
	if res.DroppedForHardCap == 0 {
		t.Fatal("expected hard-cap drops")
	}
	// The strongest candidate survives.
	if len(res.Selected) == 0 || res.Selected[0].Ref != "a" {
		t.Fatalf("selected = %v", refs(res.Selected))
	}
}

func TestFitter_HardCapLoopBounded(t *testing.T) {
	// Degenerate cap: everything must go, and the loop must terminate.
	f := &Fitter{Budget: 1000, Reserve: 0, HardCap: 0}
	ranked := []Candidate{tokenCand("a", 100), tokenCand("b", 100)}
	res := f.Fit(ranked)
	if len(res.Selected) != 0 {
		t.Fatalf("selected = %v", refs(res.Selected))
	}
	if res.TokensSelected != 0 {
		t.Fatalf("tokens selected = %d", res.TokensSelected)
	}
	if res.DroppedForHardCap != 2 {
		t.Fatalf("dropped for hard cap = %d", res.DroppedForHardCap)
	}
}

func TestFitter_EmptyInput(t *testing.T) {
	f := &Fitter{Budget: 100, Reserve: 10, HardCap: 100}
	res := f.Fit(nil)
	if len(res.Selected) != 0 || res.TokensSelected != 0 {
		t.Fatalf("empty fit = %+v", res)
	}
}

func TestClipToTokens(t *testing.T) {
	content := strings.Repeat("alpha beta gamma ", 100)
	clipped := clipToTokens(content, 50)
	if got := len(strings.Fields(clipped)); got == 0 {
		t.Fatal("clip produced empty content")
	}
	if est := tokenutil.EstimateTokens(clipped); est > 50 {
		t.Fatalf("clipped estimate %d > 50", est)
	}
}
