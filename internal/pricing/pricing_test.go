package pricing

import "testing"

func TestEstimateCost_KnownModel(t *testing.T) {
	// gpt-4.1: $2.00 per 1M prompt, $8.00 per 1M completion
	cost := EstimateCost("gpt-4.1", 1000, 500)
	if cost < 0.005 || cost > 0.007 {
		t.Fatalf("expected ~0.006, got %f", cost)
	}
}

func TestEstimateCost_UnknownModel(t *testing.T) {
	cost := EstimateCost("unknown-model-xyz", 1000, 500)
	if cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestEstimateCost_MiniModel(t *testing.T) {
	// gpt-4.1-mini: $0.40 per 1M prompt, $1.60 per 1M completion
	cost := EstimateCost("gpt-4.1-mini", 1000000, 1000000)
	expected := 0.40 + 1.60
	if cost != expected {
		t.Fatalf("expected %f, got %f", expected, cost)
	}
}

func TestKnown(t *testing.T) {
	if !Known("gpt-4.1") {
		t.Error("gpt-4.1 should be known")
	}
	if Known("made-up-model") {
		t.Error("made-up-model should not be known")
	}
}
