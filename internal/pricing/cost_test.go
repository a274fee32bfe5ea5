package pricing

import "testing"

func TestEstimatePrefersFlatProviderRate(t *testing.T) {
	cost, source := Estimate(0.000003, 0.000015, "anthropic", "claude-3-opus", 1000, 500, nil)
	if source != "exact" {
		t.Fatalf("source = %q, want exact", source)
	}
	want := 1000*0.000003 + 500*0.000015
	if cost == nil || *cost != want {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestEstimateFallsBackToLiteLLMWhenNoFlatRate(t *testing.T) {
	src := &Source{prices: map[string]*ModelPrice{
		"anthropic/claude-3-opus": {InputCostPer1k: 3, OutputCostPer1k: 15},
	}}
	cost, source := Estimate(0, 0, "anthropic", "claude-3-opus", 1000, 500, src)
	if source != "estimated" {
		t.Fatalf("source = %q, want estimated", source)
	}
	want := 1000*3.0/1000 + 500*15.0/1000
	if cost == nil || *cost != want {
		t.Fatalf("cost = %v, want %v", cost, want)
	}
}

func TestEstimateReturnsNilWithoutAnySource(t *testing.T) {
	cost, source := Estimate(0, 0, "anthropic", "claude-3-opus", 1000, 500, nil)
	if cost != nil || source != "" {
		t.Fatalf("cost = %v, source = %q, want nil/\"\"", cost, source)
	}
}

func TestEstimateReturnsNilWhenFallbackHasNoMatch(t *testing.T) {
	src := &Source{prices: map[string]*ModelPrice{}}
	cost, source := Estimate(0, 0, "anthropic", "claude-3-opus", 1000, 500, src)
	if cost != nil || source != "" {
		t.Fatalf("cost = %v, source = %q, want nil/\"\"", cost, source)
	}
}
