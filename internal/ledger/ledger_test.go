package ledger

import (
	"math"
	"testing"
)

func TestRound(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.0000014, 0.000001},
		{0.0000015, 0.000002},
		{1.2345678, 1.234568},
		{0, 0},
	}
	for _, tt := range tests {
		if got := Round(tt.in); got != tt.want {
			t.Errorf("Round(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFold(t *testing.T) {
	total, perAgent, err := Fold(0, nil, "writer", 0.001)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if total != 0.001 {
		t.Errorf("total = %v, want 0.001", total)
	}
	if perAgent["writer"] != 0.001 {
		t.Errorf("perAgent[writer] = %v, want 0.001", perAgent["writer"])
	}

	total, perAgent, err = Fold(total, perAgent, "auditor", 0.0025)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if total != 0.0035 {
		t.Errorf("total = %v, want 0.0035", total)
	}
	if perAgent["writer"] != 0.001 || perAgent["auditor"] != 0.0025 {
		t.Errorf("perAgent = %v", perAgent)
	}
}

func TestFoldDoesNotMutateInput(t *testing.T) {
	orig := map[string]float64{"writer": 0.5}
	_, _, err := Fold(0.5, orig, "writer", 0.25)
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}
	if orig["writer"] != 0.5 {
		t.Errorf("input map mutated: %v", orig)
	}
}

func TestFoldRejectsNegative(t *testing.T) {
	if _, _, err := Fold(0, nil, "writer", -0.1); err == nil {
		t.Fatal("expected error for negative delta")
	}
}

func TestFoldRejectsEmptyAgent(t *testing.T) {
	if _, _, err := Fold(0, nil, "", 0.1); err == nil {
		t.Fatal("expected error for empty agent")
	}
}

func TestTotalMatchesSumOfAgents(t *testing.T) {
	var total float64
	perAgent := map[string]float64{}
	var err error
	deltas := []struct {
		agent string
		usd   float64
	}{
		{"writer", 0.000123}, {"auditor", 0.004567},
		{"writer", 0.000001}, {"publisher", 1.999999},
	}
	for _, d := range deltas {
		total, perAgent, err = Fold(total, perAgent, d.agent, d.usd)
		if err != nil {
			t.Fatalf("Fold(%v): %v", d, err)
		}
	}
	if diff := math.Abs(total - Sum(perAgent)); diff > 0.000002 {
		t.Errorf("total %v differs from agent sum %v by %v", total, Sum(perAgent), diff)
	}
}
