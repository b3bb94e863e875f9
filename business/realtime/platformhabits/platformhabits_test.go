package platformhabits

import (
	"testing"
	"time"
)

func Test_NormalizePlatform(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Vía 3", "3"},
		{"Andén 12B", "12B"},
		{"Platform 1", "1"},
		{"PL.4", "4"},
		{"", ""},
		{"12345", ""}, // more than 3 digits
		{"ABC", ""},   // no digits at all
		{"7 ", "7"},
	}
	for _, tt := range tests {
		if got := NormalizePlatform(tt.in); got != tt.want {
			t.Errorf("NormalizePlatform(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func Test_Observe_throttlesWithin25Seconds(t *testing.T) {
	s := New("", "")
	s.Observe("nuc", "R1", "S1", "3", 1000)
	s.Observe("nuc", "R1", "S1", "3", 1010) // within throttle window, discarded

	agg := s.aggregate(s.candidateKeySets("nuc", "R1", "S1")[0], 1010)
	w := agg["3"]
	// Only one observation recorded: weight at age 0 is 1.0.
	if w.weight < 0.99 || w.weight > 1.01 {
		t.Errorf("expected single observation's weight ~1.0, got %f", w.weight)
	}
}

func Test_Observe_acceptsAfterThrottleWindow(t *testing.T) {
	s := New("", "")
	s.Observe("nuc", "R1", "S1", "3", 1000)
	s.Observe("nuc", "R1", "S1", "3", 1030) // 30s later, past the 25s throttle

	agg := s.aggregate(s.candidateKeySets("nuc", "R1", "S1")[0], 1030)
	w := agg["3"]
	if w.weight < 1.9 {
		t.Errorf("expected two observations' combined weight ~2.0, got %f", w.weight)
	}
}

func Test_HabitualFor_exactKeyWins(t *testing.T) {
	s := New("", "")
	now := time.Unix(1_000_000, 0)
	s.Observe("nuc", "R1", "S1", "3", now.Unix())

	pred := s.HabitualFor("nuc", "R1", "S1", now)
	if !pred.HasPrimary || pred.Primary != "3" {
		t.Fatalf("expected primary platform 3, got %+v", pred)
	}
}

func Test_HabitualFor_fallsBackToStopOnlyKey(t *testing.T) {
	s := New("", "")
	now := time.Unix(1_000_000, 0)
	s.Observe("othernuc", "R9", "S1", "5", now.Unix())

	pred := s.HabitualFor("nuc", "R1", "S1", now)
	if !pred.HasPrimary || pred.Primary != "5" {
		t.Fatalf("expected fallback to stop-only match, got %+v", pred)
	}
}

func Test_HabitualFor_publishableRequiresWeightAndFreshness(t *testing.T) {
	s := New("", "")
	base := int64(0)
	now := time.Unix(base, 0)
	// One fresh observation: weight ~1.0, below PublishMinEffective of 8.0.
	s.Observe("nuc", "R1", "S1", "3", base)

	pred := s.HabitualFor("nuc", "R1", "S1", now)
	if pred.Publishable {
		t.Errorf("expected not publishable with n_effective < 8.0, got %+v", pred)
	}

	for i := 0; i < 10; i++ {
		s.Observe("nuc", "R1", "S1", "3", base+int64(i)*100)
	}
	pred = s.HabitualFor("nuc", "R1", "S1", time.Unix(base+900, 0))
	if !pred.Publishable {
		t.Errorf("expected publishable after enough fresh observations, got %+v", pred)
	}
}

func Test_HabitualFor_ambiguousTwoPlatformsNoSingleWinner(t *testing.T) {
	s := New("", "")
	base := int64(0)
	// 10 observations of P1, 9 of P2, each spaced past the 25s throttle
	// window: close frequencies, total weight above the publish threshold.
	for i := 0; i < 10; i++ {
		s.Observe("nuc", "R1", "S1", "P1", base+int64(i)*30)
	}
	for i := 0; i < 9; i++ {
		s.Observe("nuc", "R1", "S1", "P2", base+int64(i)*30)
	}
	pred := s.HabitualFor("nuc", "R1", "S1", time.Unix(base+270, 0))
	if !pred.HasSecondary {
		t.Fatalf("expected a secondary platform present for a close race, got %+v", pred)
	}
	if pred.Confidence <= 0 || pred.Confidence >= 1 {
		t.Errorf("expected primary confidence strictly between 0 and 1, got %f", pred.Confidence)
	}
}

func Test_decayWeight_halvesAtHalfLife(t *testing.T) {
	w := decayWeight(30, 30)
	if w < 0.49 || w > 0.51 {
		t.Errorf("expected weight ~0.5 at one half-life, got %f", w)
	}
}
