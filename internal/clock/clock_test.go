package clock

import (
	"errors"
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStepDuration(t *testing.T) {
	cases := []struct {
		name        string
		bpm         int
		stepsPerBar int
		beatsPerBar int
		want        float64
	}{
		{"eighths at 120", 120, 8, 4, 0.25},
		{"quarters at 60", 60, 4, 4, 1.0},
		{"sixteenths at 120", 120, 16, 4, 0.125},
		{"waltz eighths at 90", 90, 6, 3, 60.0 / 90.0 / 2.0},
	}

	for _, tc := range cases {
		got, err := StepDuration(tc.bpm, tc.stepsPerBar, tc.beatsPerBar)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !almostEqual(got, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStepDurationRejectsBadInput(t *testing.T) {
	cases := []struct {
		name        string
		bpm         int
		stepsPerBar int
		beatsPerBar int
	}{
		{"zero bpm", 0, 8, 4},
		{"negative bpm", -30, 8, 4},
		{"zero steps", 120, 0, 4},
		{"zero beats", 120, 8, 0},
	}

	for _, tc := range cases {
		_, err := StepDuration(tc.bpm, tc.stepsPerBar, tc.beatsPerBar)
		if err == nil {
			t.Fatalf("%s: expected error, got none", tc.name)
		}
		if !errors.Is(err, ErrInvalidTempo) {
			t.Errorf("%s: error %v is not ErrInvalidTempo", tc.name, err)
		}
	}
}

func TestBarDuration(t *testing.T) {
	got, err := BarDuration(120, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(got, 2.0) {
		t.Errorf("got %v, want 2.0", got)
	}

	if _, err := BarDuration(0, 4); !errors.Is(err, ErrInvalidTempo) {
		t.Errorf("zero bpm: error %v is not ErrInvalidTempo", err)
	}
}

func TestClockElapsed(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	clk := NewAt(func() time.Time { return current })

	if got := clk.Now(); !almostEqual(got, 0) {
		t.Fatalf("fresh clock reads %v, want 0", got)
	}

	current = base.Add(1500 * time.Millisecond)
	if got := clk.Now(); !almostEqual(got, 1.5) {
		t.Errorf("after 1.5s got %v", got)
	}

	current = base.Add(61 * time.Second)
	if got := clk.Now(); !almostEqual(got, 61.0) {
		t.Errorf("after 61s got %v", got)
	}
}
