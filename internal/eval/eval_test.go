package eval

import (
	"math"
	"reflect"
	"testing"

	"github.com/strumline/strumline/internal/onset"
	"github.com/strumline/strumline/internal/pattern"
)

// twoStepPattern has steps at t=0 and t=0.5 of a one-second bar at its
// default 240 bpm.
func twoStepPattern() *pattern.Pattern {
	return &pattern.Pattern{
		ID:          "two_step",
		Name:        "Two Step",
		TimeSig:     pattern.TimeSig{4, 4},
		StepsPerBar: 2,
		Steps: []pattern.Step{
			{T: 0, Dir: pattern.Down, Technique: pattern.Open},
			{T: 0.5, Dir: pattern.Up, Technique: pattern.Open},
		},
		DefaultBPM: 240,
		MinBPM:     200,
		MaxBPM:     280,
	}
}

func onsetsAt(times ...float64) []onset.Event {
	out := make([]onset.Event, len(times))
	for i, t := range times {
		out[i] = onset.Event{Time: t, Strength: 0.8}
	}
	return out
}

func TestQuantizationPrefersNearestStep(t *testing.T) {
	p := twoStepPattern()
	take := Take{Onsets: onsetsAt(0.52), Duration: 1.0}

	report, err := Evaluate(p, 240, take, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected 2 graded steps, got %d", len(report.Steps))
	}
	if report.Steps[0].Verdict != Miss {
		t.Errorf("step at 0.0 got %s, want miss", report.Steps[0].Verdict)
	}
	if report.Steps[1].Verdict != Hit {
		t.Errorf("step at 0.5 got %s, want hit", report.Steps[1].Verdict)
	}
	if math.Abs(report.Steps[1].Lag-0.02) > 1e-9 {
		t.Errorf("lag %v, want 0.02", report.Steps[1].Lag)
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	p, _ := pattern.Builtin("rock_8")
	take := Take{Onsets: onsetsAt(0.01, 0.53, 0.78, 1.29, 1.61), Duration: 2.1}

	first, err := Evaluate(p, 92, take, 0.012, DefaultConfig())
	if err != nil {
		t.Fatalf("first Evaluate: %v", err)
	}
	second, err := Evaluate(p, 92, take, 0.012, DefaultConfig())
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("reports differ:\n%+v\n%+v", first, second)
	}
}

func TestJitterStatistics(t *testing.T) {
	p, ok := pattern.Builtin("down_4")
	if !ok {
		t.Fatal("down_4 missing")
	}
	bpm := 120
	barDur := 2.0

	// Symmetric jitter cycle, mean exactly zero, sigma ~3.6ms.
	jitter := []float64{0.005, -0.005, 0.003, -0.003, 0.001, -0.001, 0.004, -0.004}
	var times []float64
	ji := 0
	for bar := 0; bar < 8; bar++ {
		for _, s := range p.Steps {
			times = append(times, float64(bar)*barDur+s.T*barDur+jitter[ji%len(jitter)])
			ji++
		}
	}
	take := Take{Onsets: onsetsAt(times...), Duration: 16.0}

	report, err := Evaluate(p, bpm, take, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if want := 32; len(report.Steps) != want {
		t.Fatalf("expected %d steps, got %d", want, len(report.Steps))
	}
	if report.Hits != 32 || report.Misses != 0 {
		t.Errorf("hits=%d misses=%d, want 32/0", report.Hits, report.Misses)
	}
	if math.Abs(report.MeanLag) > 1e-3 {
		t.Errorf("mean lag %v, want ~0", report.MeanLag)
	}
	if report.LagStdDev < 0.0025 || report.LagStdDev > 0.005 {
		t.Errorf("lag stddev %v, want within injected jitter bounds", report.LagStdDev)
	}
	if report.MeanAbsLag < 0.002 || report.MeanAbsLag > 0.005 {
		t.Errorf("mean abs lag %v, want ~3.3ms", report.MeanAbsLag)
	}
}

func TestCalibrationOffsetApplied(t *testing.T) {
	p := twoStepPattern()
	// Capture latency of 100ms: raw onsets arrive late by exactly that.
	take := Take{Onsets: onsetsAt(0.10, 0.62), Duration: 1.0}

	report, err := Evaluate(p, 240, take, 0.10, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Hits != 2 {
		t.Fatalf("hits %d, want 2: %+v", report.Hits, report.Steps)
	}
	if math.Abs(report.Steps[0].Lag) > 1e-9 {
		t.Errorf("step 0 lag %v, want 0", report.Steps[0].Lag)
	}
	if math.Abs(report.Steps[1].Lag-0.02) > 1e-9 {
		t.Errorf("step 1 lag %v, want 0.02", report.Steps[1].Lag)
	}
}

func TestOnsetClaimedByAtMostOneStep(t *testing.T) {
	p := twoStepPattern()
	// Both onsets sit near the second step; only one may claim it, the
	// other stays unclaimed because the first step is out of its window.
	take := Take{Onsets: onsetsAt(0.48, 0.53), Duration: 1.0}

	report, err := Evaluate(p, 240, take, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Hits != 1 {
		t.Errorf("hits %d, want 1", report.Hits)
	}
	if report.Unclaimed != 1 {
		t.Errorf("unclaimed %d, want 1", report.Unclaimed)
	}
	if math.Abs(report.Steps[1].Lag-(-0.02)) > 1e-9 {
		t.Errorf("winning lag %v, want -0.02 (the closer onset)", report.Steps[1].Lag)
	}
}

func TestRestStepsNotExpected(t *testing.T) {
	p, _ := pattern.Builtin("rock_8")
	bpm := 120 // 2s bar
	strums := []float64{0.0, 0.5, 0.75, 1.25, 1.5, 1.75}
	take := Take{Onsets: onsetsAt(strums...), Duration: 2.0}

	report, err := Evaluate(p, bpm, take, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	// rock_8 has six non-rest steps per bar.
	if len(report.Steps) != 6 {
		t.Fatalf("expected 6 graded steps, got %d", len(report.Steps))
	}
	if report.Hits != 6 || report.Misses != 0 {
		t.Errorf("hits=%d misses=%d, want 6/0", report.Hits, report.Misses)
	}
	if report.Accuracy != 1.0 {
		t.Errorf("accuracy %v, want 1.0", report.Accuracy)
	}
}

func TestSilentTakeAllMisses(t *testing.T) {
	p := twoStepPattern()
	report, err := Evaluate(p, 240, Take{Duration: 2.0}, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.Misses != len(report.Steps) || report.Misses == 0 {
		t.Errorf("misses %d of %d steps", report.Misses, len(report.Steps))
	}
	if report.MeanLag != 0 || report.LagStdDev != 0 {
		t.Errorf("stats over no matches should be zero, got %v/%v", report.MeanLag, report.LagStdDev)
	}
}

func TestZeroStepsIsReportNotError(t *testing.T) {
	p := twoStepPattern()
	report, err := Evaluate(p, 240, Take{Onsets: onsetsAt(0.2, 0.4), Duration: 0}, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("zero-duration take should not error: %v", err)
	}
	if len(report.Steps) != 0 {
		t.Errorf("expected no graded steps, got %d", len(report.Steps))
	}
	if report.Hits+report.Early+report.Late+report.Misses != 0 {
		t.Error("zero-step report has non-zero counts")
	}
	if report.Unclaimed != 2 {
		t.Errorf("unclaimed %d, want 2", report.Unclaimed)
	}
}

func TestOutOfRangeBPMClamps(t *testing.T) {
	p := twoStepPattern()
	report, err := Evaluate(p, 1000, Take{Duration: 1.0}, 0, DefaultConfig())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if report.BPM != p.MaxBPM {
		t.Errorf("bpm %d, want clamp to %d", report.BPM, p.MaxBPM)
	}
}

func TestEvaluateRejectsInvalidPattern(t *testing.T) {
	p := twoStepPattern()
	p.Steps[1].T = 0 // duplicate t
	if _, err := Evaluate(p, 240, Take{Duration: 1.0}, 0, DefaultConfig()); err == nil {
		t.Error("invalid pattern accepted")
	}
}
