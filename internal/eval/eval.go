// Package eval grades a recorded take against a strumming pattern. Detected
// onsets, corrected by the calibration offset, are assigned to expected step
// times and classified as hit, early, late or miss.
package eval

import (
	"fmt"
	"math"
	"sort"

	"github.com/strumline/strumline/internal/onset"
	"github.com/strumline/strumline/internal/pattern"
)

// Verdict classifies one expected step.
type Verdict string

const (
	Hit   Verdict = "hit"
	Early Verdict = "early"
	Late  Verdict = "late"
	Miss  Verdict = "miss"
)

// Config sets the grading windows as fractions of the nominal step duration.
// These are policy knobs, not physics; the defaults grade a step as hit
// within ±1/8 of a step and as early/late within ±1/2.
type Config struct {
	HitWindowFrac  float64
	WideWindowFrac float64
}

// DefaultConfig returns the standard grading windows.
func DefaultConfig() Config {
	return Config{HitWindowFrac: 0.125, WideWindowFrac: 0.5}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HitWindowFrac == 0 {
		c.HitWindowFrac = d.HitWindowFrac
	}
	if c.WideWindowFrac == 0 {
		c.WideWindowFrac = d.WideWindowFrac
	}
	return c
}

// Take is the graded material: the onsets detected in a capture and the
// capture's total length in seconds. The length bounds how many bars of the
// looped pattern are expected.
type Take struct {
	Onsets   []onset.Event
	Duration float64
}

// StepResult is the grade of one expected step occurrence.
type StepResult struct {
	Bar       int     `json:"bar"`
	StepIndex int     `json:"step_index"`
	Expected  float64 `json:"expected"`
	Lag       float64 `json:"lag"`
	Matched   bool    `json:"matched"`
	Verdict   Verdict `json:"verdict"`
}

// Report is the aggregate grade of a take. Immutable once produced.
type Report struct {
	PatternID   string       `json:"pattern_id"`
	BPM         int          `json:"bpm"`
	Steps       []StepResult `json:"steps"`
	Hits        int          `json:"hits"`
	Early       int          `json:"early"`
	Late        int          `json:"late"`
	Misses      int          `json:"misses"`
	MeanLag     float64      `json:"mean_lag"`
	MeanAbsLag  float64      `json:"mean_abs_lag"`
	LagStdDev   float64      `json:"lag_std_dev"`
	TotalOnsets int          `json:"total_onsets"`
	Unclaimed   int          `json:"unclaimed_onsets"`
	Duration    float64      `json:"duration"`
	Accuracy    float64      `json:"accuracy"`
}

type expectedStep struct {
	bar  int
	idx  int
	time float64
}

type candidate struct {
	step  int
	onset int
	lag   float64
}

// Evaluate grades take against the looped pattern at bpm. The calibration
// offset is subtracted from every onset before matching, so a fixed capture
// latency cancels out. bpm outside the pattern's range clamps, matching live
// playback. Evaluate is pure: identical inputs yield identical reports.
func Evaluate(p *pattern.Pattern, bpm int, take Take, offset float64, cfg Config) (*Report, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	cfg = cfg.withDefaults()
	bpm = p.ClampBPM(bpm)

	stepDur, err := p.StepDuration(bpm)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	barDur, err := p.BarDuration(bpm)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	// 1. Expand the loop into expected step times covering the take. Rest
	// steps demand no strum and are not expected.
	var expected []expectedStep
	for bar := 0; float64(bar)*barDur < take.Duration; bar++ {
		base := float64(bar) * barDur
		for i, s := range p.Steps {
			st := base + s.T*barDur
			if st >= take.Duration {
				break
			}
			if s.Dir == pattern.Rest {
				continue
			}
			expected = append(expected, expectedStep{bar: bar, idx: i, time: st})
		}
	}

	report := &Report{
		PatternID:   p.ID,
		BPM:         bpm,
		Steps:       []StepResult{},
		TotalOnsets: len(take.Onsets),
		Duration:    take.Duration,
	}
	if len(expected) == 0 {
		report.Unclaimed = len(take.Onsets)
		return report, nil
	}

	// 2. Shift onsets back by the calibration offset.
	adjusted := make([]float64, len(take.Onsets))
	for i, e := range take.Onsets {
		adjusted[i] = e.Time - offset
	}

	// 3. Collect every step/onset pairing inside the wide window and assign
	// greedily by smallest |lag|. Each onset claims at most one step; a
	// closer step always wins the tie.
	wide := cfg.WideWindowFrac * stepDur
	hit := cfg.HitWindowFrac * stepDur

	var cands []candidate
	for si, ex := range expected {
		for oi, ot := range adjusted {
			lag := ot - ex.time
			if math.Abs(lag) <= wide {
				cands = append(cands, candidate{step: si, onset: oi, lag: lag})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		ai, aj := math.Abs(cands[i].lag), math.Abs(cands[j].lag)
		if ai != aj {
			return ai < aj
		}
		if cands[i].onset != cands[j].onset {
			return cands[i].onset < cands[j].onset
		}
		return cands[i].step < cands[j].step
	})

	stepLag := make([]float64, len(expected))
	stepMatched := make([]bool, len(expected))
	onsetClaimed := make([]bool, len(adjusted))
	claimed := 0
	for _, c := range cands {
		if stepMatched[c.step] || onsetClaimed[c.onset] {
			continue
		}
		stepMatched[c.step] = true
		onsetClaimed[c.onset] = true
		stepLag[c.step] = c.lag
		claimed++
	}

	// 4. Classify and aggregate. Lag statistics cover matched steps only.
	var sumLag, sumAbsLag float64
	for i, ex := range expected {
		r := StepResult{Bar: ex.bar, StepIndex: ex.idx, Expected: ex.time}
		if stepMatched[i] {
			r.Matched = true
			r.Lag = stepLag[i]
			switch {
			case math.Abs(r.Lag) <= hit:
				r.Verdict = Hit
				report.Hits++
			case r.Lag < 0:
				r.Verdict = Early
				report.Early++
			default:
				r.Verdict = Late
				report.Late++
			}
			sumLag += r.Lag
			sumAbsLag += math.Abs(r.Lag)
		} else {
			r.Verdict = Miss
			report.Misses++
		}
		report.Steps = append(report.Steps, r)
	}

	if claimed > 0 {
		report.MeanLag = sumLag / float64(claimed)
		report.MeanAbsLag = sumAbsLag / float64(claimed)
		var sumSq float64
		for i := range expected {
			if stepMatched[i] {
				d := stepLag[i] - report.MeanLag
				sumSq += d * d
			}
		}
		report.LagStdDev = math.Sqrt(sumSq / float64(claimed))
	}
	report.Unclaimed = len(take.Onsets) - claimed
	report.Accuracy = float64(report.Hits) / float64(len(expected))
	return report, nil
}
