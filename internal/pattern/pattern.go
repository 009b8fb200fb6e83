// Package pattern defines the strumming pattern model shared by the
// scheduler, the audio engine and the evaluator. A Pattern is immutable once
// validated; everything downstream relies on that.
package pattern

import (
	"errors"
	"fmt"
	"strings"

	"github.com/strumline/strumline/internal/clock"
)

// ErrInvariant is returned when a pattern violates its structural
// invariants. A scheduler fed such a pattern refuses to run.
var ErrInvariant = errors.New("pattern invariant violated")

// Direction is the strum direction of a step. Rest steps keep the grid
// position but demand no strum.
type Direction string

const (
	Down Direction = "D"
	Up   Direction = "U"
	Rest Direction = "-"
)

func (d Direction) valid() bool {
	return d == Down || d == Up || d == Rest
}

// Technique is how the strings are struck. The audio engine maps each
// technique to a gain; the model only validates membership.
type Technique string

const (
	Open  Technique = "open"
	Mute  Technique = "mute"
	Palm  Technique = "palm"
	Ghost Technique = "ghost"
)

func (t Technique) valid() bool {
	return t == Open || t == Mute || t == Palm || t == Ghost
}

// Step is one position on the bar grid. T is the position as a fraction of
// the bar in [0,1). Accent in [0,1] scales loudness, 0 meaning unaccented.
type Step struct {
	T         float64   `yaml:"t" json:"t"`
	Dir       Direction `yaml:"dir" json:"dir"`
	Accent    float64   `yaml:"accent" json:"accent"`
	Technique Technique `yaml:"technique,omitempty" json:"technique,omitempty"`
}

// TimeSig is a [beats, unit] pair, e.g. [4, 4] or [3, 4].
type TimeSig [2]int

// Beats returns the number of beats per bar.
func (ts TimeSig) Beats() int { return ts[0] }

// Unit returns the note value of one beat.
func (ts TimeSig) Unit() int { return ts[1] }

func (ts TimeSig) String() string { return fmt.Sprintf("%d/%d", ts[0], ts[1]) }

// Pattern is one bar of strumming repeated in a loop. Steps are sorted by T
// and need not be evenly spaced.
type Pattern struct {
	ID          string  `yaml:"id" json:"id"`
	Name        string  `yaml:"name" json:"name"`
	TimeSig     TimeSig `yaml:"time_sig" json:"time_sig"`
	StepsPerBar int     `yaml:"steps_per_bar" json:"steps_per_bar"`
	Steps       []Step  `yaml:"steps" json:"steps"`
	DefaultBPM  int     `yaml:"bpm_default" json:"bpm_default"`
	MinBPM      int     `yaml:"bpm_min" json:"bpm_min"`
	MaxBPM      int     `yaml:"bpm_max" json:"bpm_max"`
	Notes       string  `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// Validate checks every structural invariant. All errors wrap ErrInvariant.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvariant)
	}
	if p.TimeSig.Beats() <= 0 || p.TimeSig.Unit() <= 0 {
		return fmt.Errorf("%w: %s: time signature %s", ErrInvariant, p.ID, p.TimeSig)
	}
	if p.StepsPerBar <= 0 {
		return fmt.Errorf("%w: %s: steps per bar %d", ErrInvariant, p.ID, p.StepsPerBar)
	}
	if len(p.Steps) != p.StepsPerBar {
		return fmt.Errorf("%w: %s: %d steps declared, %d present",
			ErrInvariant, p.ID, p.StepsPerBar, len(p.Steps))
	}
	prev := -1.0
	for i, s := range p.Steps {
		if s.T < 0 || s.T >= 1 {
			return fmt.Errorf("%w: %s: step %d t=%v outside [0,1)", ErrInvariant, p.ID, i, s.T)
		}
		if s.T <= prev {
			return fmt.Errorf("%w: %s: step %d t=%v not after t=%v", ErrInvariant, p.ID, i, s.T, prev)
		}
		prev = s.T
		if !s.Dir.valid() {
			return fmt.Errorf("%w: %s: step %d direction %q", ErrInvariant, p.ID, i, s.Dir)
		}
		if s.Accent < 0 || s.Accent > 1 {
			return fmt.Errorf("%w: %s: step %d accent %v outside [0,1]", ErrInvariant, p.ID, i, s.Accent)
		}
		if s.Technique != "" && !s.Technique.valid() {
			return fmt.Errorf("%w: %s: step %d technique %q", ErrInvariant, p.ID, i, s.Technique)
		}
	}
	if p.MinBPM <= 0 || p.MinBPM > p.MaxBPM {
		return fmt.Errorf("%w: %s: bpm range %d..%d", ErrInvariant, p.ID, p.MinBPM, p.MaxBPM)
	}
	if p.DefaultBPM < p.MinBPM || p.DefaultBPM > p.MaxBPM {
		return fmt.Errorf("%w: %s: default bpm %d outside %d..%d",
			ErrInvariant, p.ID, p.DefaultBPM, p.MinBPM, p.MaxBPM)
	}
	return nil
}

// ClampBPM pins bpm to the pattern's playable range.
func (p *Pattern) ClampBPM(bpm int) int {
	if bpm < p.MinBPM {
		return p.MinBPM
	}
	if bpm > p.MaxBPM {
		return p.MaxBPM
	}
	return bpm
}

// StepsPerBeat returns how many grid steps make up one beat, at least 1.
func (p *Pattern) StepsPerBeat() int {
	spb := p.StepsPerBar / p.TimeSig.Beats()
	if spb < 1 {
		return 1
	}
	return spb
}

// IsBeat reports whether grid index i falls on a beat boundary.
func (p *Pattern) IsBeat(i int) bool {
	return i%p.StepsPerBeat() == 0
}

// StrumLine renders the step grid the way chord sheets write it, one symbol
// per step: "D _ D U _ U D U".
func (p *Pattern) StrumLine() string {
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		if s.Dir == Rest {
			parts[i] = "_"
		} else {
			parts[i] = string(s.Dir)
		}
	}
	return strings.Join(parts, " ")
}

// StepDuration returns the nominal uniform step duration at bpm.
func (p *Pattern) StepDuration(bpm int) (float64, error) {
	return clock.StepDuration(bpm, p.StepsPerBar, p.TimeSig.Beats())
}

// BarDuration returns the bar duration at bpm.
func (p *Pattern) BarDuration(bpm int) (float64, error) {
	return clock.BarDuration(bpm, p.TimeSig.Beats())
}

// normalize fills loader defaults on a freshly parsed pattern.
func (p *Pattern) normalize() {
	for i := range p.Steps {
		if p.Steps[i].Technique == "" {
			p.Steps[i].Technique = Open
		}
	}
}
