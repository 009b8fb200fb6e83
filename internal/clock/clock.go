package clock

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTempo is returned when a tempo or step-grid parameter is outside
// the representable range.
var ErrInvalidTempo = errors.New("invalid tempo")

// StepDuration returns the nominal duration in seconds of one grid step for
// the given tempo, where the grid divides a bar of beatsPerBar beats into
// stepsPerBar equal steps.
func StepDuration(bpm, stepsPerBar, beatsPerBar int) (float64, error) {
	if bpm <= 0 {
		return 0, fmt.Errorf("%w: bpm %d", ErrInvalidTempo, bpm)
	}
	if stepsPerBar <= 0 {
		return 0, fmt.Errorf("%w: steps per bar %d", ErrInvalidTempo, stepsPerBar)
	}
	if beatsPerBar <= 0 {
		return 0, fmt.Errorf("%w: beats per bar %d", ErrInvalidTempo, beatsPerBar)
	}
	stepsPerBeat := float64(stepsPerBar) / float64(beatsPerBar)
	return 60.0 / float64(bpm) / stepsPerBeat, nil
}

// BarDuration returns the duration in seconds of one full bar at the given
// tempo.
func BarDuration(bpm, beatsPerBar int) (float64, error) {
	if bpm <= 0 {
		return 0, fmt.Errorf("%w: bpm %d", ErrInvalidTempo, bpm)
	}
	if beatsPerBar <= 0 {
		return 0, fmt.Errorf("%w: beats per bar %d", ErrInvalidTempo, beatsPerBar)
	}
	return 60.0 / float64(bpm) * float64(beatsPerBar), nil
}

// Clock measures elapsed seconds from a fixed start reference on the
// monotonic clock, so wall-clock adjustments never move it.
type Clock struct {
	start time.Time
	now   func() time.Time
}

// New returns a Clock started at the current instant.
func New() *Clock {
	return NewAt(time.Now)
}

// NewAt returns a Clock reading time through now. Tests inject a fake here;
// production callers use New.
func NewAt(now func() time.Time) *Clock {
	return &Clock{start: now(), now: now}
}

// Now returns seconds elapsed since the clock was created.
func (c *Clock) Now() float64 {
	return c.now().Sub(c.start).Seconds()
}
