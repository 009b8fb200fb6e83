// Package calib estimates the fixed latency between what the trainer played
// and what the capture path heard. The offset it produces is subtracted from
// detected onsets before grading.
package calib

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/strumline/strumline/internal/onset"
)

// ErrInsufficientSamples is returned when too few played clicks could be
// matched against detected onsets to trust a new offset.
var ErrInsufficientSamples = errors.New("insufficient calibration samples")

// Defaults
const (
	DefaultQuorum = 3
	DefaultWindow = 0.25
)

// Calibrator holds the current latency offset for a practice setup. Safe for
// concurrent use; the evaluator reads while a recalibration may be running.
type Calibrator struct {
	mu      sync.Mutex
	offset  float64
	valid   bool
	matched int

	quorum int
	window float64
}

// New returns a Calibrator. quorum <= 0 or window <= 0 select the defaults.
func New(quorum int, window float64) *Calibrator {
	if quorum <= 0 {
		quorum = DefaultQuorum
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Calibrator{quorum: quorum, window: window}
}

// Calibrate matches each expected click time against the nearest detected
// onset within the matching window and discards unmatched clicks. Given at
// least quorum matches it stores and returns the mean (detected minus
// expected) offset in seconds. On failure the previously stored offset is
// left untouched.
func (c *Calibrator) Calibrate(clicks []float64, onsets []onset.Event) (float64, error) {
	var diffs []float64
	for _, ct := range clicks {
		bestAbs := c.window
		bestDiff := 0.0
		found := false
		for _, e := range onsets {
			d := e.Time - ct
			if math.Abs(d) <= bestAbs {
				bestAbs = math.Abs(d)
				bestDiff = d
				found = true
			}
		}
		if found {
			diffs = append(diffs, bestDiff)
		}
	}

	if len(diffs) < c.quorum {
		return 0, fmt.Errorf("%w: matched %d of %d clicks, need %d",
			ErrInsufficientSamples, len(diffs), len(clicks), c.quorum)
	}

	sum := 0.0
	for _, d := range diffs {
		sum += d
	}
	mean := sum / float64(len(diffs))

	c.mu.Lock()
	c.offset = mean
	c.valid = true
	c.matched = len(diffs)
	c.mu.Unlock()
	return mean, nil
}

// Offset returns the stored offset and whether one has been established.
func (c *Calibrator) Offset() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset, c.valid
}

// Matched reports how many clicks the last successful Calibrate used.
func (c *Calibrator) Matched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matched
}

// SetOffset installs a previously persisted offset.
func (c *Calibrator) SetOffset(offset float64) {
	c.mu.Lock()
	c.offset = offset
	c.valid = true
	c.mu.Unlock()
}

// Reset discards any stored offset.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	c.offset = 0
	c.valid = false
	c.matched = 0
	c.mu.Unlock()
}

// ClickSchedule returns count expected click times starting at lead seconds
// and spaced interval seconds apart. This is the reference grid a
// calibration pass plays and then listens for.
func ClickSchedule(count int, interval, lead float64) []float64 {
	out := make([]float64, count)
	for i := range out {
		out[i] = lead + float64(i)*interval
	}
	return out
}
