package engine

import (
	"sync/atomic"

	"github.com/strumline/strumline/internal/pattern"
	"github.com/strumline/strumline/internal/sched"
)

// techniqueGain scales a strum's per-trigger volume the way the hand
// damps the strings.
var techniqueGain = map[pattern.Technique]float64{
	pattern.Open:  1.0,
	pattern.Mute:  0.2,
	pattern.Palm:  0.5,
	pattern.Ghost: 0.3,
}

// Performer maps scheduler ticks onto engine triggers: the metronome click
// policy on one side, the pattern's strum voice on the other. It is a
// sched.Sink and runs on the scheduling goroutine, so it stays strictly
// non-blocking.
//
// Click policy: step 0 of the bar gets the high click, other beat-aligned
// steps get the accented low click, off-beat steps get none.
type Performer struct {
	eng   *Engine
	pat   *pattern.Pattern
	click atomic.Bool
	strum atomic.Bool
}

// NewPerformer builds a performer for one pattern with both voices on.
func NewPerformer(eng *Engine, p *pattern.Pattern) *Performer {
	pf := &Performer{eng: eng, pat: p}
	pf.click.Store(true)
	pf.strum.Store(true)
	return pf
}

// SetClickEnabled toggles the metronome click voice.
func (pf *Performer) SetClickEnabled(on bool) { pf.click.Store(on) }

// SetStrumEnabled toggles the pattern strum voice.
func (pf *Performer) SetStrumEnabled(on bool) { pf.strum.Store(on) }

// Trigger implements sched.Sink.
func (pf *Performer) Trigger(tk sched.Tick) {
	if pf.click.Load() {
		switch {
		case tk.StepIndex == 0:
			pf.eng.Trigger(ClickHigh, 1.0, 0)
		case pf.pat.IsBeat(tk.StepIndex):
			pf.eng.Trigger(ClickLow, 1.0, 1.0)
		}
	}
	if pf.strum.Load() && tk.Step.Dir != pattern.Rest {
		id := StrumDown
		if tk.Step.Dir == pattern.Up {
			id = StrumUp
		}
		gain, ok := techniqueGain[tk.Step.Technique]
		if !ok {
			gain = 1.0
		}
		pf.eng.Trigger(id, gain, tk.Step.Accent)
	}
}
