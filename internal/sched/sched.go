// Package sched turns a pattern and a tempo into a stream of precisely
// timed ticks. Phase is accumulated in bar units from a monotonic clock, so
// step boundaries never drift no matter how unevenly the pump wakes up.
package sched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strumline/strumline/internal/clock"
	"github.com/strumline/strumline/internal/pattern"
	"github.com/strumline/strumline/pkg/logger"
)

var (
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrAlreadyRunning = errors.New("scheduler is already running")
)

// State is the scheduler lifecycle state.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// TempoState is the shared playback state: current bpm, accumulated bar
// phase and the pause flag. The scheduler is the only writer; readers (the
// audio side, UI polling) load atomically and never lock.
type TempoState struct {
	bpm    atomic.Int64
	phase  atomic.Uint64
	paused atomic.Bool
}

// BPM returns the tempo currently in effect.
func (t *TempoState) BPM() int { return int(t.bpm.Load()) }

// Phase returns the monotone bar phase: 2.25 means a quarter into the
// third bar.
func (t *TempoState) Phase() float64 { return math.Float64frombits(t.phase.Load()) }

// Paused reports whether playback is paused.
func (t *TempoState) Paused() bool { return t.paused.Load() }

func (t *TempoState) setBPM(v int)       { t.bpm.Store(int64(v)) }
func (t *TempoState) setPhase(v float64) { t.phase.Store(math.Float64bits(v)) }
func (t *TempoState) setPaused(v bool)   { t.paused.Store(v) }

// Tick marks that a step's trigger time has arrived. Timestamp is the
// nominal boundary time on the scheduler's clock, not the wake-up time;
// late wake-ups therefore never contaminate downstream timing math.
type Tick struct {
	Bar       int
	StepIndex int
	Timestamp float64
	Step      pattern.Step
}

// Sink receives every tick synchronously on the scheduling goroutine. A
// sink must not block; the audio engine's trigger path qualifies, a UI
// does not (use Subscribe instead).
type Sink interface {
	Trigger(Tick)
}

// Subscription is a buffered tick stream for control-context consumers.
// When the buffer is full ticks are dropped, never delayed; Dropped counts
// them.
type Subscription struct {
	C <-chan Tick

	ch      chan Tick
	id      int
	s       *Scheduler
	dropped atomic.Uint64
	closed  bool
}

// Dropped returns how many ticks this subscriber missed.
func (sub *Subscription) Dropped() uint64 { return sub.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.s.subMu.Lock()
	defer sub.s.subMu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(sub.s.subs, sub.id)
	close(sub.ch)
}

const pauseIdle = 50 * time.Millisecond

// Scheduler is the pattern playback state machine:
// Stopped → Playing ⇄ Paused → Stopped.
type Scheduler struct {
	clk   *clock.Clock
	log   *logger.Logger
	tempo *TempoState

	mu     sync.Mutex
	state  State
	failed error
	pat    *pattern.Pattern
	stopC  chan struct{}

	// cursor fields, guarded by mu
	phase     float64
	bar       int
	next      int
	curBarDur float64
	lastNow   float64

	subMu   sync.RWMutex
	sinks   []Sink
	subs    map[int]*Subscription
	nextSub int

	wakeC chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source. Tests drive an artificial clock
// through this.
func WithClock(c *clock.Clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// WithLogger substitutes the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithSink attaches a sink at construction time.
func WithSink(snk Sink) Option {
	return func(s *Scheduler) { s.sinks = append(s.sinks, snk) }
}

// New returns a stopped Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clk:   clock.New(),
		log:   logger.GetLogger(),
		tempo: &TempoState{},
		subs:  make(map[int]*Subscription),
		wakeC: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tempo exposes the shared tempo state for lock-free readers.
func (s *Scheduler) Tempo() *TempoState { return s.tempo }

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AttachSink adds a synchronous tick sink.
func (s *Scheduler) AttachSink(snk Sink) {
	s.subMu.Lock()
	s.sinks = append(s.sinks, snk)
	s.subMu.Unlock()
}

// Subscribe returns a buffered tick stream. buffer <= 0 selects a default.
func (s *Scheduler) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	sub := &Subscription{ch: make(chan Tick, buffer), s: s, id: s.nextSub}
	sub.C = sub.ch
	s.subs[sub.id] = sub
	s.nextSub++
	return sub
}

// Start validates the pattern and tempo, resets phase to zero and
// transitions to Playing. A malformed pattern is fatal to this instance:
// it marks the scheduler failed and every later call returns that error.
// The caller still has to pump the schedule, normally via `go s.Run(ctx)`.
func (s *Scheduler) Start(p *pattern.Pattern, bpm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.state != Stopped {
		return ErrAlreadyRunning
	}
	if err := p.Validate(); err != nil {
		s.failed = err
		s.log.Errorf("scheduler: pattern rejected, instance dead: %v", err)
		return err
	}
	if bpm < p.MinBPM || bpm > p.MaxBPM {
		return fmt.Errorf("%w: bpm %d outside %d..%d", clock.ErrInvalidTempo, bpm, p.MinBPM, p.MaxBPM)
	}
	barDur, err := p.BarDuration(bpm)
	if err != nil {
		return err
	}

	s.pat = p
	s.phase = 0
	s.bar = 0
	s.next = 0
	s.curBarDur = barDur
	s.lastNow = s.clk.Now()
	s.stopC = make(chan struct{})
	s.state = Playing
	s.tempo.setBPM(bpm)
	s.tempo.setPhase(0)
	s.tempo.setPaused(false)
	s.log.Infof("scheduler: started %s at %d bpm (%d steps/bar)", p.ID, bpm, p.StepsPerBar)
	return nil
}

// Pause freezes phase. Pausing while already paused is a no-op.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.state == Stopped {
		return ErrNotRunning
	}
	if s.state == Paused {
		return nil
	}
	// Integrate the playing tail up to this instant, then freeze.
	now := s.clk.Now()
	s.phase += (now - s.lastNow) / s.curBarDur
	s.lastNow = now
	s.tempo.setPhase(s.phase)
	s.state = Paused
	s.tempo.setPaused(true)
	s.wake()
	s.log.Debugf("scheduler: paused at phase %.4f", s.phase)
	return nil
}

// Resume continues from the exact fractional bar position Pause froze.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.state == Stopped {
		return ErrNotRunning
	}
	if s.state == Playing {
		return nil
	}
	s.state = Playing
	// Elapsed time restarts from the resume instant, not from the last
	// pause-idle poll, so none of the paused interval leaks into phase.
	s.lastNow = s.clk.Now()
	s.tempo.setPaused(false)
	s.wake()
	s.log.Debugf("scheduler: resumed at phase %.4f", s.phase)
	return nil
}

// SetTempo changes the tempo going forward. Out-of-range values clamp to
// the pattern's bounds; this is a live control, not a configuration load.
// The step currently in progress completes at the new rate; it is neither
// re-triggered nor skipped, because boundaries live in phase space.
func (s *Scheduler) SetTempo(bpm int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed != nil {
		return s.failed
	}
	if s.state == Stopped {
		return ErrNotRunning
	}
	clamped := s.pat.ClampBPM(bpm)
	if clamped != bpm {
		s.log.Debugf("scheduler: bpm %d clamped to %d", bpm, clamped)
	}
	s.tempo.setBPM(clamped)
	s.wake()
	return nil
}

// Stop discards phase and returns to Stopped. Stopping twice is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return nil
	}
	s.state = Stopped
	s.tempo.setPaused(false)
	close(s.stopC)
	s.log.Infof("scheduler: stopped after %.2f bars", s.phase)
	return nil
}

func (s *Scheduler) wake() {
	select {
	case s.wakeC <- struct{}{}:
	default:
	}
}

// Advance performs one scheduling quantum: integrate elapsed clock time
// into phase, emit every step boundary crossed (in order, as a catch-up
// burst if the pump was delayed), and report how long the pump may sleep
// until the next boundary. ok is false once the scheduler is stopped.
// Run pumps this; tests drive it directly against an artificial clock.
func (s *Scheduler) Advance() (sleep time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Stopped {
		return 0, false
	}

	if s.state == Paused {
		return pauseIdle, true
	}

	// Elapsed time accrued at the rate that was in effect while sleeping.
	now := s.clk.Now()
	s.phase += (now - s.lastNow) / s.curBarDur
	s.lastNow = now
	s.tempo.setPhase(s.phase)

	// Rate refresh applies to everything from here on.
	barDur, err := s.pat.BarDuration(s.tempo.BPM())
	if err == nil {
		s.curBarDur = barDur
	}

	for {
		boundary := float64(s.bar) + s.pat.Steps[s.next].T
		if s.phase < boundary {
			dt := (boundary - s.phase) * s.curBarDur
			return time.Duration(dt * float64(time.Second)), true
		}
		nominal := now - (s.phase-boundary)*s.curBarDur
		s.deliver(Tick{
			Bar:       s.bar,
			StepIndex: s.next,
			Timestamp: nominal,
			Step:      s.pat.Steps[s.next],
		})
		s.next++
		if s.next == len(s.pat.Steps) {
			s.next = 0
			s.bar++
		}
	}
}

func (s *Scheduler) deliver(t Tick) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, snk := range s.sinks {
		snk.Trigger(t)
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- t:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Run pumps Advance with adaptive sleeps until Stop is called or ctx is
// cancelled. It blocks; callers run it on its own goroutine. Each Start
// needs a fresh Run.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	stopC := s.stopC
	s.mu.Unlock()

	for {
		select {
		case <-stopC:
			return
		default:
		}

		sleep, ok := s.Advance()
		if !ok {
			return
		}
		if sleep <= 0 {
			continue
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.Stop()
			return
		case <-stopC:
			timer.Stop()
			return
		case <-s.wakeC:
			timer.Stop()
		case <-timer.C:
		}
	}
}
