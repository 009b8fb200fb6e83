package sched

import (
	"context"
	"errors"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strumline/strumline/internal/clock"
	"github.com/strumline/strumline/internal/pattern"
	"github.com/strumline/strumline/pkg/logger"
)

// fakeClock is a hand-cranked time source. Tests move it; the scheduler
// never sleeps for real.
type fakeClock struct {
	sec float64
}

func (f *fakeClock) now() time.Time {
	return time.Unix(0, 0).Add(time.Duration(f.sec * float64(time.Second)))
}

func (f *fakeClock) set(sec float64) { f.sec = sec }

// collectSink records every tick plus the fake-clock time it arrived at.
type collectSink struct {
	clk   *fakeClock
	ticks []Tick
	at    []float64
}

func (c *collectSink) Trigger(t Tick) {
	c.ticks = append(c.ticks, t)
	c.at = append(c.at, c.clk.sec)
}

type countSink struct {
	n atomic.Int64
}

func (c *countSink) Trigger(Tick) { c.n.Add(1) }

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: logger.ERROR, Output: io.Discard})
}

func newFakeScheduler(t *testing.T) (*Scheduler, *fakeClock, *collectSink) {
	t.Helper()
	clk := &fakeClock{}
	sink := &collectSink{clk: clk}
	s := New(WithClock(clock.NewAt(clk.now)), WithLogger(testLogger()), WithSink(sink))
	return s, clk, sink
}

// pump drives Advance against the fake clock until it passes deadline,
// waking a little late each time the way a real timer would.
func pump(t *testing.T, s *Scheduler, clk *fakeClock, deadline float64) {
	t.Helper()
	const overshoot = 200e-6
	for clk.sec < deadline {
		sleep, ok := s.Advance()
		if !ok {
			t.Fatalf("scheduler stopped at %.3fs while pumping to %.3fs", clk.sec, deadline)
		}
		clk.set(clk.sec + sleep.Seconds() + overshoot)
	}
}

func mustStart(t *testing.T, s *Scheduler, id string, bpm int) *pattern.Pattern {
	t.Helper()
	p, ok := pattern.Builtin(id)
	if !ok {
		t.Fatalf("no builtin pattern %q", id)
	}
	if err := s.Start(p, bpm); err != nil {
		t.Fatalf("Start(%s, %d): %v", id, bpm, err)
	}
	return p
}

func TestMinutePumpTickCountAndDrift(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	mustStart(t, s, "down_4", 120)

	// down_4 at 120 bpm: one step every 0.5s.
	pump(t, s, clk, 60.0)

	want := 120
	if got := len(sink.ticks); got < want-1 || got > want+1 {
		t.Fatalf("tick count over one minute = %d, want %d±1", got, want)
	}
	for i, tk := range sink.ticks {
		nominal := 0.5 * float64(i)
		if math.Abs(tk.Timestamp-nominal) > 1e-3 {
			t.Fatalf("tick %d: timestamp %.6f drifted from nominal %.6f", i, tk.Timestamp, nominal)
		}
		if late := sink.at[i] - tk.Timestamp; late < 0 || late > 1e-3 {
			t.Fatalf("tick %d: emitted %.6fs away from its boundary", i, late)
		}
	}
	if phase := s.Tempo().Phase(); math.Abs(phase-30.0) > 0.01 {
		t.Fatalf("phase after one minute = %.4f bars, want ~30", phase)
	}
}

func TestStepIndicesWrapInOrder(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	p := mustStart(t, s, "waltz_6", 120)

	pump(t, s, clk, 6.1)

	if len(sink.ticks) < 4*p.StepsPerBar {
		t.Fatalf("expected at least four bars of ticks, got %d", len(sink.ticks))
	}
	for i, tk := range sink.ticks {
		if tk.StepIndex < 0 || tk.StepIndex >= p.StepsPerBar {
			t.Fatalf("tick %d: step index %d out of range", i, tk.StepIndex)
		}
		if tk.StepIndex != i%p.StepsPerBar {
			t.Fatalf("tick %d: step index %d, want %d", i, tk.StepIndex, i%p.StepsPerBar)
		}
		if tk.Bar != i/p.StepsPerBar {
			t.Fatalf("tick %d: bar %d, want %d", i, tk.Bar, i/p.StepsPerBar)
		}
	}
}

func TestUnevenGridTickSpacing(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)

	// Four steps crowded into the front of the bar. At 120 bpm the bar
	// lasts 2s, so the boundaries land at 0, 0.4, 1.0 and 1.2s.
	p := &pattern.Pattern{
		ID:          "uneven_4",
		Name:        "Uneven Four",
		TimeSig:     pattern.TimeSig{4, 4},
		StepsPerBar: 4,
		Steps: []pattern.Step{
			{T: 0, Dir: pattern.Down, Technique: pattern.Open},
			{T: 0.2, Dir: pattern.Up, Technique: pattern.Open},
			{T: 0.5, Dir: pattern.Down, Technique: pattern.Open},
			{T: 0.6, Dir: pattern.Up, Technique: pattern.Open},
		},
		DefaultBPM: 120,
		MinBPM:     60,
		MaxBPM:     160,
	}
	if err := s.Start(p, 120); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pump(t, s, clk, 6.5)

	if len(sink.ticks) < 3*p.StepsPerBar {
		t.Fatalf("expected at least three bars of ticks, got %d", len(sink.ticks))
	}
	const barDur = 2.0
	for i, tk := range sink.ticks {
		nominal := barDur*float64(i/4) + barDur*p.Steps[i%4].T
		if math.Abs(tk.Timestamp-nominal) > 1e-6 {
			t.Fatalf("tick %d: timestamp %.6f, want boundary %.6f", i, tk.Timestamp, nominal)
		}
		if tk.Step.T != p.Steps[i%4].T {
			t.Fatalf("tick %d: carries step t=%v, want t=%v", i, tk.Step.T, p.Steps[i%4].T)
		}
	}

	// Step durations cycle 0.4, 0.6, 0.2 and 0.8s, the long gap spanning
	// the bar wrap.
	want := []float64{0.4, 0.6, 0.2, 0.8}
	for i := 1; i < len(sink.ticks); i++ {
		d := sink.ticks[i].Timestamp - sink.ticks[i-1].Timestamp
		if math.Abs(d-want[(i-1)%4]) > 1e-6 {
			t.Fatalf("spacing %d = %.4f, want %.4f", i, d, want[(i-1)%4])
		}
	}
}

func TestPauseResumeKeepsPhase(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	mustStart(t, s, "down_4", 120)

	// Two steps in, then freeze mid-way through the second beat.
	if _, ok := s.Advance(); !ok {
		t.Fatal("scheduler stopped unexpectedly")
	}
	clk.set(0.5)
	s.Advance()
	if len(sink.ticks) != 2 {
		t.Fatalf("got %d ticks before pause, want 2", len(sink.ticks))
	}

	clk.set(0.75)
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	s.Advance()
	if got := s.Tempo().Phase(); math.Abs(got-0.375) > 1e-9 {
		t.Fatalf("phase frozen at %.9f, want 0.375", got)
	}
	if !s.Tempo().Paused() {
		t.Fatal("TempoState.Paused() = false while paused")
	}

	// Five seconds of wall time pass; phase must not move.
	clk.set(5.75)
	s.Advance()
	if len(sink.ticks) != 2 {
		t.Fatalf("ticks emitted while paused: %d", len(sink.ticks)-2)
	}
	if got := s.Tempo().Phase(); math.Abs(got-0.375) > 1e-9 {
		t.Fatalf("phase moved to %.9f during pause", got)
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	sleep, _ := s.Advance()
	if math.Abs(sleep.Seconds()-0.25) > 1e-6 {
		t.Fatalf("sleep to next boundary after resume = %v, want 250ms", sleep)
	}

	// Unpaused, the third step was due at t=1.0; the 5s pause shifts it to 6.0.
	clk.set(6.0)
	s.Advance()
	if len(sink.ticks) != 3 {
		t.Fatalf("got %d ticks after resume, want 3", len(sink.ticks))
	}
	tk := sink.ticks[2]
	if tk.StepIndex != 2 || tk.Bar != 0 {
		t.Fatalf("tick after resume = bar %d step %d, want bar 0 step 2", tk.Bar, tk.StepIndex)
	}
	if math.Abs(tk.Timestamp-6.0) > 1e-9 {
		t.Fatalf("tick after resume at %.9f, want 6.0", tk.Timestamp)
	}
}

func TestTempoChangeMidBarNoSkipNoDup(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	p := mustStart(t, s, "rock_8", 92)

	// Four steps at 92 bpm, then jump to 120 near the half-bar point.
	pump(t, s, clk, 1.2)
	if len(sink.ticks) != 4 {
		t.Fatalf("got %d ticks before tempo change, want 4", len(sink.ticks))
	}
	if err := s.SetTempo(120); err != nil {
		t.Fatalf("SetTempo: %v", err)
	}
	if got := s.Tempo().BPM(); got != 120 {
		t.Fatalf("BPM after change = %d, want 120", got)
	}
	pump(t, s, clk, 3.2)

	if len(sink.ticks) < 12 {
		t.Fatalf("got %d ticks total, want at least 12", len(sink.ticks))
	}
	for i, tk := range sink.ticks {
		if tk.StepIndex != i%p.StepsPerBar || tk.Bar != i/p.StepsPerBar {
			t.Fatalf("tick %d: bar %d step %d, a step was skipped or repeated across the tempo change",
				i, tk.Bar, tk.StepIndex)
		}
	}

	oldSpacing := 60.0 / 92.0 * 4.0 / 8.0 // ≈ 0.326s
	newSpacing := 2.0 / 8.0               // 0.25s
	for i := 1; i < 4; i++ {
		d := sink.ticks[i].Timestamp - sink.ticks[i-1].Timestamp
		if math.Abs(d-oldSpacing) > 1e-3 {
			t.Fatalf("pre-change spacing %d = %.4f, want %.4f", i, d, oldSpacing)
		}
	}
	for i := 6; i < len(sink.ticks); i++ {
		d := sink.ticks[i].Timestamp - sink.ticks[i-1].Timestamp
		if math.Abs(d-newSpacing) > 1e-3 {
			t.Fatalf("post-change spacing %d = %.4f, want %.4f", i, d, newSpacing)
		}
	}
}

func TestSetTempoClampsToPatternRange(t *testing.T) {
	s, _, _ := newFakeScheduler(t)
	p := mustStart(t, s, "down_4", 120)

	if err := s.SetTempo(999); err != nil {
		t.Fatalf("SetTempo(999): %v", err)
	}
	if got := s.Tempo().BPM(); got != p.MaxBPM {
		t.Fatalf("BPM = %d, want clamped to %d", got, p.MaxBPM)
	}
	if err := s.SetTempo(1); err != nil {
		t.Fatalf("SetTempo(1): %v", err)
	}
	if got := s.Tempo().BPM(); got != p.MinBPM {
		t.Fatalf("BPM = %d, want clamped to %d", got, p.MinBPM)
	}
}

func TestCatchUpBurstOrdered(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	mustStart(t, s, "down_4", 120)

	// The pump stalls for 2.6 seconds; one Advance must make up every
	// missed step, in order.
	clk.set(2.6)
	s.Advance()

	if len(sink.ticks) != 6 {
		t.Fatalf("catch-up burst emitted %d ticks, want 6", len(sink.ticks))
	}
	for i, tk := range sink.ticks {
		if tk.StepIndex != i%4 || tk.Bar != i/4 {
			t.Fatalf("burst tick %d: bar %d step %d", i, tk.Bar, tk.StepIndex)
		}
		if math.Abs(tk.Timestamp-0.5*float64(i)) > 1e-6 {
			t.Fatalf("burst tick %d: timestamp %.6f, want %.1f", i, tk.Timestamp, 0.5*float64(i))
		}
		if i > 0 && tk.Timestamp <= sink.ticks[i-1].Timestamp {
			t.Fatalf("burst tick %d out of order", i)
		}
	}
}

func TestSubscriptionDropsWhenFull(t *testing.T) {
	s, clk, sink := newFakeScheduler(t)
	sub := s.Subscribe(2)
	mustStart(t, s, "down_4", 120)

	clk.set(2.6)
	s.Advance()

	if got := len(sink.ticks); got != 6 {
		t.Fatalf("sink got %d ticks, want 6", got)
	}
	if got := len(sub.C); got != 2 {
		t.Fatalf("subscription buffered %d ticks, want 2", got)
	}
	first, second := <-sub.C, <-sub.C
	if first.StepIndex != 0 || second.StepIndex != 1 {
		t.Fatalf("subscription kept steps %d,%d, want the oldest ticks to survive, not the newest",
			first.StepIndex, second.StepIndex)
	}
	if got := sub.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}

	sub.Close()
	sub.Close() // closing twice must not panic
	if _, open := <-sub.C; open {
		t.Fatal("channel still open after Close")
	}
}

func TestLifecycleErrors(t *testing.T) {
	s, _, _ := newFakeScheduler(t)

	if got := s.State(); got != Stopped {
		t.Fatalf("fresh scheduler state = %v, want stopped", got)
	}
	if err := s.SetTempo(100); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SetTempo while stopped: %v", err)
	}
	if err := s.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause while stopped: %v", err)
	}
	if err := s.Resume(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Resume while stopped: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop while stopped: %v", err)
	}

	p, _ := pattern.Builtin("down_4")
	if err := s.Start(p, 30); !errors.Is(err, clock.ErrInvalidTempo) {
		t.Fatalf("Start below MinBPM: %v", err)
	}
	if got := s.State(); got != Stopped {
		t.Fatalf("state after rejected start = %v", got)
	}

	// A tempo rejection is recoverable; the same instance starts fine.
	if err := s.Start(p, 120); err != nil {
		t.Fatalf("Start after tempo rejection: %v", err)
	}
	if err := s.Start(p, 120); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause twice: %v", err)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop twice: %v", err)
	}
	if s.Tempo().Paused() {
		t.Fatal("paused flag survived Stop")
	}
}

func TestInvalidPatternIsFatalToInstance(t *testing.T) {
	s, _, _ := newFakeScheduler(t)

	bad := &pattern.Pattern{
		ID:          "bad",
		TimeSig:     pattern.TimeSig{4, 4},
		StepsPerBar: 2,
		Steps: []pattern.Step{
			{T: 0.5, Dir: pattern.Down, Technique: pattern.Open},
			{T: 0.25, Dir: pattern.Down, Technique: pattern.Open},
		},
		DefaultBPM: 100,
		MinBPM:     60,
		MaxBPM:     140,
	}
	if err := s.Start(bad, 100); !errors.Is(err, pattern.ErrInvariant) {
		t.Fatalf("Start with malformed pattern: %v", err)
	}

	// The instance is dead: even a valid pattern is refused now.
	good, _ := pattern.Builtin("down_4")
	if err := s.Start(good, 120); !errors.Is(err, pattern.ErrInvariant) {
		t.Fatalf("Start after fatal error: %v", err)
	}
	if err := s.SetTempo(100); !errors.Is(err, pattern.ErrInvariant) {
		t.Fatalf("SetTempo after fatal error: %v", err)
	}

	// Fresh instances are unaffected.
	s2, _, _ := newFakeScheduler(t)
	if err := s2.Start(good, 120); err != nil {
		t.Fatalf("fresh scheduler rejected valid pattern: %v", err)
	}
}

func TestRunRealClock(t *testing.T) {
	sink := &countSink{}
	s := New(WithLogger(testLogger()), WithSink(sink))
	mustStart(t, s, "down_4", 120)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(250 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	// The first step fires immediately on start, so at least one tick
	// must have landed.
	if got := sink.n.Load(); got < 1 {
		t.Fatalf("no ticks over 250ms of real playback (got %d)", got)
	}
	if got := s.State(); got != Stopped {
		t.Fatalf("state after cancelled Run = %v, want stopped", got)
	}
}
