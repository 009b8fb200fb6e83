// Package service wires the trainer together behind one API: the pattern
// library, the tick scheduler driving the audio engine, onset detection,
// latency calibration and the sqlite practice history. Frontends (CLI,
// HTTP server) talk only to this package.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/strumline/strumline/internal/audio"
	"github.com/strumline/strumline/internal/calib"
	"github.com/strumline/strumline/internal/engine"
	"github.com/strumline/strumline/internal/eval"
	"github.com/strumline/strumline/internal/onset"
	"github.com/strumline/strumline/internal/pattern"
	"github.com/strumline/strumline/internal/sched"
	"github.com/strumline/strumline/internal/storage"
	"github.com/strumline/strumline/pkg/logger"
)

var (
	ErrUnknownPattern = errors.New("unknown pattern")
	ErrSessionActive  = errors.New("a practice session is already active")
)

// PracticeService is the application core. At most one practice session is
// live at a time; grading and calibration work with or without one.
type PracticeService struct {
	cfg *Config
	log *logger.Logger
	db  *storage.DBClient
	lib *pattern.Library
	eng *engine.Engine
	cal *calib.Calibrator

	mu     sync.Mutex
	active *Session
}

// NewPracticeService builds the service from options. The engine may come up
// degraded (no audio device); that is logged, not fatal.
func NewPracticeService(opts ...Option) (*PracticeService, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	var (
		db  *storage.DBClient
		err error
	)
	if cfg.DBPath != "" {
		db, err = storage.NewDBClientWithPath(cfg.DBPath)
	} else {
		db, err = storage.NewDBClient()
	}
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	lib := pattern.NewLibrary()
	if cfg.PatternDir != "" {
		n, err := lib.MergeDir(cfg.PatternDir)
		if err != nil {
			log.Warnf("Pattern dir %s rejected: %v", cfg.PatternDir, err)
		} else if n > 0 {
			log.Infof("Merged %d user pattern(s) from %s", n, cfg.PatternDir)
		}
	}

	eng := engine.New(engine.Config{
		SampleRate: cfg.SampleRate,
		SampleDir:  cfg.SampleDir,
		NoDevice:   cfg.NoDevice,
	}, log)
	cal := calib.New(cfg.CalibQuorum, cfg.CalibWindow)

	s := &PracticeService{cfg: cfg, log: log, db: db, lib: lib, eng: eng, cal: cal}

	// Re-adopt the last measured latency so grading stays calibrated across
	// restarts.
	if c, err := db.LatestCalibration(); err != nil {
		log.Warnf("Failed to restore calibration: %v", err)
	} else if c != nil {
		cal.SetOffset(c.Offset)
		log.Infof("Restored calibration offset %+.1f ms (%d pair(s))", c.Offset*1000, c.Matched)
	}

	return s, nil
}

// Patterns lists every available pattern, built-ins merged with the user
// library, sorted by id.
func (s *PracticeService) Patterns() []*pattern.Pattern { return s.lib.List() }

// Pattern resolves one pattern by id.
func (s *PracticeService) Pattern(id string) (*pattern.Pattern, bool) { return s.lib.Get(id) }

// Engine exposes the audio engine for volume control and degradation events.
func (s *PracticeService) Engine() *engine.Engine { return s.eng }

// CalibrationOffset returns the offset grading currently subtracts, and
// whether one has been measured at all.
func (s *PracticeService) CalibrationOffset() (float64, bool) { return s.cal.Offset() }

// Active returns the live session, or nil.
func (s *PracticeService) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Session is one live practice run: a scheduler pumping the performer, plus
// the history row recording it. Obtain one from StartPractice.
type Session struct {
	ID      string
	Pattern *pattern.Pattern

	svc  *PracticeService
	sch  *sched.Scheduler
	perf *engine.Performer
	done chan struct{}
	fin  sync.Once
}

// Tempo exposes the lock-free playback state (bpm, bar phase, paused).
func (ss *Session) Tempo() *sched.TempoState { return ss.sch.Tempo() }

// State returns the scheduler lifecycle state.
func (ss *Session) State() sched.State { return ss.sch.State() }

// Pause freezes playback at the current bar phase.
func (ss *Session) Pause() error { return ss.sch.Pause() }

// Resume continues from the exact phase Pause froze.
func (ss *Session) Resume() error { return ss.sch.Resume() }

// SetTempo changes the tempo live; out-of-range values clamp.
func (ss *Session) SetTempo(bpm int) error { return ss.sch.SetTempo(bpm) }

// Performer exposes the click/strum voice toggles.
func (ss *Session) Performer() *engine.Performer { return ss.perf }

// Subscribe returns a buffered tick stream for UI consumers.
func (ss *Session) Subscribe(buffer int) *sched.Subscription { return ss.sch.Subscribe(buffer) }

// Stop ends the run and waits for the history row to close.
func (ss *Session) Stop() error {
	if err := ss.sch.Stop(); err != nil {
		return err
	}
	<-ss.done
	return nil
}

// Wait blocks until the run loop has exited, however it was stopped.
func (ss *Session) Wait() { <-ss.done }

func (ss *Session) finalize() {
	ss.fin.Do(func() {
		bars := ss.sch.Tempo().Phase()
		if ss.ID != "" {
			if err := ss.svc.db.EndSession(ss.ID, bars); err != nil {
				ss.svc.log.Warnf("Failed to close session %s: %v", ss.ID, err)
			}
		}
		ss.svc.clearActive(ss)
		ss.svc.log.Infof("Practice ended after %.2f bars", bars)
		close(ss.done)
	})
}

func (s *PracticeService) clearActive(sess *Session) {
	s.mu.Lock()
	if s.active == sess {
		s.active = nil
	}
	s.mu.Unlock()
}

// StartPractice begins looping patternID at bpm (0 selects the pattern's
// default) and returns the live session handle. Playback stops when the
// caller invokes Stop or cancels ctx. History failures are logged and
// swallowed: a broken database must never silence the metronome.
func (s *PracticeService) StartPractice(ctx context.Context, patternID string, bpm int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrSessionActive
	}

	// 1. Resolve the pattern and tempo.
	p, ok := s.lib.Get(patternID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, patternID)
	}
	if bpm <= 0 {
		bpm = p.DefaultBPM
	}

	// 2. Wire a fresh scheduler to the performer and start it.
	perf := engine.NewPerformer(s.eng, p)
	sch := sched.New(sched.WithLogger(s.log), sched.WithSink(perf))
	if err := sch.Start(p, bpm); err != nil {
		return nil, fmt.Errorf("starting playback: %w", err)
	}

	// 3. Record the run.
	id, err := s.db.CreateSession(p.ID, sch.Tempo().BPM())
	if err != nil {
		s.log.Warnf("Failed to record session start: %v", err)
		id = ""
	}

	sess := &Session{ID: id, Pattern: p, svc: s, sch: sch, perf: perf, done: make(chan struct{})}
	s.active = sess

	// 4. Pump the schedule until Stop or ctx cancellation.
	go func() {
		sch.Run(ctx)
		sess.finalize()
	}()

	s.log.Infof("Practice started: %s (%s) at %d bpm", p.ID, p.Name, sch.Tempo().BPM())
	return sess, nil
}

// ensureWAV hands back a readable WAV path for a capture, converting through
// ffmpeg when the extension says it is something else.
func (s *PracticeService) ensureWAV(ctx context.Context, path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return path, nil
	}
	return audio.ConvertToMonoWAV(ctx, path, s.cfg.TempDir, s.cfg.SampleRate)
}

// GradeTake grades one recorded take of patternID at bpm (0 selects the
// pattern's default) and files the report. The capture may be any format
// ffmpeg reads.
func (s *PracticeService) GradeTake(ctx context.Context, patternID string, bpm int, capturePath string) (*eval.Report, error) {
	p, ok := s.lib.Get(patternID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, patternID)
	}
	if bpm <= 0 {
		bpm = p.DefaultBPM
	}
	s.log.Infof("Grading take %s against %s at %d bpm", capturePath, p.ID, bpm)

	// 1. Normalize the capture to WAV.
	wavPath, err := s.ensureWAV(ctx, capturePath)
	if err != nil {
		return nil, fmt.Errorf("audio conversion failed: %w", err)
	}

	// 2. Read samples.
	samples, rate, err := audio.ReadWAVMono(wavPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture: %w", err)
	}

	// 3. Detect onsets.
	stream, err := onset.Detect(samples, rate, s.cfg.Onset)
	if err != nil {
		return nil, fmt.Errorf("onset detection failed: %w", err)
	}
	events := stream.Events()
	s.log.Infof("Detected %d onset(s)", len(events))

	// 4. Evaluate under the current calibration offset.
	offset, _ := s.cal.Offset()
	take := eval.Take{Onsets: events, Duration: float64(len(samples)) / float64(rate)}
	report, err := eval.Evaluate(p, bpm, take, offset, s.cfg.Eval)
	if err != nil {
		return nil, fmt.Errorf("evaluation failed: %w", err)
	}

	// 5. File the report; history failure never voids a grade.
	s.persistReport(report, capturePath)

	s.log.Infof("Graded: %d hit / %d early / %d late / %d missed, accuracy %.0f%%",
		report.Hits, report.Early, report.Late, report.Misses, report.Accuracy*100)
	return report, nil
}

func (s *PracticeService) persistReport(r *eval.Report, capturePath string) {
	s.mu.Lock()
	sessionID := ""
	if s.active != nil {
		sessionID = s.active.ID
	}
	s.mu.Unlock()

	row := &storage.TakeReport{
		SessionID:   sessionID,
		PatternID:   r.PatternID,
		BPM:         r.BPM,
		Hits:        r.Hits,
		Early:       r.Early,
		Late:        r.Late,
		Misses:      r.Misses,
		MeanLag:     r.MeanLag,
		MeanAbsLag:  r.MeanAbsLag,
		LagStdDev:   r.LagStdDev,
		Accuracy:    r.Accuracy,
		TotalOnsets: r.TotalOnsets,
		Unclaimed:   r.Unclaimed,
		Duration:    r.Duration,
		CapturePath: capturePath,
	}
	if err := s.db.SaveReport(row); err != nil {
		s.log.Warnf("Failed to save report: %v", err)
	}
}

// Calibrate measures the fixed capture latency from a recording of a known
// click schedule and adopts it for future grading. clicks are the emission
// times in seconds from capture start. On a failed quorum the previous
// offset stays in force and the error reports why.
func (s *PracticeService) Calibrate(ctx context.Context, capturePath string, clicks []float64) (float64, error) {
	s.log.Infof("Calibrating from %s against %d click(s)", capturePath, len(clicks))

	// 1. Normalize the capture to WAV.
	wavPath, err := s.ensureWAV(ctx, capturePath)
	if err != nil {
		return 0, fmt.Errorf("audio conversion failed: %w", err)
	}

	// 2. Read samples.
	samples, rate, err := audio.ReadWAVMono(wavPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read capture: %w", err)
	}

	// 3. Detect onsets.
	stream, err := onset.Detect(samples, rate, s.cfg.Onset)
	if err != nil {
		return 0, fmt.Errorf("onset detection failed: %w", err)
	}
	events := stream.Events()

	// 4. Pair detections against the schedule and adopt the mean offset.
	offset, err := s.cal.Calibrate(clicks, events)
	if err != nil {
		return 0, err
	}

	// 5. Persist for the next process.
	if err := s.db.SaveCalibration(offset, s.cal.Matched()); err != nil {
		s.log.Warnf("Failed to save calibration: %v", err)
	}

	s.log.Infof("Calibration offset %+.1f ms from %d pair(s)", offset*1000, s.cal.Matched())
	return offset, nil
}

// History returns recent graded takes, newest first, optionally filtered by
// pattern id.
func (s *PracticeService) History(patternID string, limit int) ([]storage.TakeReport, error) {
	return s.db.ListReports(patternID, limit)
}

// Sessions returns recent practice sessions, newest first.
func (s *PracticeService) Sessions(limit int) ([]storage.PracticeSession, error) {
	return s.db.ListSessions(limit)
}

// SessionReports returns the takes graded during one session, oldest first.
func (s *PracticeService) SessionReports(sessionID string) ([]storage.TakeReport, error) {
	return s.db.ReportsBySession(sessionID)
}

// Stats reports history row counts for monitoring surfaces.
func (s *PracticeService) Stats() (sessions, reports int64, err error) {
	if sessions, err = s.db.CountSessions(); err != nil {
		return 0, 0, err
	}
	if reports, err = s.db.CountReports(); err != nil {
		return 0, 0, err
	}
	return sessions, reports, nil
}

// Close stops any live session and releases the device and the database.
func (s *PracticeService) Close() error {
	s.mu.Lock()
	act := s.active
	s.mu.Unlock()
	if act != nil {
		if err := act.Stop(); err != nil {
			s.log.Warnf("Failed to stop session on close: %v", err)
		}
	}
	if err := s.eng.Close(); err != nil {
		s.log.Warnf("Failed to close audio device: %v", err)
	}
	return s.db.Close()
}
