// Package onset finds strum onsets in a capture buffer using spectral flux:
// frame-to-frame positive change in the magnitude spectrum, peak-picked
// against an adaptive threshold.
package onset

import (
	"errors"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// Tunables
const (
	WindowSize = 1024
	HopSize    = 256
)

// Config controls the detector. Zero fields fall back to package defaults.
type Config struct {
	WindowSize int
	HopSize    int
	// ThresholdWindow is how many trailing novelty frames feed the rolling
	// mean the threshold adapts to.
	ThresholdWindow int
	// ThresholdMargin is added on top of the rolling mean, in normalized
	// novelty units.
	ThresholdMargin float64
	// MinSpacing is the minimum separation between reported onsets in
	// seconds. A strum is not two strums because it rattled.
	MinSpacing float64
}

// DefaultConfig returns the detector configuration used in production.
func DefaultConfig() Config {
	return Config{
		WindowSize:      WindowSize,
		HopSize:         HopSize,
		ThresholdWindow: 20,
		ThresholdMargin: 0.08,
		MinSpacing:      0.05,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize == 0 {
		c.WindowSize = d.WindowSize
	}
	if c.HopSize == 0 {
		c.HopSize = d.HopSize
	}
	if c.ThresholdWindow == 0 {
		c.ThresholdWindow = d.ThresholdWindow
	}
	if c.ThresholdMargin == 0 {
		c.ThresholdMargin = d.ThresholdMargin
	}
	if c.MinSpacing == 0 {
		c.MinSpacing = d.MinSpacing
	}
	return c
}

func (c Config) validate() error {
	if c.WindowSize < 2 {
		return errors.New("window size must be at least 2")
	}
	if c.HopSize <= 0 {
		return errors.New("hop size must be positive")
	}
	if c.ThresholdWindow < 0 || c.ThresholdMargin < 0 || c.MinSpacing < 0 {
		return errors.New("threshold parameters must be non-negative")
	}
	return nil
}

// Event is one detected onset: when it happened (seconds from the start of
// the capture) and its normalized strength in (0, 1].
type Event struct {
	Time     float64 `json:"time"`
	Strength float64 `json:"strength"`
}

// Hamming returns a Hamming window of length n.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		// Hamming: 0.54 - 0.46*cos(2*pi*n/(N-1))
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// magnitudes returns the positive-frequency magnitude spectrum of one
// windowed frame.
func magnitudes(frame []float64) []float64 {
	spectrum := fft.FFTReal(frame)
	half := len(spectrum) / 2
	mag := make([]float64, half)
	for i := 0; i < half; i++ {
		mag[i] = cmplx.Abs(spectrum[i])
	}
	return mag
}

// NoveltyCurve computes the spectral flux of the capture, one value per STFT
// frame, normalized so the largest flux is 1. Input shorter than one window
// yields an empty curve.
func NoveltyCurve(samples []float64, sampleRate int, cfg Config) ([]float64, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(samples) < cfg.WindowSize {
		return []float64{}, nil
	}

	window := Hamming(cfg.WindowSize)
	frame := make([]float64, cfg.WindowSize)
	var prev []float64
	flux := make([]float64, 0, len(samples)/cfg.HopSize)

	for start := 0; start+cfg.WindowSize <= len(samples); start += cfg.HopSize {
		copy(frame, samples[start:start+cfg.WindowSize])
		for i := range frame {
			frame[i] *= window[i]
		}
		mag := magnitudes(frame)

		if prev == nil {
			flux = append(flux, 0)
		} else {
			sum := 0.0
			for k := range mag {
				if d := mag[k] - prev[k]; d > 0 {
					sum += d
				}
			}
			flux = append(flux, sum)
		}
		prev = mag
	}

	maxFlux := 0.0
	for _, v := range flux {
		if v > maxFlux {
			maxFlux = v
		}
	}
	if maxFlux > 0 {
		for i := range flux {
			flux[i] /= maxFlux
		}
	}
	return flux, nil
}

// Detect runs the detector over a capture buffer and returns the onset
// stream. Silence, or input shorter than one analysis window, yields an
// empty stream rather than an error.
func Detect(samples []float64, sampleRate int, cfg Config) (*Stream, error) {
	cfg = cfg.withDefaults()
	novelty, err := NoveltyCurve(samples, sampleRate, cfg)
	if err != nil {
		return nil, err
	}
	return &Stream{
		novelty:   novelty,
		threshold: rollingThreshold(novelty, cfg.ThresholdWindow, cfg.ThresholdMargin),
		frameTime: float64(cfg.HopSize) / float64(sampleRate),
		minGap:    cfg.MinSpacing,
	}, nil
}

// rollingThreshold returns, per frame, the mean novelty over the trailing
// window (current frame plus up to `window` before it) plus the margin.
func rollingThreshold(novelty []float64, window int, margin float64) []float64 {
	th := make([]float64, len(novelty))
	sum := 0.0
	for i, v := range novelty {
		sum += v
		if i > window {
			sum -= novelty[i-window-1]
		}
		n := i + 1
		if n > window+1 {
			n = window + 1
		}
		th[i] = sum/float64(n) + margin
	}
	return th
}

// Stream is a lazy, finite, restartable sequence of onsets in time order.
// The novelty curve is computed once up front; peaks are picked on demand
// as the stream is consumed.
type Stream struct {
	novelty   []float64
	threshold []float64
	frameTime float64
	minGap    float64

	pos      int
	lastTime float64
	emitted  bool
}

// Next returns the next onset, or ok=false when the stream is exhausted.
func (s *Stream) Next() (Event, bool) {
	for i := s.pos; i < len(s.novelty); i++ {
		if i == 0 || i+1 >= len(s.novelty) {
			continue
		}
		v := s.novelty[i]
		if v <= s.threshold[i] {
			continue
		}
		// Local maximum; a plateau yields its last frame only.
		if v < s.novelty[i-1] || v <= s.novelty[i+1] {
			continue
		}
		tm := float64(i) * s.frameTime
		if s.emitted && tm-s.lastTime < s.minGap {
			continue
		}
		s.pos = i + 1
		s.lastTime = tm
		s.emitted = true
		return Event{Time: tm, Strength: v}, true
	}
	s.pos = len(s.novelty)
	return Event{}, false
}

// Reset rewinds the stream to the beginning without recomputation.
func (s *Stream) Reset() {
	s.pos = 0
	s.lastTime = 0
	s.emitted = false
}

// Events drains a copy of the stream from the start and returns all onsets.
// The stream's own position is left untouched.
func (s *Stream) Events() []Event {
	c := *s
	c.Reset()
	var out []Event
	for {
		e, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}
