package engine

import (
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/strumline/strumline/internal/audio"
	"github.com/strumline/strumline/pkg/logger"
)

// Bank holds the mono samples the engine can voice, keyed by SampleID.
// Each voice loads from <dir>/<id>.wav when present and falls back to a
// built-in synthesized version, so the kit is always complete.
type Bank struct {
	rate     int
	samples  map[SampleID][]float64
	fromDisk int
}

var bankIDs = []SampleID{
	ClickHigh, ClickLow, ClickAccent,
	StrumDown, StrumUp, StrumDownAccent, StrumUpAccent,
}

// LoadBank assembles the full kit at the given sample rate. dir may be
// empty for an all-synthesized bank.
func LoadBank(dir string, rate int, log *logger.Logger) *Bank {
	if log == nil {
		log = logger.GetLogger()
	}
	b := &Bank{rate: rate, samples: make(map[SampleID][]float64, len(bankIDs))}
	for _, id := range bankIDs {
		if dir != "" {
			path := filepath.Join(dir, string(id)+".wav")
			samples, fileRate, err := audio.ReadWAVMono(path)
			if err == nil {
				b.samples[id] = audio.Resample(samples, fileRate, rate)
				b.fromDisk++
				continue
			}
			if !errors.Is(err, os.ErrNotExist) {
				log.Warnf("bank: %s unreadable, synthesizing instead: %v", path, err)
			}
		}
		b.samples[id] = synthesize(id, rate)
	}
	if b.fromDisk > 0 {
		log.Infof("bank: %d voice(s) from %s, %d synthesized", b.fromDisk, dir, len(bankIDs)-b.fromDisk)
	}
	return b
}

// Sample returns the voice for id.
func (b *Bank) Sample(id SampleID) ([]float64, bool) {
	s, ok := b.samples[id]
	return s, ok
}

// FromDisk reports how many voices were loaded from WAV files rather than
// synthesized.
func (b *Bank) FromDisk() int { return b.fromDisk }

// Synthesized fallback voices. Deterministic, so repeated runs (and tests)
// hear the same kit.
func synthesize(id SampleID, rate int) []float64 {
	switch id {
	case ClickHigh:
		return synthClick(rate, 800, 0.9, 0.025)
	case ClickLow:
		return synthClick(rate, 400, 0.6, 0.025)
	case ClickAccent:
		return synthClick(rate, 400, 0.85, 0.035)
	case StrumDown:
		return synthStrum(rate, 1200, 0.55, 0.110, 11)
	case StrumUp:
		return synthStrum(rate, 2000, 0.45, 0.085, 12)
	case StrumDownAccent:
		return synthStrum(rate, 1200, 0.80, 0.130, 13)
	case StrumUpAccent:
		return synthStrum(rate, 2000, 0.65, 0.100, 14)
	default:
		return nil
	}
}

// synthClick renders a decaying sine ping.
func synthClick(rate int, freq, amp, dur float64) []float64 {
	n := int(dur * float64(rate))
	out := make([]float64, n)
	tau := dur / 3
	for i := range out {
		t := float64(i) / float64(rate)
		out[i] = amp * math.Exp(-t/tau) * math.Sin(2*math.Pi*freq*t)
	}
	return out
}

// synthStrum renders a low-passed noise burst: a percussive stand-in for a
// recorded strum. Higher cutoff reads as an upstroke.
func synthStrum(rate int, cutoff, amp, dur float64, seed int64) []float64 {
	n := int(dur * float64(rate))
	out := make([]float64, n)
	rng := rand.New(rand.NewSource(seed))
	alpha := 1 - math.Exp(-2*math.Pi*cutoff/float64(rate))
	tau := dur / 4
	lp := 0.0
	for i := range out {
		t := float64(i) / float64(rate)
		w := rng.Float64()*2 - 1
		lp += alpha * (w - lp)
		out[i] = amp * math.Exp(-t/tau) * lp
	}
	return out
}
