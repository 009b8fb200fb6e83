// Package engine is the audio output side of the trainer: a sample bank,
// a lock-free mix-down feeding the device callback, and the trigger API
// the scheduler's sink drives. A missing or failing output device degrades
// playback to silence but never takes scheduling down with it.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/strumline/strumline/pkg/logger"
)

// SampleID identifies a voice in the bank.
type SampleID string

const (
	ClickHigh       SampleID = "click_high"
	ClickLow        SampleID = "click_low"
	ClickAccent     SampleID = "click_accent"
	StrumDown       SampleID = "strum_down"
	StrumUp         SampleID = "strum_up"
	StrumDownAccent SampleID = "strum_down_accent"
	StrumUpAccent   SampleID = "strum_up_accent"
)

// accentVariant maps a voice to the sample substituted when a trigger's
// accent crosses accentSwap.
var accentVariant = map[SampleID]SampleID{
	ClickLow:  ClickAccent,
	StrumDown: StrumDownAccent,
	StrumUp:   StrumUpAccent,
}

// Channel is a gain group. Click and Strum scale their voices; Master
// scales the final mix.
type Channel int

const (
	Click Channel = iota
	Strum
	Master
)

func (c Channel) String() string {
	switch c {
	case Click:
		return "click"
	case Strum:
		return "strum"
	case Master:
		return "master"
	default:
		return "unknown"
	}
}

// Tunables.
const (
	DefaultSampleRate = 44100
	// AccentGain scales a trigger's gain by (1 + AccentGain·accent).
	AccentGain = 0.3
	// accentSwap is the accent level past which the accented sample
	// variant takes over.
	accentSwap = 0.5
)

// Config configures an Engine.
type Config struct {
	SampleRate int
	// SampleDir holds optional <id>.wav overrides for the built-in voices.
	SampleDir string
	// NoDevice mixes without opening an output device. Grading-only runs
	// and tests use this.
	NoDevice bool
}

// DegradedEvent reports that playback quality dropped while operation
// continued.
type DegradedEvent struct {
	Reason string
	At     time.Time
}

// Engine mixes triggered samples down to the output device. It implements
// io.Reader; the device pulls signed 16-bit little-endian mono from Read.
type Engine struct {
	cfg    Config
	log    *logger.Logger
	bank   *Bank
	mix    *mixer
	dev    *device
	events chan DegradedEvent
	drops  atomic.Uint64
	closed atomic.Bool
}

// New builds the engine and tries to attach the output device. Device
// failure is not fatal: the engine comes up degraded (silent) and keeps
// accepting triggers, so callers treat the error channel as advisory.
func New(cfg Config, log *logger.Logger) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if log == nil {
		log = logger.GetLogger()
	}
	e := &Engine{
		cfg:    cfg,
		log:    log,
		mix:    newMixer(),
		events: make(chan DegradedEvent, 16),
	}
	e.bank = LoadBank(cfg.SampleDir, cfg.SampleRate, log)
	if !cfg.NoDevice {
		dev, err := openDevice(cfg.SampleRate, e)
		if err != nil {
			e.degrade("audio device unavailable")
			e.log.Errorf("engine: audio device unavailable, continuing silent: %v", err)
		} else {
			e.dev = dev
			e.log.Infof("engine: output device up at %d Hz", cfg.SampleRate)
		}
	}
	return e
}

// Read implements io.Reader for the output device. This is the real-time
// callback path.
func (e *Engine) Read(p []byte) (int, error) { return e.mix.Read(p) }

// Trigger schedules a sample at the given per-trigger volume, with accent
// in [0,1] raising the gain and, past the swap point, selecting the
// accented sample variant. It never blocks: when the admission queue is
// full the trigger is dropped and a degraded event is emitted instead.
func (e *Engine) Trigger(id SampleID, volume, accent float64) {
	if e.closed.Load() {
		return
	}
	if accent < 0 {
		accent = 0
	} else if accent > 1 {
		accent = 1
	}
	if volume < 0 {
		volume = 0
	}
	if accent > accentSwap {
		if alt, ok := accentVariant[id]; ok {
			id = alt
		}
	}
	data, ok := e.bank.Sample(id)
	if !ok {
		e.log.Warnf("engine: no sample %q in bank", id)
		return
	}
	req := voiceReq{data: data, gain: volume * (1 + AccentGain*accent), channel: channelOf(id)}
	if !e.mix.trySubmit(req) {
		n := e.drops.Add(1)
		e.degrade("trigger queue full")
		if n == 1 || n%100 == 0 {
			e.log.Warnf("engine: trigger queue full, %d trigger(s) dropped so far", n)
		}
	}
}

func channelOf(id SampleID) Channel {
	switch id {
	case ClickHigh, ClickLow, ClickAccent:
		return Click
	default:
		return Strum
	}
}

// SetVolume sets a channel gain, clamped to [0,1]. The new gain takes hold
// at the next device buffer; voices already sounding finish under it too.
func (e *Engine) SetVolume(ch Channel, v float64) { e.mix.setGain(ch, v) }

// Volume returns the current gain of a channel.
func (e *Engine) Volume(ch Channel) float64 { return e.mix.gain(ch) }

// Degraded exposes playback degradation events. The channel is buffered;
// slow consumers lose events, never audio.
func (e *Engine) Degraded() <-chan DegradedEvent { return e.events }

// DroppedTriggers reports how many triggers were lost to a full queue.
func (e *Engine) DroppedTriggers() uint64 { return e.drops.Load() }

// Live reports whether a real output device is attached.
func (e *Engine) Live() bool { return e.dev != nil }

func (e *Engine) degrade(reason string) {
	select {
	case e.events <- DegradedEvent{Reason: reason, At: time.Now()}:
	default:
	}
}

// Close detaches the output device. The engine stays safe to Trigger (it
// just drops everything) so a scheduler sink can outlive it.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.dev != nil {
		return e.dev.Close()
	}
	return nil
}
