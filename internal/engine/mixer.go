package engine

import (
	"encoding/binary"
	"math"
	"sync/atomic"
)

const (
	maxVoices        = 32
	triggerQueueSize = 64
)

type voiceReq struct {
	data    []float64
	gain    float64
	channel Channel
}

type voice struct {
	data    []float64
	pos     int
	gain    float64
	channel Channel
	active  bool
}

// mixer sums active voices into signed 16-bit little-endian mono. Read is
// the device callback path: no allocation, no locks, no blocking. Pending
// triggers are admitted once per Read; channel gains are loaded once per
// Read and hold for the whole buffer.
type mixer struct {
	queue chan voiceReq

	click  atomic.Uint64
	strum  atomic.Uint64
	master atomic.Uint64

	voices [maxVoices]voice
}

func newMixer() *mixer {
	m := &mixer{queue: make(chan voiceReq, triggerQueueSize)}
	m.setGain(Click, 0.8)
	m.setGain(Strum, 0.8)
	m.setGain(Master, 1.0)
	return m
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (m *mixer) setGain(ch Channel, v float64) {
	bits := math.Float64bits(clamp01(v))
	switch ch {
	case Click:
		m.click.Store(bits)
	case Strum:
		m.strum.Store(bits)
	case Master:
		m.master.Store(bits)
	}
}

func (m *mixer) gain(ch Channel) float64 {
	switch ch {
	case Click:
		return math.Float64frombits(m.click.Load())
	case Strum:
		return math.Float64frombits(m.strum.Load())
	case Master:
		return math.Float64frombits(m.master.Load())
	default:
		return 0
	}
}

// trySubmit queues a voice for the next Read. It never blocks; false means
// the queue was full and the trigger is lost.
func (m *mixer) trySubmit(req voiceReq) bool {
	select {
	case m.queue <- req:
		return true
	default:
		return false
	}
}

func (m *mixer) admit(req voiceReq) {
	if len(req.data) == 0 {
		return
	}
	slot := -1
	oldest := 0
	for i := range m.voices {
		if !m.voices[i].active {
			slot = i
			break
		}
		if m.voices[i].pos > m.voices[oldest].pos {
			oldest = i
		}
	}
	if slot == -1 {
		// All slots busy: steal the voice closest to finishing.
		slot = oldest
	}
	m.voices[slot] = voice{data: req.data, gain: req.gain, channel: req.channel, active: true}
}

func (m *mixer) Read(p []byte) (int, error) {
drain:
	for {
		select {
		case req := <-m.queue:
			m.admit(req)
		default:
			break drain
		}
	}

	click := m.gain(Click)
	strum := m.gain(Strum)
	master := m.gain(Master)

	frames := len(p) / 2
	for i := 0; i < frames; i++ {
		var sum float64
		for v := range m.voices {
			vc := &m.voices[v]
			if !vc.active {
				continue
			}
			s := vc.data[vc.pos] * vc.gain
			switch vc.channel {
			case Click:
				s *= click
			case Strum:
				s *= strum
			}
			sum += s
			vc.pos++
			if vc.pos >= len(vc.data) {
				vc.active = false
			}
		}
		sum *= master
		if sum > 1 {
			sum = 1
		} else if sum < -1 {
			sum = -1
		}
		binary.LittleEndian.PutUint16(p[2*i:], uint16(int16(sum*32767)))
	}
	return frames * 2, nil
}
