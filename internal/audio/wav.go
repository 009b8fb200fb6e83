// Package audio handles WAV capture files and sample assets: decoding to
// normalized mono float64, encoding test fixtures and click tracks, and
// rate conversion.
package audio

import (
	"fmt"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ReadWAVMono decodes a PCM WAV file into mono samples normalized to [-1, 1]
// and returns them with the file's sample rate. Stereo is averaged down;
// other channel counts are rejected.
func ReadWAVMono(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid WAV file", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}

	channels := buf.Format.NumChannels
	if channels != 1 && channels != 2 {
		return nil, 0, fmt.Errorf("%s: unsupported channel count %d", path, channels)
	}
	if dec.BitDepth == 0 {
		return nil, 0, fmt.Errorf("%s: missing bit depth", path)
	}

	// 8-bit PCM is unsigned with 128 as the zero point; wider depths are
	// signed and centered already.
	var offset float64
	if dec.BitDepth == 8 {
		offset = 128
	}
	scale := 1.0 / float64(int(1)<<(uint(dec.BitDepth)-1))
	frames := len(buf.Data) / channels
	out := make([]float64, frames)
	if channels == 1 {
		for i := 0; i < frames; i++ {
			out[i] = (float64(buf.Data[i]) - offset) * scale
		}
	} else {
		for i := 0; i < frames; i++ {
			l := (float64(buf.Data[2*i]) - offset) * scale
			r := (float64(buf.Data[2*i+1]) - offset) * scale
			out[i] = (l + r) * 0.5
		}
	}
	return out, int(dec.SampleRate), nil
}

// WriteWAVMono writes mono samples in [-1, 1] to path as 16-bit PCM WAV.
// Out-of-range samples are clipped.
func WriteWAVMono(path string, samples []float64, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer f.Close()

	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		buf.Data[i] = int(s * 32767.0)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize wav: %w", err)
	}
	return nil
}
