package engine

import (
	"io"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// One oto context per process; the library errors on a second open.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func otoContext(rate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// device wraps the oto player pulling 16-bit mono from the mixer.
type device struct {
	player *oto.Player
}

func openDevice(rate int, src io.Reader) (*device, error) {
	ctx, err := otoContext(rate)
	if err != nil {
		return nil, err
	}
	p := ctx.NewPlayer(src)
	p.SetBufferSize(rate / 10)
	p.Play()
	return &device{player: p}, nil
}

func (d *device) Close() error {
	return d.player.Close()
}
