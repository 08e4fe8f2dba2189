package audio

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ebitengine/oto/v3"
)

// outputBufferSize keeps the device buffer near the 10-12 ms blocksize
// the engine is tuned for; oto rounds to what the platform supports.
const outputBufferSize = 12 * time.Millisecond

// Output drives the platform audio device from a mixer. It owns the oto
// context and the single realtime player reading the mixer's stream.
type Output struct {
	ctx    *oto.Context
	player *oto.Player
	logger *slog.Logger
}

// NewOutput opens the audio device at the mixer's sample rate and starts
// playback. Device unavailability at startup is fatal to the audio
// engine, so the error propagates.
func NewOutput(mixer *Mixer, logger *slog.Logger) (*Output, error) {
	op := &oto.NewContextOptions{
		SampleRate:   mixer.SampleRate(),
		ChannelCount: 2,
		Format:       oto.FormatFloat32LE,
		BufferSize:   outputBufferSize,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("opening audio device: %w", err)
	}
	<-ready

	out := &Output{
		ctx:    ctx,
		player: ctx.NewPlayer(mixer),
		logger: logger.With("subsystem", "audio-output"),
	}
	out.player.Play()
	out.logger.Info("audio output started",
		"sample_rate", mixer.SampleRate(),
		"buffer", outputBufferSize,
	)
	return out, nil
}

// Close stops playback and releases the device.
func (o *Output) Close() error {
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("closing audio player: %w", err)
	}
	return nil
}
