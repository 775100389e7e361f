package tts

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyText is returned when there is nothing to speak
var ErrEmptyText = errors.New("tts: empty text")

// Audio is a synthesized utterance
type Audio struct {
	Data       []byte // 16-bit little-endian PCM
	SampleRate int    // Sample rate in Hz
	Channels   int    // Number of channels (1 for mono)
}

// Duration returns the playback length of the audio
func (a *Audio) Duration() time.Duration {
	if a == nil || a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := len(a.Data) / (2 * a.Channels)
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// Synthesizer converts text to speech
type Synthesizer interface {
	// Synthesize speaks text in the given language
	Synthesize(ctx context.Context, text, language string) (*Audio, error)

	// Name identifies the provider in logs and metrics
	Name() string
}
