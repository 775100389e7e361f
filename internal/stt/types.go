package stt

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/voice-translator/internal/recorder"
)

// ErrEmptyTranscript is returned when the provider heard no words
var ErrEmptyTranscript = errors.New("stt: empty transcript")

// Result is the transcript of one segment
type Result struct {
	// Text is the transcribed text
	Text string

	// Language is the detected or requested language code
	Language string

	// Confidence is the confidence score (0.0 to 1.0) if the provider reports one
	Confidence float64

	// Duration is the audio length the provider processed
	Duration time.Duration
}

// Transcriber turns a finished speech segment into text. language is a hint
// and may be empty for auto-detection.
type Transcriber interface {
	Transcribe(ctx context.Context, seg *recorder.Segment, language string) (*Result, error)

	// Name identifies the provider in logs and metrics
	Name() string
}
