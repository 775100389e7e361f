package recorder

import (
	"time"

	"github.com/lexiqai/voice-translator/internal/audio"
)

// Segment is one utterance cut out of the input stream
type Segment struct {
	ID         string
	PCM        []int16
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time

	// Truncated is set when the segment was cut at the maximum duration while
	// speech was still going on.
	Truncated bool
}

// Duration returns the audio length of the segment
func (s *Segment) Duration() time.Duration {
	return time.Duration(audio.DurationMS(len(s.PCM), s.SampleRate)) * time.Millisecond
}

// Sink receives finished segments. HandleSegment is called without any
// recorder lock held and must not block for long.
type Sink interface {
	HandleSegment(seg *Segment)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(seg *Segment)

func (f SinkFunc) HandleSegment(seg *Segment) { f(seg) }

// Outcome describes what happened to a finished capture
type Outcome string

const (
	OutcomeEmitted   Outcome = "emitted"
	OutcomeTruncated Outcome = "truncated"
	OutcomeTooShort  Outcome = "dropped_short"
	OutcomeDiscarded Outcome = "discarded"
)
