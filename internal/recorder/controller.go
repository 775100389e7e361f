// Package recorder turns speech-start and speech-end notifications into
// discrete audio segments.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/audio"
	"github.com/lexiqai/voice-translator/internal/vad"
)

// Config holds configuration for the recording controller
type Config struct {
	SampleRate int

	// PreRoll is how much audio before speech-start is kept at the head of a
	// segment. Speech is only confirmed after the detector's minimum speech
	// duration, so this should be at least that long.
	PreRoll time.Duration

	// MinDuration is the shortest captured audio, pre-roll excluded, that is
	// handed to the sink.
	MinDuration time.Duration

	// MaxDuration cuts segments that run longer. Capture continues in a new
	// segment.
	MaxDuration time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		PreRoll:     500 * time.Millisecond,
		MinDuration: 250 * time.Millisecond,
		MaxDuration: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", c.SampleRate)
	}
	if c.PreRoll < 0 || c.MinDuration < 0 {
		return errors.New("pre-roll and minimum duration must be non-negative")
	}
	if c.MaxDuration <= 0 || c.MaxDuration < c.MinDuration {
		return fmt.Errorf("invalid maximum duration %v", c.MaxDuration)
	}
	return nil
}

func (c Config) bytesFor(d time.Duration) int {
	samples := int(int64(c.SampleRate) * int64(d) / int64(time.Second))
	return samples * 2
}

// Observer is told about every finished capture, including dropped ones. seg
// is nil for OutcomeDiscarded.
type Observer func(outcome Outcome, seg *Segment)

// Controller implements vad.Listener. It keeps a rolling pre-roll while the
// detector is quiet and captures PCM between speech-start and speech-end.
type Controller struct {
	cfg      Config
	sink     Sink
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time

	mu             sync.Mutex
	preroll        *audio.RingBuffer
	capture        *audio.RingBuffer
	capturing      bool
	prerollSamples int
	startedAt      time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithObserver installs an observer for capture outcomes
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observer = o
	}
}

// WithLogger sets the controller logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithClock overrides the clock used for segment timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController creates a controller delivering segments to sink
func NewController(cfg Config, sink Sink, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if sink == nil {
		return nil, errors.New("recorder: sink is required")
	}

	c := &Controller{
		cfg:     cfg,
		sink:    sink,
		logger:  zerolog.Nop(),
		now:     time.Now,
		preroll: audio.NewRingBufferFor(cfg.bytesFor(cfg.PreRoll)),
		capture: audio.NewRingBufferFor(cfg.bytesFor(cfg.MaxDuration)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Write feeds little-endian PCM16 audio at the configured sample rate. A
// trailing odd byte is ignored so later samples stay aligned.
func (c *Controller) Write(pcm []byte) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return
	}

	var (
		cut     *Segment
		outcome Outcome
	)

	c.mu.Lock()
	if !c.capturing {
		c.preroll.WriteOverwrite(pcm)
		c.mu.Unlock()
		return
	}

	n := c.capture.Write(pcm)
	if n < len(pcm) {
		// Capture buffer is full: cut here and carry on in a fresh segment
		cut, outcome = c.finishLocked(true)
		c.beginLocked()
		c.capture.Write(pcm[n:])
	}
	c.mu.Unlock()

	c.deliver(cut, outcome)
}

// Capturing reports whether a segment is open
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// Flush closes an open segment as if speech had ended
func (c *Controller) Flush() {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	seg, outcome := c.finishLocked(false)
	c.mu.Unlock()

	c.deliver(seg, outcome)
}

// Reset discards any open segment and the pre-roll
func (c *Controller) Reset() {
	c.mu.Lock()
	wasCapturing := c.capturing
	c.capturing = false
	c.capture.Clear()
	c.preroll.Clear()
	c.mu.Unlock()

	if wasCapturing && c.observer != nil {
		c.observer(OutcomeDiscarded, nil)
	}
}

func (c *Controller) OnVolumeUpdate(float64) {}

func (c *Controller) OnStateChange(vad.State) {}

// OnSpeechStart opens a segment seeded with the pre-roll. A start while a
// segment is already open is ignored.
func (c *Controller) OnSpeechStart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capturing {
		return
	}
	c.beginLocked()

	head := c.preroll.Peek()
	c.preroll.Clear()
	c.capture.Write(head)
	c.prerollSamples = len(head) / 2
}

// OnSpeechEnd closes the open segment. An end without an open segment is ignored.
func (c *Controller) OnSpeechEnd() {
	c.mu.Lock()
	if !c.capturing {
		c.mu.Unlock()
		return
	}
	seg, outcome := c.finishLocked(false)
	c.mu.Unlock()

	c.deliver(seg, outcome)
}

func (c *Controller) beginLocked() {
	c.capturing = true
	c.capture.Clear()
	c.prerollSamples = 0
	c.startedAt = c.now()
}

// finishLocked closes the capture and returns the segment with its outcome
func (c *Controller) finishLocked(truncated bool) (*Segment, Outcome) {
	c.capturing = false

	data := c.capture.Peek()
	c.capture.Clear()
	pcm, _ := audio.DecodePCM16LE(data[:len(data)&^1])

	seg := &Segment{
		ID:         uuid.New().String(),
		PCM:        pcm,
		SampleRate: c.cfg.SampleRate,
		StartedAt:  c.startedAt,
		EndedAt:    c.now(),
		Truncated:  truncated,
	}

	if truncated {
		return seg, OutcomeTruncated
	}
	spoken := len(pcm) - c.prerollSamples
	if spoken < c.cfg.bytesFor(c.cfg.MinDuration)/2 {
		return seg, OutcomeTooShort
	}
	return seg, OutcomeEmitted
}

func (c *Controller) deliver(seg *Segment, outcome Outcome) {
	if seg == nil {
		return
	}
	if outcome == OutcomeTooShort {
		c.logger.Debug().
			Str("segment_id", seg.ID).
			Dur("duration", seg.Duration()).
			Dur("min_duration", c.cfg.MinDuration).
			Msg("Dropping short segment")
		if c.observer != nil {
			c.observer(outcome, seg)
		}
		return
	}

	c.logger.Debug().
		Str("segment_id", seg.ID).
		Dur("duration", seg.Duration()).
		Float64("rms", audio.CalculateRMS(seg.PCM)).
		Bool("truncated", seg.Truncated).
		Msg("Segment captured")

	if c.observer != nil {
		c.observer(outcome, seg)
	}
	c.sink.HandleSegment(seg)
}
