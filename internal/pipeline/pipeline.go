// Package pipeline turns finished speech segments into translations. Each
// session owns one pipeline with a bounded queue and a single worker, so
// entries come out in the order the segments were spoken.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-translator/internal/observability"
	"github.com/lexiqai/voice-translator/internal/recorder"
	"github.com/lexiqai/voice-translator/internal/resilience"
	"github.com/lexiqai/voice-translator/internal/stt"
	"github.com/lexiqai/voice-translator/internal/translate"
	"github.com/lexiqai/voice-translator/internal/tts"
)

// ErrClosed is returned when a segment is submitted after Close
var ErrClosed = errors.New("pipeline is closed")

// ErrQueueFull is returned when the worker has fallen too far behind
var ErrQueueFull = errors.New("pipeline queue is full")

// Stage names used in errors, logs and metrics
const (
	StageSTT       = "stt"
	StageTranslate = "translate"
	StageTTS       = "tts"
)

// Entry is one translated utterance
type Entry struct {
	ID         string     `json:"id"`
	SegmentID  string     `json:"segmentId"`
	Original   string     `json:"original"`
	Translated string     `json:"translated"`
	From       string     `json:"from"`
	To         string     `json:"to"`
	Timestamp  time.Time  `json:"timestamp"`
	Audio      *tts.Audio `json:"-"`
}

// StageError reports a failed stage for one segment
type StageError struct {
	SegmentID string
	Stage     string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for segment %s: %v", e.Stage, e.SegmentID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Deps are the providers a pipeline calls. Synthesizer and Breakers are
// optional.
type Deps struct {
	Transcriber stt.Transcriber
	Translator  translate.Translator
	Synthesizer tts.Synthesizer
	Breakers    *Breakers
}

// Config holds per-session pipeline options
type Config struct {
	QueueSize    int
	From         string
	To           string
	Speak        bool
	StageTimeout time.Duration
}

// DefaultConfig returns the pipeline defaults
func DefaultConfig() Config {
	return Config{
		QueueSize:    8,
		From:         "ja",
		To:           "en",
		StageTimeout: 30 * time.Second,
	}
}

// Handlers receive pipeline output. Both are called from the worker goroutine.
type Handlers struct {
	OnEntry func(*Entry)
	OnError func(*StageError)
}

// Pipeline processes segments for one session
type Pipeline struct {
	deps     Deps
	handlers Handlers
	metrics  *observability.Metrics
	logger   zerolog.Logger
	timeout  time.Duration

	mu     sync.RWMutex
	from   string
	to     string
	speak  bool
	closed bool

	queue  chan *recorder.Segment
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pipeline and starts its worker
func New(cfg Config, deps Deps, handlers Handlers, metrics *observability.Metrics, logger zerolog.Logger) (*Pipeline, error) {
	if deps.Transcriber == nil || deps.Translator == nil {
		return nil, errors.New("pipeline requires a transcriber and a translator")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	if metrics == nil {
		metrics = observability.NewSessionMetrics("")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		deps:     deps,
		handlers: handlers,
		metrics:  metrics,
		logger:   logger,
		timeout:  cfg.StageTimeout,
		from:     cfg.From,
		to:       cfg.To,
		speak:    cfg.Speak,
		queue:    make(chan *recorder.Segment, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// SetLanguages changes the language pair for segments not yet processed
func (p *Pipeline) SetLanguages(from, to string) {
	p.mu.Lock()
	p.from, p.to = from, to
	p.mu.Unlock()
}

// SetSpeak toggles speech synthesis of translations
func (p *Pipeline) SetSpeak(speak bool) {
	p.mu.Lock()
	p.speak = speak
	p.mu.Unlock()
}

// Submit queues a segment without blocking
func (p *Pipeline) Submit(seg *recorder.Segment) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.queue <- seg:
		p.metrics.RecordQueueDelta(1)
		return nil
	default:
		p.metrics.RecordDroppedEvents("segment", 1)
		return ErrQueueFull
	}
}

// HandleSegment implements recorder.Sink
func (p *Pipeline) HandleSegment(seg *recorder.Segment) {
	if err := p.Submit(seg); err != nil {
		p.logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("Segment not queued")
	}
}

// Pending returns the number of queued segments
func (p *Pipeline) Pending() int {
	return len(p.queue)
}

// Close stops the worker. Queued segments are discarded and an in-flight
// request is cancelled.
func (p *Pipeline) Close() {
	p.closeQueue()
	p.cancel()
	p.wg.Wait()
}

// Drain stops accepting segments and waits for queued work to finish. Work
// still pending when ctx expires is cancelled.
func (p *Pipeline) Drain(ctx context.Context) {
	p.closeQueue()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pipeline) closeQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for seg := range p.queue {
		p.metrics.RecordQueueDelta(-1)
		if p.ctx.Err() != nil {
			continue
		}
		p.process(seg)
	}
}

// Options returns the language pair and speech toggle applied to the next segment
func (p *Pipeline) Options() (from, to string, speak bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.from, p.to, p.speak
}

func (p *Pipeline) process(seg *recorder.Segment) {
	from, to, speak := p.Options()
	logger := p.logger.With().Str("segment_id", seg.ID).Logger()

	var result *stt.Result
	p.metrics.RecordSTTStart()
	err := p.guard(p.breaker(StageSTT), func(ctx context.Context) error {
		var err error
		result, err = p.deps.Transcriber.Transcribe(ctx, seg, from)
		if errors.Is(err, stt.ErrEmptyTranscript) {
			return nil
		}
		return err
	})
	p.metrics.RecordSTTEnd(err == nil)
	if err != nil {
		p.fail(seg, StageSTT, err)
		return
	}
	if result == nil || result.Text == "" {
		logger.Debug().Msg("Segment produced no transcript")
		return
	}

	var translated string
	p.metrics.RecordTranslationStart()
	err = p.guard(p.breaker(StageTranslate), func(ctx context.Context) error {
		var err error
		translated, err = p.deps.Translator.Translate(ctx, result.Text, from, to)
		return err
	})
	p.metrics.RecordTranslationEnd(err == nil)
	if err != nil {
		p.fail(seg, StageTranslate, err)
		return
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		SegmentID:  seg.ID,
		Original:   result.Text,
		Translated: translated,
		From:       from,
		To:         to,
		Timestamp:  time.Now(),
	}

	if speak && p.deps.Synthesizer != nil && translated != "" {
		p.metrics.RecordTTSStart()
		err = p.guard(p.breaker(StageTTS), func(ctx context.Context) error {
			var err error
			entry.Audio, err = p.deps.Synthesizer.Synthesize(ctx, translated, to)
			return err
		})
		p.metrics.RecordTTSEnd(err == nil)
		if err != nil {
			// The text translation is still delivered
			p.fail(seg, StageTTS, err)
		} else if entry.Audio != nil {
			p.metrics.RecordAudioBytes("out", int64(len(entry.Audio.Data)))
		}
	}

	logger.Info().
		Str("from", from).
		Str("to", to).
		Int("original_len", len(entry.Original)).
		Bool("audio", entry.Audio != nil).
		Msg("Segment translated")

	if p.handlers.OnEntry != nil {
		p.handlers.OnEntry(entry)
	}
}

func (p *Pipeline) breaker(stage string) *resilience.CircuitBreaker {
	if p.deps.Breakers == nil {
		return nil
	}
	switch stage {
	case StageSTT:
		return p.deps.Breakers.STT
	case StageTranslate:
		return p.deps.Breakers.Translate
	default:
		return p.deps.Breakers.TTS
	}
}

func (p *Pipeline) guard(cb *resilience.CircuitBreaker, fn func(ctx context.Context) error) error {
	stage := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return fn(ctx)
	}
	if cb == nil {
		return stage(p.ctx)
	}
	// The breaker sees the pipeline context, so a stage timeout counts as a
	// provider failure while shutdown does not.
	return cb.Do(p.ctx, stage)
}

func (p *Pipeline) fail(seg *recorder.Segment, stage string, err error) {
	if p.ctx.Err() != nil {
		return
	}
	errorType := "provider"
	if errors.Is(err, resilience.ErrCircuitOpen) {
		errorType = "circuit_open"
	} else if errors.Is(err, context.DeadlineExceeded) {
		errorType = "timeout"
	}
	p.metrics.RecordError(errorType, stage)
	p.logger.Error().Err(err).Str("segment_id", seg.ID).Str("stage", stage).Msg("Pipeline stage failed")

	if p.handlers.OnError != nil {
		p.handlers.OnError(&StageError{SegmentID: seg.ID, Stage: stage, Err: err})
	}
}
