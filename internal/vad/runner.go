package vad

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTickInterval approximates a 60 Hz animation cadence
const DefaultTickInterval = 16 * time.Millisecond

// ErrNoSource is returned when attaching a Runner without an audio source
var ErrNoSource = errors.New("vad: audio source is required")

// Source supplies the analysis buffer sampled on each tick. The returned slice
// must reflect audio up to the moment of the call and must not be retained by
// the source after it is returned.
type Source interface {
	Magnitudes() []byte
}

// SourceFunc adapts a function to a Source
type SourceFunc func() []byte

func (f SourceFunc) Magnitudes() []byte { return f() }

// Runner drives an Engine from a Source on a fixed interval. Ticks never overlap:
// the engine is only touched under the runner's mutex. An interval of zero or
// less disables the internal ticker and the host calls Step instead.
type Runner struct {
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	// lifecycle serializes Attach and Detach
	lifecycle sync.Mutex

	mu     sync.Mutex
	engine *Engine
	source Source
	stop   chan struct{}
	done   chan struct{}
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithClock overrides the timestamp source used for ticks
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the logger used for lifecycle messages
func WithLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a detached runner ticking at interval
func NewRunner(interval time.Duration, opts ...RunnerOption) *Runner {
	r := &Runner{
		interval: interval,
		now:      time.Now,
		logger:   zerolog.Nop(),
		engine:   NewEngine(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach binds the runner to src and starts a fresh detection session. Any
// previous session is detached first.
func (r *Runner) Attach(src Source, settings Settings, listener Listener) error {
	if src == nil {
		return ErrNoSource
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.detachLocked()

	r.mu.Lock()
	if err := r.engine.Attach(settings, listener); err != nil {
		r.mu.Unlock()
		return err
	}
	r.source = src
	r.mu.Unlock()

	if r.interval > 0 {
		r.stop = make(chan struct{})
		r.done = make(chan struct{})
		go r.loop(r.stop, r.done)
	}

	r.logger.Debug().
		Dur("interval", r.interval).
		Float64("start_threshold", settings.StartThreshold).
		Float64("stop_threshold", settings.StopThreshold).
		Msg("VAD attached")
	return nil
}

// Detach cancels the pending tick, waits for the loop to exit and resets the
// engine. It must not be called from a Listener callback.
func (r *Runner) Detach() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.detachLocked()
}

func (r *Runner) detachLocked() {
	if r.stop != nil {
		close(r.stop)
		<-r.done
		r.stop = nil
		r.done = nil
	}

	r.mu.Lock()
	wasAttached := r.engine.Attached()
	r.engine.Detach()
	r.source = nil
	r.mu.Unlock()

	if wasAttached {
		r.logger.Debug().Msg("VAD detached")
	}
}

// Step runs a single tick immediately. It is a no-op while detached.
func (r *Runner) Step() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.source == nil {
		return
	}
	r.engine.Tick(r.source.Magnitudes(), r.now())
}

// UpdateSettings replaces the engine settings between ticks
func (r *Runner) UpdateSettings(settings Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.UpdateSettings(settings)
}

// Snapshot returns the current state and smoothed volume
func (r *Runner) Snapshot() (State, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.State(), r.engine.SmoothedVolume()
}

// Settings returns the settings of the current session
func (r *Runner) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Settings()
}

// Attached reports whether a session is running
func (r *Runner) Attached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Attached()
}

func (r *Runner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Step()
		}
	}
}
