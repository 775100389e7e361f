// Package vad classifies a stream of loudness samples into speech and silence
// intervals. An Engine smooths the loudness of each magnitude buffer it is
// given and runs a four-state hysteresis machine (silent, pending_speech,
// speaking, pending_silence) that only confirms a transition once the signal
// has stayed on the far side of a threshold for a minimum duration.
//
// The Engine is synchronous and performs no I/O; the Runner drives it from an
// audio Source on a host-owned ticker.
package vad

import (
	"math"
	"time"
)

// Engine is a single detection session. It is not safe for concurrent use;
// callers serialize Attach, Detach, Tick and UpdateSettings (Runner does this).
type Engine struct {
	settings Settings
	listener Listener
	attached bool

	state    State
	raw      float64
	smoothed float64

	// since is when the current pending_speech or pending_silence candidate
	// started. It is meaningless in silent and speaking.
	since time.Time
}

// NewEngine creates a detached engine
func NewEngine() *Engine {
	e := &Engine{}
	e.reset()
	return e
}

// Attach validates settings and starts a fresh session reporting to listener.
// On error the engine is left detached.
func (e *Engine) Attach(settings Settings, listener Listener) error {
	if err := settings.Validate(); err != nil {
		e.Detach()
		return err
	}
	if listener == nil {
		listener = Callbacks{}
	}

	e.reset()
	e.settings = settings
	e.listener = listener
	e.attached = true
	return nil
}

// Detach ends the session and discards any in-progress candidate.
func (e *Engine) Detach() {
	e.attached = false
	e.listener = nil
	e.reset()
}

// Attached reports whether the engine is accepting ticks
func (e *Engine) Attached() bool {
	return e.attached
}

// State returns the current detector state
func (e *Engine) State() State {
	return e.state
}

// SmoothedVolume returns the smoothed loudness in dB, negative infinity before
// the first tick.
func (e *Engine) SmoothedVolume() float64 {
	return e.smoothed
}

// RawVolume returns the unsmoothed loudness of the last tick
func (e *Engine) RawVolume() float64 {
	return e.raw
}

// Settings returns the active settings
func (e *Engine) Settings() Settings {
	return e.settings
}

// UpdateSettings replaces the settings used from the next tick on. A pending
// candidate measured against the old thresholds is discarded: pending_speech
// falls back to silent and pending_silence returns to speaking.
func (e *Engine) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	e.settings = settings
	if !e.attached {
		return nil
	}

	switch e.state {
	case StatePendingSpeech:
		e.transition(StateSilent)
	case StatePendingSilence:
		e.transition(StateSpeaking)
	}
	return nil
}

// Tick processes one magnitude buffer sampled at now. Timestamps must be
// non-decreasing within a session.
func (e *Engine) Tick(magnitudes []byte, now time.Time) {
	if !e.attached {
		return
	}

	e.raw = LoudnessDB(magnitudes)
	e.smoothed = Smooth(e.smoothed, e.raw, e.settings.SmoothingFactor)
	e.listener.OnVolumeUpdate(e.smoothed)

	e.step(e.smoothed, now)
}

// step applies the hysteresis table to one smoothed sample
func (e *Engine) step(volume float64, now time.Time) {
	s := e.settings

	switch e.state {
	case StateSilent:
		if volume > s.StartThreshold {
			e.since = now
			e.transition(StatePendingSpeech)
		}

	case StatePendingSpeech:
		if volume <= s.StartThreshold {
			e.transition(StateSilent)
			return
		}
		if now.Sub(e.since) >= s.MinSpeechDuration {
			e.transition(StateSpeaking)
			e.listener.OnSpeechStart()
		}

	case StateSpeaking:
		if volume <= s.StopThreshold {
			e.since = now
			e.transition(StatePendingSilence)
		}

	case StatePendingSilence:
		if volume > s.StopThreshold {
			e.transition(StateSpeaking)
			return
		}
		if now.Sub(e.since) >= s.MinSilenceDuration {
			e.transition(StateSilent)
			e.listener.OnSpeechEnd()
		}
	}
}

func (e *Engine) transition(next State) {
	if next == StateSilent || next == StateSpeaking {
		e.since = time.Time{}
	}
	e.state = next
	e.listener.OnStateChange(next)
}

func (e *Engine) reset() {
	e.state = StateSilent
	e.raw = math.Inf(-1)
	e.smoothed = math.Inf(-1)
	e.since = time.Time{}
}
