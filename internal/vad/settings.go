package vad

import (
	"fmt"
	"math"
	"time"
)

// Threshold bounds accepted for start/stop thresholds, in dB.
const (
	MinThresholdDB = -60.0
	MaxThresholdDB = 0.0
)

// Settings configures a detection session. Thresholds are in dB relative to
// full scale.
type Settings struct {
	// StartThreshold is the loudness above which audio becomes a speech candidate.
	StartThreshold float64

	// StopThreshold is the loudness at or below which ongoing speech starts to end.
	// Must not exceed StartThreshold.
	StopThreshold float64

	// MinSpeechDuration is how long loudness must stay above StartThreshold
	// before a candidate is confirmed as speech.
	MinSpeechDuration time.Duration

	// MinSilenceDuration is how long loudness must stay at or below StopThreshold
	// before confirmed speech is declared ended.
	MinSilenceDuration time.Duration

	// SmoothingFactor is the weight of the previous smoothed value (0..1).
	// Higher values respond slower.
	SmoothingFactor float64
}

// DefaultSettings returns the default detection settings
func DefaultSettings() Settings {
	return Settings{
		StartThreshold:     -35,
		StopThreshold:      -45,
		MinSpeechDuration:  300 * time.Millisecond,
		MinSilenceDuration: 500 * time.Millisecond,
		SmoothingFactor:    0.7,
	}
}

// ConfigError reports an invalid settings field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid vad setting %s: %s", e.Field, e.Reason)
}

// Validate checks that the settings describe a stable detector.
func (s Settings) Validate() error {
	if err := checkThreshold("StartThreshold", s.StartThreshold); err != nil {
		return err
	}
	if err := checkThreshold("StopThreshold", s.StopThreshold); err != nil {
		return err
	}
	if s.StopThreshold > s.StartThreshold {
		return &ConfigError{
			Field:  "StopThreshold",
			Reason: fmt.Sprintf("%.1f dB is above StartThreshold %.1f dB", s.StopThreshold, s.StartThreshold),
		}
	}
	if s.MinSpeechDuration < 0 {
		return &ConfigError{Field: "MinSpeechDuration", Reason: "must be non-negative"}
	}
	if s.MinSilenceDuration < 0 {
		return &ConfigError{Field: "MinSilenceDuration", Reason: "must be non-negative"}
	}
	if math.IsNaN(s.SmoothingFactor) || s.SmoothingFactor < 0 || s.SmoothingFactor > 1 {
		return &ConfigError{Field: "SmoothingFactor", Reason: "must be between 0 and 1"}
	}
	return nil
}

func checkThreshold(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return &ConfigError{Field: field, Reason: "must be finite"}
	}
	if v < MinThresholdDB || v > MaxThresholdDB {
		return &ConfigError{
			Field:  field,
			Reason: fmt.Sprintf("%.1f dB is outside [%.0f, %.0f]", v, MinThresholdDB, MaxThresholdDB),
		}
	}
	return nil
}
