package vad

import (
	"math"
	"time"
)

// LegacySettings is the linear settings format used before the dB engine.
// Levels are RMS percentages computed as max(0, (rms - 0.001) * 100).
type LegacySettings struct {
	SpeakingThreshold float64
	SilenceThreshold  float64
	SilenceDuration   time.Duration
}

// Constants the legacy format never carried
const (
	legacyNoiseFloor        = 0.001
	legacyMinSpeechDuration = 200 * time.Millisecond
	legacySmoothingFactor   = 0.9
)

// MigrateLegacy converts linear legacy settings into dB settings. The result
// always passes Validate.
func MigrateLegacy(old LegacySettings) Settings {
	s := Settings{
		StartThreshold:     legacyLevelToDB(old.SpeakingThreshold),
		StopThreshold:      legacyLevelToDB(old.SilenceThreshold),
		MinSpeechDuration:  legacyMinSpeechDuration,
		MinSilenceDuration: old.SilenceDuration,
		SmoothingFactor:    legacySmoothingFactor,
	}
	if s.MinSilenceDuration < 0 {
		s.MinSilenceDuration = 0
	}
	if s.StopThreshold > s.StartThreshold {
		s.StopThreshold = s.StartThreshold
	}
	return s
}

// legacyLevelToDB maps a 0-100 RMS percentage back onto the dB threshold range
func legacyLevelToDB(level float64) float64 {
	if math.IsNaN(level) || level < 0 {
		level = 0
	}
	rms := level/100 + legacyNoiseFloor
	db := 20 * math.Log10(rms)
	return math.Max(MinThresholdDB, math.Min(MaxThresholdDB, db))
}
