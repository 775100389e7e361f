package settings

import (
	"math"
	"time"

	"github.com/lexiqai/voice-translator/internal/vad"
)

// Record is the serialised form of vad.Settings used on disk and on the wire.
// Durations are whole milliseconds.
type Record struct {
	StartThreshold     float64 `json:"startThreshold" yaml:"startThreshold"`
	StopThreshold      float64 `json:"stopThreshold" yaml:"stopThreshold"`
	MinSpeechDuration  int64   `json:"minSpeechDuration" yaml:"minSpeechDuration"`
	MinSilenceDuration int64   `json:"minSilenceDuration" yaml:"minSilenceDuration"`
	SmoothingFactor    float64 `json:"smoothingFactor" yaml:"smoothingFactor"`
}

// FromSettings converts engine settings into a Record
func FromSettings(s vad.Settings) Record {
	return Record{
		StartThreshold:     s.StartThreshold,
		StopThreshold:      s.StopThreshold,
		MinSpeechDuration:  s.MinSpeechDuration.Milliseconds(),
		MinSilenceDuration: s.MinSilenceDuration.Milliseconds(),
		SmoothingFactor:    s.SmoothingFactor,
	}
}

// Settings converts the record back into validated engine settings
func (r Record) Settings() (vad.Settings, error) {
	speech, err := millis("MinSpeechDuration", r.MinSpeechDuration)
	if err != nil {
		return vad.Settings{}, err
	}
	silence, err := millis("MinSilenceDuration", r.MinSilenceDuration)
	if err != nil {
		return vad.Settings{}, err
	}

	s := vad.Settings{
		StartThreshold:     r.StartThreshold,
		StopThreshold:      r.StopThreshold,
		MinSpeechDuration:  speech,
		MinSilenceDuration: silence,
		SmoothingFactor:    r.SmoothingFactor,
	}
	if err := s.Validate(); err != nil {
		return vad.Settings{}, err
	}
	return s, nil
}

// maxMillis is the largest millisecond count a time.Duration can hold
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

func millis(field string, ms int64) (time.Duration, error) {
	if ms > maxMillis || ms < -maxMillis {
		return 0, &vad.ConfigError{Field: field, Reason: "out of range"}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// document accepts both the current format and the linear legacy format.
// Pointer fields tell absent keys from zero values.
type document struct {
	StartThreshold     *float64 `yaml:"startThreshold"`
	StopThreshold      *float64 `yaml:"stopThreshold"`
	MinSpeechDuration  *int64   `yaml:"minSpeechDuration"`
	MinSilenceDuration *int64   `yaml:"minSilenceDuration"`
	SmoothingFactor    *float64 `yaml:"smoothingFactor"`

	SpeakingThreshold *float64 `yaml:"speakingThreshold"`
	SilenceThreshold  *float64 `yaml:"silenceThreshold"`
	SilenceDuration   *int64   `yaml:"silenceDuration"`
}

// Defaults of the legacy visualizer, used for keys a legacy document omits
const (
	legacySpeakingThreshold = 25
	legacySilenceThreshold  = 15
	legacySilenceDurationMS = 100
)

func (d document) isCurrent() bool {
	return d.StartThreshold != nil && d.StopThreshold != nil
}

func (d document) isLegacy() bool {
	return d.SpeakingThreshold != nil
}

// current fills absent optional keys from base
func (d document) current(base vad.Settings) Record {
	r := FromSettings(base)
	r.StartThreshold = *d.StartThreshold
	r.StopThreshold = *d.StopThreshold
	if d.MinSpeechDuration != nil {
		r.MinSpeechDuration = *d.MinSpeechDuration
	}
	if d.MinSilenceDuration != nil {
		r.MinSilenceDuration = *d.MinSilenceDuration
	}
	if d.SmoothingFactor != nil {
		r.SmoothingFactor = *d.SmoothingFactor
	}
	return r
}

func (d document) legacy() vad.LegacySettings {
	old := vad.LegacySettings{
		SpeakingThreshold: legacySpeakingThreshold,
		SilenceThreshold:  legacySilenceThreshold,
		SilenceDuration:   legacySilenceDurationMS * time.Millisecond,
	}
	if d.SpeakingThreshold != nil {
		old.SpeakingThreshold = *d.SpeakingThreshold
	}
	if d.SilenceThreshold != nil {
		old.SilenceThreshold = *d.SilenceThreshold
	}
	if d.SilenceDuration != nil {
		if silence, err := millis("SilenceDuration", *d.SilenceDuration); err == nil {
			old.SilenceDuration = silence
		}
	}
	return old
}
