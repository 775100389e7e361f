package vad

import (
	"errors"
	"math"
	"sync"
)

// Calibration errors
var (
	ErrCalibrationIncomplete   = errors.New("vad: calibration has not collected both phases")
	ErrCalibrationInconclusive = errors.New("vad: speech level is not above ambient level")
)

// CalibrationPhase selects what the Calibrator is measuring
type CalibrationPhase int

const (
	PhaseIdle CalibrationPhase = iota
	PhaseAmbient
	PhaseSpeech
)

// String returns the wire name of the phase
func (p CalibrationPhase) String() string {
	switch p {
	case PhaseAmbient:
		return "ambient"
	case PhaseSpeech:
		return "speech"
	default:
		return "idle"
	}
}

// ParseCalibrationPhase converts a wire name into a phase
func ParseCalibrationPhase(name string) (CalibrationPhase, bool) {
	switch name {
	case "ambient":
		return PhaseAmbient, true
	case "speech":
		return PhaseSpeech, true
	case "idle":
		return PhaseIdle, true
	}
	return PhaseIdle, false
}

// Sample counts per phase, roughly 5s and 3s at 50 samples per second
const (
	DefaultAmbientSamples = 250
	DefaultSpeechSamples  = 150
)

// Margins applied when turning measured levels into thresholds, in dB
const (
	calibrationStopMargin  = 3.0
	calibrationStartMargin = 5.0
	calibrationMinGap      = 5.0
)

// CalibrationResult holds the averaged level of each phase in dB
type CalibrationResult struct {
	AmbientLevel float64
	SpeechLevel  float64
}

// Calibrator measures ambient and speech loudness so thresholds can be derived
// for the current environment. It is safe for concurrent use: samples arrive
// from the ticking goroutine while phases are switched from elsewhere.
type Calibrator struct {
	ambientTarget int
	speechTarget  int

	mu      sync.Mutex
	phase   CalibrationPhase
	samples []float64
	result  CalibrationResult
	have    [2]bool // ambient, speech
}

// NewCalibrator creates a calibrator collecting the given number of samples per
// phase. Non-positive counts fall back to the defaults.
func NewCalibrator(ambientSamples, speechSamples int) *Calibrator {
	if ambientSamples <= 0 {
		ambientSamples = DefaultAmbientSamples
	}
	if speechSamples <= 0 {
		speechSamples = DefaultSpeechSamples
	}
	return &Calibrator{
		ambientTarget: ambientSamples,
		speechTarget:  speechSamples,
	}
}

// Begin starts collecting samples for phase, discarding any partial collection.
func (c *Calibrator) Begin(phase CalibrationPhase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.phase = phase
	c.samples = c.samples[:0]
	switch phase {
	case PhaseAmbient:
		c.have[0] = false
	case PhaseSpeech:
		c.have[1] = false
	}
}

// Phase returns the phase currently being collected
func (c *Calibrator) Phase() CalibrationPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Add records one loudness sample. It returns true when the sample completed the
// current phase, after which the calibrator goes idle. Samples of negative
// infinity count as MinLoudnessDB.
func (c *Calibrator) Add(db float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseIdle {
		return false
	}
	if math.IsInf(db, -1) || math.IsNaN(db) {
		db = MinLoudnessDB
	}
	c.samples = append(c.samples, db)

	target := c.ambientTarget
	if c.phase == PhaseSpeech {
		target = c.speechTarget
	}
	if len(c.samples) < target {
		return false
	}

	avg := mean(c.samples)
	switch c.phase {
	case PhaseAmbient:
		c.result.AmbientLevel = avg
		c.have[0] = true
	case PhaseSpeech:
		c.result.SpeechLevel = avg
		c.have[1] = true
	}
	c.phase = PhaseIdle
	c.samples = c.samples[:0]
	return true
}

// Result returns the measured levels once both phases completed
func (c *Calibrator) Result() (CalibrationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.have[0] || !c.have[1] {
		return CalibrationResult{}, ErrCalibrationIncomplete
	}
	return c.result, nil
}

// Propose derives thresholds from the measured levels, keeping base's durations
// and smoothing factor.
func (c *Calibrator) Propose(base Settings) (Settings, error) {
	res, err := c.Result()
	if err != nil {
		return Settings{}, err
	}
	return res.Apply(base)
}

// Apply turns measured levels into thresholds: the stop threshold sits just
// above the ambient level, the start threshold just below the speech level but
// never closer than the minimum gap to the stop threshold.
func (r CalibrationResult) Apply(base Settings) (Settings, error) {
	if r.SpeechLevel <= r.AmbientLevel {
		return Settings{}, ErrCalibrationInconclusive
	}

	stop := clampThreshold(r.AmbientLevel + calibrationStopMargin)
	start := clampThreshold(math.Max(stop+calibrationMinGap, r.SpeechLevel-calibrationStartMargin))
	if stop > start {
		stop = start
	}

	s := base
	s.StartThreshold = start
	s.StopThreshold = stop
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func clampThreshold(db float64) float64 {
	return math.Max(MinThresholdDB, math.Min(MaxThresholdDB, db))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
