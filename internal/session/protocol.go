package session

import (
	"encoding/json"
	"math"

	"github.com/lexiqai/voice-translator/internal/settings"
	"github.com/lexiqai/voice-translator/internal/vad"
)

// Client message types
const (
	MsgStart            = "start"
	MsgSettings         = "settings"
	MsgEnable           = "enable"
	MsgDisable          = "disable"
	MsgCalibrate        = "calibrate"
	MsgCalibrationApply = "calibration_apply"
	MsgOptions          = "options"
	MsgRecordStart      = "record_start"
	MsgRecordStop       = "record_stop"
	MsgProfileDelete    = "profile_delete"
	MsgStop             = "stop"
)

// Recording modes. In manual mode the detector is off and the client marks
// segments with record_start and record_stop.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Server event types
const (
	EventReady       = "ready"
	EventVolume      = "volume"
	EventState       = "state"
	EventSpeechStart = "speech_start"
	EventSpeechEnd   = "speech_end"
	EventSegment     = "segment"
	EventTranslation = "translation"
	EventCalibration = "calibration"
	EventSettings    = "settings"
	EventOptions     = "options"
	EventProfile     = "profile_deleted"
	EventError       = "error"
)

// ClientMessage is a JSON control frame sent by the browser
type ClientMessage struct {
	Type string `json:"type"`

	// start
	SampleRate int    `json:"sampleRate,omitempty"`
	Mode       string `json:"mode,omitempty"`

	// start, options
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Speak *bool  `json:"speak,omitempty"`

	// start, profile_delete
	Profile string `json:"profile,omitempty"`

	// settings
	Settings *settings.Record `json:"settings,omitempty"`

	// calibrate
	Phase string `json:"phase,omitempty"`

	// settings, calibration_apply
	Save bool `json:"save,omitempty"`
}

// ServerEvent is a JSON frame sent to the browser
type ServerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`

	// volume
	VolumeDB *float64 `json:"volumeDb,omitempty"`

	// state
	State string `json:"state,omitempty"`

	// segment
	SegmentID  string `json:"segmentId,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	Outcome    string `json:"outcome,omitempty"`

	// translation
	Translation *TranslationPayload `json:"translation,omitempty"`

	// calibration
	Calibration *CalibrationPayload `json:"calibration,omitempty"`

	// ready, settings
	Settings *settings.Record `json:"settings,omitempty"`
	Enabled  *bool            `json:"enabled,omitempty"`

	// ready, options
	Mode  string `json:"mode,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Speak *bool  `json:"speak,omitempty"`

	// profile_deleted
	Profile string `json:"profile,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// TranslationPayload is one translation history entry. Audio is raw PCM16LE,
// base64 encoded by encoding/json.
type TranslationPayload struct {
	ID              string `json:"id"`
	SegmentID       string `json:"segmentId"`
	Original        string `json:"original"`
	Translated      string `json:"translated"`
	From            string `json:"from"`
	To              string `json:"to"`
	Timestamp       string `json:"timestamp"`
	Audio           []byte `json:"audio,omitempty"`
	AudioSampleRate int    `json:"audioSampleRate,omitempty"`
}

// CalibrationPayload reports calibration progress
type CalibrationPayload struct {
	Phase        string           `json:"phase"`
	Completed    string           `json:"completed,omitempty"`
	AmbientLevel *float64         `json:"ambientLevel,omitempty"`
	SpeechLevel  *float64         `json:"speechLevel,omitempty"`
	Proposed     *settings.Record `json:"proposed,omitempty"`
}

// wireVolume maps the -Inf silence sentinel to the floor of the loudness
// range, since JSON has no infinities
func wireVolume(db float64) float64 {
	if math.IsInf(db, -1) || math.IsNaN(db) {
		return vad.MinLoudnessDB
	}
	return db
}

func parseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }
