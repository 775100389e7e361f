package vad

// State represents the detector's position in the hysteresis machine
type State int

const (
	StateSilent         State = iota // No speech
	StatePendingSpeech               // Above start threshold, not yet confirmed
	StateSpeaking                    // Confirmed speech
	StatePendingSilence              // At or below stop threshold, not yet confirmed
)

// String returns the wire name of the state
func (s State) String() string {
	switch s {
	case StateSilent:
		return "silent"
	case StatePendingSpeech:
		return "pending_speech"
	case StateSpeaking:
		return "speaking"
	case StatePendingSilence:
		return "pending_silence"
	default:
		return "unknown"
	}
}
