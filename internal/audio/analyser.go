package audio

import (
	"encoding/binary"
)

// DefaultWindowSize is the number of samples the analyser exposes per tick
const DefaultWindowSize = 2048

// Analyser keeps the most recent window of PCM audio and exposes it as a
// magnitude buffer for the detector. Writes and reads may come from different
// goroutines.
type Analyser struct {
	window int
	ring   *RingBuffer
}

// NewAnalyser creates an analyser over the last window samples. A non-positive
// window falls back to DefaultWindowSize.
func NewAnalyser(window int) *Analyser {
	if window <= 0 {
		window = DefaultWindowSize
	}
	return &Analyser{
		window: window,
		ring:   NewRingBufferFor(window * 2),
	}
}

// Write feeds little-endian PCM16 bytes. A trailing odd byte is ignored.
func (a *Analyser) Write(pcm []byte) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	a.ring.WriteOverwrite(pcm)
}

// Reset drops all buffered audio
func (a *Analyser) Reset() {
	a.ring.Clear()
}

// WindowSize returns the number of magnitudes returned per call
func (a *Analyser) WindowSize() int {
	return a.window
}

// Magnitudes returns one byte per sample of the current window, scaled so full
// scale maps to 255. Samples not yet received read as zero.
func (a *Analyser) Magnitudes() []byte {
	data := a.ring.Peek()
	out := make([]byte, a.window)

	offset := a.window - len(data)/2
	for i := 0; i+1 < len(data); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(data[i:])))
		if s < 0 {
			s = -s
		}
		out[offset+i/2] = byte(s * 255 / 32768)
	}
	return out
}
