package vad

import "math"

// Loudness range reported by LoudnessDB, in dB. True silence is reported as
// negative infinity rather than MinLoudnessDB.
const (
	MinLoudnessDB = -100.0
	MaxLoudnessDB = 0.0
)

// maxMagnitude is the largest value an analysis bin can hold
const maxMagnitude = 255.0

// LoudnessDB computes the loudness of a magnitude buffer in dB relative to full
// scale. An empty or all-zero buffer yields negative infinity.
func LoudnessDB(magnitudes []byte) float64 {
	if len(magnitudes) == 0 {
		return math.Inf(-1)
	}

	sum := 0.0
	for _, m := range magnitudes {
		normalized := float64(m) / maxMagnitude
		sum += normalized * normalized
	}

	rms := math.Sqrt(sum / float64(len(magnitudes)))
	if rms == 0 {
		return math.Inf(-1)
	}

	db := 20 * math.Log10(rms)
	return math.Max(MinLoudnessDB, math.Min(MaxLoudnessDB, db))
}

// Smooth applies one exponential moving average step. A previous value of
// negative infinity means "no signal yet" and the raw value is taken as is.
func Smooth(prev, raw, factor float64) float64 {
	if math.IsInf(prev, -1) {
		return raw
	}
	// Avoid 0 * Inf at the ends of the range
	if factor >= 1 {
		return prev
	}
	if factor <= 0 {
		return raw
	}
	if math.IsInf(raw, -1) {
		return raw
	}
	return prev*factor + raw*(1-factor)
}
