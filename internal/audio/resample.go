// Package audio holds the sample-level helpers shared by the voice cache and
// the synthesis pipeline: resampling, level measurement and WAV handling.
package audio

import (
	"math"
	"time"
)

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Equal rates or empty input return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	outLen := int(math.Ceil(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	out := make([]float32, outLen)
	step := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		a, b := samples[idx], samples[idx+1]
		out[i] = a + (b-a)*frac
	}
	return out
}

// Duration reports the playback length of n mono samples at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(rate) * float64(time.Second))
}
