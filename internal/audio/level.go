package audio

import "math"

// SilenceThreshold is the amplitude at or below which trailing samples are
// considered silent.
const SilenceThreshold = 1e-3

// Mono averages interleaved frames down to a single channel.
func Mono(samples []float32, channels int) []float32 {
	if channels <= 1 || len(samples) == 0 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += samples[base+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}

// RMS returns the root mean square level of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var acc float64
	for _, s := range samples {
		acc += float64(s) * float64(s)
	}
	return math.Sqrt(acc / float64(len(samples)))
}

// Scale returns a copy of samples multiplied by gain.
func Scale(samples []float32, gain float64) []float32 {
	out := make([]float32, len(samples))
	g := float32(gain)
	for i, s := range samples {
		out[i] = s * g
	}
	return out
}

// TrimTrailingSilence drops trailing samples whose magnitude is at or below
// threshold. A buffer that is silent throughout collapses to one zero sample.
func TrimTrailingSilence(samples []float32, threshold float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	if threshold < 0 {
		threshold = -threshold
	}
	end := len(samples)
	for end > 0 && abs32(samples[end-1]) <= threshold {
		end--
	}
	if end == 0 {
		return []float32{0}
	}
	return samples[:end]
}

// Finite reports whether every sample is a finite number.
func Finite(samples []float32) bool {
	for _, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
