package tts

import (
	"context"
	"time"
)

// Call is everything the external synthesis capability receives for one
// utterance. Device, Precision and Compile are opaque pass-through knobs.
type Call struct {
	Text                string
	ReferenceSamples    []float32
	ReferenceSampleRate int
	ReferenceText       string
	Language            string
	NFEStep             int
	Speed               float64
	CFGStrength         float64
	SwaySamplingCoef    float64
	CrossFadeDuration   float64
	FixDuration         float64
	Seed                *uint64
	Device              string
	Precision           string
	Compile             bool
}

// Output is the raw capability response before validation.
type Output struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Capability is the contract for the external acoustic model.
type Capability interface {
	Synthesize(ctx context.Context, call Call) (Output, error)
}

// Result is validated, gain-matched mono audio at the output sample rate.
type Result struct {
	Samples    []float32
	SampleRate int
	Duration   time.Duration
	Gain       float64
}
