package tts

import (
	"fmt"
	"math"
)

const (
	DefaultTargetRMS   = 0.1
	DefaultCrossFade   = 0.15
	DefaultSway        = -1.0
	DefaultCFGStrength = 2.0
	DefaultSpeed       = 1.0
)

// Options are the per-request overrides a caller may set. Nil fields fall
// back to voice or engine defaults.
type Options struct {
	NFEStep           *int     `json:"nfe_step,omitempty"`
	Speed             *float64 `json:"speed,omitempty"`
	TargetRMS         *float64 `json:"target_rms,omitempty"`
	CrossFadeDuration *float64 `json:"cross_fade_duration,omitempty"`
	SwaySamplingCoef  *float64 `json:"sway_sampling_coef,omitempty"`
	CFGStrength       *float64 `json:"cfg_strength,omitempty"`
	FixDuration       *float64 `json:"fix_duration,omitempty"`
	RemoveSilence     *bool    `json:"remove_silence,omitempty"`
	Seed              *uint64  `json:"seed,omitempty"`
}

// Settings are fully resolved options.
type Settings struct {
	NFEStep           int
	Speed             float64
	TargetRMS         float64
	CrossFadeDuration float64
	SwaySamplingCoef  float64
	CFGStrength       float64
	FixDuration       float64
	RemoveSilence     bool
	Seed              *uint64
}

type Defaults struct {
	NFEStep   int
	TargetRMS float64
}

func (o Options) Validate() error {
	if o.NFEStep != nil && (*o.NFEStep < 1 || *o.NFEStep > 64) {
		return fmt.Errorf("%w: nfe_step must be within 1..64", ErrInvalidOptions)
	}
	if err := checkRange("speed", o.Speed, 0.25, 4, false); err != nil {
		return err
	}
	if err := checkRange("target_rms", o.TargetRMS, 0, 1, true); err != nil {
		return err
	}
	if err := checkRange("cross_fade_duration", o.CrossFadeDuration, 0, 2, false); err != nil {
		return err
	}
	if err := checkRange("sway_sampling_coef", o.SwaySamplingCoef, -1, 1, false); err != nil {
		return err
	}
	if err := checkRange("cfg_strength", o.CFGStrength, 0, 10, false); err != nil {
		return err
	}
	if err := checkRange("fix_duration", o.FixDuration, 0, 60, true); err != nil {
		return err
	}
	return nil
}

func checkRange(name string, v *float64, lo, hi float64, openLow bool) error {
	if v == nil {
		return nil
	}
	x := *v
	if math.IsNaN(x) || math.IsInf(x, 0) || x > hi || x < lo || (openLow && x == lo) {
		return fmt.Errorf("%w: %s out of range", ErrInvalidOptions, name)
	}
	return nil
}

// Resolve fills unset fields. voiceNFE, when positive, beats the engine
// default but not an explicit request value.
func (o Options) Resolve(d Defaults, voiceNFE int) Settings {
	s := Settings{
		NFEStep:           d.NFEStep,
		Speed:             DefaultSpeed,
		TargetRMS:         d.TargetRMS,
		CrossFadeDuration: DefaultCrossFade,
		SwaySamplingCoef:  DefaultSway,
		CFGStrength:       DefaultCFGStrength,
		Seed:              o.Seed,
	}
	if s.TargetRMS <= 0 {
		s.TargetRMS = DefaultTargetRMS
	}
	if voiceNFE > 0 {
		s.NFEStep = voiceNFE
	}
	if o.NFEStep != nil {
		s.NFEStep = *o.NFEStep
	}
	if o.Speed != nil {
		s.Speed = *o.Speed
	}
	if o.TargetRMS != nil {
		s.TargetRMS = *o.TargetRMS
	}
	if o.CrossFadeDuration != nil {
		s.CrossFadeDuration = *o.CrossFadeDuration
	}
	if o.SwaySamplingCoef != nil {
		s.SwaySamplingCoef = *o.SwaySamplingCoef
	}
	if o.CFGStrength != nil {
		s.CFGStrength = *o.CFGStrength
	}
	if o.FixDuration != nil {
		s.FixDuration = *o.FixDuration
	}
	if o.RemoveSilence != nil {
		s.RemoveSilence = *o.RemoveSilence
	}
	return s
}
