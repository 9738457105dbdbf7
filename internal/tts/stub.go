package tts

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

// Stub is a deterministic capability: the same text and seed always produce
// the same samples. Fail and Delay let tests shape its behaviour.
type Stub struct {
	SampleRate int
	Delay      time.Duration
	// Hang ignores context cancellation while delaying, emulating an engine
	// that cannot be interrupted.
	Hang bool
	Fail func(call Call) error

	mu     sync.Mutex
	calls  int
	active int
	peak   int
}

func NewStub(sampleRate int) *Stub {
	return &Stub{SampleRate: sampleRate}
}

func (s *Stub) Synthesize(ctx context.Context, call Call) (Output, error) {
	s.mu.Lock()
	s.calls++
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		if s.Hang {
			<-timer.C
		} else {
			select {
			case <-ctx.Done():
				return Output{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	if s.Fail != nil {
		if err := s.Fail(call); err != nil {
			return Output{}, err
		}
	}

	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	return Output{Samples: Tone(call.Text, call.Seed, rate), SampleRate: rate, Channels: 1}, nil
}

func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Peak is the highest number of concurrent calls observed.
func (s *Stub) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Tone renders 40ms of sine per character, pitched from a hash of the text.
func Tone(text string, seed *uint64, rate int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()
	if seed != nil {
		sum ^= *seed
	}
	freq := 180 + float64(sum%240)
	n := len([]rune(text)) * rate / 25
	if n == 0 {
		n = 1
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}
