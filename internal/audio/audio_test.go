package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3, 0.4}
	out := Resample(in, 24000, 24000)
	assert.Equal(t, in, out)

	assert.Empty(t, Resample(nil, 16000, 24000))
}

func TestResampleLength(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		src, dst int
	}{
		{"upsample", 1000, 16000, 24000},
		{"downsample", 1000, 48000, 24000},
		{"odd ratio", 333, 22050, 24000},
		{"single", 1, 22050, 44100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]float32, tt.n)
			out := Resample(in, tt.src, tt.dst)
			want := int(math.Ceil(float64(tt.n) * float64(tt.dst) / float64(tt.src)))
			assert.Equal(t, want, len(out))
			approx := float64(tt.n) * float64(tt.dst) / float64(tt.src)
			assert.InDelta(t, approx, float64(len(out)), 1)
		})
	}
}

func TestResampleInterpolatesAndClamps(t *testing.T) {
	in := []float32{0, 1}
	out := Resample(in, 1, 2)
	require.Len(t, out, 4)
	assert.InDelta(t, 0, out[0], 1e-6)
	assert.InDelta(t, 0.5, out[1], 1e-6)
	// Positions at or beyond the final sample hold its value.
	assert.InDelta(t, 1, out[2], 1e-6)
	assert.InDelta(t, 1, out[3], 1e-6)
}

func TestEncodeWAVLengthAndHeader(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 2, -2}
	b, err := EncodeWAV(samples, 24000, 1)
	require.NoError(t, err)
	require.Len(t, b, HeaderSize+2*len(samples))

	h, err := ParseHeader(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), h.AudioFormat)
	assert.Equal(t, uint16(1), h.Channels)
	assert.Equal(t, uint32(24000), h.SampleRate)
	assert.Equal(t, uint32(48000), h.ByteRate)
	assert.Equal(t, uint16(2), h.BlockAlign)
	assert.Equal(t, uint16(16), h.BitsPerSample)
	assert.Equal(t, uint32(2*len(samples)), h.DataSize)
	assert.Equal(t, uint32(36+2*len(samples)), h.ChunkSize)
}

func TestEncodeWAVClampsAndRounds(t *testing.T) {
	b, err := EncodeWAV([]float32{1, -1, 3, -3, 0.5}, 16000, 1)
	require.NoError(t, err)
	pcm16 := func(i int) int16 {
		off := HeaderSize + 2*i
		return int16(uint16(b[off]) | uint16(b[off+1])<<8)
	}
	assert.Equal(t, int16(32767), pcm16(0))
	assert.Equal(t, int16(-32767), pcm16(1))
	assert.Equal(t, int16(32767), pcm16(2))
	assert.Equal(t, int16(-32767), pcm16(3))
	assert.Equal(t, int16(16384), pcm16(4))
}

func TestEncodeWAVRejectsBadFormat(t *testing.T) {
	_, err := EncodeWAV([]float32{0}, 0, 1)
	assert.Error(t, err)
	_, err = EncodeWAV([]float32{0}, 16000, 0)
	assert.Error(t, err)
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	in := []float32{0, 0.25, -0.25, 0.5, -0.5}
	b, err := EncodeWAV(in, 22050, 1)
	require.NoError(t, err)

	pcm, err := DecodeWAVBytes(b)
	require.NoError(t, err)
	assert.Equal(t, 22050, pcm.SampleRate)
	assert.Equal(t, 1, pcm.Channels)
	require.Len(t, pcm.Samples, len(in))
	for i := range in {
		assert.InDelta(t, in[i], pcm.Samples[i], 1e-3)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAVBytes([]byte("definitely not audio"))
	assert.Error(t, err)
}

func TestLevelHelpers(t *testing.T) {
	assert.Equal(t, []float32{0.5, 0}, Mono([]float32{1, 0, 0.5, -0.5}, 2))
	assert.InDelta(t, 0.5, RMS([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)
	assert.Equal(t, float64(0), RMS(nil))
	assert.Equal(t, []float32{1, -1}, Scale([]float32{0.5, -0.5}, 2))

	assert.Equal(t, []float32{0.2, -0.3}, TrimTrailingSilence([]float32{0.2, -0.3, 0.0005, 0}, SilenceThreshold))
	assert.Equal(t, []float32{0}, TrimTrailingSilence([]float32{0, 0.0001}, SilenceThreshold))

	assert.True(t, Finite([]float32{0, 1}))
	assert.False(t, Finite([]float32{0, float32(math.NaN())}))
	assert.False(t, Finite([]float32{float32(math.Inf(1))}))

	assert.Equal(t, time.Second, Duration(24000, 24000))
}
