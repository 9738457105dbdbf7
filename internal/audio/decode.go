package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrNotWAV = errors.New("not a valid wav stream")

// PCM is decoded audio normalized to [-1, 1].
type PCM struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// DecodeWAV reads an integer PCM WAV stream.
func DecodeWAV(r io.ReadSeeker) (PCM, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return PCM{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	return fromIntBuffer(buf, int(dec.BitDepth))
}

// DecodeWAVBytes is DecodeWAV over an in-memory payload.
func DecodeWAVBytes(b []byte) (PCM, error) {
	return DecodeWAV(bytes.NewReader(b))
}

// DecodeWAVFile opens and decodes the WAV file at path.
func DecodeWAVFile(path string) (PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return PCM{}, err
	}
	defer f.Close()
	return DecodeWAV(f)
}

func fromIntBuffer(buf *goaudio.IntBuffer, bitDepth int) (PCM, error) {
	if buf == nil || buf.Format == nil {
		return PCM{}, ErrNotWAV
	}
	if bitDepth <= 0 {
		bitDepth = buf.SourceBitDepth
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return PCM{}, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
	scale := float32(int64(1) << uint(bitDepth-1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	return PCM{Samples: out, SampleRate: buf.Format.SampleRate, Channels: channels}, nil
}
