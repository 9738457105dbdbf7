package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

const maxLineBytes = 64 << 20

// ExecCapability runs the acoustic model as an external process speaking
// JSON lines: one request on stdin, one or more chunks on stdout.
type ExecCapability struct {
	cmd []string
}

type execRequest struct {
	Text                string  `json:"text"`
	ReferenceAudioB64   string  `json:"reference_audio_b64"`
	ReferenceSampleRate int     `json:"reference_sample_rate"`
	ReferenceText       string  `json:"reference_text"`
	Language            string  `json:"language,omitempty"`
	NFEStep             int     `json:"nfe_step"`
	Speed               float64 `json:"speed"`
	CFGStrength         float64 `json:"cfg_strength"`
	SwaySamplingCoef    float64 `json:"sway_sampling_coef"`
	CrossFadeDuration   float64 `json:"cross_fade_duration"`
	FixDuration         float64 `json:"fix_duration,omitempty"`
	Seed                *uint64 `json:"seed,omitempty"`
	Device              string  `json:"device,omitempty"`
	Precision           string  `json:"precision,omitempty"`
	Compile             bool    `json:"compile,omitempty"`
}

type execResponse struct {
	SamplesB64 string `json:"samples_b64"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Final      bool   `json:"final"`
	Error      string `json:"error"`
}

func NewExecCapability(command string) (*ExecCapability, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command empty")
	}
	return &ExecCapability{cmd: args}, nil
}

func (e *ExecCapability) Synthesize(ctx context.Context, call Call) (Output, error) {
	payload, err := json.Marshal(execRequest{
		Text:                call.Text,
		ReferenceAudioB64:   encodeFloat32(call.ReferenceSamples),
		ReferenceSampleRate: call.ReferenceSampleRate,
		ReferenceText:       call.ReferenceText,
		Language:            call.Language,
		NFEStep:             call.NFEStep,
		Speed:               call.Speed,
		CFGStrength:         call.CFGStrength,
		SwaySamplingCoef:    call.SwaySamplingCoef,
		CrossFadeDuration:   call.CrossFadeDuration,
		FixDuration:         call.FixDuration,
		Seed:                call.Seed,
		Device:              call.Device,
		Precision:           call.Precision,
		Compile:             call.Compile,
	})
	if err != nil {
		return Output{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, err
	}
	if err := cmd.Start(); err != nil {
		return Output{}, &EngineError{Kind: KindCrash, Retryable: true, Err: fmt.Errorf("start engine: %w", err)}
	}

	out, parseErr := readChunks(stdout)
	// Output after a final or bad line must still be consumed or the engine
	// can block on a full pipe and never exit.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, ctxErr
	}
	if parseErr != nil {
		return Output{}, parseErr
	}
	if waitErr != nil {
		return Output{}, &EngineError{Kind: KindCrash, Retryable: true,
			Err: fmt.Errorf("engine exited: %w: %s", waitErr, tail(stderr.String(), 512))}
	}
	return out, nil
}

func readChunks(r io.Reader) (Output, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out Output
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Output{}, &EngineError{Kind: KindInvalidOutput, Err: fmt.Errorf("decode engine line: %w", err)}
		}
		if resp.Error != "" {
			return Output{}, &EngineError{Kind: KindEngine, Err: errors.New(resp.Error)}
		}
		samples, err := decodeFloat32(resp.SamplesB64)
		if err != nil {
			return Output{}, &EngineError{Kind: KindInvalidOutput, Err: err}
		}
		if out.SampleRate == 0 {
			out.SampleRate = resp.SampleRate
			out.Channels = resp.Channels
		} else if resp.SampleRate != 0 && resp.SampleRate != out.SampleRate {
			return Output{}, engineErr(KindInvalidOutput, false, "sample rate changed mid-stream")
		}
		out.Samples = append(out.Samples, samples...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return Output{}, &EngineError{Kind: KindInvalidOutput, Err: err}
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	return out, nil
}

func encodeFloat32(samples []float32) string {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeFloat32(s string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("sample payload length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
