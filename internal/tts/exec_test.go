package tts

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecCapabilityReadsChunks(t *testing.T) {
	requireShell(t)
	// AACAPw== is a single float32 1.0, AAAAAA== a single 0.0.
	script := `sh -c 'cat >/dev/null; ` +
		`echo "{\"samples_b64\":\"AACAPw==\",\"sample_rate\":24000,\"channels\":1}"; ` +
		`echo "{\"samples_b64\":\"AAAAAA==\",\"final\":true}"'`
	capability, err := NewExecCapability(script)
	require.NoError(t, err)

	out, err := capability.Synthesize(context.Background(), Call{Text: "hi", ReferenceSamples: []float32{0.1}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, out.Samples)
	assert.Equal(t, 24000, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
}

func TestExecCapabilityReportsEngineError(t *testing.T) {
	requireShell(t)
	capability, err := NewExecCapability(`sh -c 'cat >/dev/null; echo "{\"error\":\"model not loaded\"}"'`)
	require.NoError(t, err)

	_, err = capability.Synthesize(context.Background(), Call{Text: "hi"})
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, KindEngine, engErr.Kind)
	assert.False(t, engErr.Transient())
}

func TestExecCapabilityDrainsOutputAfterError(t *testing.T) {
	requireShell(t)
	// 1 MiB after the error line is far more than a pipe buffer holds.
	capability, err := NewExecCapability(`sh -c 'cat >/dev/null; echo "{\"error\":\"busy\"}"; head -c 1048576 /dev/zero'`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = capability.Synthesize(ctx, Call{Text: "hi"})
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr), "got %v", err)
	assert.Equal(t, KindEngine, engErr.Kind)
	assert.NoError(t, ctx.Err())
}

func TestExecCapabilityCrashIsTransient(t *testing.T) {
	requireShell(t)
	capability, err := NewExecCapability(`sh -c 'cat >/dev/null; echo boom >&2; exit 3'`)
	require.NoError(t, err)

	_, err = capability.Synthesize(context.Background(), Call{Text: "hi"})
	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, KindCrash, engErr.Kind)
	assert.True(t, engErr.Transient())
	assert.Contains(t, err.Error(), "boom")
}

func TestNewExecCapabilityRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecCapability("   ")
	assert.Error(t, err)
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 1, -0.5, 0.25}
	out, err := decodeFloat32(encodeFloat32(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeFloat32("AAA=")
	assert.Error(t, err)
}
