package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGatewayDefaults(t *testing.T) {
	cfg, err := LoadGateway("")
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Queue.Capacity)
	assert.InDelta(t, 1.5, cfg.Queue.RateLimitPerSec, 1e-9)
	assert.Equal(t, 77, cfg.Filter.MaxWords)
	assert.Equal(t, 280, cfg.Filter.MaxChars)
	assert.Equal(t, 16, cfg.TTS.NFEStep)
	assert.True(t, cfg.TTS.RemoveSilence)
}

func TestLoadGatewayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	body := `
[queue]
capacity = 100
rate_limit_per_sec = 2.0

[filter]
max_words = 50
banned_keywords = ["bad"]
allow_links = true

[limit]
sender_rate = 1.0
sender_burst = 3
select_window_ms = 2000

[tts]
voice_id = "walter"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadGateway(path)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Queue.Capacity)
	assert.Equal(t, 50, cfg.Filter.MaxWords)
	assert.Equal(t, 280, cfg.Filter.MaxChars, "unset keys keep defaults")
	assert.Equal(t, []string{"bad"}, cfg.Filter.BannedKeywords)
	assert.True(t, cfg.Filter.AllowLinks)
	assert.Equal(t, 3, cfg.Limit.SenderBurst)
	assert.Equal(t, 2000, cfg.Limit.SelectWindowMS)
	assert.Equal(t, "walter", cfg.TTS.VoiceID)
}

func TestLoadGatewayRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte("[queue]\ncapacity = 0\n"), 0o600))
	_, err := LoadGateway(path)
	assert.Error(t, err)

	_, err = LoadGateway(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
