package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// GatewayConfig is the chat source tuning file. It lives apart from the
// runtime YAML so operators can retune filtering without touching voices.
type GatewayConfig struct {
	Queue  GatewayQueueConfig  `toml:"queue"`
	Filter GatewayFilterConfig `toml:"filter"`
	Limit  GatewayLimitConfig  `toml:"limit"`
	TTS    GatewayTTSConfig    `toml:"tts"`
}

type GatewayQueueConfig struct {
	Capacity        int     `toml:"capacity"`
	RateLimitPerSec float64 `toml:"rate_limit_per_sec"`
}

type GatewayFilterConfig struct {
	MaxWords       int      `toml:"max_words"`
	MaxChars       int      `toml:"max_chars"`
	MinChars       int      `toml:"min_chars"`
	BannedKeywords []string `toml:"banned_keywords"`
	AllowLinks     bool     `toml:"allow_links"`
	DedupeWindowMS int      `toml:"dedupe_window_ms"`
}

type GatewayLimitConfig struct {
	SenderRate     float64 `toml:"sender_rate"`
	SenderBurst    int     `toml:"sender_burst"`
	SelectWindowMS int     `toml:"select_window_ms"`
	MaxSenders     int     `toml:"max_senders"`
}

type GatewayTTSConfig struct {
	VoiceID       string `toml:"voice_id"`
	NFEStep       int    `toml:"nfe_step"`
	RemoveSilence bool   `toml:"remove_silence"`
}

func DefaultGateway() GatewayConfig {
	return GatewayConfig{
		Queue: GatewayQueueConfig{
			Capacity:        512,
			RateLimitPerSec: 1.5,
		},
		Filter: GatewayFilterConfig{
			MaxWords:       77,
			MaxChars:       280,
			MinChars:       1,
			DedupeWindowMS: 10000,
		},
		Limit: GatewayLimitConfig{
			SenderRate:  0.2,
			SenderBurst: 2,
			MaxSenders:  4096,
		},
		TTS: GatewayTTSConfig{
			NFEStep:       16,
			RemoveSilence: true,
		},
	}
}

// LoadGateway reads the TOML gateway file. An empty path yields defaults.
func LoadGateway(path string) (GatewayConfig, error) {
	cfg := DefaultGateway()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read gateway config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	}
	if err := validateGateway(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateGateway(cfg GatewayConfig) error {
	if cfg.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be >= 1")
	}
	if cfg.Queue.RateLimitPerSec < 0 {
		return errors.New("queue.rate_limit_per_sec must be >= 0")
	}
	if cfg.Filter.MaxWords <= 0 || cfg.Filter.MaxChars <= 0 {
		return errors.New("filter.max_words and filter.max_chars must be positive")
	}
	if cfg.Filter.MinChars < 0 || cfg.Filter.MinChars > cfg.Filter.MaxChars {
		return errors.New("filter.min_chars must be between 0 and filter.max_chars")
	}
	if cfg.Filter.DedupeWindowMS < 0 || cfg.Limit.SelectWindowMS < 0 {
		return errors.New("window durations must be >= 0")
	}
	if cfg.Limit.SenderRate < 0 || cfg.Limit.SenderBurst < 0 {
		return errors.New("limit.sender_rate and limit.sender_burst must be >= 0")
	}
	if cfg.Limit.SenderRate > 0 && cfg.Limit.SenderBurst == 0 {
		return errors.New("limit.sender_burst must be >= 1 when sender_rate is set")
	}
	if cfg.TTS.NFEStep < 0 {
		return errors.New("tts.nfe_step must be >= 0")
	}
	return nil
}
