package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.MaxParallel != 2 {
		t.Fatalf("expected default max_parallel 2, got %d", cfg.Scheduler.MaxParallel)
	}
	if cfg.Engine.OutputSampleRate != 24000 {
		t.Fatalf("expected output sample rate 24000, got %d", cfg.Engine.OutputSampleRate)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral event store by default")
	}
}

func TestLoadVoicesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqacast.yaml")
	body := `
scheduler:
  max_parallel: 3
voices:
  - id: walter
    reference_audio: ./voices/walter.wav
    reference_text: "say my name"
    language: en
    preload: true
  - id: ishow
    reference_audio: ./voices/ishow.wav
    nfe_step: 24
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(cfg.Voices))
	}
	if !cfg.Voices[0].Preload || cfg.Voices[1].NFEStep != 24 {
		t.Fatalf("voice fields not decoded: %+v", cfg.Voices)
	}
	if cfg.DefaultVoice != "walter" {
		t.Fatalf("expected first voice as default, got %q", cfg.DefaultVoice)
	}
	if cfg.Scheduler.MaxParallel != 3 {
		t.Fatalf("expected max_parallel 3, got %d", cfg.Scheduler.MaxParallel)
	}
	if cfg.Scheduler.QueueDepth != 32 {
		t.Fatalf("expected untouched default queue_depth, got %d", cfg.Scheduler.QueueDepth)
	}
}

func TestValidateRejectsDuplicateVoice(t *testing.T) {
	cfg := Default()
	cfg.Voices = []VoiceConfig{
		{ID: "walter", ReferenceAudio: "a.wav"},
		{ID: "walter", ReferenceAudio: "b.wav"},
	}
	if err := validate(cfg); err == nil {
		t.Fatal("expected duplicate voice error")
	}
}

func TestValidateExecNeedsCommand(t *testing.T) {
	cfg := Default()
	cfg.Engine.Mode = "exec"
	if err := validate(cfg); err == nil {
		t.Fatal("expected missing command error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_SCHEDULER_MAX_PARALLEL", "1")
	t.Setenv("LOQA_SCHEDULER_PRIORITY_LANE", "false")
	t.Setenv("LOQA_ENGINE_MODE", "exec")
	t.Setenv("LOQA_ENGINE_COMMAND", "python3 f5_worker.py --device cuda")
	t.Setenv("LOQA_ENGINE_TARGET_RMS", "0.2")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_EVENTS", "123")
	t.Setenv("LOQA_DELIVERY_POLICY", "drop_newest")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled override")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Scheduler.MaxParallel != 1 || cfg.Scheduler.PriorityLane {
		t.Fatalf("expected scheduler overrides, got %+v", cfg.Scheduler)
	}
	if cfg.Engine.Mode != "exec" || cfg.Engine.Command == "" {
		t.Fatalf("expected engine overrides, got %+v", cfg.Engine)
	}
	if cfg.Engine.TargetRMS != 0.2 {
		t.Fatalf("expected target rms 0.2, got %v", cfg.Engine.TargetRMS)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxEvents != 123 {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Delivery.Policy != "drop_newest" {
		t.Fatalf("expected delivery policy override")
	}
}
