package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind            string `yaml:"bind"`
	Port            int    `yaml:"port"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_ms"`
}

type Config struct {
	RuntimeName  string           `yaml:"runtime_name"`
	Environment  string           `yaml:"environment"`
	HTTP         HTTPConfig       `yaml:"http"`
	Telemetry    TelemetryConfig  `yaml:"telemetry"`
	Bus          BusConfig        `yaml:"bus"`
	EventStore   EventStoreConfig `yaml:"event_store"`
	Engine       EngineConfig     `yaml:"engine"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	Delivery     DeliveryConfig   `yaml:"delivery"`
	Danmaku      DanmakuConfig    `yaml:"danmaku"`
	DefaultVoice string           `yaml:"default_voice"`
	Voices       []VoiceConfig    `yaml:"voices"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// EngineConfig describes the external synthesis capability. Device,
// Precision and Compile are passed through untouched.
type EngineConfig struct {
	Mode                string   `yaml:"mode"` // stub, exec
	Command             string   `yaml:"command"`
	Device              string   `yaml:"device"`
	Precision           string   `yaml:"precision"`
	Compile             bool     `yaml:"compile"`
	DefaultNFEStep      int      `yaml:"default_nfe_step"`
	ReferenceSampleRate int      `yaml:"reference_sample_rate"`
	OutputSampleRate    int      `yaml:"output_sample_rate"`
	TargetRMS           float64  `yaml:"target_rms"`
	SupportedLanguages  []string `yaml:"supported_languages"`
}

type SchedulerConfig struct {
	MaxParallel      int  `yaml:"max_parallel"`
	QueueDepth       int  `yaml:"queue_depth"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
	PriorityLane     bool `yaml:"priority_lane"`
	MaxTextChars     int  `yaml:"max_text_chars"`
}

type DeliveryConfig struct {
	Buffer      int    `yaml:"buffer"`
	Policy      string `yaml:"policy"` // drop_oldest, drop_newest
	Backlog     int    `yaml:"backlog"`
	HeartbeatMS int    `yaml:"heartbeat_ms"`
}

type DanmakuConfig struct {
	Enabled     bool         `yaml:"enabled"`
	GatewayFile string       `yaml:"gateway_file"`
	Twitch      TwitchConfig `yaml:"twitch"`
}

type TwitchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Server     string `yaml:"server"`
	Username   string `yaml:"username"`
	OAuthToken string `yaml:"oauth_token"`
}

type VoiceConfig struct {
	ID             string `yaml:"id"`
	Label          string `yaml:"label"`
	ReferenceAudio string `yaml:"reference_audio"`
	ReferenceText  string `yaml:"reference_text"`
	Language       string `yaml:"language"`
	Preload        bool   `yaml:"preload"`
	NFEStep        int    `yaml:"nfe_step"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-cast",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:            "0.0.0.0",
			Port:            27121,
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: 10000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-cast-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxEvents:     100000,
		},
		Engine: EngineConfig{
			Mode:                "stub",
			Device:              "auto",
			Precision:           "fp16",
			DefaultNFEStep:      32,
			ReferenceSampleRate: 24000,
			OutputSampleRate:    24000,
			TargetRMS:           0.1,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:      2,
			QueueDepth:       32,
			RequestTimeoutMS: 45000,
			PriorityLane:     true,
			MaxTextChars:     2000,
		},
		Delivery: DeliveryConfig{
			Buffer:      16,
			Policy:      "drop_oldest",
			Backlog:     8,
			HeartbeatMS: 15000,
		},
		Danmaku: DanmakuConfig{
			Enabled: true,
			Twitch: TwitchConfig{
				Enabled: true,
				Server:  "irc.chat.twitch.tv:6667",
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if cfg.DefaultVoice == "" && len(cfg.Voices) > 0 {
		cfg.DefaultVoice = cfg.Voices[0].ID
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxEvents, "LOQA_EVENT_STORE_MAX_EVENTS")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Device, "LOQA_ENGINE_DEVICE")
	overrideString(&cfg.Engine.Precision, "LOQA_ENGINE_PRECISION")
	overrideBool(&cfg.Engine.Compile, "LOQA_ENGINE_COMPILE")
	overrideInt(&cfg.Engine.DefaultNFEStep, "LOQA_ENGINE_DEFAULT_NFE_STEP")
	overrideFloat(&cfg.Engine.TargetRMS, "LOQA_ENGINE_TARGET_RMS")
	overrideInt(&cfg.Scheduler.MaxParallel, "LOQA_SCHEDULER_MAX_PARALLEL")
	overrideInt(&cfg.Scheduler.QueueDepth, "LOQA_SCHEDULER_QUEUE_DEPTH")
	overrideInt(&cfg.Scheduler.RequestTimeoutMS, "LOQA_SCHEDULER_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Scheduler.PriorityLane, "LOQA_SCHEDULER_PRIORITY_LANE")
	overrideString(&cfg.Delivery.Policy, "LOQA_DELIVERY_POLICY")
	overrideInt(&cfg.Delivery.Buffer, "LOQA_DELIVERY_BUFFER")
	overrideBool(&cfg.Danmaku.Enabled, "LOQA_DANMAKU_ENABLED")
	overrideString(&cfg.Danmaku.GatewayFile, "LOQA_DANMAKU_GATEWAY_FILE")
	overrideBool(&cfg.Danmaku.Twitch.Enabled, "LOQA_TWITCH_ENABLED")
	overrideString(&cfg.Danmaku.Twitch.Username, "LOQA_TWITCH_USERNAME")
	overrideString(&cfg.Danmaku.Twitch.OAuthToken, "LOQA_TWITCH_OAUTH_TOKEN")
	overrideString(&cfg.DefaultVoice, "LOQA_DEFAULT_VOICE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty in persistent mode")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Engine.Mode {
	case "stub":
	case "exec":
		if cfg.Engine.Command == "" {
			return errors.New("engine.command must be set when mode=exec")
		}
	default:
		return errors.New("engine.mode must be one of stub|exec")
	}
	if cfg.Engine.ReferenceSampleRate <= 0 || cfg.Engine.OutputSampleRate <= 0 {
		return errors.New("engine sample rates must be positive")
	}
	if cfg.Engine.TargetRMS <= 0 || cfg.Engine.TargetRMS > 1 {
		return errors.New("engine.target_rms must be in (0, 1]")
	}
	if cfg.Engine.DefaultNFEStep <= 0 {
		return errors.New("engine.default_nfe_step must be positive")
	}
	if cfg.Scheduler.MaxParallel <= 0 {
		return errors.New("scheduler.max_parallel must be >= 1")
	}
	if cfg.Scheduler.QueueDepth < 0 {
		return errors.New("scheduler.queue_depth must be >= 0")
	}
	if cfg.Scheduler.RequestTimeoutMS <= 0 {
		return errors.New("scheduler.request_timeout_ms must be positive")
	}
	if cfg.Scheduler.MaxTextChars <= 0 {
		return errors.New("scheduler.max_text_chars must be positive")
	}
	switch cfg.Delivery.Policy {
	case "drop_oldest", "drop_newest":
	default:
		return errors.New("delivery.policy must be one of drop_oldest|drop_newest")
	}
	if cfg.Delivery.Buffer <= 0 {
		return errors.New("delivery.buffer must be >= 1")
	}
	if cfg.Delivery.Backlog < 0 {
		return errors.New("delivery.backlog must be >= 0")
	}
	seen := make(map[string]struct{}, len(cfg.Voices))
	for i, v := range cfg.Voices {
		if v.ID == "" {
			return fmt.Errorf("voices[%d].id must not be empty", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("voices[%d].id %q is duplicated", i, v.ID)
		}
		seen[v.ID] = struct{}{}
		if v.ReferenceAudio == "" {
			return fmt.Errorf("voices[%d].reference_audio must not be empty", i)
		}
		if v.NFEStep < 0 {
			return fmt.Errorf("voices[%d].nfe_step must be >= 0", i)
		}
	}
	if cfg.DefaultVoice != "" && len(cfg.Voices) > 0 {
		if _, ok := seen[cfg.DefaultVoice]; !ok {
			return fmt.Errorf("default_voice %q is not a configured voice", cfg.DefaultVoice)
		}
	}
	return nil
}
