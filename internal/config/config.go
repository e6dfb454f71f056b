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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Session     SessionConfig    `yaml:"session"`
	Personas    PersonasConfig   `yaml:"personas"`
	Capture     CaptureConfig    `yaml:"capture"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Reply       ReplyConfig      `yaml:"reply"`
	Router      RouterConfig     `yaml:"router"`
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

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

// EventStoreConfig controls the session journal. The journal is an audit trail
// only; transcripts are never reloaded from it.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SessionConfig holds the conversation controller timing and scripted texts.
type SessionConfig struct {
	DebounceMS     int    `yaml:"debounce_ms"`
	InterimGraceMS int    `yaml:"interim_grace_ms"`
	ReplyTimeoutMS int    `yaml:"reply_timeout_ms"`
	MaxPending     int    `yaml:"max_pending"`
	Language       string `yaml:"language"`
	DefaultPersona string `yaml:"default_persona"`
	ApologyText    string `yaml:"apology_text"`
	EmptyReplyText string `yaml:"empty_reply_text"`
}

type PersonasConfig struct {
	File string `yaml:"file"`
}

type CaptureConfig struct {
	Mode    string `yaml:"mode"` // none, mock, exec, bus
	Command string `yaml:"command"`
}

type PlaybackConfig struct {
	Mode          string `yaml:"mode"` // none, mock, exec, bus
	Command       string `yaml:"command"`
	PlayerCommand string `yaml:"player_command"`
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	RecordDir     string `yaml:"record_dir"`
}

type ReplyConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, bus
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	Serve       bool    `yaml:"serve"`
}

type RouterConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voicechat",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "loqa-voicechat-1",
			Role:              "conversation",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "conversation.session", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voicechat-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Session: SessionConfig{
			DebounceMS:     1000,
			InterimGraceMS: 500,
			ReplyTimeoutMS: 20000,
			MaxPending:     8,
			Language:       "zh-CN",
			DefaultPersona: "fox",
			ApologyText:    "哎呀，我现在有点累了，稍后再聊好吗？",
			EmptyReplyText: "哇，这个问题很有趣呢！让我想想怎么回答你...",
		},
		Capture: CaptureConfig{
			Mode: "mock",
		},
		Playback: PlaybackConfig{
			Mode:       "mock",
			SampleRate: 22050,
			Channels:   1,
		},
		Reply: ReplyConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "qwen2.5:3b",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		Router: RouterConfig{
			Enabled: true,
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
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "LOQA_NODE_ID")
	overrideString(&cfg.Node.Role, "LOQA_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LOQA_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LOQA_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.DebounceMS, "LOQA_SESSION_DEBOUNCE_MS")
	overrideInt(&cfg.Session.InterimGraceMS, "LOQA_SESSION_INTERIM_GRACE_MS")
	overrideInt(&cfg.Session.ReplyTimeoutMS, "LOQA_SESSION_REPLY_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxPending, "LOQA_SESSION_MAX_PENDING")
	overrideString(&cfg.Session.Language, "LOQA_SESSION_LANGUAGE")
	overrideString(&cfg.Session.DefaultPersona, "LOQA_SESSION_DEFAULT_PERSONA")
	overrideString(&cfg.Session.ApologyText, "LOQA_SESSION_APOLOGY_TEXT")
	overrideString(&cfg.Session.EmptyReplyText, "LOQA_SESSION_EMPTY_REPLY_TEXT")
	overrideString(&cfg.Personas.File, "LOQA_PERSONAS_FILE")
	overrideString(&cfg.Capture.Mode, "LOQA_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Playback.Mode, "LOQA_PLAYBACK_MODE")
	overrideString(&cfg.Playback.Command, "LOQA_PLAYBACK_COMMAND")
	overrideString(&cfg.Playback.PlayerCommand, "LOQA_PLAYBACK_PLAYER_COMMAND")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "LOQA_PLAYBACK_CHANNELS")
	overrideString(&cfg.Playback.RecordDir, "LOQA_PLAYBACK_RECORD_DIR")
	overrideString(&cfg.Reply.Mode, "LOQA_REPLY_MODE")
	overrideString(&cfg.Reply.Endpoint, "LOQA_REPLY_ENDPOINT")
	overrideString(&cfg.Reply.Command, "LOQA_REPLY_COMMAND")
	overrideString(&cfg.Reply.Model, "LOQA_REPLY_MODEL")
	overrideInt(&cfg.Reply.MaxTokens, "LOQA_REPLY_MAX_TOKENS")
	overrideFloat(&cfg.Reply.Temperature, "LOQA_REPLY_TEMPERATURE")
	overrideBool(&cfg.Reply.Serve, "LOQA_REPLY_SERVE")
	overrideBool(&cfg.Router.Enabled, "LOQA_ROUTER_ENABLED")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be -1 or between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Session.DebounceMS <= 0 {
		return errors.New("session.debounce_ms must be positive")
	}
	if cfg.Session.InterimGraceMS < 0 {
		return errors.New("session.interim_grace_ms must be >= 0")
	}
	if cfg.Session.ReplyTimeoutMS <= 0 {
		return errors.New("session.reply_timeout_ms must be positive")
	}
	if cfg.Session.MaxPending <= 0 {
		return errors.New("session.max_pending must be >= 1")
	}
	if strings.TrimSpace(cfg.Session.ApologyText) == "" {
		return errors.New("session.apology_text must not be empty")
	}
	if strings.TrimSpace(cfg.Session.EmptyReplyText) == "" {
		return errors.New("session.empty_reply_text must not be empty")
	}
	switch cfg.Capture.Mode {
	case "none", "mock", "bus":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	default:
		return errors.New("capture.mode must be one of none|mock|exec|bus")
	}
	switch cfg.Playback.Mode {
	case "none", "mock", "bus":
	case "exec":
		if cfg.Playback.Command == "" {
			return errors.New("playback.command must be set when mode=exec")
		}
	default:
		return errors.New("playback.mode must be one of none|mock|exec|bus")
	}
	if cfg.Playback.Mode == "mock" || cfg.Playback.Mode == "exec" {
		if cfg.Playback.SampleRate <= 0 {
			return errors.New("playback.sample_rate must be positive")
		}
		if cfg.Playback.Channels <= 0 {
			return errors.New("playback.channels must be positive")
		}
	}
	switch cfg.Reply.Mode {
	case "mock", "bus":
	case "ollama":
		if cfg.Reply.Endpoint == "" {
			return errors.New("reply.endpoint must be set when mode=ollama")
		}
	case "exec":
		if cfg.Reply.Command == "" {
			return errors.New("reply.command must be set when mode=exec")
		}
	default:
		return errors.New("reply.mode must be one of mock|ollama|exec|bus")
	}
	if cfg.Reply.MaxTokens < 0 {
		return errors.New("reply.max_tokens must be >= 0")
	}
	if !cfg.Bus.Enabled {
		if cfg.Capture.Mode == "bus" || cfg.Playback.Mode == "bus" || cfg.Reply.Mode == "bus" {
			return errors.New("bus mode capabilities require bus.enabled")
		}
		if cfg.Reply.Serve {
			return errors.New("reply.serve requires bus.enabled")
		}
	}
	if cfg.Reply.Serve && cfg.Reply.Mode == "bus" {
		return errors.New("reply.serve cannot answer with reply.mode=bus")
	}
	return nil
}
