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

type BusConfig struct {
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

type CaptureConfig struct {
	DeviceID          string `yaml:"device_id"`
	Mode              string `yaml:"mode"` // exec, stdin, file
	Command           string `yaml:"command"`
	InputPath         string `yaml:"input_path"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	FrameDurationMS   int    `yaml:"frame_duration_ms"`
	QueueSeconds      int    `yaml:"queue_seconds"`
	RelayURL          string `yaml:"relay_url"`
	ReconnectBaseMS   int    `yaml:"reconnect_base_ms"`
	ReconnectCapMS    int    `yaml:"reconnect_cap_ms"`
	ReconnectAttempts int    `yaml:"reconnect_attempts"`
}

type ProviderConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type RelayConfig struct {
	Provider       string                    `yaml:"provider"` // alpha or bravo
	Providers      map[string]ProviderConfig `yaml:"providers"`
	QueueDepth     int                       `yaml:"queue_depth"`
	OpenTimeoutMS  int                       `yaml:"open_timeout_ms"`
	SpeakerMap     map[string]string         `yaml:"speaker_map"`
	IdleTimeoutSec int                       `yaml:"idle_timeout_sec"`
}

type SegmenterConfig struct {
	WakePhrase       string   `yaml:"wake_phrase"`
	TerminalPhrases  []string `yaml:"terminal_phrases"`
	SilenceGapMS     int      `yaml:"silence_gap_ms"`
	MaxUtteranceMS   int      `yaml:"max_utterance_ms"`
	PostWakeWindowMS int      `yaml:"post_wake_window_ms"`
}

type ParserConfig struct {
	Conjunctions       []string `yaml:"conjunctions"`
	InterIntentDelayMS int      `yaml:"inter_intent_delay_ms"`
	AsyncSettleDelayMS int      `yaml:"async_settle_delay_ms"`
}

type SessionConfig struct {
	InactivityLockMS int `yaml:"inactivity_lock_ms"`
	UndoDepth        int `yaml:"undo_depth"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type DevicesConfig struct {
	HeartbeatInterval int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout_ms"`
}

type MacrosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
}

type FeedbackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Voice   string `yaml:"voice"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	Relay       RelayConfig     `yaml:"relay"`
	Segmenter   SegmenterConfig `yaml:"segmenter"`
	Parser      ParserConfig    `yaml:"parser"`
	Session     SessionConfig   `yaml:"session"`
	Store       StoreConfig     `yaml:"store"`
	Devices     DevicesConfig   `yaml:"devices"`
	Macros      MacrosConfig    `yaml:"macros"`
	Feedback    FeedbackConfig  `yaml:"feedback"`
}

func Default() Config {
	return Config{
		RuntimeName: "scribe-runtime",
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
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			DeviceID:          "mic-1",
			Mode:              "stdin",
			SampleRate:        16000,
			Channels:          1,
			FrameDurationMS:   20,
			QueueSeconds:      2,
			RelayURL:          "ws://localhost:8080/v1/stream",
			ReconnectBaseMS:   500,
			ReconnectCapMS:    8000,
			ReconnectAttempts: 5,
		},
		Relay: RelayConfig{
			Provider: "alpha",
			Providers: map[string]ProviderConfig{
				"alpha": {URL: "ws://localhost:9100/listen"},
				"bravo": {URL: "ws://localhost:9200/v1/stream"},
			},
			QueueDepth:    256,
			OpenTimeoutMS: 5000,
			SpeakerMap: map[string]string{
				"0": "clinician",
				"1": "patient",
			},
			IdleTimeoutSec: 30,
		},
		Segmenter: SegmenterConfig{
			WakePhrase:       "hey scribe",
			TerminalPhrases:  []string{"over", "end utterance"},
			SilenceGapMS:     1200,
			MaxUtteranceMS:   15000,
			PostWakeWindowMS: 8000,
		},
		Parser: ParserConfig{
			Conjunctions:       []string{"and", "then"},
			InterIntentDelayMS: 250,
			AsyncSettleDelayMS: 1500,
		},
		Session: SessionConfig{
			InactivityLockMS: 120000,
			UndoDepth:        10,
		},
		Store: StoreConfig{
			Path:          "./data/scribe-notes.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Devices: DevicesConfig{
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Macros: MacrosConfig{
			Enabled:   true,
			Directory: "./macros",
		},
		Feedback: FeedbackConfig{
			Enabled: true,
			Voice:   "en-US",
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.DeviceID, "SCRIBE_CAPTURE_DEVICE_ID")
	overrideString(&cfg.Capture.Mode, "SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "SCRIBE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.InputPath, "SCRIBE_CAPTURE_INPUT_PATH")
	overrideInt(&cfg.Capture.SampleRate, "SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "SCRIBE_CAPTURE_FRAME_DURATION_MS")
	overrideInt(&cfg.Capture.QueueSeconds, "SCRIBE_CAPTURE_QUEUE_SECONDS")
	overrideString(&cfg.Capture.RelayURL, "SCRIBE_CAPTURE_RELAY_URL")
	overrideInt(&cfg.Capture.ReconnectBaseMS, "SCRIBE_CAPTURE_RECONNECT_BASE_MS")
	overrideInt(&cfg.Capture.ReconnectCapMS, "SCRIBE_CAPTURE_RECONNECT_CAP_MS")
	overrideInt(&cfg.Capture.ReconnectAttempts, "SCRIBE_CAPTURE_RECONNECT_ATTEMPTS")
	overrideString(&cfg.Relay.Provider, "SCRIBE_RELAY_PROVIDER")
	overrideInt(&cfg.Relay.QueueDepth, "SCRIBE_RELAY_QUEUE_DEPTH")
	overrideInt(&cfg.Relay.OpenTimeoutMS, "SCRIBE_RELAY_OPEN_TIMEOUT_MS")
	overrideInt(&cfg.Relay.IdleTimeoutSec, "SCRIBE_RELAY_IDLE_TIMEOUT_SEC")
	overrideString(&cfg.Segmenter.WakePhrase, "SCRIBE_SEGMENTER_WAKE_PHRASE")
	overrideStringSlice(&cfg.Segmenter.TerminalPhrases, "SCRIBE_SEGMENTER_TERMINAL_PHRASES")
	overrideInt(&cfg.Segmenter.SilenceGapMS, "SCRIBE_SEGMENTER_SILENCE_GAP_MS")
	overrideInt(&cfg.Segmenter.MaxUtteranceMS, "SCRIBE_SEGMENTER_MAX_UTTERANCE_MS")
	overrideInt(&cfg.Segmenter.PostWakeWindowMS, "SCRIBE_SEGMENTER_POST_WAKE_WINDOW_MS")
	overrideStringSlice(&cfg.Parser.Conjunctions, "SCRIBE_PARSER_CONJUNCTIONS")
	overrideInt(&cfg.Parser.InterIntentDelayMS, "SCRIBE_PARSER_INTER_INTENT_DELAY_MS")
	overrideInt(&cfg.Parser.AsyncSettleDelayMS, "SCRIBE_PARSER_ASYNC_SETTLE_DELAY_MS")
	overrideInt(&cfg.Session.InactivityLockMS, "SCRIBE_SESSION_INACTIVITY_LOCK_MS")
	overrideInt(&cfg.Session.UndoDepth, "SCRIBE_SESSION_UNDO_DEPTH")
	overrideString(&cfg.Store.Path, "SCRIBE_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "SCRIBE_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "SCRIBE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "SCRIBE_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "SCRIBE_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Devices.HeartbeatInterval, "SCRIBE_DEVICES_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Devices.HeartbeatTimeout, "SCRIBE_DEVICES_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Macros.Enabled, "SCRIBE_MACROS_ENABLED")
	overrideString(&cfg.Macros.Directory, "SCRIBE_MACROS_DIRECTORY")
	overrideBool(&cfg.Feedback.Enabled, "SCRIBE_FEEDBACK_ENABLED")
	overrideString(&cfg.Feedback.Voice, "SCRIBE_FEEDBACK_VOICE")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	if cfg.Capture.QueueSeconds <= 0 {
		return errors.New("capture.queue_seconds must be positive")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.Mode == "file" && cfg.Capture.InputPath == "" {
		return errors.New("capture.input_path must be set when mode=file")
	}
	switch cfg.Relay.Provider {
	case "alpha", "bravo":
	default:
		return errors.New("relay.provider must be one of alpha|bravo")
	}
	if _, ok := cfg.Relay.Providers[cfg.Relay.Provider]; !ok {
		return fmt.Errorf("relay.providers is missing an entry for %q", cfg.Relay.Provider)
	}
	if cfg.Relay.QueueDepth <= 0 {
		return errors.New("relay.queue_depth must be positive")
	}
	if cfg.Segmenter.WakePhrase == "" {
		return errors.New("segmenter.wake_phrase must not be empty")
	}
	if cfg.Segmenter.SilenceGapMS <= 0 {
		return errors.New("segmenter.silence_gap_ms must be positive")
	}
	if cfg.Segmenter.MaxUtteranceMS <= cfg.Segmenter.SilenceGapMS {
		return errors.New("segmenter.max_utterance_ms must be greater than silence_gap_ms")
	}
	if cfg.Parser.InterIntentDelayMS < 0 {
		return errors.New("parser.inter_intent_delay_ms must be >= 0")
	}
	if cfg.Parser.AsyncSettleDelayMS < cfg.Parser.InterIntentDelayMS {
		return errors.New("parser.async_settle_delay_ms must be >= inter_intent_delay_ms")
	}
	if cfg.Session.UndoDepth <= 0 {
		return errors.New("session.undo_depth must be >= 1")
	}
	if cfg.Session.InactivityLockMS <= 0 {
		return errors.New("session.inactivity_lock_ms must be positive")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Devices.HeartbeatInterval <= 0 {
		return errors.New("devices.heartbeat_interval_ms must be positive")
	}
	if cfg.Devices.HeartbeatTimeout <= cfg.Devices.HeartbeatInterval {
		return errors.New("devices.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if cfg.Macros.Enabled && cfg.Macros.Directory == "" {
		return errors.New("macros.directory must not be empty when macros are enabled")
	}
	return nil
}
