package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string

	// Control plane. An empty token disables bearer auth (dev only).
	ControlToken string

	// Realtime voice-AI collaborator.
	RealtimeURL    string
	RealtimeAPIKey string

	// Telephony provider REST API.
	TelephonyBaseURL string
	TelephonyAPIKey  string

	// Ingestion/broadcast collaborator. Empty base URL disables telemetry.
	IngestBaseURL string
	IngestToken   string

	// Optional plain-text notification sink.
	NotifyWebhookURL  string
	NotifyMaxMsgBytes int

	// Agent profile: model/voice/greeting plus the instructions file.
	Agent AgentProfile

	// Delay between a successful accept and dialing the duplex channel. The
	// provider documents a short window before the call leg is addressable.
	ConnectDelay time.Duration

	// Outbound collaborator timeouts.
	AcceptTimeout    time.Duration
	HangupTimeout    time.Duration
	TransferTimeout  time.Duration
	TelemetryTimeout time.Duration

	// Duplex channel keepalive/write discipline.
	ChannelPingInterval time.Duration
	ChannelWriteTimeout time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// AgentProfile is the per-deployment voice agent shape, loadable from a YAML
// file pointed at by BRIDGE_AGENT_PROFILE and overridable per field by env.
type AgentProfile struct {
	Model            string `yaml:"model"`
	Voice            string `yaml:"voice"`
	Greeting         string `yaml:"greeting"`
	InstructionsFile string `yaml:"instructions_file"`

	// TransferTarget is the human destination (SIP URI or E.164 number) for
	// transfer_to_human. Empty disables the transfer tool.
	TransferTarget string `yaml:"transfer_target"`
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("BRIDGE_ADDR", ":8080"),
		ControlToken:        strings.TrimSpace(os.Getenv("BRIDGE_CONTROL_TOKEN")),
		RealtimeURL:         envOr("BRIDGE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeAPIKey:      strings.TrimSpace(os.Getenv("BRIDGE_REALTIME_API_KEY")),
		TelephonyBaseURL:    envOr("BRIDGE_TELEPHONY_BASE_URL", "https://api.openai.com/v1/realtime/calls"),
		TelephonyAPIKey:     strings.TrimSpace(os.Getenv("BRIDGE_TELEPHONY_API_KEY")),
		IngestBaseURL:       strings.TrimSpace(os.Getenv("BRIDGE_INGEST_BASE_URL")),
		IngestToken:         strings.TrimSpace(os.Getenv("BRIDGE_INGEST_TOKEN")),
		NotifyWebhookURL:    strings.TrimSpace(os.Getenv("BRIDGE_NOTIFY_WEBHOOK_URL")),
		NotifyMaxMsgBytes:   envIntOr("BRIDGE_NOTIFY_MAX_MSG_BYTES", 3800),
		ConnectDelay:        envDurationOr("BRIDGE_CONNECT_DELAY", 250*time.Millisecond),
		AcceptTimeout:       envDurationOr("BRIDGE_ACCEPT_TIMEOUT", 10*time.Second),
		HangupTimeout:       envDurationOr("BRIDGE_HANGUP_TIMEOUT", 10*time.Second),
		TransferTimeout:     envDurationOr("BRIDGE_TRANSFER_TIMEOUT", 10*time.Second),
		TelemetryTimeout:    envDurationOr("BRIDGE_TELEMETRY_TIMEOUT", 5*time.Second),
		ChannelPingInterval: envDurationOr("BRIDGE_CHANNEL_PING_INTERVAL", 20*time.Second),
		ChannelWriteTimeout: envDurationOr("BRIDGE_CHANNEL_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("BRIDGE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	profile, err := loadAgentProfile(strings.TrimSpace(os.Getenv("BRIDGE_AGENT_PROFILE")))
	if err != nil {
		return Config{}, err
	}
	cfg.Agent = profile
	cfg.Agent.Model = envOr("BRIDGE_MODEL", cfg.Agent.Model)
	cfg.Agent.Voice = envOr("BRIDGE_VOICE", cfg.Agent.Voice)
	cfg.Agent.Greeting = envOr("BRIDGE_GREETING", cfg.Agent.Greeting)
	cfg.Agent.InstructionsFile = envOr("BRIDGE_INSTRUCTIONS_FILE", cfg.Agent.InstructionsFile)
	cfg.Agent.TransferTarget = envOr("BRIDGE_TRANSFER_TARGET", cfg.Agent.TransferTarget)
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "gpt-realtime"
	}
	if cfg.Agent.Voice == "" {
		cfg.Agent.Voice = "marin"
	}

	if cfg.RealtimeAPIKey == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_API_KEY must be set")
	}
	if cfg.TelephonyAPIKey == "" {
		cfg.TelephonyAPIKey = cfg.RealtimeAPIKey
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(cfg.TelephonyBaseURL) == "" {
		return Config{}, fmt.Errorf("BRIDGE_TELEPHONY_BASE_URL must not be empty")
	}
	if cfg.IngestBaseURL != "" && cfg.IngestToken == "" {
		return Config{}, fmt.Errorf("BRIDGE_INGEST_TOKEN must be set when BRIDGE_INGEST_BASE_URL is set")
	}
	if cfg.NotifyMaxMsgBytes <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_NOTIFY_MAX_MSG_BYTES must be > 0")
	}
	if cfg.ConnectDelay < 0 {
		return Config{}, fmt.Errorf("BRIDGE_CONNECT_DELAY must be >= 0")
	}
	if cfg.AcceptTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_ACCEPT_TIMEOUT must be > 0")
	}
	if cfg.HangupTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_HANGUP_TIMEOUT must be > 0")
	}
	if cfg.TransferTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_TRANSFER_TIMEOUT must be > 0")
	}
	if cfg.TelemetryTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_TELEMETRY_TIMEOUT must be > 0")
	}
	if cfg.ChannelPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CHANNEL_PING_INTERVAL must be > 0")
	}
	if cfg.ChannelWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_CHANNEL_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func loadAgentProfile(path string) (AgentProfile, error) {
	var profile AgentProfile
	if path == "" {
		return profile, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return AgentProfile{}, fmt.Errorf("read agent profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("parse agent profile %q: %w", path, err)
	}
	return profile, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
