package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("BRIDGE_REALTIME_API_KEY", "rt-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr=%q, want :8080", cfg.Addr)
	}
	if cfg.TelephonyAPIKey != "rt-key" {
		t.Fatalf("TelephonyAPIKey=%q, want fallback to realtime key", cfg.TelephonyAPIKey)
	}
	if cfg.Agent.Model != "gpt-realtime" || cfg.Agent.Voice != "marin" {
		t.Fatalf("agent defaults=%+v", cfg.Agent)
	}
	if cfg.ConnectDelay != 250*time.Millisecond {
		t.Fatalf("ConnectDelay=%v, want 250ms", cfg.ConnectDelay)
	}
}

func TestLoadFromEnv_MissingRealtimeKey(t *testing.T) {
	t.Setenv("BRIDGE_REALTIME_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error when BRIDGE_REALTIME_API_KEY is unset")
	}
}

func TestLoadFromEnv_IngestTokenRequiredWithBase(t *testing.T) {
	t.Setenv("BRIDGE_REALTIME_API_KEY", "rt-key")
	t.Setenv("BRIDGE_INGEST_BASE_URL", "https://ingest.example.com")
	t.Setenv("BRIDGE_INGEST_TOKEN", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error when ingest base is set without a token")
	}
}

func TestLoadFromEnv_AgentProfileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	profile := `model: gpt-realtime-mini
voice: cedar
greeting: "Hi, thanks for calling."
transfer_target: "sip:support@pbx.example.com"
`
	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	t.Setenv("BRIDGE_REALTIME_API_KEY", "rt-key")
	t.Setenv("BRIDGE_AGENT_PROFILE", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Agent.Model != "gpt-realtime-mini" || cfg.Agent.Voice != "cedar" {
		t.Fatalf("agent=%+v, want profile values", cfg.Agent)
	}
	if cfg.Agent.TransferTarget != "sip:support@pbx.example.com" {
		t.Fatalf("TransferTarget=%q", cfg.Agent.TransferTarget)
	}
}

func TestLoadFromEnv_EnvOverridesProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	if err := os.WriteFile(path, []byte("voice: cedar\n"), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	t.Setenv("BRIDGE_REALTIME_API_KEY", "rt-key")
	t.Setenv("BRIDGE_AGENT_PROFILE", path)
	t.Setenv("BRIDGE_VOICE", "marin")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Agent.Voice != "marin" {
		t.Fatalf("Voice=%q, want env override marin", cfg.Agent.Voice)
	}
}

func TestLoadFromEnv_BadProfilePath(t *testing.T) {
	t.Setenv("BRIDGE_REALTIME_API_KEY", "rt-key")
	t.Setenv("BRIDGE_AGENT_PROFILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for missing agent profile file")
	}
}
