package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.DebounceMS != 1000 {
		t.Fatalf("expected debounce 1000ms, got %d", cfg.Session.DebounceMS)
	}
	if cfg.Session.InterimGraceMS != 500 {
		t.Fatalf("expected interim grace 500ms, got %d", cfg.Session.InterimGraceMS)
	}
	if cfg.Session.DefaultPersona != "fox" {
		t.Fatalf("expected fox default persona, got %q", cfg.Session.DefaultPersona)
	}
	if cfg.EventStore.RetentionMode != "ephemeral" {
		t.Fatalf("expected ephemeral journal by default, got %q", cfg.EventStore.RetentionMode)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_SESSION_DEBOUNCE_MS", "750")
	t.Setenv("LOQA_SESSION_INTERIM_GRACE_MS", "250")
	t.Setenv("LOQA_SESSION_DEFAULT_PERSONA", "owl")
	t.Setenv("LOQA_CAPTURE_MODE", "none")
	t.Setenv("LOQA_REPLY_MODE", "ollama")
	t.Setenv("LOQA_REPLY_TEMPERATURE", "0.2")
	t.Setenv("LOQA_PLAYBACK_RECORD_DIR", "/tmp/replies")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Session.DebounceMS != 750 || cfg.Session.InterimGraceMS != 250 {
		t.Fatalf("expected session timing overrides, got %+v", cfg.Session)
	}
	if cfg.Session.DefaultPersona != "owl" {
		t.Fatalf("expected persona override, got %q", cfg.Session.DefaultPersona)
	}
	if cfg.Capture.Mode != "none" {
		t.Fatalf("expected capture mode override, got %q", cfg.Capture.Mode)
	}
	if cfg.Reply.Mode != "ollama" || cfg.Reply.Temperature != 0.2 {
		t.Fatalf("expected reply overrides, got %+v", cfg.Reply)
	}
	if cfg.Playback.RecordDir != "/tmp/replies" {
		t.Fatalf("expected record dir override, got %q", cfg.Playback.RecordDir)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voicechat.yaml")
	data := []byte(`runtime_name: test-runtime
session:
  debounce_ms: 1200
  apology_text: "sorry"
capture:
  mode: exec
  command: "recognizer --stream"
reply:
  mode: exec
  command: "./reply.sh"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-runtime" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Session.DebounceMS != 1200 || cfg.Session.ApologyText != "sorry" {
		t.Fatalf("expected session from file, got %+v", cfg.Session)
	}
	if cfg.Session.InterimGraceMS != 500 {
		t.Fatalf("expected untouched defaults to survive, got %d", cfg.Session.InterimGraceMS)
	}
	if cfg.Capture.Command != "recognizer --stream" {
		t.Fatalf("unexpected capture command %q", cfg.Capture.Command)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "exec capture without command",
			mutate:  func(c *Config) { c.Capture.Mode = "exec" },
			wantErr: "capture.command",
		},
		{
			name:    "unknown playback mode",
			mutate:  func(c *Config) { c.Playback.Mode = "speaker" },
			wantErr: "playback.mode",
		},
		{
			name:    "non-positive debounce",
			mutate:  func(c *Config) { c.Session.DebounceMS = 0 },
			wantErr: "session.debounce_ms",
		},
		{
			name:    "empty apology",
			mutate:  func(c *Config) { c.Session.ApologyText = "  " },
			wantErr: "session.apology_text",
		},
		{
			name: "bus capability without bus",
			mutate: func(c *Config) {
				c.Bus.Enabled = false
				c.Capture.Mode = "bus"
			},
			wantErr: "bus.enabled",
		},
		{
			name: "serving replies from the bus itself",
			mutate: func(c *Config) {
				c.Reply.Mode = "bus"
				c.Reply.Serve = true
			},
			wantErr: "reply.serve",
		},
		{
			name: "journal file missing",
			mutate: func(c *Config) {
				c.EventStore.RetentionMode = "session"
				c.EventStore.Path = ""
			},
			wantErr: "event_store.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
