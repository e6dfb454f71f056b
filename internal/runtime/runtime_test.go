package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/capability"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBackendSelection(t *testing.T) {
	log := testLogger()

	tests := []struct {
		name    string
		build   func() (any, error)
		wantNil bool
		wantErr bool
	}{
		{name: "capture none", build: func() (any, error) { return newRecognizer(config.CaptureConfig{Mode: "none"}, nil, nil, log) }, wantNil: true},
		{name: "capture mock", build: func() (any, error) { return newRecognizer(config.CaptureConfig{Mode: "mock"}, nil, nil, log) }},
		{name: "capture exec", build: func() (any, error) {
			return newRecognizer(config.CaptureConfig{Mode: "exec", Command: "recognizer --lang zh"}, nil, nil, log)
		}},
		{name: "capture bus without bus", build: func() (any, error) { return newRecognizer(config.CaptureConfig{Mode: "bus"}, nil, nil, log) }, wantErr: true},
		{name: "playback none", build: func() (any, error) { return newPlayer(config.PlaybackConfig{Mode: "none"}, nil, nil, log) }, wantNil: true},
		{name: "playback mock", build: func() (any, error) {
			return newPlayer(config.PlaybackConfig{Mode: "mock", SampleRate: 16000, Channels: 1}, nil, nil, log)
		}},
		{name: "playback exec", build: func() (any, error) {
			return newPlayer(config.PlaybackConfig{Mode: "exec", Command: "say --raw", PlayerCommand: "aplay -q", SampleRate: 16000, Channels: 1}, nil, nil, log)
		}},
		{name: "playback unknown", build: func() (any, error) { return newPlayer(config.PlaybackConfig{Mode: "speaker"}, nil, nil, log) }, wantErr: true},
		{name: "reply mock", build: func() (any, error) { return newGenerator(config.ReplyConfig{Mode: "mock"}, nil, time.Second) }},
		{name: "reply ollama", build: func() (any, error) {
			return newGenerator(config.ReplyConfig{Mode: "ollama", Endpoint: "http://localhost:11434", Model: "llama3.2"}, nil, time.Second)
		}},
		{name: "reply exec without command", build: func() (any, error) { return newGenerator(config.ReplyConfig{Mode: "exec"}, nil, time.Second) }, wantErr: true},
		{name: "reply bus without bus", build: func() (any, error) { return newGenerator(config.ReplyConfig{Mode: "bus"}, nil, time.Second) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.build()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == nil) != tt.wantNil {
				t.Fatalf("backend = %#v, want nil %v", got, tt.wantNil)
			}
		})
	}
}

func TestRecorderDirectoryCreated(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spoken")
	if _, err := newPlayer(config.PlaybackConfig{Mode: "mock", SampleRate: 16000, Channels: 1, RecordDir: dir}, nil, nil, testLogger()); err != nil {
		t.Fatalf("newPlayer: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("record dir not created: %v", err)
	}
}

func TestSessionOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Session
	table := persona.NewTable(persona.Builtin(), persona.Owl)
	opts := sessionOptions(cfg, "session-1", table, nil)
	if opts.Debounce != time.Second || opts.InterimGrace != 500*time.Millisecond || opts.ReplyTimeout != 20*time.Second {
		t.Fatalf("unexpected timings %+v", opts)
	}
	if opts.MaxPending != 8 || opts.Language != "zh-CN" || opts.Persona != persona.Default || opts.Personas != table {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.ApologyText != conversation.DefaultApologyText || opts.EmptyReplyText != conversation.DefaultEmptyReplyText {
		t.Fatalf("unexpected texts %+v", opts)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 500
	cfg.Capture.Mode = "mock"
	cfg.Playback.Mode = "mock"
	cfg.Reply.Mode = "mock"
	cfg.Reply.Serve = true
	return cfg
}

func TestBuildWiresSession(t *testing.T) {
	rt := New(testConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.build(ctx); err != nil {
		rt.shutdown()
		t.Fatalf("build: %v", err)
	}
	defer rt.shutdown()

	if rt.SessionID() == "" {
		t.Fatal("expected a session id")
	}
	if !rt.registry.Provides(protocol.CapabilityReply) {
		// The local announcement may still be in flight.
		deadline := time.Now().Add(2 * time.Second)
		for !rt.registry.Provides(protocol.CapabilityReply) {
			if time.Now().After(deadline) {
				t.Fatalf("reply capability not advertised: %+v", rt.registry.Query(capability.WithCapabilityFilter(protocol.CapabilityReply)))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	if err := rt.controller.SendMessage(ctx, "你好"); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		messages := rt.controller.Transcript().All()
		if len(messages) == 2 {
			if messages[0].Sender != transcript.User || messages[1].Sender != transcript.Assistant {
				t.Fatalf("unexpected transcript %+v", messages)
			}
			if !strings.Contains(messages[1].Text, "你好") {
				t.Fatalf("unexpected reply %q", messages[1].Text)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reply not appended, transcript %+v", messages)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rt.ready.Store(true)
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}

func TestReadyBeforeStart(t *testing.T) {
	rt := New(testConfig(), testLogger())
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}
