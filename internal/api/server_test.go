package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/conversation/mock"
	"github.com/loqalabs/loqa-voicechat/internal/eventstore"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	srv      *httptest.Server
	api      *Server
	ctrl     *conversation.Controller
	capture  *mock.Capture
	playback *mock.Playback
	journal  *eventstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{RetentionMode: eventstore.RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rec, err := eventstore.NewRecorder(ctx, store, "api-session", "fox", 64, newLogger())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	f := &fixture{capture: &mock.Capture{}, playback: &mock.Playback{}, journal: store}
	f.ctrl = conversation.New(f.capture, f.playback, &mock.ReplyClient{}, transcript.NewStore(), conversation.Options{
		SessionID: "api-session",
		Language:  "zh-CN",
		Journal:   rec,
	}, newLogger())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.ctrl.Run(runCtx)
	}()

	f.api = NewServer(f.ctrl, store, "api-session", newLogger())
	mux := http.NewServeMux()
	f.api.Register(mux)
	f.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		f.srv.Close()
		f.api.Close()
		_ = f.ctrl.Close()
		cancel()
		<-done
		rec.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/session", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body["status"] != "idle" || body["session_id"] != "api-session" || body["persona"] != "fox" {
		t.Fatalf("unexpected snapshot %v", body)
	}
	profile, _ := body["profile"].(map[string]any)
	if profile["display_name"] != "小狐狸" {
		t.Fatalf("expected fox profile, got %v", profile)
	}
}

func TestSendMessageAndListTranscript(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/session/messages", sendRequest{Text: "你好"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %v", resp.StatusCode, body)
	}

	waitFor(t, "assistant reply", func() bool { return f.ctrl.Transcript().Len() == 2 })
	resp, body = f.do(t, http.MethodGet, "/api/session/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %v", body)
	}
	first := messages[0].(map[string]any)
	second := messages[1].(map[string]any)
	if first["sender"] != "user" || first["text"] != "你好" || second["sender"] != "assistant" || second["text"] != "reply:你好" {
		t.Fatalf("unexpected transcript %v", messages)
	}

	if resp, _ := f.do(t, http.MethodPost, "/api/session/messages", sendRequest{Text: "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected blank text rejected, got %d", resp.StatusCode)
	}
}

func TestListenErrorsMapToStatusCodes(t *testing.T) {
	f := newFixture(t)
	f.capture.StartErr = fmt.Errorf("%w: no microphone", capture.ErrUnsupportedCapability)
	resp, body := f.do(t, http.MethodPost, "/api/session/listen", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["code"] != "unsupported" || body["notice"] != conversation.DefaultUnsupportedMsg {
		t.Fatalf("expected 503 unsupported, got %d %v", resp.StatusCode, body)
	}
}

func TestListenWhileReplyPendingConflicts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := &mock.ReplyClient{Func: func(ctx context.Context, _ string, _ persona.ID) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "ok", nil
	}}
	ctrl := conversation.New(&mock.Capture{}, &mock.Playback{}, slow, nil, conversation.Options{SessionID: "slow"}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ctrl.Run(ctx) }()
	defer ctrl.Close()

	srv := NewServer(ctrl, nil, "slow", newLogger())
	defer srv.Close()
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	post := func(path, body string) *http.Response {
		resp, err := ts.Client().Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}
	if resp := post("/api/session/messages", `{"text":"慢一点"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if resp := post("/api/session/listen", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while reply pending, got %d", resp.StatusCode)
	}

	resp, err := ts.Client().Get(ts.URL + "/api/session/journal")
	if err != nil {
		t.Fatalf("get journal: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected journal disabled, got %d", resp.StatusCode)
	}
}

func TestHistoryAndPersonaEndpoints(t *testing.T) {
	f := newFixture(t)
	ts := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	resp, _ := f.do(t, http.MethodPut, "/api/session/history", historyRequest{History: []transcript.HistoryEntry{
		{Role: "user", Content: "早上好", Timestamp: &ts},
		{Role: "assistant", Content: "早上好呀！"},
	}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	msgs := f.ctrl.Transcript().All()
	if len(msgs) != 2 || msgs[0].ID != ts.UnixMilli() || msgs[1].Sender != transcript.Assistant {
		t.Fatalf("unexpected transcript %+v", msgs)
	}

	resp, body := f.do(t, http.MethodPut, "/api/session/persona", personaRequest{Persona: "dolphin"})
	if resp.StatusCode != http.StatusOK || body["id"] != "dolphin" {
		t.Fatalf("unexpected persona response %d %v", resp.StatusCode, body)
	}
	_, body = f.do(t, http.MethodGet, "/api/personas", nil)
	if list, _ := body["personas"].([]any); len(list) != 3 || body["default"] != "fox" {
		t.Fatalf("unexpected personas %v", body)
	}
}

func TestJournalEndpoint(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.do(t, http.MethodPost, "/api/session/messages", sendRequest{Text: "记下来"}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var entries []any
	waitFor(t, "journal entries", func() bool {
		_, body := f.do(t, http.MethodGet, "/api/session/journal?limit=50", nil)
		entries, _ = body["entries"].([]any)
		for _, e := range entries {
			if e.(map[string]any)["kind"] == "utterance" {
				return true
			}
		}
		return false
	})
	if resp, _ := f.do(t, http.MethodGet, "/api/session/journal?limit=zero", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad limit rejected, got %d", resp.StatusCode)
	}
}

func TestStreamDeliversSnapshotUpdatesAndResults(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/session/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	read := func() map[string]any {
		t.Helper()
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		return frame
	}

	// Updates may race the snapshot, so look for it among the first frames.
	waitFor(t, "stream registration", func() bool { return f.api.hub.count() == 1 })
	if err := conn.WriteJSON(protocol.ConversationControl{Action: protocol.ActionMessage, Text: "讲个笑话"}); err != nil {
		t.Fatalf("write control: %v", err)
	}

	var sawSnapshot, sawResult, sawUserMessage bool
	for !(sawSnapshot && sawResult && sawUserMessage) {
		frame := read()
		switch frame["type"] {
		case "snapshot":
			sawSnapshot = true
		case "result":
			result := frame["result"].(map[string]any)
			if result["ok"] != true {
				t.Fatalf("control failed: %v", result)
			}
			sawResult = true
		case "update":
			update := frame["update"].(map[string]any)
			if update["kind"] == "message" {
				msg := update["message"].(map[string]any)
				if msg["sender"] == "user" && msg["text"] == "讲个笑话" {
					sawUserMessage = true
				}
			}
		}
	}

	if err := conn.WriteJSON(protocol.ConversationControl{Action: "sing"}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	for {
		frame := read()
		if frame["type"] != "result" {
			continue
		}
		if result := frame["result"].(map[string]any); result["ok"] == true || result["error"] == nil {
			t.Fatalf("expected unknown action rejected, got %v", result)
		}
		break
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{conversation.ErrReplyPending, http.StatusConflict},
		{conversation.ErrClosed, http.StatusGone},
		{fmt.Errorf("wrapped: %w", capture.ErrUnsupportedCapability), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := classify(tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
