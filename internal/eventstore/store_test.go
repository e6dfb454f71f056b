package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeralKeepsEntriesInMemory(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if !es.Ephemeral() {
		t.Fatal("expected ephemeral store")
	}

	if err := es.AppendSession(ctx, "s1", "fox"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEntry(ctx, Entry{SessionID: "s1", Kind: "status"}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	entries, err := es.ListSessionEntries(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "status" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: RetentionSession}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	if err := es.AppendSession(context.Background(), "session-123", "owl"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEntry(context.Background(), Entry{SessionID: "session-123", Kind: "utterance", Payload: []byte(`{"text":"你好"}`), CreatedAt: at}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	entries, err := es.ListSessionEntries(context.Background(), "session-123", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].Payload) != `{"text":"你好"}` {
		t.Fatalf("unexpected payload: %s", entries[0].Payload)
	}
	if !entries[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected timestamp %s", entries[0].CreatedAt)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: RetentionPersistent, RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", "fox"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEntry(context.Background(), Entry{SessionID: "old-session", Kind: "note"}); err != nil {
		t.Fatalf("append entry: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", "fox"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := es.ListSessionEntries(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected old session pruned")
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec, err := NewRecorder(ctx, es, "session-9", "dolphin", 16, newLogger())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Record("status", map[string]any{"from": "idle", "to": "listening"})
	rec.Record("utterance", map[string]any{"text": "你好"})
	rec.Record("interrupted", nil)
	rec.Close()
	rec.Record("after-close", nil)

	entries, err := es.ListSessionEntries(ctx, "session-9", 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	kinds := []string{entries[0].Kind, entries[1].Kind, entries[2].Kind}
	if kinds[0] != "status" || kinds[1] != "utterance" || kinds[2] != "interrupted" {
		t.Fatalf("unexpected order %v", kinds)
	}
	var payload map[string]string
	if err := json.Unmarshal(entries[1].Payload, &payload); err != nil || payload["text"] != "你好" {
		t.Fatalf("unexpected payload %s (%v)", entries[1].Payload, err)
	}
	if entries[2].Payload != nil {
		t.Fatalf("expected nil payload, got %s", entries[2].Payload)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: RetentionEphemeral}, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	rec := &Recorder{
		store:     es,
		sessionID: "s",
		log:       newLogger(),
		clock:     time.Now,
		entries:   make(chan Entry, 1),
		done:      make(chan struct{}),
	}
	rec.Record("a", nil)
	rec.Record("b", nil)
	if rec.Dropped() != 1 {
		t.Fatalf("expected one dropped entry, got %d", rec.Dropped())
	}
	go rec.run()
	rec.Close()
}
