package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type manualStream struct {
	results chan Result
	once    sync.Once
	closed  chan struct{}
}

func newManualStream() *manualStream {
	return &manualStream{results: make(chan Result, 8), closed: make(chan struct{})}
}

func (s *manualStream) Results() <-chan Result { return s.results }

func (s *manualStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *manualStream) end() { close(s.results) }

type manualRecognizer struct {
	mu      sync.Mutex
	streams []*manualStream
	err     error
}

func (r *manualRecognizer) Arm(context.Context, Options) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	s := newManualStream()
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *manualRecognizer) arms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

type eventSink struct {
	ch chan Event
}

func newSink() *eventSink { return &eventSink{ch: make(chan Event, 16)} }

func (s *eventSink) fn(ev Event) { s.ch <- ev }

func (s *eventSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for capture event")
		return Event{}
	}
}

func (s *eventSink) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-s.ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Result
		want Event
		ok   bool
	}{
		{"interim only", Result{Segments: []Segment{{Text: "你"}, {Text: "好"}}}, Event{Kind: Interim, Text: "你好"}, true},
		{"final wins", Result{Segments: []Segment{{Text: "hello", Final: true}, {Text: " wor"}}}, Event{Kind: Final, Text: "hello"}, true},
		{"finals joined", Result{Segments: []Segment{{Text: "a", Final: true}, {Text: "b", Final: true}}}, Event{Kind: Final, Text: "ab"}, true},
		{"empty", Result{}, Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Normalize(tt.in)
			if ok != tt.ok || got.Kind != tt.want.Kind || got.Text != tt.want.Text {
				t.Fatalf("Normalize = %+v/%v, want %+v/%v", got, ok, tt.want, tt.ok)
			}
		})
	}

	boom := errors.New("no-speech")
	ev, ok := Normalize(Result{Err: boom})
	if !ok || ev.Kind != Error || !errors.Is(ev.Err, boom) {
		t.Fatalf("expected error event, got %+v", ev)
	}
}

func TestAdapterUnsupported(t *testing.T) {
	a := NewAdapter(nil, Options{}, newLogger())
	if err := a.Start(context.Background(), func(Event) {}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected unsupported, got %v", err)
	}

	rec := &manualRecognizer{err: ErrUnsupportedCapability}
	a = NewAdapter(rec, Options{}, newLogger())
	if err := a.Start(context.Background(), func(Event) {}); !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected unsupported from recognizer, got %v", err)
	}
	if a.Armed() {
		t.Fatal("adapter must not be armed after failure")
	}
}

func TestAdapterStartWhileArmedIsNoop(t *testing.T) {
	rec := &manualRecognizer{}
	a := NewAdapter(rec, Options{Language: "zh-CN"}, newLogger())
	sink := newSink()
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if rec.arms() != 1 {
		t.Fatalf("expected a single arming, got %d", rec.arms())
	}
	a.Stop()
}

func TestAdapterDeliversAndEnds(t *testing.T) {
	rec := &manualRecognizer{}
	a := NewAdapter(rec, Options{}, newLogger())
	sink := newSink()
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := rec.streams[0]
	stream.results <- Result{Segments: []Segment{{Text: "hel"}}}
	stream.results <- Result{Segments: []Segment{{Text: "hello", Final: true}}}
	stream.end()

	if ev := sink.next(t); ev.Kind != Interim || ev.Text != "hel" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Final || ev.Text != "hello" {
		t.Fatalf("unexpected second event %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Ended {
		t.Fatalf("expected ended, got %+v", ev)
	}
	deadline := time.Now().Add(time.Second)
	for a.Armed() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Armed() {
		t.Fatal("adapter should disarm after the stream ends")
	}
}

func TestAdapterStopSuppressesEvents(t *testing.T) {
	rec := &manualRecognizer{}
	a := NewAdapter(rec, Options{}, newLogger())
	sink := newSink()
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("start: %v", err)
	}
	stream := rec.streams[0]
	a.Stop()
	a.Stop()

	select {
	case <-stream.closed:
	default:
		t.Fatal("expected stream closed on stop")
	}
	stream.results <- Result{Segments: []Segment{{Text: "late", Final: true}}}
	stream.end()
	sink.none(t, 50*time.Millisecond)

	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if rec.arms() != 2 {
		t.Fatalf("expected re-arm after stop, got %d", rec.arms())
	}
	a.Stop()
}

func TestMockRecognizerScript(t *testing.T) {
	rec := NewMockRecognizer([]Step{
		{Delay: time.Millisecond, Result: Result{Segments: []Segment{{Text: "hi"}}}},
		{Delay: time.Millisecond, Result: Result{Segments: []Segment{{Text: "hi there", Final: true}}}},
	})
	rec.EndAfterScript = true
	a := NewAdapter(rec, Options{}, newLogger())
	sink := newSink()
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := sink.next(t); ev.Kind != Interim {
		t.Fatalf("expected interim, got %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Final || ev.Text != "hi there" {
		t.Fatalf("expected final, got %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Ended {
		t.Fatalf("expected ended, got %+v", ev)
	}
}

func TestExecRecognizerMissingBinary(t *testing.T) {
	rec, err := NewExecRecognizer("definitely-not-a-recognizer-binary --stream")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = rec.Arm(context.Background(), Options{})
	if !errors.Is(err, ErrUnsupportedCapability) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestExecRecognizerStreamsLines(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\n" +
		"echo '{\"text\":\"你\",\"final\":false}'\n" +
		"echo '{\"text\":\"你好\",\"final\":true}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}

	rec, err := NewExecRecognizer(script)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := NewAdapter(rec, Options{Language: "zh-CN"}, newLogger())
	sink := newSink()
	if err := a.Start(context.Background(), sink.fn); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ev := sink.next(t); ev.Kind != Interim || ev.Text != "你" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Final || ev.Text != "你好" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := sink.next(t); ev.Kind != Ended {
		t.Fatalf("expected ended, got %+v", ev)
	}
}
