// Package capture turns a platform speech recognizer into a stream of
// normalized transcript events for one conversation session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrUnsupportedCapability reports that no speech recognizer is available.
var ErrUnsupportedCapability = errors.New("speech recognition unsupported")

type Options struct {
	SessionID string
	Language  string
}

type Segment struct {
	Text  string
	Final bool
}

// Result is one batch of recognition output. Err set means the recognizer
// reported a failure; the stream normally closes right after.
type Result struct {
	Segments []Segment
	Err      error
}

// Stream is an armed recognition session. Results is closed when recognition
// ends, whether on its own or after Close.
type Stream interface {
	Results() <-chan Result
	Close() error
}

// Recognizer arms continuous recognition with interim results. The stream
// lives until ctx is cancelled or Close is called.
type Recognizer interface {
	Arm(ctx context.Context, opts Options) (Stream, error)
}

type EventKind int

const (
	Interim EventKind = iota
	Final
	Error
	Ended
)

func (k EventKind) String() string {
	switch k {
	case Interim:
		return "interim"
	case Final:
		return "final"
	case Error:
		return "error"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Adapter arms at most one recognition session at a time.
type Adapter struct {
	rec  Recognizer
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	stream Stream
	cancel context.CancelFunc
	gen    uint64
}

// NewAdapter accepts a nil recognizer; Start then reports ErrUnsupportedCapability.
func NewAdapter(rec Recognizer, opts Options, log *slog.Logger) *Adapter {
	return &Adapter{
		rec:  rec,
		opts: opts,
		log:  log.With(slog.String("component", "capture")),
	}
}

// Start arms recognition and delivers normalized events to sink from a
// background goroutine. Calling Start while already armed does nothing and
// returns nil.
func (a *Adapter) Start(ctx context.Context, sink func(Event)) error {
	if a.rec == nil {
		return ErrUnsupportedCapability
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stream != nil {
		return nil
	}

	armCtx, cancel := context.WithCancel(context.Background())
	stream, err := a.rec.Arm(armCtx, a.opts)
	if err != nil {
		cancel()
		if errors.Is(err, ErrUnsupportedCapability) {
			return err
		}
		return fmt.Errorf("arm recognizer: %w", err)
	}
	a.gen++
	a.stream = stream
	a.cancel = cancel
	go a.forward(a.gen, stream, sink)
	a.log.Debug("capture armed", slog.String("language", a.opts.Language))
	return nil
}

// Stop disarms recognition. It is idempotent and does not wait for the
// recognizer to wind down; later events of the stopped session are dropped.
func (a *Adapter) Stop() {
	a.mu.Lock()
	stream, cancel := a.stream, a.cancel
	a.stream, a.cancel = nil, nil
	a.gen++
	a.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		a.log.Warn("close recognizer stream", slogError(err))
	}
	cancel()
	a.log.Debug("capture disarmed")
}

func (a *Adapter) Armed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stream != nil
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && a.stream != nil
}

func (a *Adapter) forward(gen uint64, stream Stream, sink func(Event)) {
	for res := range stream.Results() {
		ev, ok := Normalize(res)
		if !ok {
			continue
		}
		if !a.current(gen) {
			continue
		}
		sink(ev)
	}

	a.mu.Lock()
	live := a.gen == gen && a.stream == stream
	var cancel context.CancelFunc
	if live {
		cancel = a.cancel
		a.stream, a.cancel = nil, nil
	}
	a.mu.Unlock()

	if live {
		cancel()
		sink(Event{Kind: Ended})
	}
}

// Normalize folds one result batch into a single event: joined final
// segments win over joined interim segments. Batches with no text yield nothing.
func Normalize(res Result) (Event, bool) {
	if res.Err != nil {
		return Event{Kind: Error, Err: res.Err}, true
	}
	var final, interim strings.Builder
	for _, seg := range res.Segments {
		if seg.Final {
			final.WriteString(seg.Text)
		} else {
			interim.WriteString(seg.Text)
		}
	}
	if final.Len() > 0 {
		return Event{Kind: Final, Text: final.String()}, true
	}
	if interim.Len() > 0 {
		return Event{Kind: Interim, Text: interim.String()}, true
	}
	return Event{}, false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
