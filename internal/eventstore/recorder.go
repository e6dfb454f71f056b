package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder journals one session's events without blocking the caller.
// Entries are written in order by a background goroutine; when the buffer is
// full new entries are dropped and counted.
type Recorder struct {
	store     *Store
	sessionID string
	log       *slog.Logger
	clock     func() time.Time

	mu      sync.RWMutex
	closed  bool
	entries chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

func NewRecorder(ctx context.Context, store *Store, sessionID, persona string, buffer int, log *slog.Logger) (*Recorder, error) {
	if buffer <= 0 {
		buffer = 256
	}
	if err := store.AppendSession(ctx, sessionID, persona); err != nil {
		return nil, err
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "journal"), slog.String("session_id", sessionID)),
		clock:     store.clock,
		entries:   make(chan Entry, buffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Record queues an entry. Payloads that fail to marshal are journaled with
// an empty payload.
func (r *Recorder) Record(kind string, payload any) {
	e := Entry{SessionID: r.sessionID, Kind: kind, CreatedAt: r.clock()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			r.log.Warn("failed to marshal journal payload", slog.String("kind", kind), slogError(err))
		} else {
			e.Payload = data
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.entries <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("journal buffer full, dropping entries")
		}
	}
}

// Dropped is the number of entries lost to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close flushes queued entries and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.entries)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.AppendEntry(ctx, e); err != nil {
			r.log.Warn("failed to write journal entry", slog.String("kind", e.Kind), slogError(err))
		}
		cancel()
	}
}
