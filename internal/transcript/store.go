// Package transcript holds the ordered conversation messages shown to the user.
package transcript

import (
	"sync"
	"time"
)

type Sender string

const (
	User      Sender = "user"
	Assistant Sender = "assistant"
)

// Message is immutable once appended.
type Message struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

type ChangeKind int

const (
	Appended ChangeKind = iota
	Replaced
)

func (k ChangeKind) String() string {
	switch k {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// Change is published after every mutation so views can scroll to the latest message.
type Change struct {
	Kind ChangeKind
	Len  int
}

// Store is safe for concurrent use. Observers run synchronously on the
// mutating goroutine after the lock is released.
type Store struct {
	mu        sync.RWMutex
	messages  []Message
	observers map[int]func(Change)
	nextObs   int
}

func NewStore() *Store {
	return &Store{observers: make(map[int]func(Change))}
}

func (s *Store) Append(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	n := len(s.messages)
	observers := s.snapshotObservers()
	s.mu.Unlock()
	notify(observers, Change{Kind: Appended, Len: n})
}

// ReplaceAll swaps the whole transcript in one step.
func (s *Store) ReplaceAll(messages []Message) {
	replaced := make([]Message, len(messages))
	copy(replaced, messages)

	s.mu.Lock()
	s.messages = replaced
	n := len(s.messages)
	observers := s.snapshotObservers()
	s.mu.Unlock()
	notify(observers, Change{Kind: Replaced, Len: n})
}

// All returns a copy in transcript order.
func (s *Store) All() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns the most recent message, if any.
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) snapshotObservers() []func(Change) {
	if len(s.observers) == 0 {
		return nil
	}
	out := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []func(Change), change Change) {
	for _, fn := range observers {
		fn(change)
	}
}
