package transcript

import (
	"sync"
	"time"
)

// HistoryEntry is one item of externally supplied conversation history.
type HistoryEntry struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// FromHistory maps host history to transcript messages one to one. Role "user"
// maps to User and every other role to Assistant. Entries without a timestamp
// take now. IDs derive from the timestamp and are raised past the previous
// entry's ID when they would collide or go backwards.
func FromHistory(entries []HistoryEntry, now time.Time) []Message {
	out := make([]Message, 0, len(entries))
	var prev int64
	for i, entry := range entries {
		sender := Assistant
		if entry.Role == string(User) {
			sender = User
		}
		ts := now
		id := now.UnixMilli() + int64(i)
		if entry.Timestamp != nil {
			ts = *entry.Timestamp
			id = ts.UnixMilli()
		}
		if i > 0 && id <= prev {
			id = prev + 1
		}
		prev = id
		out = append(out, Message{
			ID:        id,
			Text:      entry.Content,
			Sender:    sender,
			Timestamp: ts,
		})
	}
	return out
}

// IDSource hands out time-derived message IDs that never repeat or go backwards.
type IDSource struct {
	mu    sync.Mutex
	last  int64
	clock func() time.Time
}

func NewIDSource(clock func() time.Time) *IDSource {
	if clock == nil {
		clock = time.Now
	}
	return &IDSource{clock: clock}
}

func (s *IDSource) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.clock().UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// Observe records an ID handed out elsewhere, such as by FromHistory, so Next
// never returns it or anything below it.
func (s *IDSource) Observe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > s.last {
		s.last = id
	}
}
