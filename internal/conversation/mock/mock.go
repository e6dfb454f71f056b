// Package mock provides test doubles for the conversation controller's
// dependencies.
//
// Capture, Playback and ReplyClient record their calls. When they share a
// CallLog, the relative order of calls across adapters can be asserted:
//
//	log := &mock.CallLog{}
//	capture := &mock.Capture{Log: log}
//	playback := &mock.Playback{Log: log}
//	// ... interrupt playback ...
//	// log.Calls() == []string{"playback.stop", "capture.start"}
//
// Scheduler is a manual clock: timers only fire when Advance moves past them.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
)

var (
	_ conversation.Capture     = (*Capture)(nil)
	_ conversation.Playback    = (*Playback)(nil)
	_ conversation.ReplyClient = (*ReplyClient)(nil)
	_ conversation.Scheduler   = (*Scheduler)(nil)
	_ conversation.Journal     = (*Journal)(nil)
)

// CallLog is an ordered record of adapter calls shared between doubles.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded call names.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *CallLog) Reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

// Capture is a mock speech capture adapter. Tests push recognition events
// through Emit.
type Capture struct {
	mu sync.Mutex

	// Log, if set, receives "capture.start" and "capture.stop".
	Log *CallLog

	// StartErr, if non-nil, is returned from Start and no sink is retained.
	StartErr error

	sinks []func(capture.Event)
	armed bool
	stops int
}

func (c *Capture) Start(_ context.Context, sink func(capture.Event)) error {
	c.Log.add("capture.start")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	c.sinks = append(c.sinks, sink)
	c.armed = true
	return nil
}

func (c *Capture) Stop() {
	c.Log.add("capture.stop")
	c.mu.Lock()
	c.armed = false
	c.stops++
	c.mu.Unlock()
}

// Armed reports whether Start succeeded more recently than Stop was called.
func (c *Capture) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Starts is the number of successful Start calls.
func (c *Capture) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Emit delivers ev through the sink of the latest successful Start.
func (c *Capture) Emit(ev capture.Event) {
	c.mu.Lock()
	n := len(c.sinks)
	c.mu.Unlock()
	c.EmitTo(n-1, ev)
}

// EmitTo delivers ev through the sink handed to the i-th successful Start,
// which lets tests replay events from an arming that has since ended.
func (c *Capture) EmitTo(i int, ev capture.Event) {
	c.mu.Lock()
	if i < 0 || i >= len(c.sinks) {
		c.mu.Unlock()
		return
	}
	sink := c.sinks[i]
	c.mu.Unlock()
	sink(ev)
}

// PlayCall records one Play invocation.
type PlayCall struct {
	Text      string
	Hint      playback.Hint
	Callbacks playback.Callbacks
}

// Playback is a mock speech output adapter. Playback never progresses on its
// own; tests drive it with Begin, Finish and Fail.
type Playback struct {
	mu sync.Mutex

	// Log, if set, receives "playback.play" and "playback.stop".
	Log *CallLog

	// PlayErr, if non-nil, is returned from Play and the call is not retained.
	PlayErr error

	calls  []PlayCall
	active bool
	stops  int
}

func (p *Playback) Play(text string, hint playback.Hint, cb playback.Callbacks) error {
	p.Log.add("playback.play")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.calls = append(p.calls, PlayCall{Text: text, Hint: hint, Callbacks: cb})
	p.active = true
	return nil
}

func (p *Playback) Stop() {
	p.Log.add("playback.stop")
	p.mu.Lock()
	p.active = false
	p.stops++
	p.mu.Unlock()
}

func (p *Playback) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Calls returns a copy of every retained Play call.
func (p *Playback) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlayCall(nil), p.calls...)
}

// Texts returns the text of every retained Play call in order.
func (p *Playback) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, call := range p.calls {
		out[i] = call.Text
	}
	return out
}

func (p *Playback) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Begin fires OnStart for the i-th Play call.
func (p *Playback) Begin(i int) {
	if cb, ok := p.callbacks(i); ok && cb.OnStart != nil {
		cb.OnStart()
	}
}

// Finish fires OnEnd for the i-th Play call.
func (p *Playback) Finish(i int) {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	if cb, ok := p.callbacks(i); ok && cb.OnEnd != nil {
		cb.OnEnd()
	}
}

// Fail fires OnError for the i-th Play call.
func (p *Playback) Fail(i int, err error) {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	if cb, ok := p.callbacks(i); ok && cb.OnError != nil {
		cb.OnError(err)
	}
}

func (p *Playback) callbacks(i int) (playback.Callbacks, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.calls) {
		return playback.Callbacks{}, false
	}
	return p.calls[i].Callbacks, true
}

// ReplyCall records one Reply invocation.
type ReplyCall struct {
	Utterance string
	Persona   persona.ID
}

// ReplyClient is a mock reply client. Without Func it echoes the utterance
// prefixed with "reply:".
type ReplyClient struct {
	mu sync.Mutex

	// Func, if set, produces the reply. It runs on the caller's goroutine and
	// may block until ctx is done.
	Func func(ctx context.Context, utterance string, id persona.ID) (string, error)

	calls []ReplyCall
}

func (r *ReplyClient) Reply(ctx context.Context, utterance string, id persona.ID) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, ReplyCall{Utterance: utterance, Persona: id})
	fn := r.Func
	r.mu.Unlock()
	if fn != nil {
		return fn(ctx, utterance, id)
	}
	return "reply:" + utterance, nil
}

// Calls returns a copy of every Reply call in order.
func (r *ReplyClient) Calls() []ReplyCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReplyCall(nil), r.calls...)
}

// Scheduler is a manual timer source. Its clock starts at Epoch.
type Scheduler struct {
	mu      sync.Mutex
	elapsed time.Duration
	timers  []*timer
}

// Epoch is the wall time Scheduler.Now reports before any Advance.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type timer struct {
	s       *Scheduler
	at      time.Duration
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) conversation.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &timer{s: s, at: s.elapsed + d, seq: len(s.timers), f: f}
	s.timers = append(s.timers, t)
	return t
}

// Now reports Epoch plus the time advanced so far. It is suitable as a
// controller clock.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Epoch.Add(s.elapsed)
}

// Advance moves the clock forward by d and runs every timer that became due,
// earliest first, on the calling goroutine.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.elapsed += d
	var due []*timer
	for _, t := range s.timers {
		if !t.stopped && !t.fired && t.at <= s.elapsed {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at != due[j].at {
			return due[i].at < due[j].at
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.f()
	}
}

// Pending is the number of timers that have neither fired nor been stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// JournalEntry is one recorded journal event.
type JournalEntry struct {
	Kind    string
	Payload any
}

// Journal records every event in memory.
type Journal struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (j *Journal) Record(kind string, payload any) {
	j.mu.Lock()
	j.entries = append(j.entries, JournalEntry{Kind: kind, Payload: payload})
	j.mu.Unlock()
}

// Kinds returns the kind of every recorded event in order.
func (j *Journal) Kinds() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	for i, e := range j.entries {
		out[i] = e.Kind
	}
	return out
}
