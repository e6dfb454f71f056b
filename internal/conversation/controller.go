// Package conversation runs one voice conversation session: it listens,
// debounces final transcripts into utterances, fetches replies one at a time
// and speaks them, letting the user interrupt playback to talk again.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

// Controller owns the session state. Every transition runs on the goroutine
// executing Run; public methods, adapter callbacks, timers and reply
// completions are posted to it as closures.
type Controller struct {
	capture  Capture
	playback Playback
	replies  ReplyClient
	store    *transcript.Store
	ids      *transcript.IDSource
	opts     Options
	log      *slog.Logger
	metrics  *metrics

	events    chan func()
	done      chan struct{}
	loopDone  chan struct{}
	runMu     sync.Mutex
	running   bool
	closed    bool

	obsMu     sync.Mutex
	observers map[int]func(Update)
	nextObs   int

	// Owned by the loop goroutine.
	status        Status
	interim       string
	listening     bool
	speaking      bool
	playing       bool
	inflight      bool
	pendingFinal  string
	hasPending    bool
	queue         []string
	persona       persona.ID
	noticeShown   bool
	armGen        uint64
	debounceGen   uint64
	graceGen      uint64
	playGen       uint64
	debounceTimer Timer
	graceTimer    Timer
	replyCancel   context.CancelFunc
	replyStarted  time.Time
}

func New(capture Capture, playback Playback, replies ReplyClient, store *transcript.Store, opts Options, log *slog.Logger) *Controller {
	opts.applyDefaults()
	log = log.With(slog.String("component", "conversation"), slog.String("session_id", opts.SessionID))
	if store == nil {
		store = transcript.NewStore()
	}
	return &Controller{
		capture:   capture,
		playback:  playback,
		replies:   replies,
		store:     store,
		ids:       transcript.NewIDSource(opts.Clock),
		opts:      opts,
		log:       log,
		metrics:   newMetrics(opts.SessionID, log),
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		observers: make(map[int]func(Update)),
		status:    Idle,
		persona:   opts.Personas.Resolve(opts.Persona),
	}
}

func (c *Controller) Transcript() *transcript.Store { return c.store }

func (c *Controller) Personas() *persona.Table { return c.opts.Personas }

// Run processes events until ctx is cancelled or Close is called. On exit it
// stops capture and playback, and the controller counts as closed.
func (c *Controller) Run(ctx context.Context) error {
	c.runMu.Lock()
	switch {
	case c.closed:
		c.runMu.Unlock()
		return ErrClosed
	case c.running:
		c.runMu.Unlock()
		return errors.New("conversation controller already running")
	}
	c.running = true
	c.runMu.Unlock()
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			c.teardown()
			return nil
		case <-ctx.Done():
			c.markClosed()
			c.teardown()
			return ctx.Err()
		case fn := <-c.events:
			fn()
		}
	}
}

// Close tears the session down: capture first, then playback. It is idempotent.
func (c *Controller) Close() error {
	c.runMu.Lock()
	if c.closed {
		c.runMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	running := c.running
	c.runMu.Unlock()

	if running {
		<-c.loopDone
		return nil
	}
	c.teardown()
	return nil
}

// markClosed releases anyone blocked posting to a loop that has stopped.
func (c *Controller) markClosed() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Controller) teardown() {
	c.capture.Stop()
	c.listening = false
	c.armGen++
	c.playback.Stop()
	c.playGen++
	c.playing, c.speaking = false, false
	c.stopDebounce()
	c.cancelGrace()
	if c.replyCancel != nil {
		c.replyCancel()
		c.replyCancel = nil
	}
	c.log.Info("conversation closed")
}

// Observe registers fn for every update. fn runs on the controller goroutine
// and must not block or call back into the controller synchronously.
func (c *Controller) Observe(fn func(Update)) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Controller) emit(u Update) {
	u.At = c.opts.Clock()
	u.Status = c.status
	u.Speaking = c.speaking
	c.obsMu.Lock()
	observers := make([]func(Update), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(u)
	}
}

func (c *Controller) call(ctx context.Context, fn func() error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	errc := make(chan error, 1)
	select {
	case c.events <- func() { errc <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-c.loopDone:
		select {
		case err := <-errc:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// StartListening arms capture. While speaking, playback is silenced first.
// It is a no-op while already listening and fails with ErrReplyPending while
// a reply is outstanding.
func (c *Controller) StartListening(ctx context.Context) error {
	return c.call(ctx, func() error { return c.startListening(ctx) })
}

// StopListening disarms capture. A debounced final that has not fired yet is
// committed right away.
func (c *Controller) StopListening(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.listening {
			c.endListening()
		}
		return nil
	})
}

// SendMessage commits typed text as a user utterance. Blank text is ignored.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.call(ctx, func() error {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		if c.listening {
			c.disarm()
			if c.hasPending {
				c.stopDebounce()
				c.commitPending()
			}
		}
		c.commit(text)
		return nil
	})
}

// SyncHistory replaces the transcript with host-supplied history. An empty
// list leaves the transcript untouched. The live interim and any in-flight
// turn are not reconciled with the new history.
func (c *Controller) SyncHistory(ctx context.Context, history []transcript.HistoryEntry) error {
	return c.call(ctx, func() error {
		if len(history) == 0 {
			return nil
		}
		messages := transcript.FromHistory(history, c.opts.Clock())
		c.store.ReplaceAll(messages)
		c.ids.Observe(messages[len(messages)-1].ID)
		c.emit(Update{Kind: HistoryReplaced, Count: len(messages)})
		c.record("history", map[string]any{"count": len(messages)})
		return nil
	})
}

// SetPersona switches the companion. Unknown ids fall back to the default companion.
func (c *Controller) SetPersona(ctx context.Context, id string) (persona.Profile, error) {
	var profile persona.Profile
	err := c.call(ctx, func() error {
		resolved := c.opts.Personas.Resolve(persona.Parse(id))
		profile = c.opts.Personas.Lookup(resolved)
		if resolved != c.persona {
			c.persona = resolved
			c.emit(Update{Kind: PersonaChanged, Persona: resolved})
			c.record("persona", map[string]any{"persona": string(resolved)})
		}
		return nil
	})
	return profile, err
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func() error {
		snap = Snapshot{
			SessionID: c.opts.SessionID,
			Status:    c.status,
			Interim:   c.interim,
			Speaking:  c.speaking,
			Persona:   c.persona,
			Pending:   len(c.queue),
			Messages:  c.store.Len(),
		}
		return nil
	})
	return snap, err
}

func (c *Controller) startListening(ctx context.Context) error {
	switch {
	case c.listening:
		return nil
	case c.inflight:
		return ErrReplyPending
	}

	if c.playing {
		c.playback.Stop()
		c.playGen++
		c.playing, c.speaking = false, false
		c.metrics.add(c.metrics.interruptions)
		c.record("interrupted", nil)
		c.log.Info("playback interrupted to listen")
	}

	c.cancelGrace()
	c.setInterim("")
	c.armGen++
	gen := c.armGen
	err := c.capture.Start(ctx, func(ev capture.Event) {
		c.post(func() { c.onCapture(gen, ev) })
	})
	if err != nil {
		if errors.Is(err, capture.ErrUnsupportedCapability) {
			c.notice(c.opts.UnsupportedMsg)
		} else {
			c.log.Warn("failed to start capture", slogError(err))
		}
		c.settle()
		return err
	}
	c.listening = true
	c.setStatus(Listening)
	return nil
}

func (c *Controller) onCapture(gen uint64, ev capture.Event) {
	if gen != c.armGen || !c.listening {
		return
	}
	switch ev.Kind {
	case capture.Interim:
		c.setInterim(ev.Text)
	case capture.Final:
		if strings.TrimSpace(ev.Text) == "" {
			return
		}
		c.setInterim(ev.Text)
		c.pendingFinal = ev.Text
		c.hasPending = true
		c.restartDebounce()
	case capture.Error:
		if ev.Err != nil {
			c.log.Warn("capture error", slogError(ev.Err))
		}
		c.endListening()
	case capture.Ended:
		c.endListening()
	}
}

// endListening disarms capture and commits a pending final, if any.
func (c *Controller) endListening() {
	c.disarm()
	if c.hasPending {
		c.stopDebounce()
		c.commitPending()
		return
	}
	c.scheduleGraceClear()
	c.settle()
}

func (c *Controller) disarm() {
	if !c.listening {
		return
	}
	c.capture.Stop()
	c.listening = false
	c.armGen++
}

func (c *Controller) restartDebounce() {
	c.stopDebounce()
	gen := c.debounceGen
	c.debounceTimer = c.opts.Scheduler.AfterFunc(c.opts.Debounce, func() {
		c.post(func() { c.onDebounce(gen) })
	})
}

func (c *Controller) stopDebounce() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	c.debounceGen++
}

func (c *Controller) onDebounce(gen uint64) {
	if gen != c.debounceGen || !c.hasPending {
		return
	}
	c.debounceTimer = nil
	c.disarm()
	c.commitPending()
}

func (c *Controller) commitPending() {
	text := c.pendingFinal
	c.pendingFinal, c.hasPending = "", false
	c.commit(text)
}

func (c *Controller) commit(text string) {
	msg := transcript.Message{
		ID:        c.ids.Next(),
		Text:      text,
		Sender:    transcript.User,
		Timestamp: c.opts.Clock(),
	}
	c.store.Append(msg)
	c.emit(Update{Kind: MessageAppended, Message: &msg})
	if c.opts.Hooks.OnUtterance != nil {
		c.opts.Hooks.OnUtterance(text)
	}
	c.emit(Update{Kind: UtteranceCommitted, Text: text})
	c.record("utterance", map[string]any{"text": text})
	c.metrics.add(c.metrics.turns)
	c.scheduleGraceClear()
	c.enqueue(text)
	c.settle()
}

func (c *Controller) enqueue(text string) {
	if len(c.queue) >= c.opts.MaxPending {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.metrics.add(c.metrics.dropped)
		c.log.Warn("pending utterance dropped", slog.String("text", dropped), slog.Int("max_pending", c.opts.MaxPending))
	}
	c.queue = append(c.queue, text)
}

func (c *Controller) scheduleGraceClear() {
	c.cancelGrace()
	if c.interim == "" {
		return
	}
	if c.opts.InterimGrace == 0 {
		c.setInterim("")
		return
	}
	gen := c.graceGen
	c.graceTimer = c.opts.Scheduler.AfterFunc(c.opts.InterimGrace, func() {
		c.post(func() { c.onGrace(gen) })
	})
}

func (c *Controller) cancelGrace() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	c.graceGen++
}

func (c *Controller) onGrace(gen uint64) {
	if gen != c.graceGen {
		return
	}
	c.graceTimer = nil
	c.setInterim("")
}

// settle derives the status from what is still going on and dispatches the
// next queued utterance once nothing else is.
func (c *Controller) settle() {
	switch {
	case c.listening:
		c.setStatus(Listening)
	case c.playing:
		c.setStatus(Speaking)
	case c.inflight:
		c.setStatus(Processing)
	case len(c.queue) > 0:
		text := c.queue[0]
		c.queue = c.queue[1:]
		c.dispatch(text)
	default:
		c.setStatus(Idle)
	}
}

func (c *Controller) dispatch(text string) {
	c.inflight = true
	c.replyStarted = c.opts.Clock()
	c.setStatus(Processing)

	id := c.persona
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplyTimeout)
	c.replyCancel = cancel
	go func() {
		defer cancel()
		reply, err := c.replies.Reply(ctx, text, id)
		c.post(func() { c.onReply(reply, err) })
	}()
}

func (c *Controller) onReply(reply string, err error) {
	c.inflight = false
	c.replyCancel = nil
	c.metrics.observeLatency(c.opts.Clock().Sub(c.replyStarted))

	text := reply
	switch {
	case err != nil:
		c.log.Warn("reply failed, apologising", slogError(err))
		c.metrics.add(c.metrics.failures)
		c.record("reply_failed", map[string]any{"error": err.Error()})
		text = c.opts.ApologyText
	case strings.TrimSpace(reply) == "":
		text = c.opts.EmptyReplyText
	}

	msg := transcript.Message{
		ID:        c.ids.Next(),
		Text:      text,
		Sender:    transcript.Assistant,
		Timestamp: c.opts.Clock(),
	}
	c.store.Append(msg)
	c.emit(Update{Kind: MessageAppended, Message: &msg})
	c.record("reply", map[string]any{"text": text, "persona": string(c.persona)})
	c.speak(text)
}

func (c *Controller) speak(text string) {
	c.playGen++
	gen := c.playGen
	profile := c.opts.Personas.Lookup(c.persona)
	hint := playback.Hint{
		Language: c.opts.Language,
		Voice:    profile.Voice,
		Persona:  string(profile.ID),
	}
	err := c.playback.Play(text, hint, playback.Callbacks{
		OnStart: func() { c.post(func() { c.onPlayStart(gen) }) },
		OnEnd:   func() { c.post(func() { c.onPlayEnd(gen, nil) }) },
		OnError: func(err error) { c.post(func() { c.onPlayEnd(gen, err) }) },
	})
	if err != nil {
		c.log.Warn("playback error", slogError(err))
		c.record("playback_failed", map[string]any{"error": err.Error()})
		c.settle()
		return
	}
	c.playing = true
	c.setStatus(Speaking)
}

func (c *Controller) onPlayStart(gen uint64) {
	if gen != c.playGen || !c.playing {
		return
	}
	if c.speaking {
		c.log.Warn("duplicate playback start ignored")
		return
	}
	c.speaking = true
	c.emit(Update{Kind: StatusChanged})
}

func (c *Controller) onPlayEnd(gen uint64, err error) {
	if gen != c.playGen || !c.playing {
		return
	}
	if err != nil {
		c.log.Warn("playback error", slogError(err))
		c.record("playback_failed", map[string]any{"error": err.Error()})
	}
	c.playing, c.speaking = false, false
	c.settle()
}

func (c *Controller) setStatus(s Status) {
	if s == c.status {
		return
	}
	prev := c.status
	c.status = s
	c.log.Debug("status changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	c.emit(Update{Kind: StatusChanged})
	c.record("status", map[string]any{"from": prev.String(), "to": s.String()})
}

func (c *Controller) setInterim(text string) {
	if text == c.interim {
		return
	}
	c.interim = text
	c.emit(Update{Kind: InterimChanged, Interim: text})
}

func (c *Controller) notice(text string) {
	if c.noticeShown {
		return
	}
	c.noticeShown = true
	c.log.Warn("speech capture unavailable")
	c.emit(Update{Kind: Notice, Text: text})
}

func (c *Controller) record(kind string, payload any) {
	if c.opts.Journal != nil {
		c.opts.Journal.Record(kind, payload)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
