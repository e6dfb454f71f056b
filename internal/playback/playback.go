// Package playback voices assistant replies, one utterance at a time.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedCapability reports that no speech output is available.
	ErrUnsupportedCapability = errors.New("speech playback unsupported")
	// ErrBusy is returned when a playback is already audible; the request is dropped.
	ErrBusy = errors.New("playback already active")
)

type State int

const (
	Started State = iota
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Status struct {
	State State
	Err   error
}

type Request struct {
	SessionID  string
	PlaybackID string
	Text       string
	Language   string
	Voice      string
	Persona    string
}

// Player voices one request. The status channel reports Started, then
// Finished or Failed, and is closed afterwards. Cancelling ctx silences the
// output immediately.
type Player interface {
	Play(ctx context.Context, req Request) (<-chan Status, error)
}

// Hint selects how text is voiced.
type Hint struct {
	Language string
	Voice    string
	Persona  string
}

// Callbacks may run on any goroutine.
type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

type Adapter struct {
	player    Player
	sessionID string
	log       *slog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	gen    uint64
}

// NewAdapter accepts a nil player; Play then reports ErrUnsupportedCapability.
func NewAdapter(player Player, sessionID string, log *slog.Logger) *Adapter {
	return &Adapter{
		player:    player,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "playback")),
	}
}

// Play starts voicing text. A start failure is returned and no callback fires.
func (a *Adapter) Play(text string, hint Hint, cb Callbacks) error {
	if a.player == nil {
		return ErrUnsupportedCapability
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		a.log.Warn("playback dropped, another one is active")
		return ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := Request{
		SessionID:  a.sessionID,
		PlaybackID: uuid.NewString(),
		Text:       text,
		Language:   hint.Language,
		Voice:      hint.Voice,
		Persona:    hint.Persona,
	}
	statuses, err := a.player.Play(ctx, req)
	if err != nil {
		cancel()
		if errors.Is(err, ErrUnsupportedCapability) {
			return err
		}
		return fmt.Errorf("start playback: %w", err)
	}
	a.gen++
	a.active = true
	a.cancel = cancel
	go a.watch(a.gen, statuses, cb)
	return nil
}

// Stop silences the current playback. Its callbacks are suppressed. Safe when idle.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	wasActive := a.active
	a.active = false
	a.cancel = nil
	a.gen++
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasActive {
		a.log.Debug("playback stopped")
	}
}

func (a *Adapter) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Adapter) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen && a.active
}

func (a *Adapter) finish(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen || !a.active {
		return false
	}
	a.active = false
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	return true
}

func (a *Adapter) watch(gen uint64, statuses <-chan Status, cb Callbacks) {
	for st := range statuses {
		switch st.State {
		case Started:
			if a.current(gen) && cb.OnStart != nil {
				cb.OnStart()
			}
		case Finished:
			if a.finish(gen) && cb.OnEnd != nil {
				cb.OnEnd()
			}
			return
		case Failed:
			if a.finish(gen) && cb.OnError != nil {
				err := st.Err
				if err == nil {
					err = errors.New("playback failed")
				}
				cb.OnError(err)
			}
			return
		}
	}
	if a.finish(gen) && cb.OnEnd != nil {
		cb.OnEnd()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
