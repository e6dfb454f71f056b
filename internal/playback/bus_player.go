package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Directory reports whether a healthy node advertises a capability.
type Directory interface {
	Provides(name string) bool
}

// BusPlayer hands playback to a remote speaker node.
type BusPlayer struct {
	bus *bus.Client
	dir Directory
	log *slog.Logger
}

func NewBusPlayer(busClient *bus.Client, dir Directory, log *slog.Logger) *BusPlayer {
	return &BusPlayer{
		bus: busClient,
		dir: dir,
		log: log.With(slog.String("component", "playback-bus")),
	}
}

func (p *BusPlayer) Play(ctx context.Context, req Request) (<-chan Status, error) {
	if p.dir != nil && !p.dir.Provides(protocol.CapabilitySpeechPlayback) {
		return nil, ErrUnsupportedCapability
	}
	rp := &remotePlayback{
		bus:      p.bus,
		log:      p.log,
		req:      req,
		statuses: make(chan Status, 2),
		done:     make(chan struct{}),
	}
	sub, err := p.bus.Conn().Subscribe(protocol.SubjectPlaybackStatus, rp.handleStatus)
	if err != nil {
		return nil, fmt.Errorf("subscribe playback status: %w", err)
	}
	rp.sub = sub

	msg := protocol.PlaybackRequest{
		SessionID:  req.SessionID,
		PlaybackID: req.PlaybackID,
		Text:       req.Text,
		Voice:      req.Voice,
		Persona:    req.Persona,
	}
	if err := p.bus.PublishJSON(protocol.SubjectPlaybackReq, msg); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publish playback request: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			select {
			case <-rp.done:
				return
			default:
			}
			stop := protocol.PlaybackStatus{
				SessionID:  req.SessionID,
				PlaybackID: req.PlaybackID,
				Timestamp:  time.Now().UTC(),
			}
			if err := p.bus.PublishJSON(protocol.SubjectPlaybackStop, stop); err != nil {
				p.log.Warn("failed to publish playback stop", slogError(err))
			}
			rp.finish(Status{State: Failed, Err: ctx.Err()})
		case <-rp.done:
		}
	}()
	return rp.statuses, nil
}

type remotePlayback struct {
	bus      *bus.Client
	log      *slog.Logger
	sub      *nats.Subscription
	req      Request
	statuses chan Status
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	started  bool
}

func (r *remotePlayback) handleStatus(msg *nats.Msg) {
	var st protocol.PlaybackStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		r.log.Warn("failed to decode playback status", slogError(err))
		return
	}
	if st.PlaybackID != r.req.PlaybackID {
		return
	}
	switch st.State {
	case protocol.PlaybackStarted:
		r.start()
	case protocol.PlaybackFinished:
		go r.finish(Status{State: Finished})
	case protocol.PlaybackFailed:
		err := errors.New(st.Error)
		if st.Error == "" {
			err = errors.New("remote playback failed")
		}
		go r.finish(Status{State: Failed, Err: err})
	}
}

func (r *remotePlayback) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	if r.started {
		return
	}
	r.started = true
	r.statuses <- Status{State: Started}
}

func (r *remotePlayback) finish(st Status) {
	r.once.Do(func() {
		_ = r.sub.Unsubscribe()
		r.mu.Lock()
		close(r.done)
		r.statuses <- st
		close(r.statuses)
		r.mu.Unlock()
	})
}
