package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Directory reports whether a healthy node advertises a capability.
type Directory interface {
	Provides(name string) bool
}

// BusRecognizer drives a remote recognizer node over NATS.
type BusRecognizer struct {
	bus *bus.Client
	dir Directory
	log *slog.Logger
}

func NewBusRecognizer(busClient *bus.Client, dir Directory, log *slog.Logger) *BusRecognizer {
	return &BusRecognizer{
		bus: busClient,
		dir: dir,
		log: log.With(slog.String("component", "capture-bus")),
	}
}

func (r *BusRecognizer) Arm(ctx context.Context, opts Options) (Stream, error) {
	if r.dir != nil && !r.dir.Provides(protocol.CapabilitySpeechCapture) {
		return nil, ErrUnsupportedCapability
	}
	s := &busStream{
		bus:       r.bus,
		log:       r.log,
		sessionID: opts.SessionID,
		armID:     uuid.NewString(),
		results:   make(chan Result, 16),
		done:      make(chan struct{}),
	}
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectCaptureResult, s.handleResult)
	if err != nil {
		return nil, fmt.Errorf("subscribe capture results: %w", err)
	}
	s.sub = sub

	ctrl := protocol.CaptureControl{
		SessionID: opts.SessionID,
		ArmID:     s.armID,
		Language:  opts.Language,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectCaptureArm, ctrl); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("publish capture arm: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type busStream struct {
	bus       *bus.Client
	log       *slog.Logger
	sub       *nats.Subscription
	sessionID string
	armID     string

	results chan Result
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

func (s *busStream) Results() <-chan Result { return s.results }

// Close disarms the remote recognizer.
func (s *busStream) Close() error {
	var err error
	s.finish(func() {
		err = s.bus.PublishJSON(protocol.SubjectCaptureDisarm, protocol.CaptureControl{
			SessionID: s.sessionID,
			ArmID:     s.armID,
			Timestamp: time.Now().UTC(),
		})
	})
	return err
}

func (s *busStream) finish(onClose func()) {
	s.once.Do(func() {
		close(s.done)
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
		s.mu.Lock()
		s.closed = true
		close(s.results)
		s.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	})
}

func (s *busStream) push(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.results <- res:
	case <-s.done:
	}
}

func (s *busStream) handleResult(msg *nats.Msg) {
	var payload protocol.CaptureResult
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.log.Warn("failed to decode capture result", slogError(err))
		return
	}
	if payload.SessionID != s.sessionID || payload.ArmID != s.armID {
		return
	}
	res := Result{}
	if payload.Error != "" {
		res.Err = errors.New(payload.Error)
	}
	for _, seg := range payload.Segments {
		res.Segments = append(res.Segments, Segment{Text: seg.Text, Final: seg.Final})
	}
	if res.Err != nil || len(res.Segments) > 0 {
		s.push(res)
	}
	if payload.Ended {
		go s.finish(nil)
	}
}
