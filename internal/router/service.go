// Package router bridges a conversation session onto the bus: control and
// history messages drive the controller, and controller updates are
// republished for hosts and displays.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/conversation"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
	"github.com/nats-io/nats.go"
)

// Session is the part of the conversation controller the bridge drives.
type Session interface {
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	SendMessage(ctx context.Context, text string) error
	SyncHistory(ctx context.Context, history []transcript.HistoryEntry) error
	SetPersona(ctx context.Context, id string) (persona.Profile, error)
	Observe(fn func(conversation.Update)) (cancel func())
}

type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	session   Session
	sessionID string
	timeout   time.Duration
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	subs    []*nats.Subscription
	observe func()

	mu      sync.Mutex
	persona persona.ID
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, session Session, sessionID string, initial persona.ID, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		session:   session,
		sessionID: sessionID,
		timeout:   5 * time.Second,
		logger:    logger.With(slog.String("component", "router"), slog.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
		persona:   initial,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	historySub, err := conn.Subscribe(protocol.SubjectConversationHistory, s.handleHistory)
	if err != nil {
		return fmt.Errorf("subscribe history: %w", err)
	}
	s.subs = append(s.subs, historySub)

	controlSub, err := conn.Subscribe(protocol.SubjectConversationControl, s.handleControl)
	if err != nil {
		_ = historySub.Drain()
		s.subs = nil
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.subs = append(s.subs, controlSub)

	s.observe = s.session.Observe(s.publishUpdate)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.observe != nil {
		s.observe()
	}
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) == 2
}

func (s *Service) mine(sessionID string) bool {
	return sessionID == "" || sessionID == s.sessionID
}

func (s *Service) handleHistory(msg *nats.Msg) {
	var push protocol.HistoryPush
	if err := json.Unmarshal(msg.Data, &push); err != nil {
		s.logger.Warn("router failed to decode history", slogError(err))
		return
	}
	if !s.mine(push.SessionID) {
		return
	}
	history := make([]transcript.HistoryEntry, 0, len(push.History))
	for _, h := range push.History {
		history = append(history, transcript.HistoryEntry{Role: h.Role, Content: h.Content, Timestamp: h.Timestamp})
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if err := s.session.SyncHistory(ctx, history); err != nil {
		s.logger.Warn("router failed to sync history", slogError(err))
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.ConversationControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.logger.Warn("router failed to decode control", slogError(err))
		s.ack(msg, protocol.ControlResult{SessionID: s.sessionID, Error: "invalid control message"})
		return
	}
	if !s.mine(ctrl.SessionID) {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	result := protocol.ControlResult{SessionID: s.sessionID}
	var err error
	switch ctrl.Action {
	case protocol.ActionListen:
		err = s.session.StartListening(ctx)
	case protocol.ActionStop:
		err = s.session.StopListening(ctx)
	case protocol.ActionMessage:
		err = s.session.SendMessage(ctx, ctrl.Text)
	case protocol.ActionPersona:
		var profile persona.Profile
		profile, err = s.session.SetPersona(ctx, ctrl.Persona)
		result.Persona = string(profile.ID)
	default:
		err = fmt.Errorf("unknown action %q", ctrl.Action)
	}
	if err != nil {
		s.logger.Info("control action failed", slog.String("action", ctrl.Action), slogError(err))
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	s.ack(msg, result)
}

func (s *Service) ack(msg *nats.Msg, result protocol.ControlResult) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to acknowledge control", slogError(err))
	}
}

// publishUpdate runs on the controller goroutine; publishing only buffers.
func (s *Service) publishUpdate(u conversation.Update) {
	var (
		subject string
		payload any
	)
	switch u.Kind {
	case conversation.StatusChanged, conversation.PersonaChanged:
		s.mu.Lock()
		if u.Kind == conversation.PersonaChanged {
			s.persona = u.Persona
		}
		current := s.persona
		s.mu.Unlock()
		subject = protocol.SubjectConversationStatus
		payload = protocol.ConversationStatus{
			SessionID: s.sessionID,
			Status:    u.Status.String(),
			Speaking:  u.Speaking,
			Persona:   string(current),
			Timestamp: u.At.UTC(),
		}
	case conversation.InterimChanged:
		subject = protocol.SubjectConversationInterim
		payload = protocol.ConversationInterim{SessionID: s.sessionID, Text: u.Interim}
	case conversation.MessageAppended:
		if u.Message == nil {
			return
		}
		subject = protocol.SubjectConversationMessage
		payload = protocol.ConversationMessage{
			SessionID: s.sessionID,
			ID:        u.Message.ID,
			Sender:    string(u.Message.Sender),
			Text:      u.Message.Text,
			Timestamp: u.Message.Timestamp.UTC(),
		}
	case conversation.UtteranceCommitted:
		subject = protocol.SubjectConversationUtterance
		payload = protocol.ConversationUtterance{SessionID: s.sessionID, Text: u.Text, Timestamp: u.At.UTC()}
	default:
		return
	}
	if err := s.bus.PublishJSON(subject, payload); err != nil {
		s.logger.Warn("router failed to publish update", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
