package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service answers reply.request on the bus with a local generator, so one
// node can host the reply capability for others.
type Service struct {
	cfg       config.ReplyConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	timeout   time.Duration
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.ReplyConfig, busClient *bus.Client, generator Generator, timeout time.Duration, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		ctx:       ctx,
		cancel:    cancel,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "reply-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Serve {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectReplyRequest, "reply-workers", s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe reply requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Serve || s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ReplyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode reply request", slogError(err))
		s.respond(msg, protocol.ReplyResponse{Error: "invalid request"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		options := Request{
			SessionID:   req.SessionID,
			Prompt:      req.Prompt,
			System:      req.System,
			Persona:     req.Persona,
			MaxTokens:   coalesceInt(req.MaxTokens, s.cfg.MaxTokens),
			Temperature: s.cfg.Temperature,
			TraceID:     req.TraceID,
		}
		if req.Temperature != 0 {
			options.Temperature = req.Temperature
		}

		start := time.Now()
		var b strings.Builder
		resp := protocol.ReplyResponse{SessionID: req.SessionID, TraceID: req.TraceID}
		err := s.generator.Generate(ctx, options, func(chunk Chunk) error {
			b.WriteString(chunk.Content)
			resp.PromptTokens = chunk.PromptTokens
			resp.CompletionTokens = chunk.CompletionTokens
			return nil
		})
		resp.LatencyMS = time.Since(start).Milliseconds()
		if err != nil {
			s.logger.Warn("reply generation failed", slogError(err))
			resp.Error = err.Error()
		} else {
			resp.Content = b.String()
			s.logger.Info("reply generation complete", slog.Duration("latency", time.Since(start)))
		}
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.ReplyResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal reply response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to reply request", slogError(err))
	}
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
