package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client turns an utterance into the persona's reply text.
type Client struct {
	gen       Generator
	personas  *persona.Table
	sessionID string
	maxTokens int
	temp      float64
	tracer    trace.Tracer
	log       *slog.Logger
}

func NewClient(gen Generator, personas *persona.Table, sessionID string, cfg config.ReplyConfig, log *slog.Logger) *Client {
	return &Client{
		gen:       gen,
		personas:  personas,
		sessionID: sessionID,
		maxTokens: cfg.MaxTokens,
		temp:      cfg.Temperature,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-voicechat/reply"),
		log:       log.With(slog.String("component", "reply-client")),
	}
}

// Reply returns the trimmed reply. Failures wrap ErrNetwork or ErrService.
func (c *Client) Reply(ctx context.Context, utterance string, id persona.ID) (string, error) {
	profile := c.personas.Lookup(id)
	ctx, span := c.tracer.Start(ctx, "reply.generate", trace.WithAttributes(
		attribute.String("session.id", c.sessionID),
		attribute.String("persona", string(profile.ID)),
	))
	defer span.End()

	req := Request{
		SessionID:   c.sessionID,
		Prompt:      utterance,
		System:      profile.SystemPrompt,
		Persona:     string(profile.ID),
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
		TraceID:     span.SpanContext().TraceID().String(),
	}

	start := time.Now()
	var b strings.Builder
	err := c.gen.Generate(ctx, req, func(chunk Chunk) error {
		b.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Warn("reply failed", slogError(err), slog.Duration("latency", time.Since(start)))
		return "", err
	}
	text := strings.TrimSpace(b.String())
	span.SetAttributes(attribute.Int("reply.length", len(text)))
	c.log.Debug("reply complete", slog.Duration("latency", time.Since(start)))
	return text, nil
}

func classify(err error) error {
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrService) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", ErrService, err)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
