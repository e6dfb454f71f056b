package reply

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/nats-io/nats.go"
)

type busGenerator struct {
	bus *bus.Client
}

// NewBusGenerator asks whichever node serves reply.request.
func NewBusGenerator(busClient *bus.Client) Generator {
	return &busGenerator{bus: busClient}
}

func (g *busGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	msg := protocol.ReplyRequest{
		SessionID:   req.SessionID,
		Prompt:      req.Prompt,
		System:      req.System,
		Persona:     req.Persona,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TraceID:     req.TraceID,
	}
	var resp protocol.ReplyResponse
	if err := g.bus.RequestJSON(ctx, protocol.SubjectReplyRequest, msg, &resp); err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrService, resp.Error)
	}
	return consumer(Chunk{
		SessionID:        resp.SessionID,
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TraceID:          resp.TraceID,
	})
}
