// Package reply obtains the assistant's answer to a user utterance.
package reply

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNetwork covers transport failures: unreachable service, timeouts, no responders.
	ErrNetwork = errors.New("reply service unreachable")
	// ErrService covers a reachable service that refused or garbled the request.
	ErrService = errors.New("reply service failed")
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Persona     string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable reply backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
