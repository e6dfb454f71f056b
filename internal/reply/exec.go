package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execGenerator asks a local command for each reply. The command reads one
// chat document on stdin and answers on stdout with either a JSON object
// carrying "content", a JSON string, or plain text.
type execGenerator struct {
	args []string
}

type execInput struct {
	SessionID   string        `json:"session_id"`
	Persona     string        `json:"persona,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type execAnswer struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse reply command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("reply command empty")
	}
	return &execGenerator{args: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input := execInput{
		SessionID:   req.SessionID,
		Persona:     req.Persona,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		input.Messages = append(input.Messages, chatMessage{Role: "system", Content: req.System})
	}
	input.Messages = append(input.Messages, chatMessage{Role: "user", Content: req.Prompt})
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.args[0], g.args[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrNetwork, ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("%w: reply command failed: %s", ErrService, detail)
	}

	answer, err := decodeExecAnswer(stdout.Bytes())
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          answer.Content,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TraceID:          req.TraceID,
	})
}

func decodeExecAnswer(out []byte) (execAnswer, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return execAnswer{}, fmt.Errorf("%w: reply command printed nothing", ErrService)
	}
	switch out[0] {
	case '{':
		var answer execAnswer
		if err := json.Unmarshal(out, &answer); err != nil {
			return execAnswer{}, fmt.Errorf("%w: decode reply command output: %v", ErrService, err)
		}
		return answer, nil
	case '"':
		var text string
		if err := json.Unmarshal(out, &text); err == nil {
			return execAnswer{Content: text}, nil
		}
	}
	return execAnswer{Content: string(out)}, nil
}
