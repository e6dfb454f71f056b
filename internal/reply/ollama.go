package reply

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaModel = "qwen2.5:3b"

// ollamaGenerator talks to Ollama's streaming chat endpoint. The companion's
// system prompt and the utterance are sent as a two-message chat.
type ollamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

func NewOllamaGenerator(endpoint, model string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &ollamaGenerator{
		url:    strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/api/chat",
		model:  model,
		client: client,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatStreamLine struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	Error           string      `json:"error,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	body, err := json.Marshal(chatRequest{Model: g.model, Messages: messages, Stream: true, Options: options})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 240))
		return fmt.Errorf("%w: ollama http %d: %s", ErrService, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	started := time.Now()
	lines := bufio.NewScanner(resp.Body)
	for lines.Scan() {
		raw := bytes.TrimSpace(lines.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line chatStreamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("%w: ollama returned non-json line: %v", ErrService, err)
		}
		if line.Error != "" {
			return fmt.Errorf("%w: %s", ErrService, line.Error)
		}
		chunk := Chunk{
			SessionID: req.SessionID,
			Content:   line.Message.Content,
			Partial:   !line.Done,
			Latency:   time.Since(started),
			TraceID:   req.TraceID,
		}
		if line.Done {
			chunk.PromptTokens = line.PromptEvalCount
			chunk.CompletionTokens = line.EvalCount
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if line.Done {
			return nil
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: ollama stream ended without done", ErrService)
}
