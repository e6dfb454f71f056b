package playback

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Utterance is one reply to be voiced.
type Utterance struct {
	SessionID string
	Text      string
	Voice     string
	Language  string
}

// Frame is a block of 16-bit little endian PCM belonging to one clause of the
// utterance. Last marks the final frame of the utterance.
type Frame struct {
	Clause int
	PCM    []byte
	Last   bool
}

// Synthesizer voices an utterance, handing frames to emit as they become
// available. An error from emit aborts synthesis and is returned.
type Synthesizer interface {
	Synthesize(ctx context.Context, u Utterance, emit func(Frame) error) error
}

// Clauses splits a reply at sentence and clause punctuation, Chinese or
// Latin, and at line breaks. Punctuation stays with its clause.
func Clauses(text string) []string {
	var clauses []string
	var b strings.Builder
	flush := func() {
		if clause := strings.TrimSpace(b.String()); clause != "" {
			clauses = append(clauses, clause)
		}
		b.Reset()
	}
	for _, r := range text {
		switch r {
		case '\n', '\r':
			flush()
		case '。', '！', '？', '；', '，', '…', '.', '!', '?', ';':
			b.WriteRune(r)
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return clauses
}

type mockSynth struct {
	sampleRate int
	channels   int
	perRune    time.Duration
}

// NewMockSynth voices perRune of silence for each character, paced in real
// time so a reply can be interrupted mid-sentence.
func NewMockSynth(sampleRate, channels int, perRune time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perRune: perRune}
}

func (m *mockSynth) Synthesize(ctx context.Context, u Utterance, emit func(Frame) error) error {
	clauses := Clauses(u.Text)
	if len(clauses) == 0 {
		return emit(Frame{Last: true})
	}
	frameBytes := int(m.perRune.Seconds()*float64(m.sampleRate)) * 2 * m.channels
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, clause := range clauses {
		runes := []rune(clause)
		for j := range runes {
			timer.Reset(m.perRune)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
			last := i == len(clauses)-1 && j == len(runes)-1
			if err := emit(Frame{Clause: i, PCM: make([]byte, frameBytes), Last: last}); err != nil {
				return err
			}
		}
	}
	return nil
}

type execSynth struct {
	args       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type execSynthInput struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execSynthLine struct {
	PCMBase64 string `json:"pcm_base64"`
}

// NewExecSynth runs command once per clause. The clause goes in as a JSON
// document on stdin; audio comes back as JSON lines carrying base64 PCM until
// the command exits. Utterances are voiced one at a time.
func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execSynth{args: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, u Utterance, emit func(Frame) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	clauses := Clauses(u.Text)
	if len(clauses) == 0 {
		return emit(Frame{Last: true})
	}
	for i, clause := range clauses {
		input := execSynthInput{
			Text:       clause,
			Voice:      u.Voice,
			Language:   u.Language,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		}
		if err := e.voiceClause(ctx, i, input, emit); err != nil {
			return err
		}
	}
	return emit(Frame{Clause: len(clauses) - 1, Last: true})
}

func (e *execSynth) voiceClause(ctx context.Context, clause int, input execSynthInput, emit func(Frame) error) error {
	data, err := json.Marshal(input)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	cmd.Stdin = strings.NewReader(string(data))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start synth command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var failure error
	for failure == nil && scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var out execSynthLine
		if err := json.Unmarshal(line, &out); err != nil {
			failure = fmt.Errorf("decode synth output: %w", err)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(out.PCMBase64)
		if err != nil {
			failure = fmt.Errorf("decode synth pcm: %w", err)
			break
		}
		failure = emit(Frame{Clause: clause, PCM: pcm})
	}
	if failure == nil {
		failure = scanner.Err()
	}
	if failure != nil {
		// Unblock the command before reaping it.
		_ = stdout.Close()
		_ = cmd.Wait()
		return failure
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("synth command failed: %w", err)
	}
	return nil
}
