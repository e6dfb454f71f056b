package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecRecognizer runs a streaming recognizer command per arming. The command
// prints one JSON object per line: {"text": "...", "final": bool} or
// {"error": "..."}. Process exit ends the session.
type ExecRecognizer struct {
	cmd []string
}

type execLine struct {
	Text     string        `json:"text"`
	Final    bool          `json:"final"`
	Error    string        `json:"error"`
	Segments []execSegment `json:"segments"`
}

type execSegment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func NewExecRecognizer(command string) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &ExecRecognizer{cmd: args}, nil
}

func (r *ExecRecognizer) Arm(ctx context.Context, opts Options) (Stream, error) {
	base, err := exec.LookPath(r.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCapability, err)
	}
	args := append([]string{}, r.cmd[1:]...)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}

	ctx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(ctx, base, args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start capture command: %w", err)
	}

	s := &execStream{
		results: make(chan Result),
		cancel:  cancel,
	}
	go s.read(ctx, command, stdout, &stderr)
	return s, nil
}

type execStream struct {
	results chan Result
	cancel  context.CancelFunc
	once    sync.Once
}

func (s *execStream) Results() <-chan Result { return s.results }

func (s *execStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *execStream) emit(ctx context.Context, res Result) bool {
	select {
	case s.results <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *execStream) read(ctx context.Context, command *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer) {
	defer close(s.results)
	defer s.Close()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg execLine
		if err := json.Unmarshal(line, &msg); err != nil {
			if !s.emit(ctx, Result{Err: fmt.Errorf("decode capture output: %w", err)}) {
				break
			}
			continue
		}
		res := Result{}
		switch {
		case msg.Error != "":
			res.Err = errors.New(msg.Error)
		case len(msg.Segments) > 0:
			for _, seg := range msg.Segments {
				res.Segments = append(res.Segments, Segment{Text: seg.Text, Final: seg.Final})
			}
		default:
			res.Segments = []Segment{{Text: msg.Text, Final: msg.Final}}
		}
		if !s.emit(ctx, res) {
			break
		}
	}

	err := command.Wait()
	if err != nil && ctx.Err() == nil {
		detail := strings.TrimSpace(stderr.String())
		s.emit(ctx, Result{Err: fmt.Errorf("capture command failed: %w: %s", err, detail)})
	}
}
