package playback

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Output is the audio sink a synthesized reply is written to.
type Output interface {
	Open(ctx context.Context, sampleRate, channels int) (io.WriteCloser, error)
}

// DiscardOutput drops audio; useful when only the WAV archive matters.
type DiscardOutput struct{}

func (DiscardOutput) Open(context.Context, int, int) (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ExecOutput pipes raw PCM into a player command's stdin, e.g.
// "aplay -q -f S16_LE -r {rate} -c {channels} -". The {rate} and {channels}
// placeholders are substituted per playback.
type ExecOutput struct {
	cmd []string
}

func NewExecOutput(command string) (*ExecOutput, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &ExecOutput{cmd: args}, nil
}

func (o *ExecOutput) Open(ctx context.Context, sampleRate, channels int) (io.WriteCloser, error) {
	base, err := exec.LookPath(o.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCapability, err)
	}
	replacer := strings.NewReplacer("{rate}", strconv.Itoa(sampleRate), "{channels}", strconv.Itoa(channels))
	args := make([]string, 0, len(o.cmd)-1)
	for _, arg := range o.cmd[1:] {
		args = append(args, replacer.Replace(arg))
	}

	cmd := exec.CommandContext(ctx, base, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player command: %w", err)
	}
	return &execWriter{cmd: cmd, stdin: stdin, stderr: &stderr}, nil
}

type execWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
}

func (w *execWriter) Write(p []byte) (int, error) { return w.stdin.Write(p) }

// Close flushes stdin and waits for the player to finish draining audio.
func (w *execWriter) Close() error {
	_ = w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("player command failed: %w: %s", err, strings.TrimSpace(w.stderr.String()))
	}
	return nil
}
