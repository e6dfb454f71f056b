package playback

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestClauses(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty", in: "  ", want: nil},
		{name: "no punctuation", in: "你好呀", want: []string{"你好呀"}},
		{name: "chinese", in: "星星会眨眼，因为空气在动。明白了吗？", want: []string{"星星会眨眼，", "因为空气在动。", "明白了吗？"}},
		{name: "latin", in: "Hi there! How are you?", want: []string{"Hi there!", "How are you?"}},
		{name: "line breaks", in: "第一行\n\n第二行", want: []string{"第一行", "第二行"}},
		{name: "trailing text", in: "好的。再见", want: []string{"好的。", "再见"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clauses(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Clauses(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMockSynthFrames(t *testing.T) {
	synth := NewMockSynth(8000, 1, time.Millisecond)
	var frames []Frame
	err := synth.Synthesize(context.Background(), Utterance{Text: "好的。再见"}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("expected a frame per character, got %d", len(frames))
	}
	if frames[2].Clause != 0 || frames[3].Clause != 1 {
		t.Fatalf("unexpected clause numbering %+v", frames)
	}
	for i, f := range frames {
		if f.Last != (i == len(frames)-1) {
			t.Fatalf("frame %d last = %v", i, f.Last)
		}
		if len(f.PCM) != 16 {
			t.Fatalf("frame %d has %d bytes", i, len(f.PCM))
		}
	}
}

func TestMockSynthStopsOnEmitError(t *testing.T) {
	synth := NewMockSynth(8000, 1, 0)
	stop := errors.New("output closed")
	calls := 0
	err := synth.Synthesize(context.Background(), Utterance{Text: "一二三"}, func(Frame) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected abort after first frame, got %v after %d calls", err, calls)
	}
}

func TestExecSynthMissingBinary(t *testing.T) {
	synth, err := NewExecSynth("no-such-synth-binary --raw", 8000, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = synth.Synthesize(context.Background(), Utterance{Text: "你好"}, func(Frame) error { return nil })
	if err == nil {
		t.Fatal("expected start failure")
	}
	if _, err := NewExecSynth("  ", 8000, 1); err == nil {
		t.Fatal("expected empty command rejected")
	}
}
