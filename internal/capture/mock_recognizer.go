package capture

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted recognition batch delivered Delay after the previous one.
type Step struct {
	Delay  time.Duration
	Result Result
}

// MockRecognizer replays a script on every arming. With EndAfterScript unset
// the stream stays open until closed, like continuous recognition does.
type MockRecognizer struct {
	Script         []Step
	EndAfterScript bool
	Unsupported    bool
}

// DemoScript recognizes a short greeting.
func DemoScript() []Step {
	return []Step{
		{Delay: 300 * time.Millisecond, Result: Result{Segments: []Segment{{Text: "你好"}}}},
		{Delay: 500 * time.Millisecond, Result: Result{Segments: []Segment{{Text: "你好，今天天气"}}}},
		{Delay: 400 * time.Millisecond, Result: Result{Segments: []Segment{{Text: "你好，今天天气怎么样？", Final: true}}}},
	}
}

func NewMockRecognizer(script []Step) *MockRecognizer {
	return &MockRecognizer{Script: script}
}

func (m *MockRecognizer) Arm(ctx context.Context, _ Options) (Stream, error) {
	if m.Unsupported {
		return nil, ErrUnsupportedCapability
	}
	s := &mockStream{
		results: make(chan Result),
		done:    make(chan struct{}),
	}
	go s.play(ctx, m.Script, m.EndAfterScript)
	return s, nil
}

type mockStream struct {
	results chan Result
	done    chan struct{}
	once    sync.Once
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *mockStream) play(ctx context.Context, script []Step, end bool) {
	defer close(s.results)
	for _, step := range script {
		timer := time.NewTimer(step.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		select {
		case s.results <- step.Result:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
	if end {
		return
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
}
