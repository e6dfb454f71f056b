package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/capture"
	"github.com/loqalabs/loqa-voicechat/internal/persona"
	"github.com/loqalabs/loqa-voicechat/internal/playback"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

var (
	// ErrReplyPending is returned by StartListening while a reply is being fetched.
	ErrReplyPending = errors.New("reply pending")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("conversation closed")
)

type Status int

const (
	Idle Status = iota
	Listening
	Processing
	Speaking
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Capture is the speech capture adapter.
type Capture interface {
	Start(ctx context.Context, sink func(capture.Event)) error
	Stop()
}

// Playback is the speech output adapter.
type Playback interface {
	Play(text string, hint playback.Hint, cb playback.Callbacks) error
	Stop()
	Active() bool
}

type ReplyClient interface {
	Reply(ctx context.Context, utterance string, id persona.ID) (string, error)
}

type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Journal receives an audit trail of session events. Record must not block.
type Journal interface {
	Record(kind string, payload any)
}

type Hooks struct {
	// OnUtterance is told about every committed user utterance.
	OnUtterance func(text string)
}

// Options configures a Controller. Zero durations take the defaults below; a
// negative InterimGrace clears the interim as soon as an utterance is committed.
type Options struct {
	SessionID      string
	Personas       *persona.Table
	Persona        persona.ID
	Language       string
	Debounce       time.Duration
	InterimGrace   time.Duration
	ReplyTimeout   time.Duration
	MaxPending     int
	ApologyText    string
	EmptyReplyText string
	UnsupportedMsg string
	Scheduler      Scheduler
	Clock          func() time.Time
	Hooks          Hooks
	Journal        Journal
}

const (
	DefaultDebounce       = 1000 * time.Millisecond
	DefaultInterimGrace   = 500 * time.Millisecond
	DefaultReplyTimeout   = 20 * time.Second
	DefaultMaxPending     = 8
	DefaultApologyText    = "哎呀，我现在有点累了，稍后再聊好吗？"
	DefaultEmptyReplyText = "哇，这个问题很有趣呢！让我想想怎么回答你..."
	DefaultUnsupportedMsg = "当前设备不支持语音识别功能"
)

func (o *Options) applyDefaults() {
	if o.Personas == nil {
		o.Personas = persona.NewTable(persona.Builtin(), persona.Fox)
	}
	if o.Persona == "" {
		o.Persona = persona.Default
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	switch {
	case o.InterimGrace == 0:
		o.InterimGrace = DefaultInterimGrace
	case o.InterimGrace < 0:
		o.InterimGrace = 0
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.ApologyText == "" {
		o.ApologyText = DefaultApologyText
	}
	if o.EmptyReplyText == "" {
		o.EmptyReplyText = DefaultEmptyReplyText
	}
	if o.UnsupportedMsg == "" {
		o.UnsupportedMsg = DefaultUnsupportedMsg
	}
	if o.Scheduler == nil {
		o.Scheduler = realScheduler{}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type UpdateKind int

const (
	StatusChanged UpdateKind = iota
	InterimChanged
	MessageAppended
	HistoryReplaced
	PersonaChanged
	UtteranceCommitted
	Notice
)

func (k UpdateKind) String() string {
	switch k {
	case StatusChanged:
		return "status"
	case InterimChanged:
		return "interim"
	case MessageAppended:
		return "message"
	case HistoryReplaced:
		return "history"
	case PersonaChanged:
		return "persona"
	case UtteranceCommitted:
		return "utterance"
	case Notice:
		return "notice"
	default:
		return "unknown"
	}
}

func (k UpdateKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Update describes one observable change. Only the fields relevant to Kind are set.
type Update struct {
	Kind     UpdateKind          `json:"kind"`
	Status   Status              `json:"status"`
	Speaking bool                `json:"speaking"`
	Interim  string              `json:"interim,omitempty"`
	Message  *transcript.Message `json:"message,omitempty"`
	Persona  persona.ID          `json:"persona,omitempty"`
	Text     string              `json:"text,omitempty"`
	Count    int                 `json:"count,omitempty"`
	At       time.Time           `json:"at"`
}

type Snapshot struct {
	SessionID string     `json:"session_id"`
	Status    Status     `json:"status"`
	Interim   string     `json:"interim"`
	Speaking  bool       `json:"speaking"`
	Persona   persona.ID `json:"persona"`
	Pending   int        `json:"pending"`
	Messages  int        `json:"messages"`
}
