package protocol

import "time"

// CaptureControl arms or disarms a remote recognizer for a session.
type CaptureControl struct {
	SessionID string    `json:"session_id"`
	ArmID     string    `json:"arm_id"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureResult is one recognition batch published by a remote recognizer.
type CaptureResult struct {
	SessionID string           `json:"session_id"`
	ArmID     string           `json:"arm_id"`
	Segments  []CaptureSegment `json:"segments,omitempty"`
	Error     string           `json:"error,omitempty"`
	Ended     bool             `json:"ended,omitempty"`
}

type CaptureSegment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// PlaybackRequest asks a remote speaker to voice text.
type PlaybackRequest struct {
	SessionID  string `json:"session_id"`
	PlaybackID string `json:"playback_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Persona    string `json:"persona,omitempty"`
}

// PlaybackStatus reports the lifecycle of a remote playback.
type PlaybackStatus struct {
	SessionID  string    `json:"session_id"`
	PlaybackID string    `json:"playback_id"`
	State      string    `json:"state"` // started, finished, failed
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	PlaybackStarted  = "started"
	PlaybackFinished = "finished"
	PlaybackFailed   = "failed"
)

// ReplyRequest is answered with a ReplyResponse on the request's reply inbox.
type ReplyRequest struct {
	SessionID   string  `json:"session_id"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Persona     string  `json:"persona,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TraceID     string  `json:"trace_id,omitempty"`
}

type ReplyResponse struct {
	SessionID        string `json:"session_id"`
	Content          string `json:"content"`
	Error            string `json:"error,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	LatencyMS        int64  `json:"latency_ms,omitempty"`
	TraceID          string `json:"trace_id,omitempty"`
}

// HistoryPush replaces the session transcript with host-supplied history.
type HistoryPush struct {
	SessionID string         `json:"session_id"`
	History   []HistoryEntry `json:"history"`
}

type HistoryEntry struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ConversationControl drives the controller from the bus.
type ConversationControl struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // listen, stop, message, persona
	Text      string `json:"text,omitempty"`
	Persona   string `json:"persona,omitempty"`
}

// ControlResult answers a ConversationControl sent as a request.
type ControlResult struct {
	SessionID string `json:"session_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Persona   string `json:"persona,omitempty"`
}

const (
	ActionListen  = "listen"
	ActionStop    = "stop"
	ActionMessage = "message"
	ActionPersona = "persona"
)

type ConversationStatus struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Speaking  bool      `json:"speaking"`
	Persona   string    `json:"persona"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationInterim struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type ConversationMessage struct {
	SessionID string    `json:"session_id"`
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ConversationUtterance struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectCaptureArm     = "capture.arm"
	SubjectCaptureDisarm  = "capture.disarm"
	SubjectCaptureResult  = "capture.result"
	SubjectPlaybackReq    = "playback.request"
	SubjectPlaybackStop   = "playback.stop"
	SubjectPlaybackStatus = "playback.status"
	SubjectReplyRequest   = "reply.request"

	SubjectConversationHistory   = "conversation.history"
	SubjectConversationControl   = "conversation.control"
	SubjectConversationStatus    = "conversation.status"
	SubjectConversationInterim   = "conversation.interim"
	SubjectConversationMessage   = "conversation.message"
	SubjectConversationUtterance = "conversation.utterance"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat."
)

// Capability names advertised through the node registry.
const (
	CapabilitySpeechCapture  = "speech.capture"
	CapabilitySpeechPlayback = "speech.playback"
	CapabilityReply          = "conversation.reply"
)
