package protocol

import "time"

// SessionEvent announces a session lifecycle change on the bus.
type SessionEvent struct {
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	TraceID    string    `json:"trace_id"`
	StatusCode int       `json:"status_code"`
	Existing   bool      `json:"existing,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TurnEvent summarises one completed or failed conversational turn.
type TurnEvent struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	TraceID      string    `json:"trace_id"`
	Kind         string    `json:"kind"`
	Prompt       string    `json:"prompt,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Reply        string    `json:"reply,omitempty"`
	Segments     int       `json:"segments"`
	Frames       int       `json:"frames"`
	FirstAudioMS int64     `json:"first_audio_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Turn kinds.
const (
	TurnAsk   = "ask"
	TurnSpeak = "speak"
)

const (
	SubjectSessionCreated = "voice.session.created"
	SubjectSessionDeleted = "voice.session.deleted"
	SubjectTurnCompleted  = "voice.turn.completed"
	SubjectTurnFailed     = "voice.turn.failed"
)

// Event store record types.
const (
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
	EventTurnCompleted  = "turn.completed"
	EventTurnFailed     = "turn.failed"
)
