// Package agent streams replies from the conversational backend and manages
// the backend's per-user sessions.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	// ErrUnreachable wraps transport failures talking to the backend.
	ErrUnreachable = errors.New("agent backend unreachable")
	// ErrMalformed reports a backend response that could not be decoded.
	ErrMalformed = errors.New("agent backend returned malformed response")
)

// StatusError is returned when the backend answers with a non-success status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent backend returned status %d: %s", e.StatusCode, e.Body)
}

// Request is a single user turn.
type Request struct {
	UserID    string
	SessionID string
	Prompt    string
	TraceID   string
}

// Token is a fragment of the streamed reply. Fragments carry no sentence
// boundary guarantees.
type Token struct {
	Text string
}

// Streamer produces the reply to a request as a sequence of tokens. consumer
// is called in order; a consumer error aborts the stream and is returned.
type Streamer interface {
	Stream(ctx context.Context, req Request, consumer func(Token) error) error
}

// SessionResult is the backend's answer to a session operation.
type SessionResult struct {
	StatusCode int
	// Existing is set when the session was already present.
	Existing bool
	Body     json.RawMessage
}

// SessionManager creates and deletes backend sessions.
type SessionManager interface {
	EnsureSession(ctx context.Context, userID, sessionID string) (SessionResult, error)
	DeleteSession(ctx context.Context, userID, sessionID string) (SessionResult, error)
}

// Backend is a complete agent integration.
type Backend interface {
	Streamer
	SessionManager
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.AgentConfig, logger *slog.Logger) (Backend, error) {
	logger = logger.With(slog.String("component", "agent"))
	switch cfg.Mode {
	case "adk":
		return NewADKClient(cfg.Endpoint, cfg.AppName, &http.Client{}, logger), nil
	case "ollama":
		return withLocalSessions(NewOllamaStreamer(cfg, &http.Client{})), nil
	case "mock":
		return withLocalSessions(NewMockStreamer(cfg.MockReply)), nil
	default:
		return nil, fmt.Errorf("unsupported agent mode %q", cfg.Mode)
	}
}
