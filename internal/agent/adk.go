package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ADKClient talks to an agent development kit API server: session CRUD under
// /apps/{app}/users/{user}/sessions/{session} and streamed runs on /run_sse.
type ADKClient struct {
	endpoint string
	appName  string
	client   *http.Client
	logger   *slog.Logger
}

// NewADKClient returns a client for the server at endpoint. The client must
// not impose an overall timeout; reply streams are unbounded.
func NewADKClient(endpoint, appName string, client *http.Client, logger *slog.Logger) *ADKClient {
	return &ADKClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		appName:  appName,
		client:   client,
		logger:   logger,
	}
}

type adkPart struct {
	Text string `json:"text"`
}

type adkContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []adkPart `json:"parts"`
}

type adkRunRequest struct {
	AppName    string     `json:"appName"`
	UserID     string     `json:"userId"`
	SessionID  string     `json:"sessionId"`
	NewMessage adkContent `json:"newMessage"`
	Streaming  bool       `json:"streaming"`
}

type adkEvent struct {
	Partial bool        `json:"partial"`
	Content *adkContent `json:"content"`
}

// Stream posts the prompt to /run_sse and hands every partial text fragment to
// consumer in arrival order. Lines that are not well-formed data events are
// skipped.
func (c *ADKClient) Stream(ctx context.Context, req Request, consumer func(Token) error) error {
	body, err := json.Marshal(adkRunRequest{
		AppName:   c.appName,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		NewMessage: adkContent{
			Role:  "user",
			Parts: []adkPart{{Text: req.Prompt}},
		},
		Streaming: true,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/run_sse", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var splitter lineSplitter
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			for _, line := range splitter.Feed(buf[:n]) {
				tok, ok := parseDataLine(line)
				if !ok {
					continue
				}
				if err := consumer(tok); err != nil {
					return err
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			if rest := splitter.Residual(); len(bytes.TrimSpace(rest)) > 0 {
				c.logger.Debug("discarding unterminated stream line", slog.Int("bytes", len(rest)))
			}
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read stream: %v", ErrUnreachable, readErr)
		}
	}
}

// parseDataLine extracts the text of a partial ADK event from one SSE line.
func parseDataLine(line []byte) (Token, bool) {
	line = bytes.TrimSpace(line)
	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return Token{}, false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Token{}, false
	}
	var evt adkEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Token{}, false
	}
	if !evt.Partial || evt.Content == nil || len(evt.Content.Parts) == 0 {
		return Token{}, false
	}
	text := evt.Content.Parts[0].Text
	if strings.TrimSpace(text) == "" {
		return Token{}, false
	}
	return Token{Text: text}, true
}

func (c *ADKClient) sessionURL(userID, sessionID string) string {
	return fmt.Sprintf("%s/apps/%s/users/%s/sessions/%s",
		c.endpoint, url.PathEscape(c.appName), url.PathEscape(userID), url.PathEscape(sessionID))
}

// EnsureSession creates the session. A conflict means it already exists and
// is reported as success with Existing set.
func (c *ADKClient) EnsureSession(ctx context.Context, userID, sessionID string) (SessionResult, error) {
	res, err := c.sessionCall(ctx, http.MethodPost, c.sessionURL(userID, sessionID), []byte(`{"initial_state":{}}`))
	if err != nil {
		return res, err
	}
	switch res.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		res.Existing = true
	default:
		c.logger.Warn("unexpected session create status",
			slog.Int("status", res.StatusCode),
			slog.String("user_id", userID),
			slog.String("session_id", sessionID))
	}
	return res, nil
}

// DeleteSession removes the session. Non-success statuses are returned in the
// result rather than as errors.
func (c *ADKClient) DeleteSession(ctx context.Context, userID, sessionID string) (SessionResult, error) {
	return c.sessionCall(ctx, http.MethodDelete, c.sessionURL(userID, sessionID), nil)
}

func (c *ADKClient) sessionCall(ctx context.Context, method, target string, body []byte) (SessionResult, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return SessionResult{}, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return SessionResult{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	res := SessionResult{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return res, fmt.Errorf("%w: non-JSON body with status %d", ErrMalformed, resp.StatusCode)
	}
	res.Body = json.RawMessage(raw)
	return res, nil
}
