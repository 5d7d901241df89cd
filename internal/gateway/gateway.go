// Package gateway exposes the HTTP surface: session init and delete proxied
// to the agent backend, and the ask and speak endpoints streaming
// interleaved text and audio as server-sent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/agent"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"golang.org/x/sync/semaphore"
)

// Conversation runs a turn and streams its events.
type Conversation interface {
	Run(ctx context.Context, req pipeline.Request, emit func(pipeline.Event) error) (pipeline.Result, error)
	RunSpeech(ctx context.Context, req pipeline.SpeechRequest, emit func(pipeline.Event) error) (pipeline.Result, error)
}

// Recorder persists the session timeline.
type Recorder interface {
	RecordSession(ctx context.Context, userID, sessionID string) error
	MarkSessionDeleted(ctx context.Context, userID, sessionID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Publisher announces session and turn events.
type Publisher interface {
	Publish(subject string, v any) error
}

// Options wires a Gateway. Recorder and Publisher are optional.
type Options struct {
	Config        config.GatewayConfig
	AgentEndpoint string
	Sessions      agent.SessionManager
	Conversation  Conversation
	Recorder      Recorder
	Publisher     Publisher
	Logger        *slog.Logger
}

type Gateway struct {
	sessions      agent.SessionManager
	conv          Conversation
	recorder      Recorder
	publisher     Publisher
	agentEndpoint string
	maxUpload     int64
	streams       *semaphore.Weighted
	limiter       *userLimiter
	logger        *slog.Logger
	clock         func() time.Time
}

func New(opts Options) (*Gateway, error) {
	if opts.Sessions == nil {
		return nil, errors.New("gateway requires a session manager")
	}
	if opts.Conversation == nil {
		return nil, errors.New("gateway requires a conversation pipeline")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	maxStreams := opts.Config.MaxConcurrentStreams
	if maxStreams <= 0 {
		maxStreams = 1
	}
	g := &Gateway{
		sessions:      opts.Sessions,
		conv:          opts.Conversation,
		recorder:      opts.Recorder,
		publisher:     opts.Publisher,
		agentEndpoint: opts.AgentEndpoint,
		maxUpload:     opts.Config.MaxUploadBytes,
		streams:       semaphore.NewWeighted(int64(maxStreams)),
		logger:        opts.Logger.With(slog.String("component", "gateway")),
		clock:         time.Now,
	}
	if opts.Config.RateLimitRPS > 0 {
		g.limiter = newUserLimiter(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst)
	}
	return g, nil
}

// Register mounts the gateway routes on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.Handle("GET /uid/{uid}/sid/{sid}/init", g.limited(g.handleInit))
	mux.Handle("GET /uid/{uid}/sid/{sid}/delete", g.limited(g.handleDelete))
	mux.Handle("POST /uid/{uid}/sid/{sid}/ask", g.limited(g.handleAsk))
	mux.Handle("POST /uid/{uid}/sid/{sid}/speak", g.limited(g.handleSpeak))
}

// Handler returns the gateway routes behind request logging.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.Register(mux)
	return LogRequests(g.logger, mux)
}

// record appends a timeline event. Failures are logged, never surfaced to the
// client.
func (g *Gateway) record(ctx context.Context, userID, sessionID, traceID, eventType string, payload any) {
	if g.recorder == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Warn("encode event payload failed", slog.String("event_type", eventType), slogError(err))
		return
	}
	err = g.recorder.AppendEvent(ctx, eventstore.Event{
		UserID:    userID,
		SessionID: sessionID,
		TraceID:   traceID,
		Type:      eventType,
		Payload:   data,
	})
	if err != nil {
		g.logger.Warn("record event failed",
			slog.String("event_type", eventType),
			slog.String("session_id", sessionID),
			slogError(err))
	}
}

func (g *Gateway) publish(subject string, v any) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.Publish(subject, v); err != nil {
		g.logger.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	body, _ := json.Marshal(map[string]string{"detail": detail})
	writeJSON(w, status, body)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
