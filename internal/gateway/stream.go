package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

const maxAskBody = 1 << 20

type askRequest struct {
	Prompt string `json:"prompt"`
}

func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	uid, sid := r.PathValue("uid"), r.PathValue("sid")

	var body askRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAskBody)).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeDetail(w, http.StatusBadRequest, "Prompt cannot be empty")
		return
	}

	traceID := uuid.NewString()
	w.Header().Set("X-Trace-Id", traceID)
	if err := g.streams.Acquire(r.Context(), 1); err != nil {
		return
	}
	defer g.streams.Release(1)

	sse := newSSEWriter(w)
	res, err := g.conv.Run(r.Context(), pipeline.Request{
		UserID:    uid,
		SessionID: sid,
		Prompt:    body.Prompt,
		TraceID:   traceID,
	}, sse.Emit)
	if errors.Is(err, pipeline.ErrEmptyPrompt) && !sse.started {
		writeDetail(w, http.StatusBadRequest, "Prompt cannot be empty")
		return
	}
	g.recordTurn(r.Context(), protocol.TurnAsk, uid, sid, traceID, body.Prompt, res, err)
}

func (g *Gateway) handleSpeak(w http.ResponseWriter, r *http.Request) {
	uid, sid := r.PathValue("uid"), r.PathValue("sid")

	if g.maxUpload > 0 {
		if r.ContentLength > g.maxUpload {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Audio upload is too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, g.maxUpload)
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeDetail(w, http.StatusRequestEntityTooLarge, "Audio upload is too large")
		case errors.Is(err, http.ErrMissingFile):
			writeDetail(w, http.StatusBadRequest, "Missing audio upload")
		default:
			writeDetail(w, http.StatusBadRequest, "Invalid multipart form")
		}
		return
	}
	audio, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Could not read audio upload")
		return
	}
	if len(audio) == 0 {
		writeDetail(w, http.StatusBadRequest, "Audio upload is empty")
		return
	}

	traceID := uuid.NewString()
	w.Header().Set("X-Trace-Id", traceID)
	if err := g.streams.Acquire(r.Context(), 1); err != nil {
		return
	}
	defer g.streams.Release(1)

	sse := newSSEWriter(w)
	res, err := g.conv.RunSpeech(r.Context(), pipeline.SpeechRequest{
		UserID:      uid,
		SessionID:   sid,
		TraceID:     traceID,
		Audio:       audio,
		ContentType: header.Header.Get("Content-Type"),
	}, sse.Emit)
	if errors.Is(err, stt.ErrEmptyAudio) && !sse.started {
		writeDetail(w, http.StatusBadRequest, "Audio upload is empty")
		return
	}
	g.recordTurn(r.Context(), protocol.TurnSpeak, uid, sid, traceID, res.Transcript, res, err)
}

// recordTurn stores and announces the outcome of a streamed turn. It runs
// after the client may have gone, so it detaches from request cancellation.
func (g *Gateway) recordTurn(ctx context.Context, kind, uid, sid, traceID, prompt string, res pipeline.Result, err error) {
	ctx = context.WithoutCancel(ctx)
	evt := protocol.TurnEvent{
		UserID:       uid,
		SessionID:    sid,
		TraceID:      traceID,
		Kind:         kind,
		Prompt:       prompt,
		Transcript:   res.Transcript,
		Reply:        res.Reply,
		Segments:     res.Segments,
		Frames:       res.Frames,
		FirstAudioMS: res.FirstAudio.Milliseconds(),
		Timestamp:    g.clock().UTC(),
	}
	eventType, subject := protocol.EventTurnCompleted, protocol.SubjectTurnCompleted
	if err != nil {
		evt.Error = err.Error()
		eventType, subject = protocol.EventTurnFailed, protocol.SubjectTurnFailed
	}
	g.logger.Info("turn finished",
		slog.String("kind", kind),
		slog.String("user_id", uid),
		slog.String("session_id", sid),
		slog.String("trace_id", traceID),
		slog.String("outcome", eventType))
	g.record(ctx, uid, sid, traceID, eventType, evt)
	g.publish(subject, evt)
}
