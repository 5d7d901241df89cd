package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/agent"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func (g *Gateway) handleInit(w http.ResponseWriter, r *http.Request) {
	uid, sid := r.PathValue("uid"), r.PathValue("sid")
	res, err := g.sessions.EnsureSession(r.Context(), uid, sid)
	if err != nil {
		g.sessionFailure(w, "init", uid, sid, res, err)
		return
	}

	status := res.StatusCode
	if res.Existing {
		status = http.StatusOK
	}
	if status >= 200 && status < 300 {
		traceID := uuid.NewString()
		ctx := r.Context()
		if g.recorder != nil {
			if err := g.recorder.RecordSession(ctx, uid, sid); err != nil {
				g.logger.Warn("record session failed", slog.String("session_id", sid), slogError(err))
			}
		}
		evt := protocol.SessionEvent{
			UserID:     uid,
			SessionID:  sid,
			TraceID:    traceID,
			StatusCode: res.StatusCode,
			Existing:   res.Existing,
			Timestamp:  g.clock().UTC(),
		}
		g.record(ctx, uid, sid, traceID, protocol.EventSessionCreated, evt)
		g.publish(protocol.SubjectSessionCreated, evt)
	}
	writeJSON(w, status, res.Body)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	uid, sid := r.PathValue("uid"), r.PathValue("sid")
	res, err := g.sessions.DeleteSession(r.Context(), uid, sid)
	if err != nil {
		g.sessionFailure(w, "delete", uid, sid, res, err)
		return
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		traceID := uuid.NewString()
		ctx := r.Context()
		evt := protocol.SessionEvent{
			UserID:     uid,
			SessionID:  sid,
			TraceID:    traceID,
			StatusCode: res.StatusCode,
			Timestamp:  g.clock().UTC(),
		}
		g.record(ctx, uid, sid, traceID, protocol.EventSessionDeleted, evt)
		if g.recorder != nil {
			if err := g.recorder.MarkSessionDeleted(ctx, uid, sid); err != nil {
				g.logger.Warn("mark session deleted failed", slog.String("session_id", sid), slogError(err))
			}
		}
		g.publish(protocol.SubjectSessionDeleted, evt)
	}
	writeJSON(w, res.StatusCode, res.Body)
}

func (g *Gateway) sessionFailure(w http.ResponseWriter, op, uid, sid string, res agent.SessionResult, err error) {
	g.logger.Error("session request failed",
		slog.String("op", op),
		slog.String("user_id", uid),
		slog.String("session_id", sid),
		slogError(err))
	switch {
	case errors.Is(err, agent.ErrUnreachable):
		writeDetail(w, http.StatusBadGateway,
			fmt.Sprintf("Failed to contact agent backend at %s. Is it running?", g.agentEndpoint))
	case errors.Is(err, agent.ErrMalformed):
		writeDetail(w, http.StatusInternalServerError,
			fmt.Sprintf("Agent backend returned an unexpected non-JSON response with status %d", res.StatusCode))
	default:
		writeDetail(w, http.StatusInternalServerError, "Session request failed")
	}
}
