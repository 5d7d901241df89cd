package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
)

// localSessions tracks sessions in memory for backends without their own
// session store.
type localSessions struct {
	Streamer
	mu       sync.Mutex
	sessions map[string]struct{}
}

func withLocalSessions(s Streamer) Backend {
	return &localSessions{Streamer: s, sessions: make(map[string]struct{})}
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

func sessionBody(userID, sessionID string) json.RawMessage {
	body, _ := json.Marshal(map[string]string{"userId": userID, "id": sessionID})
	return body
}

func (l *localSessions) EnsureSession(_ context.Context, userID, sessionID string) (SessionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := sessionKey(userID, sessionID)
	if _, ok := l.sessions[key]; ok {
		return SessionResult{StatusCode: http.StatusConflict, Existing: true, Body: sessionBody(userID, sessionID)}, nil
	}
	l.sessions[key] = struct{}{}
	return SessionResult{StatusCode: http.StatusOK, Body: sessionBody(userID, sessionID)}, nil
}

func (l *localSessions) DeleteSession(_ context.Context, userID, sessionID string) (SessionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := sessionKey(userID, sessionID)
	if _, ok := l.sessions[key]; !ok {
		return SessionResult{StatusCode: http.StatusNotFound, Body: json.RawMessage(`{"detail":"Session not found"}`)}, nil
	}
	delete(l.sessions, key)
	return SessionResult{StatusCode: http.StatusOK, Body: json.RawMessage(`null`)}, nil
}
