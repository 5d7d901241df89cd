package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/pipeline"
)

// sseWriter frames pipeline events as server-sent events. Headers are sent
// with the first event so failures before it can still become plain HTTP
// errors.
type sseWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Emit writes one event and flushes it to the client.
func (s *sseWriter) Emit(evt pipeline.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if !s.started {
		s.start()
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := s.w.Write(buf); err != nil {
		return err
	}
	return s.rc.Flush()
}
