package tts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// wyomingSynth talks to a Piper server over the Wyoming protocol. Each event
// is framed as:
//
//	<json_length> <payload_length>\n
//	<json_bytes>\n
//	<payload_bytes>
type wyomingSynth struct {
	endpoint string
	voice    string
	format   Format
	logger   *slog.Logger
}

type wyomingEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func newWyomingSynth(endpoint, voice string, format Format, logger *slog.Logger) *wyomingSynth {
	endpoint = strings.TrimPrefix(endpoint, "tcp://")
	return &wyomingSynth{endpoint: endpoint, voice: voice, format: format, logger: logger}
}

func (w *wyomingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)
		if err := w.run(ctx, req, frames); err != nil {
			errs <- err
		}
	}()
	return frames, errs
}

func (w *wyomingSynth) run(ctx context.Context, req SynthRequest, frames chan<- Frame) error {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ErrEmptyText
	}
	voice := req.Voice
	if voice == "" {
		voice = w.voice
	}

	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", w.endpoint)
	if err != nil {
		return fmt.Errorf("connect to wyoming server: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	data := map[string]any{"text": text}
	if voice != "" {
		data["voice"] = map[string]any{"name": voice}
	}
	if err := writeWyomingEvent(conn, wyomingEvent{Type: "synthesize", Data: data}, nil); err != nil {
		return fmt.Errorf("send synthesize event: %w", err)
	}

	reader := bufio.NewReader(conn)
	sequence := 0
	for {
		evt, payload, err := readWyomingEvent(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read wyoming event: %w", err)
		}
		switch evt.Type {
		case "audio-start":
			if rate, ok := evt.Data["rate"].(float64); ok && int(rate) != w.format.SampleRate {
				w.logger.Warn("wyoming sample rate differs from configured format",
					slog.Int("server_rate", int(rate)),
					slog.Int("configured_rate", w.format.SampleRate))
			}
		case "audio-chunk":
			if len(payload) == 0 {
				continue
			}
			select {
			case frames <- Frame{Sequence: sequence, PCM: payload}:
				sequence++
			case <-ctx.Done():
				return ctx.Err()
			}
		case "audio-stop":
			return nil
		case "error":
			msg := "unknown error"
			if text, ok := evt.Data["text"].(string); ok {
				msg = text
			}
			return fmt.Errorf("wyoming server error: %s", msg)
		default:
			w.logger.Debug("ignoring wyoming event", slog.String("type", evt.Type))
		}
	}
}

func writeWyomingEvent(w io.Writer, evt wyomingEvent, payload []byte) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%d %d\n", len(body), len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(append(body, '\n')); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err = w.Write(payload)
	}
	return err
}

func readWyomingEvent(r *bufio.Reader) (wyomingEvent, []byte, error) {
	var evt wyomingEvent
	header, err := r.ReadString('\n')
	if err != nil {
		return evt, nil, err
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return evt, nil, fmt.Errorf("invalid wyoming header %q", strings.TrimSpace(header))
	}
	jsonLen, err := strconv.Atoi(parts[0])
	if err != nil {
		return evt, nil, fmt.Errorf("parse json length: %w", err)
	}
	payloadLen, err := strconv.Atoi(parts[1])
	if err != nil {
		return evt, nil, fmt.Errorf("parse payload length: %w", err)
	}

	body := make([]byte, jsonLen+1)
	if _, err := io.ReadFull(r, body); err != nil {
		return evt, nil, err
	}
	if err := json.Unmarshal(body[:jsonLen], &evt); err != nil {
		return evt, nil, fmt.Errorf("decode wyoming event: %w", err)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return evt, nil, err
		}
	}
	return evt, payload, nil
}
