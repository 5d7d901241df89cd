package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

var (
	// ErrEmptyAudio rejects uploads with no bytes.
	ErrEmptyAudio = errors.New("audio upload is empty")
	// ErrNoSpeech means recognition ran but found nothing intelligible.
	ErrNoSpeech = errors.New("could not understand audio")
)

// RecognitionError reports a failure of the recognition backend itself, as
// opposed to audio without recognizable speech.
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition service error: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. audio is the uploaded container as
// received; contentType is its declared media type and may be empty.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecRecognizer(cfg, logger)
	case "http":
		return NewHTTPRecognizer(cfg, &http.Client{}), nil
	case "mock":
		return NewMockRecognizer(cfg.MockText), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func extFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"):
		return ".ogg"
	case strings.Contains(ct, "mp3"), strings.Contains(ct, "mpeg"):
		return ".mp3"
	case strings.Contains(ct, "flac"):
		return ".flac"
	case strings.Contains(ct, "m4a"), strings.Contains(ct, "mp4"):
		return ".m4a"
	default:
		return ".webm"
	}
}
