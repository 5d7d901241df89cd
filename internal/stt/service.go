package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Service applies upload validation, the recognition deadline, and error
// classification on top of a Recognizer.
type Service struct {
	rec     Recognizer
	timeout time.Duration
	logger  *slog.Logger
}

func NewService(cfg config.STTConfig, rec Recognizer, logger *slog.Logger) *Service {
	return &Service{
		rec:     rec,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:  logger.With(slog.String("component", "stt-service")),
	}
}

// Transcribe returns the recognized text. Errors are ErrEmptyAudio,
// ErrNoSpeech, the caller's context error, or a *RecognitionError.
func (s *Service) Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptResult, error) {
	if len(audio) == 0 {
		return TranscriptResult{}, ErrEmptyAudio
	}

	recCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.rec.Transcribe(recCtx, audio, contentType)
	if err != nil {
		if errors.Is(err, ErrNoSpeech) {
			return TranscriptResult{}, ErrNoSpeech
		}
		if ctx.Err() != nil {
			return TranscriptResult{}, ctx.Err()
		}
		if recCtx.Err() != nil {
			err = recCtx.Err()
		}
		s.logger.Warn("transcription failed", slogError(err), slog.Int("bytes", len(audio)))
		return TranscriptResult{}, &RecognitionError{Err: err}
	}

	res.Text = strings.TrimSpace(res.Text)
	if res.Text == "" {
		return TranscriptResult{}, ErrNoSpeech
	}
	s.logger.Debug("transcription complete",
		slog.Int("bytes", len(audio)),
		slog.Duration("latency", time.Since(start)))
	return res, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
