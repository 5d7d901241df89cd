// Package pipeline interleaves a streamed agent reply with synthesized speech
// on a single ordered event stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/agent"
	"github.com/loqalabs/loqa-voice/internal/segment"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyPrompt rejects blank prompts before any event is emitted.
var ErrEmptyPrompt = errors.New("prompt cannot be empty")

// Transcriber turns an audio upload into a prompt.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (stt.TranscriptResult, error)
}

// Request is a text turn.
type Request struct {
	UserID    string
	SessionID string
	Prompt    string
	TraceID   string
}

// SpeechRequest is a spoken turn.
type SpeechRequest struct {
	UserID      string
	SessionID   string
	TraceID     string
	Audio       []byte
	ContentType string
}

// Result summarizes a stream.
type Result struct {
	Transcript string
	Reply      string
	Segments   int
	Frames     int
	// FirstAudio is the delay before the first audio frame, zero when no
	// audio was produced.
	FirstAudio time.Duration
}

// Pipeline runs turns. It holds no per-turn state and is safe for concurrent
// use; each Run owns its own segment buffer.
type Pipeline struct {
	agent       agent.Streamer
	synth       tts.Synthesizer
	format      tts.Format
	preamble    []byte
	transcriber Transcriber
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics
}

func New(streamer agent.Streamer, synth tts.Synthesizer, format tts.Format, transcriber Transcriber, logger *slog.Logger) (*Pipeline, error) {
	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("register pipeline metrics: %w", err)
	}
	return &Pipeline{
		agent:       streamer,
		synth:       synth,
		format:      format,
		preamble:    tts.Preamble(format),
		transcriber: transcriber,
		logger:      logger.With(slog.String("component", "pipeline")),
		tracer:      otel.Tracer(instrumentationName),
		metrics:     m,
	}, nil
}

// sinkError marks a failure to deliver an event to the client.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "emit event: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// synthesisError marks a failure of the synthesis engine.
type synthesisError struct{ err error }

func (e *synthesisError) Error() string { return "synthesize: " + e.err.Error() }
func (e *synthesisError) Unwrap() error { return e.err }

// Run streams the reply to req through emit: one header, the reply text and
// audio interleaved segment by segment, then done. A failure after the header
// ends the stream with a single error event instead of done. When emit fails
// or ctx is cancelled the stream stops without further events.
func (p *Pipeline) Run(ctx context.Context, req Request, emit func(Event) error) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("loqa.user_id", req.UserID),
		attribute.String("loqa.session_id", req.SessionID),
		attribute.String("loqa.trace_id", req.TraceID),
	))
	defer span.End()

	p.metrics.active.Add(ctx, 1)
	defer p.metrics.active.Add(ctx, -1)

	send := func(evt Event) error {
		if err := emit(evt); err != nil {
			return &sinkError{err: err}
		}
		return nil
	}

	start := time.Now()
	var res Result
	if err := send(HeaderEvent(p.format.SampleRate, p.preamble)); err != nil {
		return res, p.fail(ctx, span, req, err, send)
	}

	var buf segment.Buffer
	var reply strings.Builder
	err := p.agent.Stream(ctx, agent.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
		TraceID:   req.TraceID,
	}, func(tok agent.Token) error {
		reply.WriteString(tok.Text)
		if err := send(TextEvent(tok.Text)); err != nil {
			return err
		}
		if seg, ok := buf.Push(tok.Text); ok {
			return p.speak(ctx, req, seg, send, &res, start)
		}
		return nil
	})
	if err == nil {
		if seg, ok := buf.FlushRemainder(); ok {
			err = p.speak(ctx, req, seg, send, &res, start)
		}
	}
	res.Reply = reply.String()
	if err == nil {
		err = send(DoneEvent())
	}
	if err != nil {
		return res, p.fail(ctx, span, req, err, send)
	}

	span.SetAttributes(attribute.Int("loqa.segments", res.Segments), attribute.Int("loqa.frames", res.Frames))
	p.metrics.streamFinished(ctx, "done")
	p.logger.Debug("stream complete",
		slog.String("session_id", req.SessionID),
		slog.Int("segments", res.Segments),
		slog.Int("frames", res.Frames),
		slog.Duration("first_audio", res.FirstAudio),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

// speak synthesizes one segment and emits its frames in order.
func (p *Pipeline) speak(ctx context.Context, req Request, seg segment.Segment, send func(Event) error, res *Result, start time.Time) error {
	if strings.TrimSpace(seg.Text) == "" {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize", trace.WithAttributes(attribute.Int("loqa.chars", len(seg.Text))))
	defer span.End()

	synthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames, errs := p.synth.Synthesize(synthCtx, tts.SynthRequest{SessionID: req.SessionID, Text: seg.Text})

	emitted := 0
	for frame := range frames {
		if err := send(AudioEvent(frame.PCM)); err != nil {
			cancel()
			for range frames {
			}
			<-errs
			return err
		}
		if res.Frames == 0 {
			res.FirstAudio = time.Since(start)
			p.metrics.firstFrame(ctx, res.FirstAudio)
		}
		res.Frames++
		emitted++
	}
	if err := <-errs; err != nil {
		span.RecordError(err)
		return &synthesisError{err: err}
	}
	res.Segments++
	p.metrics.segmentSpoken(ctx, emitted)
	return nil
}

// fail emits the terminal error event when the client can still receive it.
func (p *Pipeline) fail(ctx context.Context, span trace.Span, req Request, err error, send func(Event) error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var sinkErr *sinkError
	if errors.As(err, &sinkErr) || ctx.Err() != nil {
		p.metrics.streamFinished(ctx, "cancelled")
		p.logger.Info("stream abandoned by client",
			slog.String("session_id", req.SessionID),
			slogError(err))
		return err
	}

	p.metrics.streamFinished(ctx, "failed")
	p.logger.Error("stream failed",
		slog.String("user_id", req.UserID),
		slog.String("session_id", req.SessionID),
		slogError(err))
	if sendErr := send(ErrorEvent(clientMessage(err))); sendErr != nil {
		p.logger.Debug("could not deliver error event", slogError(sendErr))
	}
	return err
}

func clientMessage(err error) string {
	var statusErr *agent.StatusError
	var synthErr *synthesisError
	switch {
	case errors.Is(err, agent.ErrUnreachable):
		return "Agent backend unreachable"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("Agent backend returned status %d", statusErr.StatusCode)
	case errors.Is(err, agent.ErrMalformed):
		return "Agent backend returned a malformed response"
	case errors.As(err, &synthErr):
		return "Speech synthesis failed"
	default:
		return "Stream failed"
	}
}

// RunSpeech transcribes the upload, emits the transcript, and continues as
// Run with the transcript as prompt. A transcription failure ends the stream
// with a single error event.
func (p *Pipeline) RunSpeech(ctx context.Context, req SpeechRequest, emit func(Event) error) (Result, error) {
	if len(req.Audio) == 0 {
		return Result{}, stt.ErrEmptyAudio
	}

	transcript, err := p.transcriber.Transcribe(ctx, req.Audio, req.ContentType)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		p.logger.Info("transcription failed", slog.String("session_id", req.SessionID), slogError(err))
		if sendErr := emit(ErrorEvent(transcriptionMessage(err))); sendErr != nil {
			return Result{}, &sinkError{err: sendErr}
		}
		return Result{}, err
	}
	if err := emit(TranscriptionEvent(transcript.Text)); err != nil {
		return Result{Transcript: transcript.Text}, &sinkError{err: err}
	}

	res, err := p.Run(ctx, Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Prompt:    transcript.Text,
		TraceID:   req.TraceID,
	}, emit)
	res.Transcript = transcript.Text
	return res, err
}

func transcriptionMessage(err error) string {
	var recErr *stt.RecognitionError
	switch {
	case errors.Is(err, stt.ErrNoSpeech):
		return "Could not understand audio"
	case errors.As(err, &recErr):
		return fmt.Sprintf("Recognition service error: %v", recErr.Err)
	default:
		return fmt.Sprintf("Error processing audio: %v", err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
