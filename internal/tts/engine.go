package tts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"golang.org/x/sync/semaphore"
)

// Engine is the process-wide synthesis handle. It is created once at startup
// and shared by every stream.
type Engine struct {
	synth       Synthesizer
	format      Format
	accelerated bool
	// sem is nil when the backend tolerates concurrent calls.
	sem *semaphore.Weighted
}

// NewEngine wraps synth. Unless reentrant is set, calls are serialized: a
// caller holds the engine until its frame sequence is drained or cancelled.
func NewEngine(synth Synthesizer, format Format, reentrant bool) *Engine {
	e := &Engine{synth: synth, format: format}
	if !reentrant {
		e.sem = semaphore.NewWeighted(1)
	}
	return e
}

// Load builds the engine configured by cfg. A missing voice model is fatal.
// When CUDA is requested but the accelerated load fails, the engine falls
// back to CPU.
func Load(ctx context.Context, cfg config.TTSConfig, logger *slog.Logger) (*Engine, error) {
	logger = logger.With(slog.String("component", "tts-engine"))
	format := NewFormat(cfg.SampleRate, cfg.Channels)

	switch cfg.Mode {
	case "mock":
		return NewEngine(NewMockSynth(format, cfg.ChunkDurationMS), format, true), nil
	case "wyoming":
		synth := newWyomingSynth(cfg.Endpoint, cfg.Voice, format, logger)
		return NewEngine(synth, format, cfg.Reentrant), nil
	case "piper":
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelMissing, cfg.ModelPath)
		}
		return nil, fmt.Errorf("stat voice model: %w", err)
	}
	base, err := parseCommand(cfg.Command)
	if err != nil {
		return nil, err
	}

	if cfg.UseCUDA {
		gpu := newPiperSynth(base, cfg.ModelPath, true, format, cfg.ChunkDurationMS)
		err := probe(ctx, gpu)
		if err == nil {
			logger.Info("voice model loaded", slog.String("model", cfg.ModelPath), slog.String("device", "cuda"))
			e := NewEngine(gpu, format, cfg.Reentrant)
			e.accelerated = true
			return e, nil
		}
		logger.Info("cuda load failed, using cpu", slogError(err))
	}

	cpu := newPiperSynth(base, cfg.ModelPath, false, format, cfg.ChunkDurationMS)
	if err := probe(ctx, cpu); err != nil {
		return nil, fmt.Errorf("load voice model: %w", err)
	}
	logger.Info("voice model loaded", slog.String("model", cfg.ModelPath), slog.String("device", "cpu"))
	return NewEngine(cpu, format, cfg.Reentrant), nil
}

// probe runs a short synthesis to confirm the backend can load the model.
func probe(ctx context.Context, synth Synthesizer) error {
	frames, errs := synth.Synthesize(ctx, SynthRequest{Text: "Ready."})
	for range frames {
	}
	return <-errs
}

// Format reports the PCM format of every frame the engine emits.
func (e *Engine) Format() Format { return e.format }

// Accelerated reports whether the model was loaded on a GPU.
func (e *Engine) Accelerated() bool { return e.accelerated }

// Synthesize implements Synthesizer.
func (e *Engine) Synthesize(ctx context.Context, req SynthRequest) (<-chan Frame, <-chan error) {
	if e.sem == nil {
		return e.synth.Synthesize(ctx, req)
	}
	out := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		if strings.TrimSpace(req.Text) == "" {
			errs <- ErrEmptyText
			return
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			errs <- err
			return
		}
		defer e.sem.Release(1)

		frames, inner := e.synth.Synthesize(ctx, req)
		for frame := range frames {
			select {
			case out <- frame:
			case <-ctx.Done():
			}
		}
		if err := <-inner; err != nil {
			errs <- err
			return
		}
		if err := ctx.Err(); err != nil {
			errs <- err
		}
	}()
	return out, errs
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
