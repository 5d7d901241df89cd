package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/pipeline"

type metrics struct {
	streams    metric.Int64Counter
	active     metric.Int64UpDownCounter
	segments   metric.Int64Counter
	frames     metric.Int64Counter
	firstAudio metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	streams, err := meter.Int64Counter("loqa.voice.streams", metric.WithDescription("Completed streams by outcome"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("loqa.voice.active_streams", metric.WithDescription("Streams in progress"))
	if err != nil {
		return nil, err
	}
	segments, err := meter.Int64Counter("loqa.voice.segments", metric.WithDescription("Segments synthesized"))
	if err != nil {
		return nil, err
	}
	frames, err := meter.Int64Counter("loqa.voice.frames", metric.WithDescription("Audio frames emitted"))
	if err != nil {
		return nil, err
	}
	firstAudio, err := meter.Float64Histogram("loqa.voice.first_audio_ms",
		metric.WithDescription("Latency from stream start to first audio frame"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &metrics{streams: streams, active: active, segments: segments, frames: frames, firstAudio: firstAudio}, nil
}

func (m *metrics) streamFinished(ctx context.Context, outcome string) {
	m.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) segmentSpoken(ctx context.Context, frames int) {
	m.segments.Add(ctx, 1)
	m.frames.Add(ctx, int64(frames))
}

func (m *metrics) firstFrame(ctx context.Context, latency time.Duration) {
	m.firstAudio.Record(ctx, float64(latency)/float64(time.Millisecond))
}
