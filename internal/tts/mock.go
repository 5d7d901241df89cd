package tts

import (
	"context"
	"strings"
)

type mockSynth struct {
	format     Format
	frameBytes int
}

// NewMockSynth returns a synthesizer producing silence: one frame per
// started 40 characters of input.
func NewMockSynth(format Format, chunkDurationMS int) Synthesizer {
	return &mockSynth{format: format, frameBytes: format.FrameBytes(chunkDurationMS)}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)
		text := strings.TrimSpace(req.Text)
		if text == "" {
			errs <- ErrEmptyText
			return
		}
		count := (len(text) + 39) / 40
		for i := 0; i < count; i++ {
			select {
			case frames <- Frame{Sequence: i, PCM: make([]byte, m.frameBytes)}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return frames, errs
}
