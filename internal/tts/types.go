package tts

import (
	"context"
	"errors"

	"github.com/go-audio/audio"
)

var (
	// ErrModelMissing is returned by Load when the voice model file does not exist.
	ErrModelMissing = errors.New("tts: voice model not found")
	// ErrEmptyText is returned for blank synthesis input.
	ErrEmptyText = errors.New("tts: empty text")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// Frame is a contiguous block of 16-bit little-endian PCM samples.
type Frame struct {
	Sequence int
	PCM      []byte
}

// Synthesizer is the contract for producing audio. Frames arrive in playback
// order; the error channel yields at most one value once frames is closed.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan Frame, <-chan error)
}

// Format describes the PCM produced by a synthesizer.
type Format struct {
	audio.Format
	BitDepth int
}

// NewFormat returns a 16-bit PCM format.
func NewFormat(sampleRate, channels int) Format {
	return Format{Format: audio.Format{SampleRate: sampleRate, NumChannels: channels}, BitDepth: 16}
}

// BlockAlign is the byte size of one sample across all channels.
func (f Format) BlockAlign() int {
	return f.NumChannels * f.BitDepth / 8
}

// FrameBytes returns the byte length of ms milliseconds of audio, aligned to
// whole samples.
func (f Format) FrameBytes(ms int) int {
	align := f.BlockAlign()
	if align <= 0 {
		return 0
	}
	n := f.SampleRate * ms / 1000 * align
	if n < align {
		n = align
	}
	return n
}
