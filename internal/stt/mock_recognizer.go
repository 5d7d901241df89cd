package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns text for every upload. With no text configured it
// describes the upload instead.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audio []byte, contentType string) (TranscriptResult, error) {
	if m.text != "" {
		return TranscriptResult{Text: m.text, Confidence: 1}, nil
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[mock transcript type=%s length=%d]", contentType, len(audio)),
	}, nil
}
