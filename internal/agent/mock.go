package agent

import (
	"context"
	"strings"
)

type mockStreamer struct {
	reply string
}

// NewMockStreamer replies with a fixed text, one word per token. An empty
// reply echoes the prompt.
func NewMockStreamer(reply string) Streamer {
	return &mockStreamer{reply: reply}
}

func (m *mockStreamer) Stream(ctx context.Context, req Request, consumer func(Token) error) error {
	reply := m.reply
	if reply == "" {
		reply = "You said: " + strings.TrimSpace(req.Prompt)
	}
	for i, word := range strings.Fields(reply) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			word = " " + word
		}
		if err := consumer(Token{Text: word}); err != nil {
			return err
		}
	}
	return nil
}
