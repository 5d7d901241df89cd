package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
)

type ollamaStreamer struct {
	endpoint    string
	model       string
	system      string
	maxTokens   int
	temperature float64
	client      *http.Client
}

// NewOllamaStreamer streams completions from an Ollama server's
// /api/generate endpoint. Ollama keeps no conversation state, so each turn is
// answered on its own.
func NewOllamaStreamer(cfg config.AgentConfig, client *http.Client) Streamer {
	return &ollamaStreamer{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       cfg.Model,
		system:      cfg.System,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		client:      client,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func (o *ollamaStreamer) Stream(ctx context.Context, req Request, consumer func(Token) error) error {
	body, err := json.Marshal(ollamaRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		System: o.system,
		Stream: true,
		Options: ollamaOptions{
			Temperature: o.temperature,
			NumPredict:  o.maxTokens,
		},
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Response != "" {
			if err := consumer(Token{Text: chunk.Response}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read stream: %v", ErrUnreachable, err)
	}
	return nil
}
