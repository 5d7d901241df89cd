package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// httpRecognizer posts uploads to an OpenAI-compatible transcription
// endpoint such as a whisper.cpp or faster-whisper server.
type httpRecognizer struct {
	endpoint string
	model    string
	language string
	client   *http.Client
}

func NewHTTPRecognizer(cfg config.STTConfig, client *http.Client) Recognizer {
	return &httpRecognizer{endpoint: cfg.Endpoint, model: cfg.Model, language: cfg.Language, client: client}
}

func (h *httpRecognizer) Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "audio"+extFromContentType(contentType))
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return TranscriptResult{}, fmt.Errorf("write audio: %w", err)
	}
	if h.model != "" {
		_ = writer.WriteField("model", h.model)
	}
	if h.language != "" {
		_ = writer.WriteField("language", h.language)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return TranscriptResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, body)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return TranscriptResult{}, fmt.Errorf("transcription failed (status %d): %s", resp.StatusCode, msg)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode transcription: %w", err)
	}
	return TranscriptResult{Text: result.Text}, nil
}
