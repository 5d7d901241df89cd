package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer writes the upload to a temporary file, optionally converts it
// to 16 kHz mono WAV with convert_command, and runs command on the result.
// The command must print {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	cmd     []string
	convert []string
	cfg     config.STTConfig
	logger  *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func parseCommand(name, command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s is empty", name)
	}
	return args, nil
}

func NewExecRecognizer(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	args, err := parseCommand("stt command", cfg.Command)
	if err != nil {
		return nil, err
	}
	r := &execRecognizer{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "stt-exec"))}
	if strings.TrimSpace(cfg.ConvertCommand) != "" {
		convert, err := parseCommand("stt convert command", cfg.ConvertCommand)
		if err != nil {
			return nil, err
		}
		r.convert = convert
	}
	return r, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, audio []byte, contentType string) (TranscriptResult, error) {
	input, err := os.CreateTemp("", "loqa_stt_*"+extFromContentType(contentType))
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(input.Name())
	_, err = input.Write(audio)
	if closeErr := input.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("write upload: %w", err)
	}

	audioPath := input.Name()
	if r.convert != nil {
		output, err := os.CreateTemp("", "loqa_stt_*.wav")
		if err != nil {
			return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
		}
		output.Close()
		defer os.Remove(output.Name())

		if err := r.runConvert(ctx, input.Name(), output.Name()); err != nil {
			return TranscriptResult{}, err
		}
		if err := checkWAV(output.Name()); err != nil {
			return TranscriptResult{}, err
		}
		audioPath = output.Name()
		r.logger.Debug("converted upload", slog.String("content_type", contentType), slog.Int("bytes", len(audio)))
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (r *execRecognizer) runConvert(ctx context.Context, input, output string) error {
	args := make([]string, len(r.convert))
	for i, arg := range r.convert {
		arg = strings.ReplaceAll(arg, "{input}", input)
		args[i] = strings.ReplaceAll(arg, "{output}", output)
	}
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("convert audio: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// checkWAV rejects conversion output that is not a playable WAV. A valid file
// without samples means there was nothing to recognize.
func checkWAV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open converted audio: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat converted audio: %w", err)
	}
	if info.Size() <= 44 {
		return ErrNoSpeech
	}
	if !wav.NewDecoder(f).IsValidFile() {
		return fmt.Errorf("converted audio is not a valid wav file")
	}
	return nil
}
