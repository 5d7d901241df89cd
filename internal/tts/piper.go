package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// piperSynth runs the Piper CLI once per request, feeding text on stdin and
// reading raw PCM from stdout.
type piperSynth struct {
	cmd        []string
	format     Format
	frameBytes int
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return args, nil
}

func newPiperSynth(base []string, modelPath string, cuda bool, format Format, chunkDurationMS int) *piperSynth {
	args := append([]string{}, base...)
	args = append(args, "--model", modelPath, "--output-raw")
	if cuda {
		args = append(args, "--cuda")
	}
	return &piperSynth{cmd: args, format: format, frameBytes: format.FrameBytes(chunkDurationMS)}
}

func (p *piperSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Frame, <-chan error) {
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
		// Piper treats each stdin line as an utterance.
		text = strings.ReplaceAll(text, "\n", " ")

		cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
		cmd.Stdin = strings.NewReader(text + "\n")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- fmt.Errorf("start piper: %w", err)
			return
		}

		sequence := 0
		var readErr error
		for {
			buf := make([]byte, p.frameBytes)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				select {
				case frames <- Frame{Sequence: sequence, PCM: buf[:n]}:
					sequence++
				case <-ctx.Done():
					readErr = ctx.Err()
				}
			}
			if readErr != nil {
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				readErr = fmt.Errorf("read piper output: %w", err)
				break
			}
		}
		if readErr != nil {
			_, _ = io.Copy(io.Discard, stdout)
		}
		waitErr := cmd.Wait()
		switch {
		case readErr != nil:
			errs <- readErr
		case waitErr != nil:
			errs <- fmt.Errorf("piper failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		case sequence == 0:
			errs <- errors.New("piper produced no audio")
		}
	}()
	return frames, errs
}
