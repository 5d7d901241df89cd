package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/agent"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedStreamer struct {
	tokens []string
	err    error
	called bool
}

func (s *scriptedStreamer) Stream(ctx context.Context, _ agent.Request, consumer func(agent.Token) error) error {
	s.called = true
	for _, tok := range s.tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consumer(agent.Token{Text: tok}); err != nil {
			return err
		}
	}
	return s.err
}

// recordingSynth emits two frames per request: "a:<text>" and "b:<text>".
type recordingSynth struct {
	mu    sync.Mutex
	texts []string
	fail  string
}

func (r *recordingSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.Frame, <-chan error) {
	r.mu.Lock()
	r.texts = append(r.texts, req.Text)
	r.mu.Unlock()

	frames := make(chan tts.Frame)
	errs := make(chan error, 1)
	go func() {
		defer close(frames)
		defer close(errs)
		if r.fail != "" && strings.Contains(req.Text, r.fail) {
			errs <- errors.New("engine crashed")
			return
		}
		for i, prefix := range []string{"a:", "b:"} {
			select {
			case frames <- tts.Frame{Sequence: i, PCM: []byte(prefix + req.Text)}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return frames, errs
}

func (r *recordingSynth) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type fixedTranscriber struct {
	text string
	err  error
}

func (f fixedTranscriber) Transcribe(context.Context, []byte, string) (stt.TranscriptResult, error) {
	return stt.TranscriptResult{Text: f.text}, f.err
}

func newPipeline(t *testing.T, streamer agent.Streamer, synth tts.Synthesizer, tr Transcriber) *Pipeline {
	t.Helper()
	p, err := New(streamer, synth, tts.NewFormat(22050, 1), tr, newLogger())
	require.NoError(t, err)
	return p
}

type sink struct {
	events []Event
	failAt int
}

func (s *sink) emit(evt Event) error {
	if s.failAt > 0 && len(s.events) >= s.failAt {
		return errors.New("client gone")
	}
	s.events = append(s.events, evt)
	return nil
}

func describe(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		switch e.Type {
		case EventText, EventTranscription, EventError:
			out[i] = fmt.Sprintf("%s:%q", e.Type, e.Text)
		case EventAudio:
			out[i] = "audio:" + string(e.Audio)
		default:
			out[i] = string(e.Type)
		}
	}
	return out
}

func TestRunInterleavesTextAndAudio(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"Hello", " world", ".", " It costs £5", "\n", " Bye"}}
	synth := &recordingSynth{}
	p := newPipeline(t, streamer, synth, nil)

	var s sink
	res, err := p.Run(context.Background(), Request{UserID: "u", SessionID: "s", Prompt: "Hi"}, s.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"header",
		`text:"Hello"`,
		`text:" world"`,
		`text:"."`,
		"audio:a:Hello world.",
		"audio:b:Hello world.",
		`text:" It costs £5"`,
		`text:"\n"`,
		"audio:a:It costs 5 pounds",
		"audio:b:It costs 5 pounds",
		`text:" Bye"`,
		"audio:a:Bye",
		"audio:b:Bye",
		"done",
	}, describe(s.events))

	assert.Equal(t, 22050, s.events[0].SampleRate)
	assert.Equal(t, tts.Preamble(tts.NewFormat(22050, 1)), s.events[0].Audio)
	assert.Equal(t, "Hello world. It costs £5\n Bye", res.Reply)
	assert.Equal(t, 3, res.Segments)
	assert.Equal(t, 6, res.Frames)
	assert.Positive(t, res.FirstAudio)
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"x"}}
	p := newPipeline(t, streamer, &recordingSynth{}, nil)

	var s sink
	_, err := p.Run(context.Background(), Request{Prompt: " \n\t"}, s.emit)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
	assert.Empty(t, s.events)
	assert.False(t, streamer.called)
}

func TestRunUpstreamFailureEmitsError(t *testing.T) {
	streamer := &scriptedStreamer{
		tokens: []string{"Partial answer."},
		err:    fmt.Errorf("%w: connection reset", agent.ErrUnreachable),
	}
	p := newPipeline(t, streamer, &recordingSynth{}, nil)

	var s sink
	_, err := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)
	require.ErrorIs(t, err, agent.ErrUnreachable)
	assert.Equal(t, []string{
		"header",
		`text:"Partial answer."`,
		"audio:a:Partial answer.",
		"audio:b:Partial answer.",
		`error:"Agent backend unreachable"`,
	}, describe(s.events))
}

func TestRunUpstreamStatusError(t *testing.T) {
	streamer := &scriptedStreamer{err: &agent.StatusError{StatusCode: 404, Body: "no session"}}
	p := newPipeline(t, streamer, &recordingSynth{}, nil)

	var s sink
	_, err := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)
	require.Error(t, err)
	assert.Equal(t, []string{"header", `error:"Agent backend returned status 404"`}, describe(s.events))
}

func TestRunSynthesisFailureEmitsError(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"One.", " Two.", " Three."}}
	synth := &recordingSynth{fail: "Two"}
	p := newPipeline(t, streamer, synth, nil)

	var s sink
	_, err := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)
	require.Error(t, err)
	assert.Equal(t, []string{
		"header",
		`text:"One."`,
		"audio:a:One.",
		"audio:b:One.",
		`text:" Two."`,
		`error:"Speech synthesis failed"`,
	}, describe(s.events))
	assert.Equal(t, []string{"One.", "Two."}, synth.Texts())
}

func TestRunStopsWhenClientGoes(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"First.", " Second.", " Third."}}
	synth := &recordingSynth{}
	p := newPipeline(t, streamer, synth, nil)

	s := sink{failAt: 3}
	_, err := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)
	require.Error(t, err)
	assert.Equal(t, []string{"header", `text:"First."`, "audio:a:First."}, describe(s.events))
	assert.Equal(t, []string{"First."}, synth.Texts())
}

func TestRunCancelledContextEmitsNothingFurther(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	streamer := &scriptedStreamer{tokens: []string{"One", " two"}}
	p := newPipeline(t, streamer, &recordingSynth{}, nil)

	var s sink
	emit := func(evt Event) error {
		if evt.Type == EventText {
			cancel()
		}
		return s.emit(evt)
	}
	_, err := p.Run(ctx, Request{Prompt: "Hi"}, emit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"header", `text:"One"`}, describe(s.events))
}

func TestRunSkipsSegmentsThatNormalizeToNothing(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"**", "\n"}}
	synth := &recordingSynth{}
	p := newPipeline(t, streamer, synth, nil)

	var s sink
	res, err := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)
	require.NoError(t, err)
	assert.Equal(t, []string{"header", `text:"**"`, `text:"\n"`, "done"}, describe(s.events))
	assert.Empty(t, synth.Texts())
	assert.Zero(t, res.Segments)
}

func TestRunSpeech(t *testing.T) {
	streamer := &scriptedStreamer{tokens: []string{"Light", " bends."}}
	p := newPipeline(t, streamer, &recordingSynth{}, fixedTranscriber{text: "what is gravity"})

	var s sink
	res, err := p.RunSpeech(context.Background(), SpeechRequest{Audio: []byte("webm"), ContentType: "audio/webm"}, s.emit)
	require.NoError(t, err)
	assert.Equal(t, "what is gravity", res.Transcript)
	assert.Equal(t, []string{
		`transcription:"what is gravity"`,
		"header",
		`text:"Light"`,
		`text:" bends."`,
		"audio:a:Light bends.",
		"audio:b:Light bends.",
		"done",
	}, describe(s.events))
}

func TestRunSpeechTranscriptionFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "no speech", err: stt.ErrNoSpeech, want: `error:"Could not understand audio"`},
		{name: "service", err: &stt.RecognitionError{Err: errors.New("quota exceeded")}, want: `error:"Recognition service error: quota exceeded"`},
		{name: "other", err: errors.New("disk full"), want: `error:"Error processing audio: disk full"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			streamer := &scriptedStreamer{tokens: []string{"x"}}
			p := newPipeline(t, streamer, &recordingSynth{}, fixedTranscriber{err: tt.err})

			var s sink
			_, err := p.RunSpeech(context.Background(), SpeechRequest{Audio: []byte("webm")}, s.emit)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, []string{tt.want}, describe(s.events))
			assert.False(t, streamer.called)
		})
	}
}

func TestRunSpeechRejectsEmptyUpload(t *testing.T) {
	p := newPipeline(t, &scriptedStreamer{}, &recordingSynth{}, fixedTranscriber{text: "hi"})
	var s sink
	_, err := p.RunSpeech(context.Background(), SpeechRequest{}, s.emit)
	assert.ErrorIs(t, err, stt.ErrEmptyAudio)
	assert.Empty(t, s.events)
}

func TestRunStreamInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tokens := rapid.SliceOfN(rapid.StringMatching(`[a-z *.!?\n]{1,5}`), 1, 20).Draw(t, "tokens")
		var upstreamErr error
		if rapid.Bool().Draw(t, "fail") {
			upstreamErr = agent.ErrUnreachable
		}

		p, err := New(&scriptedStreamer{tokens: tokens, err: upstreamErr}, &recordingSynth{}, tts.NewFormat(22050, 1), nil, newLogger())
		if err != nil {
			t.Fatalf("new pipeline: %v", err)
		}
		var s sink
		_, runErr := p.Run(context.Background(), Request{Prompt: "Hi"}, s.emit)

		if len(s.events) < 2 || s.events[0].Type != EventHeader {
			t.Fatalf("stream must start with header: %v", describe(s.events))
		}
		last := s.events[len(s.events)-1]
		if !last.Terminal() {
			t.Fatalf("stream must end with a terminal event: %v", describe(s.events))
		}
		if (runErr == nil) != (last.Type == EventDone) {
			t.Fatalf("terminal event %s does not match error %v", last.Type, runErr)
		}

		var text strings.Builder
		for i, evt := range s.events {
			if i > 0 && evt.Type == EventHeader {
				t.Fatalf("second header at %d", i)
			}
			if i < len(s.events)-1 && evt.Terminal() {
				t.Fatalf("terminal event before end at %d", i)
			}
			if evt.Type == EventText {
				text.WriteString(evt.Text)
			}
			// Frames of one segment stay adjacent: an "a:" frame is always
			// followed by its "b:" frame.
			if evt.Type == EventAudio && strings.HasPrefix(string(evt.Audio), "a:") {
				next := s.events[i+1]
				if next.Type != EventAudio || string(next.Audio) != "b:"+string(evt.Audio[2:]) {
					t.Fatalf("frames of a segment were split at %d", i)
				}
			}
		}
		if text.String() != strings.Join(tokens, "") {
			t.Fatalf("text events %q differ from tokens %q", text.String(), tokens)
		}
	})
}

func TestEventWireFormat(t *testing.T) {
	tests := []struct {
		evt  Event
		want string
	}{
		{HeaderEvent(22050, []byte{0x52, 0x49}), `{"type":"header","sampleRate":22050,"audio":"5249"}`},
		{TextEvent("Hi."), `{"type":"text","content":"Hi."}`},
		{AudioEvent([]byte{0x00, 0xff}), `{"type":"audio","audio":"00ff"}`},
		{TranscriptionEvent("hello"), `{"type":"transcription","text":"hello"}`},
		{ErrorEvent("boom"), `{"type":"error","message":"boom"}`},
		{DoneEvent(), `{"type":"done"}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.evt)
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(data))
	}

	_, err := json.Marshal(Event{Type: "bogus"})
	assert.Error(t, err)
}
