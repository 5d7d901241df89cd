package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventType tags an Event.
type EventType string

const (
	EventHeader        EventType = "header"
	EventText          EventType = "text"
	EventAudio         EventType = "audio"
	EventTranscription EventType = "transcription"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Event is one message on the output stream. Which fields are set depends on
// Type.
type Event struct {
	Type EventType
	// SampleRate is set on header events.
	SampleRate int
	// Audio carries the container preamble on header events and PCM on audio
	// events.
	Audio []byte
	// Text carries reply text, the transcript, or the error message.
	Text string
}

func HeaderEvent(sampleRate int, preamble []byte) Event {
	return Event{Type: EventHeader, SampleRate: sampleRate, Audio: preamble}
}

func TextEvent(text string) Event { return Event{Type: EventText, Text: text} }

func AudioEvent(pcm []byte) Event { return Event{Type: EventAudio, Audio: pcm} }

func TranscriptionEvent(text string) Event { return Event{Type: EventTranscription, Text: text} }

func ErrorEvent(message string) Event { return Event{Type: EventError, Text: message} }

func DoneEvent() Event { return Event{Type: EventDone} }

// Terminal reports whether e ends a stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// MarshalJSON encodes the wire form. Binary payloads are lowercase hex.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventHeader:
		return json.Marshal(struct {
			Type       EventType `json:"type"`
			SampleRate int       `json:"sampleRate"`
			Audio      string    `json:"audio"`
		}{e.Type, e.SampleRate, hex.EncodeToString(e.Audio)})
	case EventText:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Text})
	case EventAudio:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Audio string    `json:"audio"`
		}{e.Type, hex.EncodeToString(e.Audio)})
	case EventTranscription:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Text string    `json:"text"`
		}{e.Type, e.Text})
	case EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Text})
	case EventDone:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}
