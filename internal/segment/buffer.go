// Package segment turns a stream of text tokens into speakable segments.
package segment

import "strings"

// Segment is a unit of text ready for synthesis.
type Segment struct {
	// Raw is the trimmed accumulated text before normalization.
	Raw string
	// Text is Raw after Normalize.
	Text string
}

// Buffer accumulates streamed tokens until a boundary token arrives. It is
// owned by a single stream and is not safe for concurrent use.
type Buffer struct {
	pending strings.Builder
}

// IsBoundary reports whether token ends with a sentence or clause
// terminator. Only the final character is inspected.
func IsBoundary(token string) bool {
	if token == "" {
		return false
	}
	switch token[len(token)-1] {
	case '.', '!', '?', ';', ':', '\n':
		return true
	}
	return false
}

// Append adds token to the pending text.
func (b *Buffer) Append(token string) {
	b.pending.WriteString(token)
}

// FlushIfBoundary returns the pending text as a segment when token is a
// boundary token and the pending text is not blank.
func (b *Buffer) FlushIfBoundary(token string) (Segment, bool) {
	if !IsBoundary(token) {
		return Segment{}, false
	}
	return b.flush()
}

// FlushRemainder drains whatever is pending at end of stream.
func (b *Buffer) FlushRemainder() (Segment, bool) {
	return b.flush()
}

// Push appends token and flushes on a boundary.
func (b *Buffer) Push(token string) (Segment, bool) {
	b.Append(token)
	return b.FlushIfBoundary(token)
}

// Pending returns the text accumulated since the last flush.
func (b *Buffer) Pending() string {
	return b.pending.String()
}

func (b *Buffer) flush() (Segment, bool) {
	raw := strings.TrimSpace(b.pending.String())
	if raw == "" {
		return Segment{}, false
	}
	b.pending.Reset()
	return Segment{Raw: raw, Text: Normalize(raw)}, true
}
