package agent

import "bytes"

// lineSplitter cuts an arbitrarily chunked byte stream into complete
// newline-terminated lines. Bytes after the last newline are held until the
// next Feed.
type lineSplitter struct {
	buf []byte
}

// Feed appends chunk and returns every line it completes, without the
// trailing newline. Returned slices are only valid until the next call.
func (s *lineSplitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(s.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, s.buf[:idx])
		s.buf = s.buf[idx+1:]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	} else if len(lines) > 0 {
		s.buf = append([]byte(nil), s.buf...)
	}
	return lines
}

// Residual returns the unterminated tail.
func (s *lineSplitter) Residual() []byte {
	return s.buf
}
