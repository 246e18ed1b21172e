package sse

import "bytes"

// Splitter reassembles frames from arbitrarily chunked reads. A trailing fragment
// without its blank line is retained until a later Feed completes it.
type Splitter struct {
	buf []byte
}

// Feed appends p and returns every frame completed by it, in arrival order.
// Returned slices are owned by the caller.
func (s *Splitter) Feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var frames [][]byte
	for {
		idx := bytes.Index(s.buf, frameSep)
		if idx < 0 {
			break
		}
		frame := make([]byte, idx)
		copy(frame, s.buf[:idx])
		frames = append(frames, frame)
		s.buf = s.buf[idx+len(frameSep):]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// Reset drops any buffered fragment.
func (s *Splitter) Reset() {
	s.buf = nil
}
