package fetch

import (
	"bytes"
	"errors"
)

// splitState is the state of a LineSplitter.
type splitState int

const (
	// stateAccumulating: bytes of an incomplete line are buffered.
	stateAccumulating splitState = iota
	// stateLineReady: a newline was seen and the buffered line is being emitted.
	stateLineReady
	// stateEnded: Close was called; any trailing partial line has been emitted.
	stateEnded
)

func (s splitState) String() string {
	switch s {
	case stateAccumulating:
		return "accumulating"
	case stateLineReady:
		return "line-ready"
	case stateEnded:
		return "stream-ended"
	default:
		return "unknown"
	}
}

var errSplitterClosed = errors.New("line splitter is closed")

// LineFunc receives one complete line without its terminator. The slice is
// only valid for the duration of the call.
type LineFunc func(line []byte) error

// LineSplitter turns a byte stream written in arbitrary chunks into lines.
//
// It is an io.WriteCloser: chunks are passed to Write as they arrive and Close
// marks the end of the stream, emitting a trailing line that lacks a newline.
// Blank lines are dropped. A LineSplitter is owned by a single worker.
type LineSplitter struct {
	state   splitState
	partial []byte
	emit    LineFunc
	lines   int
}

// NewLineSplitter returns a splitter that calls emit for every line.
func NewLineSplitter(emit LineFunc) *LineSplitter {
	return &LineSplitter{emit: emit}
}

// Write implements io.Writer. An error returned by the LineFunc stops
// processing and is returned.
func (s *LineSplitter) Write(p []byte) (int, error) {
	if s.state == stateEnded {
		return 0, errSplitterClosed
	}

	consumed := 0
	for consumed < len(p) {
		rest := p[consumed:]
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			s.partial = append(s.partial, rest...)
			s.state = stateAccumulating
			return len(p), nil
		}

		s.partial = append(s.partial, rest[:i]...)
		consumed += i + 1
		s.state = stateLineReady
		if err := s.flush(); err != nil {
			return consumed, err
		}
	}

	return len(p), nil
}

// Close ends the stream. A buffered partial line is emitted as a final line.
func (s *LineSplitter) Close() error {
	if s.state == stateEnded {
		return nil
	}
	s.state = stateEnded
	return s.flush()
}

// Lines returns the number of non-blank lines emitted so far.
func (s *LineSplitter) Lines() int {
	return s.lines
}

func (s *LineSplitter) flush() error {
	line := bytes.TrimSuffix(s.partial, []byte{'\r'})
	defer func() {
		s.partial = s.partial[:0]
		if s.state == stateLineReady {
			s.state = stateAccumulating
		}
	}()

	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	s.lines++
	return s.emit(line)
}
