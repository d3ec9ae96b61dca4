package backend

import (
	"bytes"
	"sync"
)

// MaxCapturedOutput bounds how much of one stream a StreamWriter keeps.
// Lines past the limit are still delivered to the log callback.
const MaxCapturedOutput = 8 << 20

const truncatedMarker = "\n[output truncated]\n"

// StreamWriter captures a process output stream and hands each complete
// line to an optional callback as it arrives. It is safe for concurrent use.
type StreamWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	partial   []byte
	emit      func(string)
	truncated bool
}

// NewStreamWriter returns a writer that forwards lines to emit, which may be nil.
func NewStreamWriter(emit func(string)) *StreamWriter {
	return &StreamWriter{emit: emit}
}

// Write implements io.Writer.
func (w *StreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.truncated {
		room := MaxCapturedOutput - w.buf.Len()
		if len(p) <= room {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:room])
			w.buf.WriteString(truncatedMarker)
			w.truncated = true
		}
	}

	if w.emit == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.partial[:i], []byte{'\r'})))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush delivers a trailing line that was not newline-terminated.
func (w *StreamWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.emit != nil && len(w.partial) > 0 {
		w.emit(string(w.partial))
	}
	w.partial = nil
}

// String returns the captured output.
func (w *StreamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
