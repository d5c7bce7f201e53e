package terminal

// DefaultWindowSize bounds the trailing slice of shell output that prompt
// and error patterns are matched against on every chunk.
const DefaultWindowSize = 1024

// tailWindow keeps the newest size bytes of one exchange's output, so
// matching cost per chunk stays flat however long the response grows.
// Each receive loop owns its window.
type tailWindow struct {
	buf     []byte
	size    int
	dropped bool
}

func newTailWindow(size int) *tailWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &tailWindow{buf: make([]byte, 0, size), size: size}
}

func (w *tailWindow) Write(p []byte) {
	if len(p) >= w.size {
		w.dropped = w.dropped || len(w.buf) > 0 || len(p) > w.size
		w.buf = append(w.buf[:0], p[len(p)-w.size:]...)
		return
	}
	if over := len(w.buf) + len(p) - w.size; over > 0 {
		n := copy(w.buf, w.buf[over:])
		w.buf = w.buf[:n]
		w.dropped = true
	}
	w.buf = append(w.buf, p...)
}

// Bytes returns a copy of the window. Once older output has been
// dropped the copy starts on a UTF-8 character boundary.
func (w *tailWindow) Bytes() []byte {
	out := w.buf
	if w.dropped {
		out = trimLeadingContinuation(out)
	}
	return append([]byte(nil), out...)
}

// trimLeadingContinuation drops UTF-8 continuation bytes (10xxxxxx) left
// at the front when a multi-byte character was cut in half.
func trimLeadingContinuation(b []byte) []byte {
	i := 0
	for i < len(b) && i < 3 && b[i]&0xC0 == 0x80 {
		i++
	}
	return b[i:]
}
