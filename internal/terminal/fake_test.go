package terminal

import (
	"io"
	"strings"
	"sync"
)

// fakeShell is a scripted device. Every line written to it is passed to
// respond, and the returned chunks are emitted in order as separate
// reads.
type fakeShell struct {
	mu      sync.Mutex
	writes  []string
	respond func(line string) []string

	out   *io.PipeReader
	in    *io.PipeWriter
	queue chan string
	once  sync.Once
}

func newFakeShell(respond func(line string) []string) *fakeShell {
	pr, pw := io.Pipe()
	f := &fakeShell{
		respond: respond,
		out:     pr,
		in:      pw,
		queue:   make(chan string, 1024),
	}
	go func() {
		for c := range f.queue {
			if _, err := f.in.Write([]byte(c)); err != nil {
				return
			}
		}
	}()
	return f
}

// emit queues unsolicited output such as a login banner.
func (f *fakeShell) emit(chunks ...string) {
	for _, c := range chunks {
		f.queue <- c
	}
}

func (f *fakeShell) Read(p []byte) (int, error) { return f.out.Read(p) }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, string(p))
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		f.emit(respond(strings.TrimRight(string(p), "\r\n"))...)
	}
	return len(p), nil
}

// hangup simulates the device dropping the session.
func (f *fakeShell) hangup() {
	f.in.CloseWithError(io.EOF)
}

func (f *fakeShell) Close() error {
	f.once.Do(func() {
		f.in.Close()
		f.out.Close()
	})
	return nil
}

func (f *fakeShell) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// iosLike is a minimal prompt table shaped like the Cisco/Arista ones.
func iosLike() *Patterns {
	return MustCompile(
		[]string{`[\r\n]?[\w+\-\.:\/\[\]]+(?:\([^\)]+\)){0,3}(?:>|#) ?$`},
		[]string{`% ?Error`, `(?i)invalid input`},
		nil,
	)
}
