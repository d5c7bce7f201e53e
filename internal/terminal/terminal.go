package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// chunkSize is how much is read from the shell per receive iteration.
const chunkSize = 256

// SubPrompt is an interactive question a command may raise, such as a
// password re-entry or a yes/no confirmation, and the answer to give.
type SubPrompt struct {
	Pattern string
	Answer  string
}

// Command is one line sent to the shell.
type Command struct {
	Text string
	// Prompts are tried in order against the output. At most one
	// answer is sent per exchange.
	Prompts []SubPrompt
	// SendOnly writes the line and returns without waiting for output.
	// Whatever the shell prints in reply is discarded before the next
	// command that waits for a prompt, unless Receive consumes it first.
	SendOnly bool
}

type chunk struct {
	data []byte
	err  error
}

type compiledSubPrompt struct {
	re     *regexp.Regexp
	answer string
}

// Terminal drives command exchanges against one interactive shell. It
// is not safe for concurrent Send calls; the owning session serializes
// them. Close and Err may be called from any goroutine.
type Terminal struct {
	tr         Transport
	log        zerolog.Logger
	newline    string
	windowSize int

	chunks    chan chunk
	done      chan struct{}
	closeOnce sync.Once

	// unread is set after a send-only write. Only the sending
	// goroutine touches it.
	unread bool

	mu       sync.Mutex
	patterns *Patterns
	prompt   string
	pattern  string
	history  []string
	err      error
}

// Option configures a Terminal.
type Option func(*Terminal)

func WithLogger(log zerolog.Logger) Option {
	return func(t *Terminal) { t.log = log }
}

// WithNewline sets the line terminator appended to commands and answers.
func WithNewline(newline string) Option {
	return func(t *Terminal) { t.newline = newline }
}

func WithWindowSize(size int) Option {
	return func(t *Terminal) { t.windowSize = size }
}

func WithPatterns(p *Patterns) Option {
	return func(t *Terminal) { t.patterns = p }
}

// New wraps tr and starts reading from it. The terminal owns tr from
// here on and closes it in Close.
func New(tr Transport, opts ...Option) *Terminal {
	t := &Terminal{
		tr:         tr,
		log:        zerolog.Nop(),
		newline:    "\n",
		windowSize: DefaultWindowSize,
		chunks:     make(chan chunk),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.pump()
	return t
}

// pump turns the blocking transport reads into channel sends so every
// wait in the exchange loop can also watch a deadline.
func (t *Terminal) pump() {
	for {
		buf := make([]byte, chunkSize)
		n, err := t.tr.Read(buf)
		if n > 0 {
			select {
			case t.chunks <- chunk{data: buf[:n]}:
			case <-t.done:
				return
			}
		}
		if err != nil {
			select {
			case t.chunks <- chunk{err: err}:
			case <-t.done:
			}
			return
		}
	}
}

// SetPatterns installs the platform's prompt table.
func (t *Terminal) SetPatterns(p *Patterns) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.patterns = p
}

func (t *Terminal) Patterns() *Patterns {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.patterns
}

// Prompt returns the most recently matched prompt text.
func (t *Terminal) Prompt() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prompt
}

// MatchedPattern returns the source of the stdout pattern behind Prompt.
func (t *Terminal) MatchedPattern() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pattern
}

// History returns every command written to the shell, oldest first.
// Sub-prompt answers are never recorded.
func (t *Terminal) History() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.history...)
}

// Err returns the failure that made the terminal unusable, if any.
func (t *Terminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Terminal) fail(err *ConnectionFailure) error {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
	t.log.Warn().Err(err).Msg("terminal failed")
	return err
}

// Close stops the reader and closes the transport. Safe to call twice.
func (t *Terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.err == nil {
			t.err = failure(ErrClosed, "terminal closed")
		}
		t.mu.Unlock()
		err = t.tr.Close()
	})
	return err
}

func (t *Terminal) write(line string) error {
	if _, err := t.tr.Write([]byte(line + t.newline)); err != nil {
		return t.fail(failure(ErrTransport, "writing to shell: %v", err))
	}
	return nil
}

func (t *Terminal) next(ctx context.Context) ([]byte, error) {
	select {
	case c := <-t.chunks:
		if c.err != nil {
			return nil, t.fail(failure(ErrTransport, "reading from shell: %v", c.err))
		}
		return c.data, nil
	case <-ctx.Done():
		return nil, t.fail(failure(ErrTimeout, "timeout waiting for prompt: %v", ctx.Err()))
	case <-t.done:
		return nil, failure(ErrClosed, "terminal closed")
	}
}

func compileSubPrompts(prompts []SubPrompt) ([]compiledSubPrompt, error) {
	out := make([]compiledSubPrompt, 0, len(prompts))
	for _, p := range prompts {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sub-prompt %q: %w", p.Pattern, err)
		}
		out = append(out, compiledSubPrompt{re: re, answer: p.Answer})
	}
	return out, nil
}

// Send writes cmd to the shell and, unless SendOnly is set, waits for
// the next prompt and returns the sanitized output.
func (t *Terminal) Send(ctx context.Context, cmd Command) (string, error) {
	if err := t.Err(); err != nil {
		return "", err
	}
	subs, err := compileSubPrompts(cmd.Prompts)
	if err != nil {
		return "", err
	}

	if !cmd.SendOnly && t.unread {
		if err := t.settle(ctx); err != nil {
			return "", err
		}
	}

	t.mu.Lock()
	t.history = append(t.history, cmd.Text)
	t.mu.Unlock()

	t.log.Debug().Str("command", cmd.Text).Bool("send_only", cmd.SendOnly).Msg("sending command")
	if err := t.write(cmd.Text); err != nil {
		return "", err
	}
	if cmd.SendOnly {
		t.unread = true
		return "", nil
	}
	return t.receive(ctx, cmd.Text, subs)
}

// settleQuiet is how long the shell must stay silent before output left
// by send-only commands counts as fully discarded.
const settleQuiet = 100 * time.Millisecond

// settle discards output queued by earlier send-only commands so that
// the next exchange does not match their echo and prompt.
func (t *Terminal) settle(ctx context.Context) error {
	t.unread = false
	timer := time.NewTimer(settleQuiet)
	defer timer.Stop()
	discarded := 0
	for {
		select {
		case c := <-t.chunks:
			if c.err != nil {
				return t.fail(failure(ErrTransport, "reading from shell: %v", c.err))
			}
			discarded += len(c.data)
			timer.Reset(settleQuiet)
		case <-timer.C:
			if discarded > 0 {
				t.log.Debug().Int("bytes", discarded).Msg("discarded send-only output")
			}
			return nil
		case <-ctx.Done():
			return t.fail(failure(ErrTimeout, "timeout discarding send-only output: %v", ctx.Err()))
		case <-t.done:
			return failure(ErrClosed, "terminal closed")
		}
	}
}

// Receive waits for the next prompt without sending anything. Sessions
// use it to consume the login banner.
func (t *Terminal) Receive(ctx context.Context) (string, error) {
	if err := t.Err(); err != nil {
		return "", err
	}
	t.unread = false
	return t.receive(ctx, "", nil)
}

func (t *Terminal) receive(ctx context.Context, command string, subs []compiledSubPrompt) (string, error) {
	p := t.Patterns()
	if p == nil {
		return "", errors.New("terminal has no prompt patterns")
	}

	var full bytes.Buffer
	window := newTailWindow(t.windowSize)
	handled := false

	for {
		data, err := t.next(ctx)
		if err != nil {
			return "", err
		}
		full.Write(data)
		window.Write(data)

		stripped := p.Strip(window.Bytes())

		if !handled {
			for _, sub := range subs {
				if sub.re.Match(stripped) {
					t.log.Debug().Str("pattern", sub.re.String()).Msg("answering sub-prompt")
					if err := t.write(sub.answer); err != nil {
						return "", err
					}
					handled = true
					break
				}
			}
		}

		m := p.Find(stripped)
		if !m.Found {
			continue
		}

		resp := string(p.Strip(full.Bytes()))
		t.mu.Lock()
		t.prompt = m.Prompt
		t.pattern = m.Pattern
		t.mu.Unlock()

		if m.Errored {
			return "", &ConnectionFailure{Message: strings.TrimSpace(resp), Err: ErrDeviceError}
		}
		return Sanitize(resp, command, m.Prompt), nil
	}
}

// Probe writes each command and collects whatever the shell prints until
// it has been silent for quiet. It is used before a platform is known,
// so only generic escape sequences are stripped.
func (t *Terminal) Probe(ctx context.Context, commands []string, quiet time.Duration) (string, error) {
	if err := t.Err(); err != nil {
		return "", err
	}
	if t.unread {
		if err := t.settle(ctx); err != nil {
			return "", err
		}
	}
	for _, c := range commands {
		t.mu.Lock()
		t.history = append(t.history, c)
		t.mu.Unlock()
		if err := t.write(c); err != nil {
			return "", err
		}
	}

	var out bytes.Buffer
	data, err := t.next(ctx)
	if err != nil {
		return "", err
	}
	out.Write(data)

	timer := time.NewTimer(quiet)
	defer timer.Stop()
	for {
		select {
		case c := <-t.chunks:
			if c.err != nil {
				return "", t.fail(failure(ErrTransport, "reading from shell: %v", c.err))
			}
			out.Write(c.data)
			timer.Reset(quiet)
		case <-timer.C:
			generic := &Patterns{ANSI: DefaultANSI}
			return string(generic.Strip(out.Bytes())), nil
		case <-ctx.Done():
			return "", t.fail(failure(ErrTimeout, "timeout probing shell: %v", ctx.Err()))
		case <-t.done:
			return "", failure(ErrClosed, "terminal closed")
		}
	}
}
