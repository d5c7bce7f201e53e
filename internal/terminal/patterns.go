package terminal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// DefaultANSI are the escape sequences every platform strips before any
// prompt matching. Sequences not listed here are removed by ansi.Strip.
var DefaultANSI = []*regexp.Regexp{
	regexp.MustCompile(`(\x1b\[\?1h\x1b=)`),
	regexp.MustCompile(`\x08.`),
}

// Patterns is the prompt/error table a platform hands to the terminal.
// It is built once when the session selects its platform and never
// modified afterwards.
type Patterns struct {
	// Stdout patterns recognise the shell prompt. They are tried in
	// order; the first match wins.
	Stdout []*regexp.Regexp
	// Stderr patterns recognise device-reported errors.
	Stderr []*regexp.Regexp
	// ANSI patterns are removed from output before matching.
	ANSI []*regexp.Regexp
}

// MustCompile builds a pattern set from source strings and panics on a
// bad expression. Platforms use it for their static tables.
func MustCompile(stdout, stderr, ansiExtra []string) *Patterns {
	p, err := Compile(stdout, stderr, ansiExtra)
	if err != nil {
		panic(err)
	}
	return p
}

// Compile builds a pattern set. DefaultANSI is always included ahead of
// ansiExtra.
func Compile(stdout, stderr, ansiExtra []string) (*Patterns, error) {
	p := &Patterns{ANSI: append([]*regexp.Regexp(nil), DefaultANSI...)}
	for _, src := range stdout {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("stdout pattern %q: %w", src, err)
		}
		p.Stdout = append(p.Stdout, re)
	}
	for _, src := range stderr {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("stderr pattern %q: %w", src, err)
		}
		p.Stderr = append(p.Stderr, re)
	}
	for _, src := range ansiExtra {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("ansi pattern %q: %w", src, err)
		}
		p.ANSI = append(p.ANSI, re)
	}
	return p, nil
}

// Strip removes the platform's ANSI patterns and then any remaining
// terminal escape sequences. Line breaks and other C0 controls survive.
func (p *Patterns) Strip(data []byte) []byte {
	for _, re := range p.ANSI {
		data = re.ReplaceAll(data, nil)
	}
	return []byte(ansi.Strip(string(data)))
}

// Match is the outcome of testing one window against the table.
type Match struct {
	// Prompt is the literal prompt text, without surrounding whitespace.
	Prompt string
	// Pattern is the source of the stdout pattern that matched.
	Pattern string
	// Found reports whether a stdout pattern matched.
	Found bool
	// Errored reports whether a stderr pattern matched.
	Errored bool
}

// Find tests an already stripped window. Error hits are reported even
// when no prompt is found; the caller decides when they become fatal.
func (p *Patterns) Find(window []byte) Match {
	var m Match
	for _, re := range p.Stderr {
		if re.Match(window) {
			m.Errored = true
			break
		}
	}
	for _, re := range p.Stdout {
		if loc := re.FindIndex(window); loc != nil {
			m.Found = true
			m.Prompt = strings.TrimSpace(string(window[loc[0]:loc[1]]))
			m.Pattern = re.String()
			break
		}
	}
	return m
}
