// Package fakedevice is an in-memory network device CLI for tests. It
// echoes each line it receives, prints the scripted output and then its
// prompt, like a real device shell with paging disabled.
package fakedevice

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"netcli-daemon/internal/terminal"
)

// Device is a scripted shell. The zero value is not usable; set Prompt.
type Device struct {
	// Banner is printed once, before the first prompt.
	Banner string
	Prompt string
	// Outputs maps a command to what the device prints for it. Commands
	// without an entry print nothing.
	Outputs map[string]string
	// Silent commands are echoed but never answered, so the caller
	// times out waiting for the prompt.
	Silent map[string]bool
	// DialErr makes every Dial fail.
	DialErr error

	mu       sync.Mutex
	received []string
	dials    int
	shells   []*shell
}

// Dial opens a new shell on the device.
func (d *Device) Dial(ctx context.Context) (terminal.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	sh := &shell{out: outR, in: inW, devOut: outW, devIn: inR}
	d.mu.Lock()
	d.shells = append(d.shells, sh)
	d.mu.Unlock()
	go d.run(sh)
	return sh, nil
}

func (d *Device) run(sh *shell) {
	defer sh.devOut.Close()
	if _, err := io.WriteString(sh.devOut, d.Banner+"\r\n"+d.Prompt); err != nil {
		return
	}
	sc := bufio.NewScanner(sh.devIn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		d.mu.Lock()
		d.received = append(d.received, line)
		d.mu.Unlock()

		reply := line + "\r\n"
		if d.Silent[line] {
			if _, err := io.WriteString(sh.devOut, reply); err != nil {
				return
			}
			continue
		}
		if out := d.Outputs[line]; out != "" {
			reply += strings.ReplaceAll(out, "\n", "\r\n") + "\r\n"
		}
		reply += d.Prompt
		if _, err := io.WriteString(sh.devOut, reply); err != nil {
			return
		}
	}
}

// Received lists every line the device has read, oldest first.
func (d *Device) Received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.received...)
}

// Dials counts Dial calls.
func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Hangup drops every open shell from the device side.
func (d *Device) Hangup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sh := range d.shells {
		sh.devOut.CloseWithError(errors.New("connection reset by peer"))
	}
}

type shell struct {
	out    *io.PipeReader
	in     *io.PipeWriter
	devOut *io.PipeWriter
	devIn  *io.PipeReader
	once   sync.Once
}

func (s *shell) Read(p []byte) (int, error)  { return s.out.Read(p) }
func (s *shell) Write(p []byte) (int, error) { return s.in.Write(p) }

func (s *shell) Close() error {
	s.once.Do(func() {
		s.in.Close()
		s.out.Close()
	})
	return nil
}
