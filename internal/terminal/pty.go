package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// CommandDialer runs a local program inside a pseudo-terminal and uses
// its terminal as the shell transport. This covers the OpenSSH client
// (ProxyJump, ControlMaster and agent setups the native dialer does not
// replicate), telnet, and console servers.
type CommandDialer struct {
	Argv []string
	// Env is added to the daemon's environment. TERM defaults to vt100.
	Env  map[string]string
	Cols int
	Rows int
}

func (d *CommandDialer) Dial(ctx context.Context) (Transport, error) {
	if len(d.Argv) == 0 {
		return nil, errors.New("transport command is empty")
	}
	// Not CommandContext: the shell must outlive the dial context.
	cmd := exec.Command(d.Argv[0], d.Argv[1:]...)

	env := append(os.Environ(), "TERM=vt100")
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	cols, rows := d.Cols, d.Rows
	if cols == 0 {
		cols = 512
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = cmd.Process.Kill()
		ptmx.Close()
		return nil, err
	}

	p := &ptyShell{cmd: cmd, pty: ptmx, exited: make(chan struct{})}
	go func() {
		// Reap the child so it does not linger as a zombie.
		_, _ = cmd.Process.Wait()
		close(p.exited)
	}()
	return p, nil
}

type ptyShell struct {
	cmd       *exec.Cmd
	pty       *os.File
	exited    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (p *ptyShell) Read(b []byte) (int, error)  { return p.pty.Read(b) }
func (p *ptyShell) Write(b []byte) (int, error) { return p.pty.Write(b) }

func (p *ptyShell) Close() error {
	p.closeOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			_ = p.cmd.Process.Signal(syscall.SIGHUP)
		}
		p.closeErr = p.pty.Close()
	})
	return p.closeErr
}
