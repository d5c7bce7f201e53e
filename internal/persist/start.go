package persist

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

var (
	// ErrStartTimeout means the daemon did not start listening in time.
	ErrStartTimeout = errors.New("timed out waiting for daemon socket")
	// ErrStartFailed means the daemon gave up its lock without listening.
	ErrStartFailed = errors.New("daemon exited before listening")
	// ErrNotRunning means no daemon is serving the identity.
	ErrNotRunning = errors.New("daemon not running")
)

// Launcher starts a daemon for the identity. It receives the held lock
// and must pass a handle on it to the daemon before returning; the
// caller closes its own handle afterwards.
type Launcher interface {
	Launch(ctx context.Context, lock *Lock) error
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, lock *Lock) error

func (f LauncherFunc) Launch(ctx context.Context, lock *Lock) error { return f(ctx, lock) }

// Options controls Start.
type Options struct {
	Identity   Identity
	ControlDir string
	// Timeout bounds the whole start, including the device login done by
	// the daemon before it listens.
	Timeout  time.Duration
	Launcher Launcher
	Log      zerolog.Logger
}

// Start returns the socket of the identity's daemon, launching one if
// none is running. Concurrent callers for the same identity end up with
// the same daemon.
func Start(ctx context.Context, opts Options) (string, error) {
	dir := opts.ControlDir
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating control dir: %w", err)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	id := opts.Identity
	sock := id.SocketPath(dir)
	log := opts.Log.With().Str("identity", id.String()).Str("socket", sock).Logger()

	lock, err := AcquireLock(ctx, id.LockPath(dir))
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrStartTimeout, err)
		}
		return "", err
	}

	if socketAlive(sock) {
		lock.Release()
		log.Debug().Msg("daemon already running")
		return sock, nil
	}
	if _, err := os.Stat(sock); err == nil {
		log.Info().Msg("removing stale socket")
		os.Remove(sock)
	}

	log.Info().Msg("launching daemon")
	if err := opts.Launcher.Launch(ctx, lock); err != nil {
		lock.Release()
		return "", fmt.Errorf("launching daemon: %w", err)
	}
	lock.Detach()

	if err := waitForSocket(ctx, sock, id.LockPath(dir), log); err != nil {
		return "", err
	}
	log.Info().Msg("daemon listening")
	return sock, nil
}

func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func socketExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// waitForSocket blocks until the daemon's socket appears. The daemon
// holds the lock until it listens, so the lock becoming free with no
// socket in place means the daemon failed.
func waitForSocket(ctx context.Context, sock, lockPath string, log zerolog.Logger) error {
	watch := &dirWatch{log: log}
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(filepath.Dir(sock)); err == nil {
			watch.events, watch.errs = w.Events, w.Errors
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if socketExists(sock) {
			return nil
		}
		if lock, err := TryLock(lockPath); err == nil {
			lock.Release()
			if socketExists(sock) {
				return nil
			}
			return ErrStartFailed
		}

		created, err := watch.wait(ctx, sock, b.NextBackOff())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartTimeout, err)
		}
		if created && socketExists(sock) {
			return nil
		}
	}
}

// dirWatch wakes waitForSocket early when the socket is created. Once
// the watcher reports an error it is dropped and only polling remains.
type dirWatch struct {
	events <-chan fsnotify.Event
	errs   <-chan error
	log    zerolog.Logger
}

// wait blocks for at most d and reports whether sock was created.
func (w *dirWatch) wait(ctx context.Context, sock string, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case ev, ok := <-w.events:
		if !ok {
			w.events, w.errs = nil, nil
			return false, nil
		}
		return ev.Name == sock && ev.Has(fsnotify.Create), nil
	case err, ok := <-w.errs:
		if ok {
			w.log.Debug().Err(err).Msg("control dir watch failed, polling")
		}
		w.events, w.errs = nil, nil
		return false, nil
	case <-timer.C:
		return false, nil
	}
}

// ExecLauncher re-executes a binary with its daemon subcommand. The lock
// is inherited as fd 3 and Payload is written to a pipe inherited as
// fd 4, so secrets never appear on the command line.
type ExecLauncher struct {
	Path    string
	Args    []string
	Payload []byte
	// LogFile receives the daemon's stdout and stderr. Nil discards them.
	LogFile *os.File
}

// Fds the daemon finds its inherited files on.
const (
	LockFd    = 3
	PayloadFd = 4
)

func (l *ExecLauncher) Launch(ctx context.Context, lock *Lock) error {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("finding executable: %w", err)
		}
		path = exe
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	defer pr.Close()

	// Not CommandContext: the daemon outlives the caller.
	cmd := exec.Command(path, l.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.ExtraFiles = []*os.File{lock.File(), pr}
	if l.LogFile != nil {
		cmd.Stdout = l.LogFile
		cmd.Stderr = l.LogFile
	}
	if err := cmd.Start(); err != nil {
		pw.Close()
		return err
	}
	// Release the child so we don't become a zombie parent.
	cmd.Process.Release()

	_, werr := pw.Write(l.Payload)
	if cerr := pw.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("sending config to daemon: %w", werr)
	}
	return nil
}
