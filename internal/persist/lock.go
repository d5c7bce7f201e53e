package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by TryLock when another holder has the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock is an exclusive flock on an identity's lock file. The lock
// belongs to the open file description, so a duplicated descriptor
// (including one inherited by a child process) holds it too.
type Lock struct {
	f *os.File
}

// TryLock takes the lock without blocking.
func TryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// AcquireLock waits for the lock until ctx is done.
func AcquireLock(ctx context.Context, path string) (*Lock, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	var lock *Lock
	err := backoff.Retry(func() error {
		l, err := TryLock(path)
		if errors.Is(err, ErrLocked) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		lock = l
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("waiting for %s: %w", path, ctxErr)
		}
		return nil, err
	}
	return lock, nil
}

// InheritLock wraps a descriptor that already holds the lock, such as
// the one a daemon receives from the process that launched it.
func InheritLock(f *os.File) *Lock {
	return &Lock{f: f}
}

// File exposes the descriptor so it can be passed to a child process.
func (l *Lock) File() *os.File { return l.f }

// Dup returns a second handle on the same lock.
func (l *Lock) Dup() (*Lock, error) {
	fd, err := unix.Dup(int(l.f.Fd()))
	if err != nil {
		return nil, err
	}
	return &Lock{f: os.NewFile(uintptr(fd), l.f.Name())}, nil
}

// Release unlocks for every holder and closes this handle.
func (l *Lock) Release() error {
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Detach closes this handle without unlocking, leaving the lock to the
// other handles on it.
func (l *Lock) Detach() error {
	return l.f.Close()
}
