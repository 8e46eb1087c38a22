// Package lock serializes nv-helper runs on a host.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"nvhelper/internal/errs"
	"nvhelper/internal/log"
)

// Lock is an exclusive flock(2) on a well-known file. The lock lives as long
// as the descriptor: Close, process exit or the process being killed all
// release it.
type Lock struct {
	path string
	f    *os.File
}

func open(path string) (*os.File, error) {
	if path == "" {
		return nil, errs.New(errs.KindLock, "open lock file", "lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.KindLock, "failed to open lock file "+path, err)
	}
	return f, nil
}

// Acquire opens (creating if needed) the file at path and waits until an
// exclusive lock on it is granted. It does not fail when another process
// holds the lock; it blocks until that process lets go. Cancelling ctx stops
// the wait.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}

	l := log.WithComponent("lock")
	if err := flockNB(f); err == nil {
		l.Debug("acquired", "path", path)
		return &Lock{path: path, f: f}, nil
	}

	l.Debug("waiting for lock holder", "path", path)
	done := make(chan error, 1)
	go func() {
		for {
			err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			done <- err
			return
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			_ = f.Close()
			return nil, errs.Wrap(errs.KindLock, "failed to acquire lock on "+path, err)
		}
		l.Debug("acquired", "path", path)
		return &Lock{path: path, f: f}, nil
	case <-ctx.Done():
		// Closing the descriptor drops a lock granted after we stopped
		// waiting; the blocked flock call itself returns once granted.
		go func() {
			<-done
			_ = f.Close()
		}()
		return nil, errs.Wrap(errs.KindLock, "wait for lock on "+path, ctx.Err())
	}
}

// TryAcquire takes the lock only if it is free right now.
func TryAcquire(path string) (*Lock, bool, error) {
	f, err := open(path)
	if err != nil {
		return nil, false, err
	}
	if err := flockNB(f); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.KindLock, "failed to acquire lock on "+path, err)
	}
	return &Lock{path: path, f: f}, true, nil
}

func flockNB(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (l *Lock) Path() string { return l.path }

// Close releases the lock by closing its descriptor.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	log.WithComponent("lock").Debug("released", "path", l.path)
	return nil
}
