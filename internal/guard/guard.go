// Package guard runs a step at most once across concurrent invocations,
// whether those are goroutines in one process or separate processes sharing
// a stamp directory.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// StampStore is the subset of the stamp store the guard needs.
type StampStore interface {
	Exists(key string) (bool, error)
	Mark(key string) error
	LockPath(key string) (string, error)
}

// Guard pairs an exclusive file lock with a completion stamp.
type Guard struct {
	Stamps StampStore
	Logger *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New returns a guard backed by stamps.
func New(stamps StampStore, logger *slog.Logger) *Guard {
	return &Guard{Stamps: stamps, Logger: logger}
}

func (g *Guard) logger() *slog.Logger {
	if g != nil && g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Do runs fn unless the stamp for key already exists. The lock for key is
// held while the stamp is checked, fn runs and the stamp is written, and it is
// released on every exit path. The stamp is written only when fn succeeds.
// ran reports whether fn was invoked.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	if g == nil || g.Stamps == nil {
		return false, errors.New("guard stamp store is not configured")
	}
	logger := g.logger().With("key", key)

	local := g.localLock(key)
	select {
	case local <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-local }()

	lockPath, err := g.Stamps.LockPath(key)
	if err != nil {
		return false, err
	}

	start := time.Now()
	release, err := acquire(ctx, lockPath)
	if err != nil {
		return false, err
	}
	defer func() {
		if relErr := release(); relErr != nil {
			logger.Warn("release lock", "path", lockPath, "error", relErr)
		}
	}()
	if waited := time.Since(start); waited > time.Second {
		logger.Info("lock acquired after waiting", "waited", waited.Round(time.Millisecond))
	}

	done, err := g.Stamps.Exists(key)
	if err != nil {
		return false, err
	}
	if done {
		logger.Debug("stamp present, skipping")
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := g.Stamps.Mark(key); err != nil {
		return true, fmt.Errorf("record completion of %s: %w", key, err)
	}
	return true, nil
}

// localLock returns the in-process lock for key: a one-slot channel that is
// held while it is full.
func (g *Guard) localLock(key string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks == nil {
		g.locks = make(map[string]chan struct{})
	}
	ch, ok := g.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		g.locks[key] = ch
	}
	return ch
}

// acquire opens lockPath and takes an exclusive flock on it. The blocking
// flock runs in its own goroutine so ctx can abandon the wait; if that happens
// the goroutine closes the descriptor once it eventually gets the lock.
func acquire(ctx context.Context, lockPath string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", lockPath, err)
	}

	locked := make(chan error)
	abandoned := make(chan struct{})
	go func() {
		err := flock(f)
		select {
		case locked <- err:
		case <-abandoned:
			f.Close()
		}
	}()

	select {
	case err := <-locked:
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", lockPath, err)
		}
	case <-ctx.Done():
		close(abandoned)
		// Exactly one side closes f: either the goroutine via abandoned, or
		// here when its send wins the race.
		select {
		case <-locked:
			f.Close()
		default:
		}
		return nil, ctx.Err()
	}

	return func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		return errors.Join(unlockErr, closeErr)
	}, nil
}

func flock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}
