// Package stamps records which provisioning and build steps have completed.
//
// A stamp is an empty marker file whose path relative to the store root is
// the step's key. Its presence means the step's side effects are durable and
// the step must not be repeated.
package stamps

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Helper is a locally spawned long-lived process owned by the workflow that
// must be stopped when the store is reset.
type Helper interface {
	Stop(ctx context.Context) error
}

// Store is a directory of stamp files.
type Store struct {
	Root string
	// LockDir holds the lock files guarding stamp keys. It defaults to a
	// sibling of Root named "<root>.locks" and survives Clear, so a step
	// running under a lock during a reset keeps excluding other callers.
	LockDir string
	Helpers []Helper
	Logger  *slog.Logger
}

// New returns a store rooted at dir.
func New(dir string, helpers ...Helper) *Store {
	return &Store{Root: dir, Helpers: helpers}
}

func (s *Store) logger() *slog.Logger {
	if s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Exists reports whether the stamp for key has been recorded.
func (s *Store) Exists(key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat stamp %s: %w", key, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("stamp %s is a directory", key)
	}
	return true, nil
}

// Mark records the stamp for key. The marker appears atomically.
func (s *Store) Mark(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create stamp directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".stamp-*")
	if err != nil {
		return fmt.Errorf("create stamp %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close stamp %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit stamp %s: %w", key, err)
	}

	s.logger().Debug("stamp recorded", "key", key)
	return nil
}

// List returns every recorded stamp key in lexical order.
func (s *Store) List() ([]string, error) {
	root, err := s.root()
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".lock") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list stamps: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear stops every registered helper and removes the whole store. Lock
// files are left in place. Clearing an already empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	root, err := s.root()
	if err != nil {
		return err
	}

	var errs []error
	for _, helper := range s.Helpers {
		if helper == nil {
			continue
		}
		if err := helper.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop helper: %w", err))
		}
	}

	if err := os.RemoveAll(root); err != nil {
		errs = append(errs, fmt.Errorf("remove stamp directory %s: %w", root, err))
	} else {
		s.logger().Info("stamp directory cleared", "root", root)
	}
	return errors.Join(errs...)
}

// LockPath returns the path of the lock file guarding key.
func (s *Store) LockPath(key string) (string, error) {
	if _, err := cleanKey(key); err != nil {
		return "", err
	}
	root, err := s.root()
	if err != nil {
		return "", err
	}
	dir := root + ".locks"
	if s.LockDir != "" {
		dir = filepath.Clean(s.LockDir)
	}
	return filepath.Join(dir, "flock-"+strings.ReplaceAll(key, "/", "_")+".lock"), nil
}

func (s *Store) root() (string, error) {
	if s == nil || strings.TrimSpace(s.Root) == "" {
		return "", errors.New("stamp store root is not configured")
	}
	return filepath.Clean(s.Root), nil
}

func (s *Store) path(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	root, err := s.root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("stamp key is empty")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("stamp key %q must be relative", key)
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("stamp key %q has an empty segment", key)
		case ".", "..":
			return "", fmt.Errorf("stamp key %q must not contain %q", key, segment)
		}
		if strings.HasPrefix(segment, ".") {
			return "", fmt.Errorf("stamp key %q has a hidden segment", key)
		}
	}
	return path.Clean(key), nil
}
