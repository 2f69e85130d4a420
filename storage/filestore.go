package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/mordilloSan/imageviewer/internal/errs"
)

const (
	storeExt         = ".json"
	lockPollInterval = 10 * time.Millisecond
	defaultLockWait  = 2 * time.Second
	storeFilePerm    = 0o644
	storeDirPerm     = 0o755
)

var (
	// ErrLockTimeout is returned when another process holds a key's lock.
	ErrLockTimeout = errors.New("timeout acquiring lock")
	// ErrInvalidKey is returned for empty keys or keys that would escape the store.
	ErrInvalidKey = errors.New("invalid store key")
)

// FileStore keeps one file per key in a directory. Every access holds an
// OS-level lock on "<key>.json.lock"; writes go through a temp file and a
// rename so readers never see a partial document.
type FileStore struct {
	dir      string
	lockWait time.Duration
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return nil, errs.Persistence("open store", dir, err)
	}
	return &FileStore{dir: dir, lockWait: defaultLockWait}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func validKey(key string) bool {
	if key == "" || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ' ':
		default:
			return false
		}
	}
	return true
}

func (s *FileStore) pathFor(key string) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, key+storeExt), nil
}

// withLock runs fn while holding the lock for path. The lock is released on
// every return path, including panics inside fn.
func (s *FileStore) withLock(ctx context.Context, path string, shared bool, fn func() error) error {
	ctx, cancel := context.WithTimeout(ensureContext(ctx), s.lockWait)
	defer cancel()

	fileLock := flock.New(path + ".lock")
	var (
		locked bool
		err    error
	)
	if shared {
		locked, err = fileLock.TryRLockContext(ctx, lockPollInterval)
	} else {
		locked, err = fileLock.TryLockContext(ctx, lockPollInterval)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return fmt.Errorf("error acquiring file lock for %s: %w", path, err)
	}
	if !locked {
		return ErrLockTimeout
	}
	defer func() { _ = fileLock.Unlock() }()

	return fn()
}

// Write replaces the document stored under key.
func (s *FileStore) Write(ctx context.Context, key string, data []byte) error {
	path, err := s.pathFor(key)
	if err != nil {
		return errs.Persistence("write", key, err)
	}
	err = s.withLock(ctx, path, false, func() error {
		return writeFileAtomic(path, data, storeFilePerm)
	})
	if err != nil {
		return errs.Persistence("write", key, err)
	}
	return nil
}

// Read returns the document stored under key; found is false when the key
// has never been written.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return nil, false, errs.Persistence("read", key, err)
	}
	var data []byte
	err = s.withLock(ctx, path, true, func() error {
		var readErr error
		data, readErr = os.ReadFile(path)
		return readErr
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Persistence("read", key, err)
	}
	return data, true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.pathFor(key)
	if err != nil {
		return errs.Persistence("delete", key, err)
	}
	err = s.withLock(ctx, path, false, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return errs.Persistence("delete", key, err)
	}
	_ = os.Remove(path + ".lock")
	return nil
}

// List returns every stored key in lexical order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ensureContext(ctx).Err(); err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errs.Persistence("list", s.dir, err)
	}
	keys := make([]string, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, storeExt) {
			continue
		}
		key := strings.TrimSuffix(name, storeExt)
		if validKey(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// writeFileAtomic writes to a temp file in the target directory, then
// renames it over path and sets the final permissions.
func writeFileAtomic(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dir, err)
	}
	defer func() { _ = os.Remove(tempFile.Name()) }()

	if _, err := tempFile.Write(content); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to write to temporary file %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("failed to sync temporary file %s: %w", tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempFile.Name(), err)
	}

	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temporary file %s to %s: %w", tempFile.Name(), path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("file written to %s, but failed to set final permissions to %o: %w", path, perm, err)
	}
	return nil
}
