// Package store implements the on-disk persistence layer: JSON documents
// guarded by lock files, and the session, task, and statistics stores built
// on top of them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when the lock file cannot be acquired within the
// acquisition deadline.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

const (
	lockPollInterval = 50 * time.Millisecond
	lockDeadline     = 5 * time.Second
)

// JSONFile is a single JSON document on disk guarded by a companion lock file.
// The lock file makes cooperating processes (the server and the control tool)
// serialise their read-modify-write cycles; the in-process mutex serialises
// goroutines within one process without burning lock-file round trips.
type JSONFile struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewJSONFile creates the file wrapper and ensures the parent directory exists.
func NewJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &JSONFile{
		path:     path,
		lockPath: path + ".lock",
	}, nil
}

// Path returns the document path.
func (f *JSONFile) Path() string { return f.path }

// WithLock acquires the lock file, re-reads the document into doc, runs mutate,
// persists the document atomically, and releases the lock. doc must be a fresh
// zero-value document so a missing file yields an empty document rather than
// stale state. On persistence failure the caller's mutation is discarded (the
// on-disk document is untouched) and the error is returned.
func (f *JSONFile) WithLock(doc any, mutate func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	token, err := f.acquire()
	if err != nil {
		return err
	}
	defer f.release(token)

	if err := f.read(doc); err != nil {
		return err
	}
	if err := mutate(); err != nil {
		return err
	}
	return f.writeAtomic(doc)
}

// View re-reads the document into doc and runs fn under the in-process mutex.
// No lock file is taken: reads are stale-tolerant.
func (f *JSONFile) View(doc any, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.read(doc); err != nil {
		return err
	}
	return fn()
}

// acquire creates the lock file with O_CREAT|O_EXCL, writing a unique token.
// It polls until the deadline elapses.
func (f *JSONFile) acquire() (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(lockDeadline)
	for {
		lf, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(lf, "%s\n%d\n", token, os.Getpid())
			cerr := lf.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(f.lockPath)
				return "", fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			return token, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("create lock file: %w", err)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrLockTimeout, f.lockPath)
		}
		time.Sleep(lockPollInterval)
	}
}

// release deletes the lock file only if it still holds our token.
func (f *JSONFile) release(token string) {
	data, err := os.ReadFile(f.lockPath)
	if err != nil {
		return
	}
	held, _, _ := strings.Cut(string(data), "\n")
	if held == token {
		_ = os.Remove(f.lockPath)
	}
}

// read loads the document from disk. A missing file leaves doc at its zero
// value.
func (f *JSONFile) read(doc any) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return fmt.Errorf("parse %s: %w", f.path, err)
	}
	return nil
}

// joinStorePath returns dataDir/<name>/<name>.json, the canonical location of
// a store document.
func joinStorePath(dataDir, name string) string {
	return filepath.Join(dataDir, name, name+".json")
}

// writeAtomic persists the document via temp file, fsync, and rename.
func (f *JSONFile) writeAtomic(doc any) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".agentd-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
