package walfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrLockHeld is returned when another writer holds the lock marker for the
// whole acquisition window. Callers must fail fast, not block.
var ErrLockHeld = errors.New("walfile: lock held by another writer")

// Writer serializes all mutations of a given file through one in-process
// mutex per path. The on-disk lock marker only guards against a second
// process touching the same file.
type Writer struct {
	mu       sync.Mutex
	paths    map[string]*sync.Mutex
	lockWait time.Duration
}

func NewWriter(lockWait time.Duration) *Writer {
	if lockWait <= 0 {
		lockWait = 2 * time.Second
	}
	return &Writer{
		paths:    make(map[string]*sync.Mutex),
		lockWait: lockWait,
	}
}

func (w *Writer) pathMu(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.paths[path]
	if !ok {
		m = &sync.Mutex{}
		w.paths[path] = m
	}
	return m
}

// Append adds one record line to path. The write is read-concat-rename: the
// whole new content lands under a temp name first, so a crash mid-write can
// only ever lose the appended line, never earlier records.
func (w *Writer) Append(path, line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	mu := w.pathMu(path)
	mu.Lock()
	defer mu.Unlock()

	if err := w.acquireMarker(path); err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		w.releaseMarker(path)
		return fmt.Errorf("walfile: read %s: %w", path, err)
	}

	if err := writeRename(path, append(existing, line...)); err != nil {
		w.releaseMarker(path)
		return err
	}
	w.releaseMarker(path)
	return nil
}

// Replace atomically swaps the full content of path.
func (w *Writer) Replace(path, content string) error {
	mu := w.pathMu(path)
	mu.Lock()
	defer mu.Unlock()

	if err := w.acquireMarker(path); err != nil {
		return err
	}
	if err := writeRename(path, []byte(content)); err != nil {
		w.releaseMarker(path)
		return err
	}
	w.releaseMarker(path)
	return nil
}

func (w *Writer) acquireMarker(path string) error {
	lock := path + ".lock"
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	deadline := time.Now().Add(w.lockWait)

	for {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("walfile: create lock %s: %w", lock, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrLockHeld, lock)
		}
		time.Sleep(bo.NextBackOff())
	}
}

func (w *Writer) releaseMarker(path string) {
	_ = os.Remove(path + ".lock")
}

// writeRename writes data to a temp file in the target's directory, fsyncs it
// and renames it over the target. Rename is atomic on the same volume.
func writeRename(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("walfile: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("walfile: write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("walfile: sync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("walfile: close temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("walfile: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// ReadLines returns the non-empty lines of path. A missing file reads as
// empty. A torn trailing line (crash during append) is still returned; it is
// the caller's job to skip lines that fail to decode.
func ReadLines(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walfile: read %s: %w", path, err)
	}
	raw := strings.Split(string(b), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out, nil
}
