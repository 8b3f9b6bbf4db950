package logging

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultRotateMB      = 50
	defaultRotateBackups = 3
)

// RotatingWriter appends to a file and rotates it by size, keeping up to
// MaxBackups older generations as path.1 (newest) through path.N. It is safe
// for concurrent use; a single Write is never split across generations.
type RotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxBytes   int64
	maxBackups int
	size       int64
	onRotate   func(rotated string)
}

// NewRotatingWriter rotates path once it would exceed maxSizeMB.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultRotateMB
	}
	return NewRotatingWriterBytes(path, int64(maxSizeMB)<<20, maxBackups)
}

// NewRotatingWriterBytes is NewRotatingWriter with the limit in bytes.
func NewRotatingWriterBytes(path string, maxBytes int64, maxBackups int) (*RotatingWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultRotateMB << 20
	}
	if maxBackups <= 0 {
		maxBackups = defaultRotateBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	rw := &RotatingWriter{path: path, maxBytes: maxBytes, maxBackups: maxBackups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

// OnRotate registers fn to run, under the writer's lock, after each rotation
// with the path of the generation that was just closed.
func (rw *RotatingWriter) OnRotate(fn func(rotated string)) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.onRotate = fn
}

// Path returns the active file path.
func (rw *RotatingWriter) Path() string { return rw.path }

// Size returns the active file's size.
func (rw *RotatingWriter) Size() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.size
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Remaining reports how many bytes fit before the next Write rotates. An
// empty file accepts any single write.
func (rw *RotatingWriter) Remaining() int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.size == 0 {
		return math.MaxInt64
	}
	return rw.maxBytes - rw.size
}

// Rotate forces a rotation regardless of size.
func (rw *RotatingWriter) Rotate() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return os.ErrClosed
	}
	return rw.rotate()
}

// Sync flushes the active file to stable storage.
func (rw *RotatingWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return os.ErrClosed
	}
	return rw.file.Sync()
}

// Reopen closes and reopens the active file, for external rotation.
func (rw *RotatingWriter) Reopen() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		rw.file.Close()
	}
	return rw.open()
}

func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// TeeWriter returns an io.Writer that writes to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

// Backup returns the path of generation n; 0 is the active file.
func (rw *RotatingWriter) Backup(n int) string {
	if n == 0 {
		return rw.path
	}
	return fmt.Sprintf("%s.%d", rw.path, n)
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return err
	}
	rw.file = nil

	if err := os.Remove(rw.Backup(rw.maxBackups)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for i := rw.maxBackups - 1; i >= 0; i-- {
		if err := os.Rename(rw.Backup(i), rw.Backup(i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := rw.open(); err != nil {
		return err
	}
	if rw.onRotate != nil {
		rw.onRotate(rw.Backup(1))
	}
	return nil
}
