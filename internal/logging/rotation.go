package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingWriter caps the on-device log at a size budget. When the
// budget is reached the current file is renamed with a UTC timestamp
// suffix and the oldest backups beyond the keep count are pruned, so the
// log can never eat the storage the media cache needs.
type RotatingWriter struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens path for appending, rotating once maxSizeMB is
// exceeded and keeping maxBackups rotated files.
func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 20
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) << 20,
		keep:  maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}

	backup := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.prune()
	return w.open()
}

// prune removes the oldest backups beyond the keep count. The timestamp
// suffix sorts lexically in age order.
func (w *RotatingWriter) prune() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil || len(backups) <= w.keep {
		return
	}
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-w.keep] {
		os.Remove(old)
	}
}

// TeeWriter duplicates writes, so log lines reach the supervisor's
// stream and the on-disk file together.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}
