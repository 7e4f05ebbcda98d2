package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	bytesPerMB  int64 = 1024 * 1024
	logFilePerm       = 0o600
	logDirPerm        = 0o700
)

var nowFn = time.Now

// rollingFileWriter appends to a single log file and rotates it by size.
// Rotated files are named <path>.<timestamp> and pruned after maxAge.
type rollingFileWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	maxAge   time.Duration
	compress bool
}

func newRollingFileWriter(cfg Config) (*rollingFileWriter, error) {
	path := strings.TrimSpace(cfg.FilePath)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), logDirPerm); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	maxAge := cfg.MaxAgeDays
	if maxAge < 0 {
		maxAge = defaultMaxAgeDays
	}

	w := &rollingFileWriter{
		path:     path,
		maxBytes: int64(maxSize) * bytesPerMB,
		maxAge:   time.Duration(maxAge) * 24 * time.Hour,
		compress: cfg.Compress,
	}
	if err := w.openLocked(); err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	w.prune()
	return w, nil
}

func (w *rollingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openLocked(); err != nil {
		return 0, err
	}
	if w.maxBytes > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotate log file %s: %w", w.path, err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write log file %s: %w", w.path, err)
	}
	return n, nil
}

func (w *rollingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *rollingFileWriter) openLocked() error {
	if w.file != nil {
		return nil
	}
	info, err := os.Lstat(w.path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return fmt.Errorf("refusing non-regular log file path %q", w.path)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return err
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0
	if st, err := file.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *rollingFileWriter) closeLocked() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rollingFileWriter) rotateLocked() error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", w.path, nowFn().Format("20060102-150405.000"))
	if err := os.Rename(w.path, rotated); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "logging: rename %s -> %s failed: %v\n", w.path, rotated, err)
	} else if err == nil && w.compress {
		go gzipAndRemove(rotated)
	}
	w.prune()
	return w.openLocked()
}

func (w *rollingFileWriter) prune() {
	if w.maxAge <= 0 {
		return
	}
	dir := filepath.Dir(w.path)
	prefix := filepath.Base(w.path) + "."
	cutoff := nowFn().Add(-w.maxAge)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, entry.Name()))
	}
}

func gzipAndRemove(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: open gzip output for %s failed: %v\n", path, err)
		return
	}
	gw := gzip.NewWriter(out)
	_, copyErr := io.Copy(gw, in)
	closeErr := gw.Close()
	if err := out.Close(); err != nil && closeErr == nil {
		closeErr = err
	}
	if copyErr != nil || closeErr != nil {
		fmt.Fprintf(os.Stderr, "logging: compress %s failed: %v %v\n", path, copyErr, closeErr)
		return
	}
	_ = os.Remove(path)
}
