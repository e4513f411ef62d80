package peripherals

import (
	"bytes"
	"os"
	"sync"
)

// maxLogSize bounds each peripheral's stdout/stderr log file; once
// exceeded, the oldest half (up to the next newline) is dropped in place
// rather than rotating to a second file.
const maxLogSize = 16 * 1024 * 1024

// rotatingWriter appends to a file, halving it in place once it grows past
// maxLogSize.
type rotatingWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

func newRotatingWriter(path string) (*rotatingWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &rotatingWriter{path: path, f: f, size: info.Size()}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > maxLogSize {
		if err := w.truncateHalfLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) truncateHalfLocked() error {
	w.f.Close()
	b, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	cut := len(b) / 2
	if idx := bytes.IndexByte(b[cut:], '\n'); idx >= 0 {
		cut += idx + 1
	}
	kept := b[cut:]
	if err := os.WriteFile(w.path, kept, 0o644); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = int64(len(kept))
	return nil
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
