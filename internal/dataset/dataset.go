// Package dataset writes emitted records as JSON lines. Records are buffered
// and pushed in batches.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

type Writer struct {
	mu        sync.Mutex
	file      *os.File
	pending   []any
	flushSize int
	pushed    int
}

// Open appends to the dataset file at path, creating it if needed. A flush
// happens every flushSize records.
func Open(path string, flushSize int) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dataset: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dataset: open: %w", err)
	}
	if flushSize <= 0 {
		flushSize = 1
	}
	return &Writer{file: f, flushSize: flushSize}, nil
}

func (w *Writer) Push(ctx context.Context, record any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, record)
	if len(w.pending) < w.flushSize {
		return nil
	}
	return w.flush()
}

// Flush writes out the buffered records.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush()
}

func (w *Writer) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	if w.file == nil {
		return fmt.Errorf("dataset: writer is closed")
	}

	bw := bufio.NewWriter(w.file)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, r := range w.pending {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("dataset: encode: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("dataset: write: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("dataset: sync: %w", err)
	}

	w.pushed += len(w.pending)
	logrus.Debugf("Pushed %d records to the dataset (%d total)", len(w.pending), w.pushed)
	w.pending = w.pending[:0]
	return nil
}

// Pushed counts the records written so far.
func (w *Writer) Pushed() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pushed
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}
