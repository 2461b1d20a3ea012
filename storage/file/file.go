// Package file provides an append-only file implementation of billing.EventSink.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/mihaimyh/subflow/pkg/billing"
)

// DefaultPath is where the event log is written when no path is configured.
const DefaultPath = "logs/webhook-events.log"

// Sink appends one line per event record to a file.
type Sink struct {
	mu   sync.Mutex
	path string
}

// New creates a sink writing to path. The file and its parent directories are
// created on the first Append.
func New(path string) *Sink {
	if path == "" {
		path = DefaultPath
	}
	return &Sink{path: path}
}

// Path returns the file the sink writes to.
func (s *Sink) Path() string {
	return s.path
}

// Append implements billing.EventSink
func (s *Sink) Append(_ context.Context, record billing.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	// One write per line keeps concurrent writers from interleaving mid-line.
	if _, err := f.WriteString(record.Line()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append event record: %w", err)
	}
	return f.Close()
}

// ReadAll implements billing.EventSink
func (s *Sink) ReadAll(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", billing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read event log: %w", err)
	}
	return string(data), nil
}

var _ billing.EventSink = (*Sink)(nil)
