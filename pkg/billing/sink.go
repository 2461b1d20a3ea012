package billing

import (
	"context"
	"strings"
	"sync"
)

// EventSink is the append-only audit trail of verified webhook events.
// Implementations must tolerate concurrent Append calls; ordering between
// overlapping requests is not significant.
type EventSink interface {
	// Append writes one record as one line.
	Append(ctx context.Context, record EventRecord) error

	// ReadAll returns every line written so far, or ErrNotFound if nothing was ever written.
	ReadAll(ctx context.Context) (string, error)
}

// MemorySink is an in-process EventSink, mainly for tests and local development.
type MemorySink struct {
	mu    sync.Mutex
	lines []string
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append implements EventSink
func (s *MemorySink) Append(_ context.Context, record EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, record.Line())
	return nil
}

// ReadAll implements EventSink
func (s *MemorySink) ReadAll(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return "", ErrNotFound
	}
	return strings.Join(s.lines, ""), nil
}

// Len returns the number of lines appended.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lines)
}
