package decisionlog

import (
	"context"
	"sync"
)

// DefaultMemoryLimit is the number of entries a MemoryRecorder keeps.
const DefaultMemoryLimit = 1000

// MemoryRecorder keeps the most recent entries in memory. Once full, the
// oldest entry is dropped for each new one.
// This is intended for testing and local runs.
type MemoryRecorder struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

// NewMemoryRecorder creates an empty MemoryRecorder holding up to
// DefaultMemoryLimit entries.
func NewMemoryRecorder() *MemoryRecorder {
	return NewMemoryRecorderWithLimit(DefaultMemoryLimit)
}

// NewMemoryRecorderWithLimit creates an empty MemoryRecorder holding up to
// limit entries. A limit below one keeps a single entry.
func NewMemoryRecorderWithLimit(limit int) *MemoryRecorder {
	if limit < 1 {
		limit = 1
	}
	return &MemoryRecorder{limit: limit}
}

// Record implements Recorder.
func (m *MemoryRecorder) Record(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if len(m.entries) == m.limit {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, entry)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries in arrival order.
func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Len returns the number of recorded entries.
func (m *MemoryRecorder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
