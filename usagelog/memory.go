package usagelog

import (
	"context"
	"sync"

	"github.com/ineyio/gemledger"
)

// Memory keeps usage entries in process memory.
type Memory struct {
	mu      sync.Mutex
	entries []gemledger.UsageEntry
	err     error
}

var _ gemledger.UsageLogger = (*Memory)(nil)

// NewMemory creates an empty in-memory log.
func NewMemory() *Memory {
	return &Memory{}
}

// LogUsage appends entry, or returns the error set with FailWith.
func (m *Memory) LogUsage(_ context.Context, entry gemledger.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

// FailWith makes every later write fail with err. A nil err restores writes.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Entries returns a copy of the logged entries in write order.
func (m *Memory) Entries() []gemledger.UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]gemledger.UsageEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
