package state

import "sync"

// Memory is a Backend kept entirely in process memory. It satisfies the
// durability contract only for tests and single-process experiments.
type Memory struct {
	mu       sync.Mutex
	entries  []Entry
	term     uint64
	votedFor int64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{votedFor: NoVote}
}

func (m *Memory) Append(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *Memory) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index == 0 {
		m.entries = nil
		return nil
	}
	if index <= uint64(len(m.entries)) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

func (m *Memory) Entries() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *Memory) SaveVote(term uint64, votedFor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term, m.votedFor = term, votedFor
	return nil
}

func (m *Memory) LoadVote() (uint64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term, m.votedFor, nil
}

func (m *Memory) Close() error { return nil }

var _ Backend = (*Memory)(nil)
