package history

import (
	"context"
	"sync"
)

const defaultSize = 200

// Memory is a fixed-size ring of the most recent runs.
type Memory struct {
	mu     sync.Mutex
	buf    []Run
	next   int
	full   bool
	closed bool
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = defaultSize
	}
	return &Memory{buf: make([]Run, size)}
}

func (m *Memory) Append(_ context.Context, r Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.buf[m.next] = r
	m.next = (m.next + 1) % len(m.buf)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, queue string, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Run, 0, limit)
	for i := 1; i <= n && len(out) < limit; i++ {
		r := m.buf[(m.next-i+len(m.buf))%len(m.buf)]
		if queue == "" || r.Queue == queue {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
