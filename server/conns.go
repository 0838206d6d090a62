package server

import (
	"io"
	"sync"
)

// connTable tracks every accepted socket by connection sequence id so Stop
// can close them. Once closed, it refuses new entries.
type connTable struct {
	mu     sync.Mutex
	conns  map[uint32]io.Closer
	closed bool
}

func (t *connTable) init() {
	t.conns = make(map[uint32]io.Closer)
}

// add stores c under seq. It reports false once closeAll has run.
func (t *connTable) add(seq uint32, c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.conns[seq] = c
	return true
}

// replace swaps the closer for an entry still present, e.g. the raw socket
// for its framed connection after the handshake.
func (t *connTable) replace(seq uint32, c io.Closer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[seq]; t.closed || !ok {
		return false
	}

	t.conns[seq] = c
	return true
}

func (t *connTable) remove(seq uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, seq)
}

func (t *connTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns)
}

// closeAll marks the table closed and closes every entry outside the lock.
func (t *connTable) closeAll() int {
	t.mu.Lock()
	t.closed = true
	pending := make([]io.Closer, 0, len(t.conns))
	for _, c := range t.conns {
		pending = append(pending, c)
	}
	t.mu.Unlock()

	for _, c := range pending {
		_ = c.Close()
	}

	return len(pending)
}
