// Package confirmbuffer buffers "needs confirmation" hints for the
// submitter's confirm task, decoupling the rate at which submit marks
// operations ready-to-confirm from the rate the confirm task drains them.
package confirmbuffer

import "sync"

// Buffer is a bounded FIFO of message ids awaiting their first confirm
// attempt; Len reports its current depth.
type Buffer struct {
	mu  sync.Mutex
	ids []string
	cap int
}

// New returns a Buffer holding at most capacity entries; Push on a full
// buffer drops the oldest entry, since a stale confirm hint is superseded
// by the confirm task's own delivered() check either way.
func New(capacity int) *Buffer {
	return &Buffer{cap: capacity}
}

// Push records id as needing confirmation.
func (b *Buffer) Push(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids = append(b.ids, id)
	if b.cap > 0 && len(b.ids) > b.cap {
		b.ids = b.ids[len(b.ids)-b.cap:]
	}
}

// Drain removes and returns every currently buffered id.
func (b *Buffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.ids
	b.ids = nil
	return out
}

// Len reports the current buffer depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}
