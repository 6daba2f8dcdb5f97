// Package history holds the two views of a room's past: a bounded in-memory
// ring of the most recent messages for fast replay on attach, and the
// unbounded per-room append-only log the persist worker writes.
package history

import (
	"sync"

	"github.com/example/nats-chatroom/internal/message"
)

// ReplayBuffer is a bounded ring of the last N messages of one room. The
// oldest entry is evicted on overflow. Not safe for concurrent use; the
// owning ReplayCache serializes access.
type ReplayBuffer struct {
	buf  []message.Message
	head int // index of the oldest entry
	n    int // number of valid entries
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayBuffer{buf: make([]message.Message, capacity)}
}

// Push appends a message, evicting the oldest when full.
func (r *ReplayBuffer) Push(m message.Message) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = m
		r.n++
		return
	}
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of buffered messages.
func (r *ReplayBuffer) Len() int { return r.n }

// Snapshot returns the buffered messages oldest-first as a fresh slice.
func (r *ReplayBuffer) Snapshot() []message.Message {
	out := make([]message.Message, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// ReplayCache maps rooms to their replay buffers. Safe for concurrent use.
type ReplayCache struct {
	mu       sync.RWMutex
	capacity int
	rooms    map[string]*ReplayBuffer
}

func NewReplayCache(capacity int) *ReplayCache {
	return &ReplayCache{capacity: capacity, rooms: make(map[string]*ReplayBuffer)}
}

// Push records a message in its room's buffer, creating the buffer lazily.
func (c *ReplayCache) Push(m message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.rooms[m.Room]
	if !ok {
		buf = NewReplayBuffer(c.capacity)
		c.rooms[m.Room] = buf
	}
	buf.Push(m)
}

// Snapshot returns the current buffer contents for a room, oldest-first.
// Empty slice when the room has no messages yet. Never touches the log.
func (c *ReplayCache) Snapshot(room string) []message.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	buf, ok := c.rooms[room]
	if !ok {
		return nil
	}
	return buf.Snapshot()
}
