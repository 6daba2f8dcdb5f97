package bus

import (
	"context"
	"strings"
	"sync"
)

// MemoryBus is an in-process Bus used in tests and for single-node runs
// without a NATS server. It implements NATS-style subject matching: "*"
// matches one token, ">" matches the rest of the subject.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	out     chan Delivery
	once    sync.Once
}

func (s *memorySubscription) C() <-chan Delivery { return s.out }

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.out) })
	return nil
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !subjectMatches(sub.pattern, subject) {
			continue
		}
		select {
		case sub.out <- Delivery{Subject: subject, Data: data}:
		default:
			// Lossy on overflow, same contract as the real bus.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		out:     make(chan Delivery, subscriptionBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.out) })
	}
}

// subjectMatches implements NATS token matching for "*" and ">".
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
