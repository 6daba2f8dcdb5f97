// Package bridge owns per-room live fan-out and replay. One Bridge exists
// per active room; it assigns the room's sequence numbers, keeps the replay
// ring current, and forwards every message to all attached sessions.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/nats-chatroom/internal/bus"
	"github.com/example/nats-chatroom/internal/history"
	"github.com/example/nats-chatroom/internal/message"
)

// ErrPublishFailed reports that the bus did not confirm a publish. Local
// fan-out has already happened and is not rolled back; the caller should
// tell the sender the message may not have reached other replicas.
var ErrPublishFailed = errors.New("bridge: publish failed")

// ErrBridgeClosed is returned by Attach after the bridge shut down.
var ErrBridgeClosed = errors.New("bridge: closed")

// Options is the per-room tuning shared by all bridges.
type Options struct {
	// SessionBuffer is the outbound channel capacity per session.
	SessionBuffer int
	// SendTimeout bounds how long one fan-out round waits on full session
	// buffers before detaching the slow consumers.
	SendTimeout time.Duration
	// EchoToSender controls whether a message is fanned out to the session
	// that published it.
	EchoToSender bool
}

func (o Options) withDefaults() Options {
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = 32
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	return o
}

// Bridge serializes all state mutation for one room: sequence assignment,
// replay ring updates and fan-out set membership all happen under mu, so a
// publish is either fully included in an attach snapshot or fully delivered
// live afterwards, never both and never neither.
type Bridge struct {
	room  string
	bus   bus.Bus
	cache *history.ReplayCache
	opts  Options

	mu         sync.Mutex
	seq        uint64
	lastFanned uint64
	sessions   map[*Session]struct{}
	closed     bool

	sub    bus.Subscription
	cancel context.CancelFunc
	idle   func(*Bridge) // invoked after the last session detaches; may be nil
}

// New creates a bridge for one room and starts its dispatch loop. seed is
// the sequence number of the newest durably recorded message, so numbering
// continues across restarts.
func New(b bus.Bus, cache *history.ReplayCache, room string, seed uint64, opts Options) (*Bridge, error) {
	sub, err := b.Subscribe(message.Subject(room))
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	br := &Bridge{
		room:       room,
		bus:        b,
		cache:      cache,
		opts:       opts.withDefaults(),
		seq:        seed,
		lastFanned: seed,
		sessions:   make(map[*Session]struct{}),
		sub:        sub,
		cancel:     cancel,
	}
	go br.dispatch(ctx)
	return br, nil
}

// Room returns the room identifier this bridge serves.
func (b *Bridge) Room() string { return b.room }

// Attach snapshots the replay ring and registers the session for future
// fan-out under one lock hold, so no message is both replayed and delivered
// live, and nothing published after the snapshot is missed.
func (b *Bridge) Attach(sender string) (*Session, error) {
	s := &Session{
		ID:     uuid.New(),
		Room:   b.room,
		Sender: sender,
		bridge: b,
		out:    make(chan message.Message, b.opts.SessionBuffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBridgeClosed
	}
	s.replay = b.cache.Snapshot(b.room)
	b.sessions[s] = struct{}{}
	return s, nil
}

// Detach removes a session from the fan-out set. Idempotent; safe on an
// already-detached session.
func (b *Bridge) Detach(s *Session) {
	b.mu.Lock()
	_, attached := b.sessions[s]
	delete(b.sessions, s)
	empty := len(b.sessions) == 0 && !b.closed
	b.mu.Unlock()

	if attached {
		close(s.done)
	}
	if empty && b.idle != nil {
		b.idle(b)
	}
}

// PublishSystem emits a join/leave notification through the same sequence,
// replay and persistence paths as regular messages.
func (b *Bridge) PublishSystem(ctx context.Context, sender, event string) (message.Message, error) {
	return b.publish(ctx, nil, message.Message{
		Type:   message.TypeSystem,
		Room:   b.room,
		Sender: sender,
		Event:  event,
	})
}

// publish assigns the next sequence number, records the message in the
// replay ring and fans it out locally under the room lock, so concurrent
// publishes serialize in arrival order, then offers it to the bus.
// A bus failure is reported but never rolls back local delivery.
func (b *Bridge) publish(ctx context.Context, origin *Session, m message.Message) (message.Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return message.Message{}, ErrBridgeClosed
	}
	b.seq++
	m.Sequence = b.seq
	m.Timestamp = message.Now()
	b.cache.Push(m)
	b.lastFanned = m.Sequence
	b.fanOutLocked(m, origin)
	b.mu.Unlock()

	if err := b.bus.Publish(ctx, message.Subject(b.room), m.Encode()); err != nil {
		slog.WarnContext(ctx, "Bus publish failed, local delivery already done",
			"room", b.room, "sequence", m.Sequence, "error", err)
		return m, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return m, nil
}

// fanOutLocked delivers to every attached session except origin when echo is
// disabled. The whole round shares one deadline: sessions whose buffers stay
// full past it are forcibly detached instead of blocking the room.
func (b *Bridge) fanOutLocked(m message.Message, origin *Session) {
	if len(b.sessions) == 0 {
		return
	}
	deadline := time.Now().Add(b.opts.SendTimeout)
	var slow []*Session
	var timer *time.Timer
	for s := range b.sessions {
		if s == origin && !b.opts.EchoToSender {
			continue
		}
		select {
		case s.out <- m:
			continue
		default:
		}
		// Buffer full: wait until the shared deadline, then give up on
		// this consumer.
		wait := time.Until(deadline)
		if wait <= 0 {
			slow = append(slow, s)
			continue
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case s.out <- m:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		slog.Warn("Detaching slow consumer", "room", b.room, "session", s.ID, "sender", s.Sender)
		delete(b.sessions, s)
		close(s.done)
	}
}

// dispatch consumes the room's bus subscription. Messages this bridge
// published (and any bus redelivery) are recognized by sequence number and
// dropped; anything newer is recorded and fanned out, which keeps the view
// consistent under at-least-once bus delivery.
func (b *Bridge) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-b.sub.C():
			if !ok {
				return
			}
			m, err := message.Decode(d.Data)
			if err != nil {
				slog.Warn("Skipping malformed bus payload", "subject", d.Subject, "error", err)
				continue
			}
			b.mu.Lock()
			if b.closed || m.Sequence <= b.lastFanned {
				b.mu.Unlock()
				continue
			}
			if m.Sequence > b.seq {
				b.seq = m.Sequence
			}
			b.lastFanned = m.Sequence
			b.cache.Push(m)
			b.fanOutLocked(m, nil)
			b.mu.Unlock()
		}
	}
}

// tryClose marks the bridge closed only if it is still empty, so an attach
// racing with idle teardown either keeps the bridge alive or observes
// ErrBridgeClosed and retries against a fresh bridge.
func (b *Bridge) tryClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.sessions) > 0 {
		return false
	}
	b.closed = true
	return true
}

// stop halts the dispatch loop and drops the bus subscription. Only called
// after the bridge is marked closed.
func (b *Bridge) stop() {
	b.cancel()
	if err := b.sub.Unsubscribe(); err != nil {
		slog.Warn("Unsubscribe failed", "room", b.room, "error", err)
	}
}

// Close detaches every session, stops the dispatch loop and unsubscribes
// from the room's subject.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	detached := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		delete(b.sessions, s)
		detached = append(detached, s)
	}
	b.mu.Unlock()

	for _, s := range detached {
		close(s.done)
	}
	b.stop()
}
