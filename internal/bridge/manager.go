package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chatroom/internal/bus"
	"github.com/example/nats-chatroom/internal/history"
	"github.com/example/nats-chatroom/internal/message"
	"github.com/example/nats-chatroom/internal/rooms"
)

// Manager creates bridges lazily on first attach and, when idle teardown is
// enabled, tears one down after its last session detaches. Different rooms
// never share a lock beyond the brief bridge-map access here.
type Manager struct {
	bus      bus.Bus
	registry rooms.Registry
	store    *history.Store
	opts     Options
	teardown bool

	mu      sync.Mutex
	bridges map[string]*Bridge
	closed  bool

	attachCounter  metric.Int64Counter
	publishCounter metric.Int64Counter
	bridgeGauge    metric.Int64UpDownCounter
}

// ManagerConfig carries the room-bridge configuration surface.
type ManagerConfig struct {
	Options
	// IdleTeardown stops a room's bridge when its last session detaches.
	// When false, bridges stay resident once created.
	IdleTeardown bool
}

func NewManager(b bus.Bus, registry rooms.Registry, store *history.Store, cfg ManagerConfig) *Manager {
	meter := otel.Meter("room-bridge")
	attachCounter, _ := meter.Int64Counter("bridge_attaches_total",
		metric.WithDescription("Total sessions attached"))
	publishCounter, _ := meter.Int64Counter("bridge_publishes_total",
		metric.WithDescription("Total messages published through bridges"))
	bridgeGauge, _ := meter.Int64UpDownCounter("bridge_active_rooms",
		metric.WithDescription("Bridges currently resident"))
	return &Manager{
		bus:            b,
		registry:       registry,
		store:          store,
		opts:           cfg.Options.withDefaults(),
		teardown:       cfg.IdleTeardown,
		bridges:        make(map[string]*Bridge),
		attachCounter:  attachCounter,
		publishCounter: publishCounter,
		bridgeGauge:    bridgeGauge,
	}
}

// Attach validates the room against the registry, then attaches a session to
// the room's bridge. Returns rooms.ErrRoomNotFound (wrapped) for unknown
// rooms; the connection should be rejected without being established.
func (m *Manager) Attach(ctx context.Context, roomID, sender string) (*Session, error) {
	if _, err := m.registry.Room(ctx, roomID); err != nil {
		return nil, err
	}
	for {
		b, err := m.bridge(roomID)
		if err != nil {
			return nil, err
		}
		s, err := b.Attach(sender)
		if errors.Is(err, ErrBridgeClosed) {
			// Lost a race with idle teardown; the bridge is gone from the
			// map by now, so the next iteration creates a fresh one.
			continue
		}
		if err != nil {
			return nil, err
		}
		m.attachCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))
		return s, nil
	}
}

// Publish sends a message into a room without a session, used for system
// notifications and server-originated traffic.
func (m *Manager) Publish(ctx context.Context, roomID, sender, text string) (message.Message, error) {
	if _, err := m.registry.Room(ctx, roomID); err != nil {
		return message.Message{}, err
	}
	b, err := m.bridge(roomID)
	if err != nil {
		return message.Message{}, err
	}
	msg, err := b.publish(ctx, nil, message.Message{
		Type:   message.TypeMessage,
		Room:   roomID,
		Sender: sender,
		Text:   text,
	})
	if err == nil {
		m.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))
	}
	return msg, err
}

// PublishSystem emits a join/leave event into a room's resident bridge. A
// room with no bridge has no audience, so the event is dropped rather than
// resurrecting a bridge idle teardown just retired.
func (m *Manager) PublishSystem(ctx context.Context, roomID, sender, event string) (message.Message, error) {
	m.mu.Lock()
	b, ok := m.bridges[roomID]
	m.mu.Unlock()
	if !ok {
		return message.Message{}, nil
	}
	msg, err := b.PublishSystem(ctx, sender, event)
	if err == nil {
		m.publishCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", roomID)))
	}
	return msg, err
}

// bridge returns the room's bridge, creating it on first use. The sequence
// counter is seeded from the durable log so numbering survives restarts.
func (m *Manager) bridge(roomID string) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrBridgeClosed
	}
	if b, ok := m.bridges[roomID]; ok {
		return b, nil
	}
	seed, err := m.store.Log.LastSequence(roomID)
	if err != nil {
		slog.Warn("Could not read last sequence, starting from 0", "room", roomID, "error", err)
		seed = 0
	}
	// The ring can be ahead of the log when the persist worker lags; a
	// recreated bridge must not regress behind either side.
	if snap := m.store.Replay.Snapshot(roomID); len(snap) > 0 {
		if newest := snap[len(snap)-1].Sequence; newest > seed {
			seed = newest
		}
	}
	b, err := New(m.bus, m.store.Replay, roomID, seed, m.opts)
	if err != nil {
		return nil, fmt.Errorf("create bridge for %s: %w", roomID, err)
	}
	if m.teardown {
		b.idle = m.retire
	}
	m.bridges[roomID] = b
	m.bridgeGauge.Add(context.Background(), 1)
	slog.Info("Bridge created", "room", roomID, "seed_sequence", seed)
	return b, nil
}

// retire tears down a bridge that went idle. The close only commits while
// the bridge is still empty; an attach racing in either keeps it alive or
// sees ErrBridgeClosed and recreates the bridge through Attach's retry. The
// replay ring lives in the history store, so teardown loses no history.
func (m *Manager) retire(b *Bridge) {
	m.mu.Lock()
	if cur, ok := m.bridges[b.room]; !ok || cur != b {
		m.mu.Unlock()
		return
	}
	if !b.tryClose() {
		m.mu.Unlock()
		return
	}
	delete(m.bridges, b.room)
	m.mu.Unlock()

	b.stop()
	m.bridgeGauge.Add(context.Background(), -1)
	slog.Info("Bridge retired after last detach", "room", b.room)
}

// Resident reports whether a bridge for the room is currently resident.
func (m *Manager) Resident(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.bridges[roomID]
	return ok
}

// Close shuts down every resident bridge, detaching all sessions. Further
// publishes and attaches fail with ErrBridgeClosed instead of creating new
// bridges.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	bridges := make([]*Bridge, 0, len(m.bridges))
	for room, b := range m.bridges {
		delete(m.bridges, room)
		bridges = append(bridges, b)
	}
	m.mu.Unlock()
	for _, b := range bridges {
		b.Close()
	}
}
