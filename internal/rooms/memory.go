package rooms

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/nats-chatroom/internal/message"
)

// MemoryRegistry is an in-process Registry used in tests and single-node
// runs without a registry database.
type MemoryRegistry struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

func NewMemoryRegistry(seed ...Room) *MemoryRegistry {
	r := &MemoryRegistry{rooms: make(map[string]Room)}
	for _, room := range seed {
		r.rooms[room.ID] = room
	}
	return r
}

func (r *MemoryRegistry) Room(_ context.Context, id string) (Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return room, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) Create(_ context.Context, id, displayName string) (Room, error) {
	if !message.ValidRoomID(id) {
		return Room{}, fmt.Errorf("invalid room id %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		return room, nil
	}
	room := Room{ID: id, DisplayName: displayName, CreatedAt: message.Now()}
	r.rooms[id] = room
	return room, nil
}

func (r *MemoryRegistry) Close() error { return nil }
