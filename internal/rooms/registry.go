// Package rooms is the room registry collaborator: a durable mapping from
// room identifier to metadata. The bridge only reads it to validate that a
// room exists before attaching a session.
package rooms

import (
	"context"
	"errors"
)

// ErrRoomNotFound is returned when an identifier has no registered room.
var ErrRoomNotFound = errors.New("rooms: room not found")

// Room is the registry's view of a chat room. Immutable once created.
type Room struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	CreatedAt   int64  `json:"createdAt"` // UTC milliseconds
}

// Registry is the read-mostly contract the core consumes. Create exists so a
// deployment can seed rooms; the bridge never calls it.
type Registry interface {
	Room(ctx context.Context, id string) (Room, error)
	List(ctx context.Context) ([]Room, error)
	Create(ctx context.Context, id, displayName string) (Room, error)
	Close() error
}
