// Package message defines the wire-level chat message and the NATS subject
// naming shared by the gateway and the persist worker.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// TypeMessage is a regular user chat message.
	TypeMessage = "message"
	// TypeSystem is a lifecycle notification (join/leave).
	TypeSystem = "system"
)

const (
	EventJoin  = "join"
	EventLeave = "leave"
)

// Message is one chat message as it travels over NATS, over the WebSocket,
// and into the durable log. Sequence numbers are per room, assigned by the
// room's bridge at publish time, never by the bus.
type Message struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	Sender    string `json:"sender"`
	Text      string `json:"text,omitempty"`
	Event     string `json:"event,omitempty"`
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"` // UTC milliseconds, assigned at publish time
}

// Now returns the publish-time timestamp in the wire format.
func Now() int64 {
	return time.Now().UTC().UnixMilli()
}

// Encode serializes a message to its wire form.
func (m Message) Encode() []byte {
	data, _ := json.Marshal(m)
	return data
}

// Decode parses a wire payload into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// SubjectPrefix is the namespace for all per-room chat traffic.
const SubjectPrefix = "chat."

// WildcardSubject covers every room, used by the persist worker.
const WildcardSubject = SubjectPrefix + ">"

// Subject returns the bus subject for a room: "chat.<room>".
func Subject(room string) string {
	return SubjectPrefix + room
}

// RoomFromSubject extracts the room identifier from a "chat.<room>" subject.
func RoomFromSubject(subject string) (string, bool) {
	room, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || !ValidRoomID(room) {
		return "", false
	}
	return room, true
}

// ValidRoomID reports whether an identifier is usable as a subject token.
// Dots and wildcard characters would break subject routing.
func ValidRoomID(room string) bool {
	if room == "" || len(room) > 128 {
		return false
	}
	return !strings.ContainsAny(room, `.*>/\ `+"\t\r\n")
}
