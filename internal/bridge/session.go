package bridge

import (
	"context"

	"github.com/google/uuid"

	"github.com/example/nats-chatroom/internal/message"
)

// Session is one attached live client within one room. It is created by
// Attach and owned by the bridge that created it; the transport layer reads
// the replay slice first, then drains Outbound until Done is closed.
type Session struct {
	ID     uuid.UUID
	Room   string
	Sender string

	bridge *Bridge
	replay []message.Message
	out    chan message.Message
	done   chan struct{}
}

// Replay returns the history snapshot taken at attach time, oldest-first.
// Every live message on Outbound has a sequence number strictly greater than
// the last replayed one.
func (s *Session) Replay() []message.Message { return s.replay }

// Outbound is the live delivery channel. Live messages buffered here were
// published after the replay snapshot was taken.
func (s *Session) Outbound() <-chan message.Message { return s.out }

// Done is closed when the session is detached, either by Close, by slow
// consumer disconnect, or by bridge shutdown.
func (s *Session) Done() <-chan struct{} { return s.done }

// Publish sends a message from this session into the room. The session is
// skipped during local fan-out when echo-to-sender is disabled.
func (s *Session) Publish(ctx context.Context, text string) (message.Message, error) {
	return s.bridge.publish(ctx, s, message.Message{
		Type:   message.TypeMessage,
		Room:   s.Room,
		Sender: s.Sender,
		Text:   text,
	})
}

// Close detaches the session. Idempotent.
func (s *Session) Close() {
	s.bridge.Detach(s)
}
