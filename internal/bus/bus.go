// Package bus is the capability boundary around the message bus. The rest of
// the system only sees Publish and Subscribe, so everything above it can run
// against the in-memory implementation in tests.
package bus

import "context"

// Delivery is one payload received from a subscription. Header carries
// cross-process metadata such as trace context; it may be nil.
type Delivery struct {
	Subject string
	Data    []byte
	Header  map[string][]string
}

// Subscription is a live stream of deliveries. After Unsubscribe no further
// deliveries arrive; whether C is closed is implementation-defined, so
// consumers should stop via context cancellation rather than channel close.
type Subscription interface {
	C() <-chan Delivery
	Unsubscribe() error
}

// Bus is the thin publish/subscribe contract. Implementations perform no
// business logic. Subjects follow NATS conventions: "chat.<room>" for one
// room, "chat.>" as the wildcard covering all rooms.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string) (Subscription, error)
	Close()
}
