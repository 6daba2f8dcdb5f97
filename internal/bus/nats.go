package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chatroom/internal/otelx"
)

const subscriptionBuffer = 512

// NATSBus adapts a nats.Conn to the Bus contract. Reconnection is delegated
// to the client: the connection retries forever and pending subscriptions
// resume once the server is reachable again.
type NATSBus struct {
	nc *nats.Conn
}

// ConnectNATS dials the bus with the retry loop used by every service: the
// server may come up after us, so keep knocking before giving up.
func ConnectNATS(url, name string) (*NATSBus, error) {
	var (
		nc  *nats.Conn
		err error
	)
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := otelx.TracedPublish(ctx, b.nc, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
	out chan Delivery
}

func (s *natsSubscription) C() <-chan Delivery { return s.out }

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	out := make(chan Delivery, subscriptionBuffer)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case out <- Delivery{Subject: msg.Subject, Data: msg.Data, Header: msg.Header}:
		default:
			// The consumer fell too far behind; dropping here mirrors the
			// at-least-once bus contract rather than blocking the client's
			// callback dispatcher.
			slog.Warn("Dropping delivery, subscription buffer full", "subject", msg.Subject)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	// The channel is left open after Unsubscribe: the client may still be
	// dispatching a callback, and a send on a closed channel would panic.
	// Consumers stop via context cancellation.
	return &natsSubscription{sub: sub, out: out}, nil
}

// Close drains the connection so in-flight deliveries finish before teardown.
func (b *NATSBus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
