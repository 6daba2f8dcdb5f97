// Package persist is the independent persistence consumer: one wildcard
// subscription covering every room, appending each observed message to the
// durable per-room log. It runs regardless of client activity and its
// failures never reach the live fan-out path.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chatroom/internal/bus"
	"github.com/example/nats-chatroom/internal/message"
	"github.com/example/nats-chatroom/internal/otelx"
)

// Options tunes the append retry policy. Appends are retried with bounded
// exponential backoff; when MaxElapsed is exhausted the failure is logged at
// error level and the consumer moves on rather than deadlocking the
// subscription.
type Options struct {
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsed      time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 5 * time.Second
	}
	if o.RetryMaxElapsed <= 0 {
		o.RetryMaxElapsed = 30 * time.Second
	}
	return o
}

// Appender is the durable-log surface the consumer needs. *history.Log
// implements it.
type Appender interface {
	Append(room string, m message.Message) error
}

// Consumer subscribes to chat.> and appends every message to the log.
type Consumer struct {
	bus  bus.Bus
	log  Appender
	opts Options

	persistedCounter metric.Int64Counter
	errorCounter     metric.Int64Counter
	appendDuration   metric.Float64Histogram
}

func New(b bus.Bus, log Appender, opts Options) *Consumer {
	meter := otel.Meter("persist-worker")
	persisted, _ := meter.Int64Counter("messages_persisted_total",
		metric.WithDescription("Messages appended to the durable log"))
	errs, _ := meter.Int64Counter("messages_persist_errors_total",
		metric.WithDescription("Appends that failed after exhausting retries"))
	duration, _ := otelx.NewDurationHistogram(meter, "persist_append_duration_seconds",
		"Time to durably append one message")
	return &Consumer{
		bus:              b,
		log:              log,
		opts:             opts.withDefaults(),
		persistedCounter: persisted,
		errorCounter:     errs,
		appendDuration:   duration,
	}
}

// Run consumes until ctx is cancelled. An in-flight append is allowed to
// finish before Run returns, so an already-dequeued message is not dropped
// at shutdown. Reconnection is the bus client's job; this loop only sees a
// quiet channel during an outage.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(message.WildcardSubject)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", message.WildcardSubject, err)
	}
	defer sub.Unsubscribe()

	slog.Info("Persist consumer running", "subject", message.WildcardSubject)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Persist consumer stopping")
			return nil
		case d, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d bus.Delivery) {
	ctx, span := otelx.StartConsumerSpan(ctx, d.Subject, d.Header, "persist message")
	defer span.End()

	room, ok := message.RoomFromSubject(d.Subject)
	if !ok {
		slog.WarnContext(ctx, "Skipping delivery on unexpected subject", "subject", d.Subject)
		return
	}
	m, err := message.Decode(d.Data)
	if err != nil {
		slog.WarnContext(ctx, "Skipping non-message payload", "subject", d.Subject, "error", err)
		span.RecordError(err)
		return
	}
	if m.Room == "" {
		m.Room = room
	}
	span.SetAttributes(
		attribute.String("chat.room", room),
		attribute.Int64("chat.sequence", int64(m.Sequence)),
	)

	start := time.Now()
	// Retry with bounded exponential backoff without losing the in-flight
	// message. Duplicate appends under bus redelivery are fine: the log is
	// at-least-once and reads collapse duplicates by sequence number.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryInitialInterval
	policy.MaxInterval = c.opts.RetryMaxInterval
	policy.MaxElapsedTime = c.opts.RetryMaxElapsed

	appendOnce := func() error { return c.log.Append(room, m) }
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "Append failed, retrying", "room", room, "sequence", m.Sequence,
			"retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(appendOnce, backoff.WithContext(policy, ctx), notify); err != nil {
		span.RecordError(err)
		c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
		slog.ErrorContext(ctx, "Message not persisted after retries", "room", room,
			"sequence", m.Sequence, "error", err)
		return
	}

	c.persistedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("room", room)))
	c.appendDuration.Record(ctx, time.Since(start).Seconds())
}
