package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvDelivery(t *testing.T, sub Subscription) Delivery {
	t.Helper()
	select {
	case d := <-sub.C():
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Delivery{}
	}
}

func TestMemoryBusDeliversToMatchingSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	room, err := b.Subscribe("chat.general")
	require.NoError(t, err)
	wildcard, err := b.Subscribe("chat.>")
	require.NoError(t, err)
	other, err := b.Subscribe("chat.random")
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "chat.general", []byte("hello")))

	assert.Equal(t, []byte("hello"), recvDelivery(t, room).Data)
	assert.Equal(t, "chat.general", recvDelivery(t, wildcard).Subject)
	select {
	case d := <-other.C():
		t.Fatalf("unexpected delivery on chat.random: %q", d.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	sub, err := b.Subscribe("chat.general")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "chat.general", []byte("x")))

	_, open := <-sub.C()
	assert.False(t, open, "channel should be closed after Unsubscribe")
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"chat.general", "chat.general", true},
		{"chat.general", "chat.random", false},
		{"chat.*", "chat.general", true},
		{"chat.*", "chat.general.thread", false},
		{"chat.>", "chat.general", true},
		{"chat.>", "chat.general.thread", true},
		{"chat.>", "chat", false},
		{"chat.>", "admin.general", false},
		{"*.general", "chat.general", true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectMatches(tt.pattern, tt.subject))
		})
	}
}
