package history

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/nats-chatroom/internal/message"
)

func msg(room string, seq uint64) message.Message {
	return message.Message{
		Type:     message.TypeMessage,
		Room:     room,
		Sender:   "alice",
		Text:     fmt.Sprintf("msg %d", seq),
		Sequence: seq,
	}
}

func TestReplayBufferEvictsOldest(t *testing.T) {
	buf := NewReplayBuffer(3)
	for seq := uint64(1); seq <= 5; seq++ {
		buf.Push(msg("r", seq))
	}

	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, uint64(3), snap[0].Sequence)
	assert.Equal(t, uint64(5), snap[2].Sequence)
}

func TestReplayBufferNeverExceedsCapacity(t *testing.T) {
	buf := NewReplayBuffer(50)
	for seq := uint64(1); seq <= 61; seq++ {
		buf.Push(msg("r", seq))
	}
	snap := buf.Snapshot()
	require.Len(t, snap, 50)
	// After 61 publishes only the last 50 remain: 12..61.
	assert.Equal(t, uint64(12), snap[0].Sequence)
	assert.Equal(t, uint64(61), snap[49].Sequence)
	for i := 1; i < len(snap); i++ {
		assert.Equal(t, snap[i-1].Sequence+1, snap[i].Sequence)
	}
}

func TestReplayBufferPartialFill(t *testing.T) {
	buf := NewReplayBuffer(10)
	buf.Push(msg("r", 1))
	buf.Push(msg("r", 2))

	snap := buf.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].Sequence)
	assert.Equal(t, uint64(2), snap[1].Sequence)
}

func TestReplayCachePerRoomIsolation(t *testing.T) {
	cache := NewReplayCache(5)
	cache.Push(msg("a", 1))
	cache.Push(msg("b", 1))
	cache.Push(msg("a", 2))

	assert.Len(t, cache.Snapshot("a"), 2)
	assert.Len(t, cache.Snapshot("b"), 1)
	assert.Empty(t, cache.Snapshot("missing"))
}

func TestSnapshotIsACopy(t *testing.T) {
	cache := NewReplayCache(5)
	cache.Push(msg("a", 1))
	snap := cache.Snapshot("a")
	snap[0].Text = "mutated"
	assert.Equal(t, "msg 1", cache.Snapshot("a")[0].Text)
}
