package history

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := OpenLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndReadBack(t *testing.T) {
	log := openTestLog(t)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, log.Append("general", msg("general", seq)))
	}

	page, err := log.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 5)
	for i, m := range page {
		assert.Equal(t, uint64(i+1), m.Sequence)
	}
}

func TestReadPageReturnsNewestWindow(t *testing.T) {
	log := openTestLog(t)
	for seq := uint64(1); seq <= 61; seq++ {
		require.NoError(t, log.Append("general", msg("general", seq)))
	}

	page, err := log.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, uint64(52), page[0].Sequence)
	assert.Equal(t, uint64(61), page[9].Sequence)
}

func TestReadPageBeforeCursor(t *testing.T) {
	log := openTestLog(t)
	for seq := uint64(1); seq <= 30; seq++ {
		require.NoError(t, log.Append("general", msg("general", seq)))
	}

	page, err := log.ReadPage("general", 10, 21)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, uint64(11), page[0].Sequence)
	assert.Equal(t, uint64(20), page[9].Sequence)
}

func TestReadPageCollapsesDuplicates(t *testing.T) {
	log := openTestLog(t)
	require.NoError(t, log.Append("general", msg("general", 1)))
	require.NoError(t, log.Append("general", msg("general", 2)))
	// Bus redelivery: the same record appended twice.
	require.NoError(t, log.Append("general", msg("general", 2)))
	require.NoError(t, log.Append("general", msg("general", 3)))

	page, err := log.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, uint64(3), page[2].Sequence)
}

func TestReadPageDropsRedeliveredOlderRecord(t *testing.T) {
	log := openTestLog(t)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, log.Append("general", msg("general", seq)))
	}
	// Bus redelivery can arrive long after the original: an old record
	// lands at the tail, non-adjacent to its first append.
	require.NoError(t, log.Append("general", msg("general", 1)))

	page, err := log.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for i, m := range page {
		assert.Equal(t, uint64(i+1), m.Sequence)
	}
}

func TestReadPageMissingRoom(t *testing.T) {
	log := openTestLog(t)
	page, err := log.ReadPage("nope", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestReadPageSkipsTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Append("general", msg("general", 1)))
	// Simulate a crash mid-write: a trailing partial record.
	f, err := os.OpenFile(filepath.Join(dir, "general.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"message","room":"general","seq`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	page, err := log.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(1), page[0].Sequence)
}

func TestLastSequence(t *testing.T) {
	log := openTestLog(t)

	seq, err := log.LastSequence("general")
	require.NoError(t, err)
	assert.Zero(t, seq)

	for s := uint64(1); s <= 17; s++ {
		require.NoError(t, log.Append("general", msg("general", s)))
	}
	seq, err = log.LastSequence("general")
	require.NoError(t, err)
	assert.Equal(t, uint64(17), seq)
}

func TestLastSequenceIgnoresRedeliveredTail(t *testing.T) {
	log := openTestLog(t)
	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, log.Append("general", msg("general", seq)))
	}
	require.NoError(t, log.Append("general", msg("general", 1)))

	// A restarted bridge seeds from this; a stale tail record must not
	// shrink it, or already-used sequence numbers would be reissued.
	seq, err := log.LastSequence("general")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	log, err := OpenLog(dir)
	require.NoError(t, err)
	require.NoError(t, log.Append("general", msg("general", 1)))
	require.NoError(t, log.Close())

	log2, err := OpenLog(dir)
	require.NoError(t, err)
	defer log2.Close()
	require.NoError(t, log2.Append("general", msg("general", 2)))

	page, err := log2.ReadPage("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
}

func TestStorePageUsesRingForNewestPage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(50, dir)
	require.NoError(t, err)
	defer store.Close()

	// The ring has the newest 50; the log has everything.
	for seq := uint64(1); seq <= 60; seq++ {
		m := msg("general", seq)
		store.Replay.Push(m)
		require.NoError(t, store.Log.Append("general", m))
	}

	page, err := store.Page("general", 20, 0)
	require.NoError(t, err)
	require.Len(t, page, 20)
	assert.Equal(t, uint64(41), page[0].Sequence)
	assert.Equal(t, uint64(60), page[19].Sequence)
}

func TestStorePageFallsBackToLog(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(5, dir)
	require.NoError(t, err)
	defer store.Close()

	for seq := uint64(1); seq <= 30; seq++ {
		m := msg("general", seq)
		store.Replay.Push(m)
		require.NoError(t, store.Log.Append("general", m))
	}

	// Deeper than the ring: must come from the log.
	page, err := store.Page("general", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, uint64(21), page[0].Sequence)

	// Cursor pages always come from the log.
	page, err = store.Page("general", 10, 11)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, uint64(1), page[0].Sequence)
	assert.Equal(t, uint64(10), page[9].Sequence)
}
