package checkpoint

import (
	"testing"

	"github.com/maxpert/tapstream/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(key string) *common.QueuedItem {
	return &common.QueuedItem{Key: key, Op: common.OpSet}
}

func drain(m *MemoryManager, name string) []*common.QueuedItem {
	var out []*common.QueuedItem
	for {
		qi, _ := m.NextItem(name)
		if qi.Op == common.OpEmpty {
			return out
		}
		out = append(out, qi)
	}
}

func ops(items []*common.QueuedItem) []common.Operation {
	out := make([]common.Operation, 0, len(items))
	for _, qi := range items {
		out = append(out, qi.Op)
	}
	return out
}

func TestMemoryManagerCursorWalksCheckpoints(t *testing.T) {
	m := NewMemoryManager(3, Options{KeepClosed: true})
	m.Queue(set("a"))
	m.Queue(set("b"))
	require.True(t, m.CloseOpenCheckpoint(1))
	m.Queue(set("c"))

	require.True(t, m.RegisterCursor("tap", 1, false))
	assert.Equal(t, 3, m.NumItemsForCursor("tap"))

	first, _ := m.NextItem("tap")
	assert.Equal(t, common.OpCheckpointStart, first.Op)
	assert.Equal(t, uint64(1), first.Checkpoint)
	assert.Equal(t, uint16(3), first.VBucket)

	a, last := m.NextItem("tap")
	assert.Equal(t, "a", a.Key)
	assert.False(t, last)

	b, last := m.NextItem("tap")
	assert.Equal(t, "b", b.Key)
	assert.True(t, last, "b is the last mutation before the end marker")

	rest := drain(m, "tap")
	assert.Equal(t, []common.Operation{
		common.OpCheckpointEnd, common.OpCheckpointStart, common.OpSet,
	}, ops(rest))
	assert.Equal(t, uint64(2), m.CursorCheckpointID("tap"))
	assert.False(t, m.HasNext("tap"))
}

func TestMemoryManagerDecrFromCheckpointEnd(t *testing.T) {
	m := NewMemoryManager(0, Options{KeepClosed: true})
	m.Queue(set("a"))
	m.CloseOpenCheckpoint(1)
	m.RegisterCursor("tap", 1, false)

	m.NextItem("tap") // start
	m.NextItem("tap") // a
	end, _ := m.NextItem("tap")
	require.Equal(t, common.OpCheckpointEnd, end.Op)

	m.DecrCursorFromCheckpointEnd("tap")
	again, _ := m.NextItem("tap")
	assert.Equal(t, common.OpCheckpointEnd, again.Op)

	// Stepping back after a non-end item is a no-op
	start, _ := m.NextItem("tap")
	require.Equal(t, common.OpCheckpointStart, start.Op)
	m.DecrCursorFromCheckpointEnd("tap")
	qi, _ := m.NextItem("tap")
	assert.Equal(t, common.OpEmpty, qi.Op)
}

func TestMemoryManagerRegisterMissingCheckpoint(t *testing.T) {
	m := NewMemoryManager(0, Options{})
	m.Queue(set("a"))
	m.CloseOpenCheckpoint(1)

	// Drain the persistence cursor so checkpoint 1 can be collapsed
	drain(m, PersistenceCursor)
	assert.Equal(t, 1, m.NumCheckpoints())

	assert.False(t, m.RegisterCursor("tap", 1, false))
	assert.True(t, m.CursorExists("tap"))
	assert.Equal(t, uint64(2), m.CursorCheckpointID("tap"))
}

func TestMemoryManagerClosedOnlyCursor(t *testing.T) {
	m := NewMemoryManager(0, Options{KeepClosed: true})
	m.Queue(set("a"))
	m.CloseOpenCheckpoint(1)
	m.Queue(set("b"))

	m.RegisterCursor("reg", 1, true)
	assert.Equal(t, 1, m.NumItemsForCursor("reg"))

	got := drain(m, "reg")
	assert.Equal(t, []common.Operation{
		common.OpCheckpointStart, common.OpSet, common.OpCheckpointEnd,
	}, ops(got))
	assert.False(t, m.HasNext("reg"))
	assert.Equal(t, uint64(2), m.CursorCheckpointID("reg"))
}

func TestMemoryManagerCheckAndAddNewCheckpoint(t *testing.T) {
	m := NewMemoryManager(0, Options{})

	ok, moved := m.CheckAndAddNewCheckpoint(1)
	assert.True(t, ok)
	assert.False(t, moved)

	// Empty open checkpoint is renumbered and persistence repositioned
	ok, moved = m.CheckAndAddNewCheckpoint(5)
	assert.True(t, ok)
	assert.True(t, moved)
	assert.Equal(t, uint64(5), m.OpenCheckpointID())

	ok, _ = m.CheckAndAddNewCheckpoint(4)
	assert.False(t, ok, "older checkpoint ids are rejected")

	m.Queue(set("a"))
	ok, moved = m.CheckAndAddNewCheckpoint(6)
	assert.True(t, ok)
	assert.False(t, moved)
	assert.Equal(t, uint64(6), m.OpenCheckpointID())

	assert.False(t, m.CloseOpenCheckpoint(5))
	assert.True(t, m.CloseOpenCheckpoint(6))
	assert.Equal(t, uint64(7), m.OpenCheckpointID())
}

func TestMemoryManagerCheckOpenCheckpoint(t *testing.T) {
	m := NewMemoryManager(0, Options{MaxItems: 2})

	assert.Equal(t, uint64(1), m.CheckOpenCheckpoint(true), "empty checkpoint stays open")
	m.Queue(set("a"))
	assert.Equal(t, uint64(1), m.CheckOpenCheckpoint(false))
	m.Queue(set("b"))
	assert.Equal(t, uint64(2), m.CheckOpenCheckpoint(false))
	m.Queue(set("c"))
	assert.Equal(t, uint64(3), m.CheckOpenCheckpoint(true))
}

func TestMemoryManagerOnlineUpdate(t *testing.T) {
	m := NewMemoryManager(0, Options{MaxItems: 1})
	m.RegisterCursor("tap", 1, false)

	require.NoError(t, m.StartOnlineUpdate())
	assert.ErrorIs(t, m.StartOnlineUpdate(), ErrOnlineUpdateRunning)

	m.Queue(set("a"))
	m.Queue(set("b"))
	assert.Equal(t, uint64(1), m.CheckOpenCheckpoint(false), "no checkpoint closes during an online update")

	reverted, err := m.RevertOnlineUpdate()
	require.NoError(t, err)
	assert.Len(t, reverted, 2)
	assert.Equal(t, 0, m.NumItemsForCursor("tap"))

	got := drain(m, "tap")
	assert.Equal(t, []common.Operation{
		common.OpCheckpointStart, common.OpOnlineUpdateStart, common.OpOnlineUpdateRevert,
	}, ops(got))

	assert.ErrorIs(t, m.StopOnlineUpdate(), ErrNoOnlineUpdate)
	require.NoError(t, m.StartOnlineUpdate())
	require.NoError(t, m.StopOnlineUpdate())
}

func TestMemoryManagerRemoveCursorCollapses(t *testing.T) {
	m := NewMemoryManager(0, Options{})
	drain(m, PersistenceCursor)

	m.RegisterCursor("tap", 1, false)
	m.Queue(set("a"))
	m.CloseOpenCheckpoint(1)
	drain(m, PersistenceCursor)

	assert.Equal(t, 2, m.NumCheckpoints(), "tap cursor pins checkpoint 1")
	assert.True(t, m.RemoveCursor("tap"))
	assert.False(t, m.RemoveCursor("tap"))
	assert.Equal(t, 1, m.NumCheckpoints())
}

func TestMemoryManagerSetOpenCheckpointID(t *testing.T) {
	m := NewMemoryManager(0, Options{})
	m.SetOpenCheckpointID(0)
	assert.Equal(t, uint64(0), m.OpenCheckpointID())

	m.Reset()
	assert.Equal(t, uint64(1), m.OpenCheckpointID())
	assert.True(t, m.CursorExists(PersistenceCursor))
}
