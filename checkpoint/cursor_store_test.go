package checkpoint

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/maxpert/tapstream/encoding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreRecordAndReopen(t *testing.T) {
	dir := t.TempDir()

	cs, err := OpenCursorStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, cs.Record("replica-a", 3, 10))
	require.NoError(t, cs.Record("replica-a", 4, 2))
	require.NoError(t, cs.Record("replica-b", 3, 1))

	// Stale ids are ignored
	require.NoError(t, cs.Record("replica-a", 3, 9))
	assert.Equal(t, map[uint16]uint64{3: 10, 4: 2}, cs.Load("replica-a"))
	require.NoError(t, cs.Close())

	cs, err = OpenCursorStore(dir, nil)
	require.NoError(t, err)
	defer cs.Close()

	assert.Equal(t, map[uint16]uint64{3: 10, 4: 2}, cs.Load("replica-a"))
	assert.Equal(t, map[uint16]uint64{3: 1}, cs.Load("replica-b"))
	assert.Nil(t, cs.Load("unknown"))

	names := cs.Names()
	sort.Strings(names)
	assert.Equal(t, []string{"replica-a", "replica-b"}, names)
}

func TestCursorStoreLoadReturnsCopy(t *testing.T) {
	cs, err := OpenCursorStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer cs.Close()

	require.NoError(t, cs.Record("c", 1, 5))
	got := cs.Load("c")
	got[1] = 99

	assert.Equal(t, uint64(5), cs.Load("c")[1])
}

func TestCursorStoreDelete(t *testing.T) {
	dir := t.TempDir()
	cs, err := OpenCursorStore(dir, nil)
	require.NoError(t, err)

	require.NoError(t, cs.Record("gone", 0, 1))
	require.NoError(t, cs.Delete("gone"))
	assert.Nil(t, cs.Load("gone"))
	require.NoError(t, cs.Close())

	cs, err = OpenCursorStore(dir, nil)
	require.NoError(t, err)
	defer cs.Close()
	assert.Empty(t, cs.Names())
}

func TestCursorStoreClosed(t *testing.T) {
	cs, err := OpenCursorStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	assert.Error(t, cs.Record("x", 0, 1))
	assert.Error(t, cs.Delete("x"))
	assert.Error(t, cs.Close())
}

func TestCursorStoreRecordsStaySortedAndStamped(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	cs, err := OpenCursorStore(t.TempDir(), func() time.Time { return at })
	require.NoError(t, err)
	defer cs.Close()

	for _, vb := range []uint16{9, 1, 512, 4} {
		require.NoError(t, cs.Record("sorted", vb, uint64(vb)+1))
	}
	require.NoError(t, cs.Record("sorted", 4, 20))

	rec, ok := cs.records.Load("sorted")
	require.True(t, ok)
	assert.Equal(t, []VBucketCheckpoint{{1, 2}, {4, 20}, {9, 10}, {512, 513}}, rec.Checkpoints)
	assert.Equal(t, at.UnixNano(), rec.UpdatedAt)

	first, err := encoding.Marshal(rec)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := encoding.Marshal(&CursorRecord{Name: rec.Name, Checkpoints: rec.Checkpoints, UpdatedAt: rec.UpdatedAt})
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again))
	}
}
