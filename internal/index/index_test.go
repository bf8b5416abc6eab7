package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenOrCreate(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

func TestBindOpenTracksSiblingPaths(t *testing.T) {
	ix := newTestIndex(t)
	now := time.Unix(1000, 0)

	others, err := ix.BindOpen(1, "/a", now)
	require.NoError(t, err)
	require.Empty(t, others)

	others, err = ix.BindOpen(1, "/b", now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{"/a"}, others)

	nodeID, err := ix.LookupNodeByPath("/b")
	require.NoError(t, err)
	require.Equal(t, uint64(1), nodeID)
}

func TestLookupNodeByPathNotFound(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.LookupNodeByPath("/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMergeAndInsertCoalescesAdjacentAndOverlapping(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.MergeAndInsert(1, 0, 10, false))
	require.NoError(t, ix.MergeAndInsert(1, 10, 20, false))
	require.NoError(t, ix.MergeAndInsert(1, 5, 15, false))

	blk, ok, err := ix.OverlappingBlock(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Block{Offset: 0, End: 20}, blk)

	total, err := ix.TotalBytes()
	require.NoError(t, err)
	require.Equal(t, int64(20), total)
}

func TestMergeAndInsertKeepsDisjointRangesSeparate(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.MergeAndInsert(1, 0, 10, false))
	require.NoError(t, ix.MergeAndInsert(1, 20, 30, true))

	_, ok, err := ix.OverlappingBlock(1, 15)
	require.NoError(t, err)
	require.False(t, ok)

	blk, ok, err := ix.OverlappingBlock(1, 25)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, blk.LastBlock)
}

func TestMergeAndInsertRejectsEmptyRange(t *testing.T) {
	ix := newTestIndex(t)
	err := ix.MergeAndInsert(1, 10, 10, false)
	require.Error(t, err)
}

func TestLRUVictimsExcludingOrdersByLastUseAndExcludesOne(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.BindOpen(1, "/a", time.Unix(100, 0))
	require.NoError(t, err)
	_, err = ix.BindOpen(2, "/b", time.Unix(200, 0))
	require.NoError(t, err)
	_, err = ix.BindOpen(3, "/c", time.Unix(50, 0))
	require.NoError(t, err)

	require.NoError(t, ix.MergeAndInsert(1, 0, 5, false))
	require.NoError(t, ix.MergeAndInsert(2, 0, 7, false))
	require.NoError(t, ix.MergeAndInsert(3, 0, 3, false))

	victims, err := ix.LRUVictimsExcluding(2)
	require.NoError(t, err)
	require.Len(t, victims, 2)
	require.Equal(t, uint64(3), victims[0].NodeID)
	require.Equal(t, int64(3), victims[0].Size)
	require.Equal(t, uint64(1), victims[1].NodeID)
}

func TestTruncateNodeDropsAndClipsBlocks(t *testing.T) {
	ix := newTestIndex(t)

	require.NoError(t, ix.MergeAndInsert(1, 0, 10, false))
	require.NoError(t, ix.MergeAndInsert(1, 20, 30, false))

	require.NoError(t, ix.TruncateNode(1, 25))

	blk, ok, err := ix.OverlappingBlock(1, 22)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(25), blk.End)

	total, err := ix.TotalBytes()
	require.NoError(t, err)
	require.Equal(t, int64(15), total)
}

func TestDropNodeRemovesPathsAndBlocks(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.BindOpen(1, "/a", time.Unix(1, 0))
	require.NoError(t, err)
	_, err = ix.BindOpen(1, "/b", time.Unix(2, 0))
	require.NoError(t, err)
	require.NoError(t, ix.MergeAndInsert(1, 0, 10, false))

	require.NoError(t, ix.DropNode(1))

	_, err = ix.LookupNodeByPath("/a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = ix.LookupNodeByPath("/b")
	require.ErrorIs(t, err, ErrNotFound)

	total, err := ix.TotalBytes()
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
}

func TestDropPathReportsNodeDroppableOnlyWhenLastPathGone(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.BindOpen(1, "/a", time.Unix(1, 0))
	require.NoError(t, err)
	_, err = ix.BindOpen(1, "/b", time.Unix(2, 0))
	require.NoError(t, err)

	droppable, err := ix.DropPath("/a")
	require.NoError(t, err)
	require.False(t, droppable)

	droppable, err = ix.DropPath("/b")
	require.NoError(t, err)
	require.True(t, droppable)
}

func TestRenamePathPreservesNodeBinding(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.BindOpen(1, "/old", time.Unix(1, 0))
	require.NoError(t, err)

	require.NoError(t, ix.RenamePath("/old", "/new"))

	_, err = ix.LookupNodeByPath("/old")
	require.ErrorIs(t, err, ErrNotFound)

	nodeID, err := ix.LookupNodeByPath("/new")
	require.NoError(t, err)
	require.Equal(t, uint64(1), nodeID)
}

func TestOpenOrCreateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ix1, err := OpenOrCreate(dir)
	require.NoError(t, err)
	require.NoError(t, ix1.Close())

	ix2, err := OpenOrCreate(dir)
	require.NoError(t, err)
	defer ix2.Close()

	nodeID, err := ix2.LookupNodeByPath("/never-written")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, uint64(0), nodeID)
}
