package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/cachefs/cachefs/clock"
	"github.com/cachefs/cachefs/internal/blockstore"
	"github.com/cachefs/cachefs/internal/index"
)

func TestJoinRel(t *testing.T) {
	require.Equal(t, "a", joinRel("", "a"))
	require.Equal(t, "a/b", joinRel("a", "b"))
}

func newTestFacade(t *testing.T) (*Facade, string) {
	t.Helper()
	target := t.TempDir()
	cacheDir := t.TempDir()

	ix, err := index.OpenOrCreate(cacheDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	store := blockstore.New(cacheDir)
	facade, err := New(target, ix, store, 1<<20, clock.RealClock{}, index.CharsetUTF8)
	require.NoError(t, err)
	return facade, target
}

// A file opened, written, released and reopened should be served entirely
// from the cache on the second read, without touching the target again
// (verified indirectly: the target is truncated out from under the cache
// and the read still succeeds).
func TestFacadeReadThroughThenCacheHit(t *testing.T) {
	facade, target := newTestFacade(t)

	path := filepath.Join(target, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	root, ok := facade.lookupNode(fuseops.RootInodeID)
	require.True(t, ok)
	child, err := getOrCreateInode(facade.inodes, target, root.id, "a.txt")
	require.NoError(t, err)
	require.NotNil(t, child)

	openOp := &fuseops.OpenFileOp{Inode: child.id}
	require.NoError(t, facade.OpenFile(nil, openOp))

	readOp := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 0, Size: 11}
	require.NoError(t, facade.ReadFile(nil, readOp))
	require.Equal(t, "hello world", string(readOp.Data))

	// Second read of the same range should be a cache hit even if the
	// target no longer has the data.
	require.NoError(t, os.Truncate(path, 0))
	readOp2 := &fuseops.ReadFileOp{Handle: openOp.Handle, Offset: 0, Size: 11}
	require.NoError(t, facade.ReadFile(nil, readOp2))
	require.Equal(t, "hello world", string(readOp2.Data))

	release := &fuseops.ReleaseFileHandleOp{Handle: openOp.Handle}
	require.NoError(t, facade.ReleaseFileHandle(nil, release))
}

func TestFacadeWriteThenRead(t *testing.T) {
	facade, target := newTestFacade(t)

	root, ok := facade.lookupNode(fuseops.RootInodeID)
	require.True(t, ok)

	create := &fuseops.CreateFileOp{Parent: root.id, Name: "b.txt", Mode: 0o644}
	require.NoError(t, facade.CreateFile(nil, create))

	write := &fuseops.WriteFileOp{Handle: create.Handle, Offset: 0, Data: []byte("abc")}
	require.NoError(t, facade.WriteFile(nil, write))

	read := &fuseops.ReadFileOp{Handle: create.Handle, Offset: 0, Size: 3}
	require.NoError(t, facade.ReadFile(nil, read))
	require.Equal(t, "abc", string(read.Data))

	require.NoError(t, facade.ReleaseFileHandle(nil, &fuseops.ReleaseFileHandleOp{Handle: create.Handle}))

	data, err := os.ReadFile(filepath.Join(target, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))
}
