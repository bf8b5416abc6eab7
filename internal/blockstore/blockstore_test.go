package blockstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOrOpenCreatesParentDirs(t *testing.T) {
	s := New(t.TempDir())

	f, err := s.CreateOrOpen("a/b/c.txt", false)
	require.NoError(t, err)
	defer f.Close()

	require.True(t, s.Exists("a/b/c.txt"))
}

func TestCreateOrOpenTruncateClearsExistingContent(t *testing.T) {
	s := New(t.TempDir())

	f1, err := s.CreateOrOpen("f.txt", false)
	require.NoError(t, err)
	_, err = Pwrite(f1, []byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, err := s.CreateOrOpen("f.txt", true)
	require.NoError(t, err)
	defer f2.Close()

	buf := make([]byte, 5)
	n, err := Pread(f2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestPreadPwriteRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	f, err := s.CreateOrOpen("x", false)
	require.NoError(t, err)
	defer f.Close()

	n, err := Pwrite(f, []byte("abcdef"), 10)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	buf := make([]byte, 6)
	n, err = Pread(f, buf, 10)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "abcdef", string(buf))
}

func TestFtruncate(t *testing.T) {
	s := New(t.TempDir())
	f, err := s.CreateOrOpen("x", false)
	require.NoError(t, err)
	defer f.Close()

	_, err = Pwrite(f, []byte("0123456789"), 0)
	require.NoError(t, err)
	require.NoError(t, Ftruncate(f, 4))

	info, err := f.Stat()
	require.NoError(t, err)
	require.Equal(t, int64(4), info.Size())
}

func TestUnlinkMissingIsNotAnError(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Unlink("never-existed"))
}

func TestHardlinkSharesBytes(t *testing.T) {
	s := New(t.TempDir())
	f, err := s.CreateOrOpen("sib", false)
	require.NoError(t, err)
	_, err = Pwrite(f, []byte("shared"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Hardlink("sib", "nested/alias"))
	require.True(t, s.Exists("nested/alias"))

	f2, err := s.CreateOrOpen("nested/alias", false)
	require.NoError(t, err)
	defer f2.Close()

	buf := make([]byte, 6)
	_, err = Pread(f2, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "shared", string(buf))
}

func TestRenameMovesShadowFile(t *testing.T) {
	s := New(t.TempDir())
	f, err := s.CreateOrOpen("old/name", false)
	require.NoError(t, err)
	_, err = Pwrite(f, []byte("data"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Rename("old/name", "new/name"))
	require.False(t, s.Exists("old/name"))
	require.True(t, s.Exists("new/name"))
}

func TestWithinBase(t *testing.T) {
	s := New(t.TempDir())
	require.True(t, s.WithinBase(s.ShadowPath("a/b")))
	require.False(t, s.WithinBase(filepath.Join(s.Base(), "..", "escaped")))
}

func TestRmdirIfEmptyRemovesOnlyWhenEmpty(t *testing.T) {
	s := New(t.TempDir())
	dir := s.ShadowPath("adir")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	s.RmdirIfEmpty("adir")
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644))
	s.RmdirIfEmpty("adir")
	_, err = os.Stat(dir)
	require.NoError(t, err)
}
