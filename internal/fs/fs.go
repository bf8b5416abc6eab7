// Package fs implements the Filesystem Facade: the fuseutil.FileSystem
// that the mount command serves. It resolves every path-bearing op against
// a mirrored inode table over the target directory, the same way
// jacobsa-fuse's samples/roloopbackfs does, but for data-bearing file ops
// it mediates through a File Data Cache handle instead of reading the
// target directly on every call.
package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/cachefs/cachefs/internal/blockstore"
	"github.com/cachefs/cachefs/internal/filecache"
	"github.com/cachefs/cachefs/internal/index"
	"github.com/cachefs/cachefs/internal/logger"

	"github.com/cachefs/cachefs/clock"
)

// fileHandle bundles the target file descriptor and the cache handle for
// one open file. The facade's fileHandles map keys it by the
// fuseops.HandleID the kernel was given.
type fileHandle struct {
	target *os.File
	cache  *filecache.Handle
	relPath string
}

// dirHandle is a snapshot of a directory's children taken at OpenDir time;
// jacobsa-fuse's roloopbackfs recomputes this on every ReadDir instead, but
// a snapshot avoids duplicate or missing entries across paginated reads
// when the directory changes mid-listing.
type dirHandle struct {
	entries []*fuseutil.Dirent
}

// Facade is the top-level fuseutil.FileSystem implementation.
type Facade struct {
	fuseutil.NotImplementedFileSystem

	targetRoot string
	index      *index.Index
	store      *blockstore.Store
	budget     int64
	clk        clock.Clock
	charset    index.Charset

	inodes *sync.Map // fuseops.InodeID -> *node

	mu          sync.Mutex
	nextHandle  fuseops.HandleID
	fileHandles map[fuseops.HandleID]*fileHandle
	dirHandles  map[fuseops.HandleID]*dirHandle
}

var _ fuseutil.FileSystem = (*Facade)(nil)

// Server wraps the facade as a fuse.Server ready to pass to fuse.Mount, the
// same way roloopbackfs.NewReadonlyLoopbackServer wraps its file system.
func (fs *Facade) Server() fuse.Server {
	return fuseutil.NewFileSystemServer(fs)
}

// New builds a Facade rooted at targetRoot, backed by the given Block Index
// and Block Store and bounded by budget bytes of cached data. charset gates
// which path bytes the Filesystem Facade will admit into the index; see
// index.DecodePath.
func New(targetRoot string, ix *index.Index, store *blockstore.Store, budget int64, clk clock.Clock, charset index.Charset) (*Facade, error) {
	if _, err := os.Stat(targetRoot); err != nil {
		return nil, err
	}

	inodes := &sync.Map{}
	inodes.Store(fuseops.RootInodeID, &node{id: fuseops.RootInodeID, relPath: ""})

	return &Facade{
		targetRoot:  targetRoot,
		index:       ix,
		store:       store,
		budget:      budget,
		clk:         clk,
		charset:     charset,
		inodes:      inodes,
		fileHandles: make(map[fuseops.HandleID]*fileHandle),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
	}, nil
}

func (fs *Facade) lookupNode(id fuseops.InodeID) (*node, bool) {
	v, ok := fs.inodes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*node), true
}

func (fs *Facade) nodeRelPath(n *node) string {
	return filepath.ToSlash(n.relPath)
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *Facade) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *Facade) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	child, err := getOrCreateInode(fs.inodes, fs.targetRoot, op.Parent, op.Name)
	if err != nil {
		logger.Errorf("fs: LookUpInode %s/%s: %v", op.Parent, op.Name, err)
		return fuse.EIO
	}
	if child == nil {
		return fuse.ENOENT
	}

	attrs, err := child.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = child.id
	op.Entry.Attributes = attrs
	return nil
}

func (fs *Facade) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attrs, err := n.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

// SetInodeAttributes covers chmod(2), utimens(2) and ftruncate(2), per the
// single flat op jacobsa-fuse funnels these through. Ownership changes are
// not applied to the target.
// Truncation is propagated to the File Data Cache so cached blocks beyond
// the new length are dropped along with the target's own bytes.
func (fs *Facade) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target := n.targetPath(fs.targetRoot)

	if op.Mode != nil {
		if err := os.Chmod(target, *op.Mode); err != nil {
			return err
		}
	}
	if op.Size != nil {
		if err := os.Truncate(target, int64(*op.Size)); err != nil {
			return err
		}
		fs.mu.Lock()
		for _, h := range fs.fileHandles {
			if h.relPath == n.relPath && h.cache != nil {
				if err := h.cache.Truncate(int64(*op.Size)); err != nil {
					logger.Warnf("fs: cache truncate for %s: %v", n.relPath, err)
				}
			}
		}
		fs.mu.Unlock()
	}
	if op.Atime != nil || op.Mtime != nil {
		var atime, mtime time.Time
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if op.Atime == nil {
			atime = mtime
		}
		if op.Mtime == nil {
			mtime = atime
		}
		_ = os.Chtimes(target, atime, mtime)
	}

	attrs, err := n.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Attributes = attrs
	return nil
}

func (fs *Facade) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.inodes.Delete(op.ID)
	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode creation and destruction
////////////////////////////////////////////////////////////////////////

func (fs *Facade) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	relPath := joinRel(parent.relPath, op.Name)
	if err := os.Mkdir(filepath.Join(fs.targetRoot, filepath.FromSlash(relPath)), op.Mode); err != nil {
		if os.IsExist(err) {
			return syscall.EEXIST
		}
		return err
	}

	child, err := getOrCreateInode(fs.inodes, fs.targetRoot, op.Parent, op.Name)
	if err != nil || child == nil {
		return fuse.EIO
	}
	attrs, err := child.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = child.id
	op.Entry.Attributes = attrs
	return nil
}

func (fs *Facade) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	relPath := joinRel(parent.relPath, op.Name)
	target := filepath.Join(fs.targetRoot, filepath.FromSlash(relPath))

	f, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_EXCL, op.Mode)
	if err != nil {
		if os.IsExist(err) {
			return syscall.EEXIST
		}
		return err
	}
	f.Close()

	child, err := getOrCreateInode(fs.inodes, fs.targetRoot, op.Parent, op.Name)
	if err != nil || child == nil {
		return fuse.EIO
	}
	attrs, err := child.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = child.id
	op.Entry.Attributes = attrs

	h, err := fs.openCacheBacked(child, true)
	if err != nil {
		return fuse.EIO
	}
	fs.mu.Lock()
	op.Handle = fs.allocHandleLocked()
	fs.fileHandles[op.Handle] = h
	fs.mu.Unlock()
	return nil
}

func (fs *Facade) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	relPath := joinRel(parent.relPath, op.Name)
	target := filepath.Join(fs.targetRoot, filepath.FromSlash(relPath))
	if err := os.Symlink(op.Target, target); err != nil {
		if os.IsExist(err) {
			return syscall.EEXIST
		}
		return err
	}

	child, err := getOrCreateInode(fs.inodes, fs.targetRoot, op.Parent, op.Name)
	if err != nil || child == nil {
		return fuse.EIO
	}
	attrs, err := child.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = child.id
	op.Entry.Attributes = attrs
	return nil
}

func (fs *Facade) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := os.Readlink(n.targetPath(fs.targetRoot))
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}

func (fs *Facade) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	existing, ok := fs.lookupNode(op.Target)
	if !ok {
		return fuse.ENOENT
	}

	relPath := joinRel(parent.relPath, op.Name)
	newTarget := filepath.Join(fs.targetRoot, filepath.FromSlash(relPath))
	if err := os.Link(existing.targetPath(fs.targetRoot), newTarget); err != nil {
		return err
	}

	linked := &node{id: existing.id, relPath: relPath}
	fs.inodes.Store(linked.id, linked)
	attrs, err := linked.attributes(fs.targetRoot)
	if err != nil {
		return fuse.EIO
	}
	op.Entry.Child = linked.id
	op.Entry.Attributes = attrs
	return nil
}

func (fs *Facade) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	relPath := joinRel(parent.relPath, op.Name)
	if err := os.Remove(filepath.Join(fs.targetRoot, filepath.FromSlash(relPath))); err != nil {
		if os.IsNotExist(err) {
			return fuse.ENOENT
		}
		return err
	}
	// The shadow directory mirrors the target tree only incidentally
	// (through shadow file paths); remove it if emptied too.
	fs.store.RmdirIfEmpty(relPath)
	return nil
}

func (fs *Facade) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	relPath := joinRel(parent.relPath, op.Name)

	if err := os.Remove(filepath.Join(fs.targetRoot, filepath.FromSlash(relPath))); err != nil {
		if os.IsNotExist(err) {
			return fuse.ENOENT
		}
		return err
	}

	// A cache entry might not exist for this path (it may never have been
	// opened through this facade); that is not an error, per the preserved
	// open question that unlink/rename/truncate must no-op silently when
	// there is no File Data Cache state for the path.
	nodeID, err := fs.index.LookupNodeByPath(relPath)
	if err == index.ErrNotFound {
		return nil
	}
	if err != nil {
		logger.Warnf("fs: unlink index lookup for %s: %v", relPath, err)
		return nil
	}
	droppable, err := fs.index.DropPath(relPath)
	if err != nil {
		logger.Warnf("fs: unlink index drop for %s: %v", relPath, err)
		return nil
	}
	if err := fs.store.Unlink(relPath); err != nil {
		logger.Warnf("fs: unlink shadow file for %s: %v", relPath, err)
	}
	if droppable {
		if err := fs.index.DropNode(nodeID); err != nil {
			logger.Warnf("fs: unlink drop node %d: %v", nodeID, err)
		}
	}
	return nil
}

func (fs *Facade) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, ok := fs.lookupNode(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newParent, ok := fs.lookupNode(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	oldRel := joinRel(oldParent.relPath, op.OldName)
	newRel := joinRel(newParent.relPath, op.NewName)

	if err := os.Rename(
		filepath.Join(fs.targetRoot, filepath.FromSlash(oldRel)),
		filepath.Join(fs.targetRoot, filepath.FromSlash(newRel)),
	); err != nil {
		return err
	}

	if err := fs.index.RenamePath(oldRel, newRel); err != nil && err != index.ErrNotFound {
		logger.Warnf("fs: rename index update %s -> %s: %v", oldRel, newRel, err)
		return nil
	}
	if err := fs.store.Rename(oldRel, newRel); err != nil {
		logger.Debugf("fs: rename shadow file %s -> %s: %v", oldRel, newRel, err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *Facade) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	entries, err := listChildren(fs.inodes, fs.targetRoot, n)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	op.Handle = fs.allocHandleLocked()
	fs.dirHandles[op.Handle] = &dirHandle{entries: entries}
	fs.mu.Unlock()
	return nil
}

func (fs *Facade) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	dh, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	if op.Offset > fuseops.DirOffset(len(dh.entries)) {
		return nil
	}
	for _, dirent := range dh.entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], *dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *Facade) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	return nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// openCacheBacked constructs the File Data Cache handle for n, honoring
// the open semantics: the target inode number is already known (it is n's
// id), so the cache is told knownNode=true and binds directly rather than
// discovering the node by a path lookup.
func (fs *Facade) openCacheBacked(n *node, truncate bool) (*fileHandle, error) {
	target, err := os.OpenFile(n.targetPath(fs.targetRoot), os.O_RDWR, 0)
	if err != nil {
		// Some targets may be read-only from this process's perspective;
		// fall back to read-only so cache-miss reads still work.
		target, err = os.Open(n.targetPath(fs.targetRoot))
		if err != nil {
			return nil, err
		}
	}

	relPath := fs.nodeRelPath(n)
	cache, err := filecache.Open(fs.index, fs.store, fs.budget, fs.clk, relPath, uint64(n.id), true, truncate, fs.charset)
	if err != nil {
		target.Close()
		return nil, err
	}
	return &fileHandle{target: target, cache: cache, relPath: relPath}, nil
}

func (fs *Facade) allocHandleLocked() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

func (fs *Facade) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	n, ok := fs.lookupNode(op.Inode)
	if !ok {
		return fuse.ENOENT
	}

	h, err := fs.openCacheBacked(n, false)
	if err != nil {
		return fuse.EIO
	}

	fs.mu.Lock()
	op.Handle = fs.allocHandleLocked()
	fs.fileHandles[op.Handle] = h
	fs.mu.Unlock()
	return nil
}

// ReadFile tries the File Data Cache first; on a miss it reads the target
// directly, probes one byte past the requested range to discover whether
// that range reaches EOF, and folds the bytes read back into the cache via
// Update. A full cache is not a read failure: the read is served from the
// target regardless and simply isn't retained.
func (fs *Facade) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	buf := make([]byte, op.Size)
	n, err := h.cache.Read(buf, op.Offset)
	if err == nil {
		op.Data = buf[:n]
		return nil
	}
	if err != filecache.ErrCacheMiss {
		logger.Warnf("fs: cache read fault for %s: %v", h.relPath, err)
	}

	probe := make([]byte, op.Size+1)
	read, rerr := blockstore.Pread(h.target, probe, op.Offset)
	if rerr != nil && rerr != io.EOF {
		return rerr
	}

	lastBytes := read <= op.Size
	served := read
	if served > op.Size {
		served = op.Size
	}
	op.Data = probe[:served]

	if uerr := h.cache.Update(probe[:served], op.Offset, lastBytes); uerr != nil && uerr != filecache.ErrCacheFull {
		logger.Warnf("fs: cache update after miss for %s: %v", h.relPath, uerr)
	}
	return nil
}

// WriteFile writes through to the target, then folds the write into the
// cache, computing last_bytes from the target's authoritative new size.
// ErrCacheFull is swallowed: the write to the target already succeeded.
func (fs *Facade) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		return fuse.EIO
	}

	if _, err := blockstore.Pwrite(h.target, op.Data, op.Offset); err != nil {
		return err
	}

	fi, err := h.target.Stat()
	if err != nil {
		return err
	}
	lastBytes := op.Offset+int64(len(op.Data)) == fi.Size()

	if uerr := h.cache.Update(op.Data, op.Offset, lastBytes); uerr != nil && uerr != filecache.ErrCacheFull {
		logger.Warnf("fs: cache update after write for %s: %v", h.relPath, uerr)
	}
	return nil
}

// SyncFile and FlushFile both pass fsync(2) through to the target file; the
// cache's own shadow file is never the durability boundary users observe.
func (fs *Facade) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return fs.flushHandle(op.Handle)
}

func (fs *Facade) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.flushHandle(op.Handle)
}

func (fs *Facade) flushHandle(handle fuseops.HandleID) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[handle]
	fs.mu.Unlock()
	if !ok {
		return nil
	}
	return h.target.Sync()
}

func (fs *Facade) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	if err := h.cache.Close(); err != nil {
		logger.Warnf("fs: closing cache handle for %s: %v", h.relPath, err)
	}
	return h.target.Close()
}

func (fs *Facade) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	return fuse.ENOSYS
}

func (fs *Facade) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	return fuse.ENOSYS
}

func joinRel(parentRel, name string) string {
	if parentRel == "" {
		return name
	}
	return filepath.ToSlash(filepath.Join(parentRel, name))
}
