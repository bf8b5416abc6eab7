// Package filecache implements the File Data Cache: a per-open handle
// bound to one (node_id, path) that mediates reads and writes against the
// Block Store and Block Index, enforces the global size budget by LRU
// eviction, and establishes hard links between cache files that share a
// node. This is the component where correctness lives; every exported
// method here corresponds to exactly one spec'd operation and nothing more.
package filecache

import (
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/cachefs/cachefs/clock"
	"github.com/cachefs/cachefs/internal/blockstore"
	"github.com/cachefs/cachefs/internal/index"
	"github.com/cachefs/cachefs/internal/logger"
)

type state int

const (
	stateOpening state = iota
	stateOpen
	stateClosed
)

// Handle is a per-open File Data Cache object.
type Handle struct {
	ix     *index.Index
	store  *blockstore.Store
	budget int64
	clk    clock.Clock

	path   string
	nodeID uint64
	file   *os.File

	state state
	hits  int64
	misses int64
}

// Open constructs a Handle for relPath. nodeID is the target inode number
// if the caller already knows it (supplied at open time by the facade);
// pass 0 with knownNode=false when it must be discovered by path lookup.
// relPath is validated against charset before it is ever used as a Block
// Index key; bytes that don't decode cleanly fail the open.
func Open(ix *index.Index, store *blockstore.Store, budget int64, clk clock.Clock, relPath string, nodeID uint64, knownNode bool, truncate bool, charset index.Charset) (*Handle, error) {
	if _, err := index.DecodePath([]byte(relPath), charset); err != nil {
		return nil, indexErr("open.charset", err)
	}

	h := &Handle{
		ix:     ix,
		store:  store,
		budget: budget,
		clk:    clk,
		path:   relPath,
		state:  stateOpening,
	}

	alreadyExisted := store.Exists(relPath)

	if knownNode {
		h.nodeID = nodeID
		others, err := ix.BindOpen(nodeID, relPath, h.clk.Now())
		if err != nil {
			return nil, indexErr("open.bind", err)
		}
		if !alreadyExisted {
			if err := h.linkFromSibling(others); err != nil {
				return nil, err
			}
		}
	} else {
		found, err := ix.LookupNodeByPath(relPath)
		if err != nil {
			if err == index.ErrNotFound {
				h.state = stateClosed
				return nil, ErrCacheMiss
			}
			return nil, indexErr("open.lookup", err)
		}
		h.nodeID = found
		if _, err := ix.BindOpen(found, relPath, h.clk.Now()); err != nil {
			return nil, indexErr("open.bind", err)
		}
	}

	f, err := store.CreateOrOpen(relPath, truncate)
	if err != nil {
		return nil, shadowErr("open", err)
	}
	h.file = f

	h.state = stateOpen
	return h, nil
}

// linkFromSibling materializes our shadow file by hard-linking from a
// sibling path's shadow file, if one exists and ours doesn't yet. Link
// errors from a benign race (the destination now exists) are logged and
// swallowed; anything else is fatal to the open.
func (h *Handle) linkFromSibling(siblingPaths []string) error {
	for _, sibling := range siblingPaths {
		if sibling == h.path || !h.store.Exists(sibling) {
			continue
		}
		if err := h.store.Hardlink(sibling, h.path); err != nil {
			if errors.Is(err, os.ErrExist) {
				logger.Debugf("filecache: benign race hard-linking %s from %s: %v", h.path, sibling, err)
				continue
			}
			return shadowErr("open.link", err)
		}
		return nil
	}
	return nil
}

// Read serves [offset, offset+size) from the shadow file if the Block
// Index reports it is covered; otherwise it signals ErrCacheMiss.
func (h *Handle) Read(buf []byte, offset int64) (int, error) {
	size := int64(len(buf))
	blk, ok, err := h.ix.OverlappingBlock(h.nodeID, offset)
	if err != nil {
		return 0, indexErr("read", err)
	}
	if !ok || (blk.End < offset+size && !blk.LastBlock) {
		h.misses += size
		return 0, ErrCacheMiss
	}

	n, err := blockstore.Pread(h.file, buf, offset)
	if err != nil && err != io.EOF {
		return n, shadowErr("read", err)
	}
	h.hits += int64(n)
	return n, nil
}

// Update admits buf at offset into the cache: enforces the budget via
// admit, writes the bytes to the shadow file, then folds the new extent
// into the Block Index. lastBytes asserts offset+len(buf) is the node's
// authoritative EOF.
func (h *Handle) Update(buf []byte, offset int64, lastBytes bool) error {
	if err := h.admit(int64(len(buf))); err != nil {
		return err
	}

	if _, err := blockstore.Pwrite(h.file, buf, offset); err != nil {
		return shadowErr("update", err)
	}

	if err := h.ix.MergeAndInsert(h.nodeID, offset, offset+int64(len(buf)), lastBytes); err != nil {
		return indexErr("update", err)
	}
	return nil
}

// admit enforces the size budget ahead of a write of `need` bytes,
// evicting other nodes in ascending last_use order until enough room is
// freed. Per the preserved open question in the design notes, the calling
// node itself is never chosen as a victim, so a single file larger than
// the budget can never free space by evicting its own stale blocks.
func (h *Handle) admit(need int64) error {
	total, err := h.ix.TotalBytes()
	if err != nil {
		return indexErr("admit", err)
	}
	if total+need <= h.budget {
		return nil
	}

	victims, err := h.ix.LRUVictimsExcluding(h.nodeID)
	if err != nil {
		return indexErr("admit", err)
	}

	var freed int64
	var chosen []index.NodeUsage
	for _, v := range victims {
		if total-freed+need <= h.budget {
			break
		}
		chosen = append(chosen, v)
		freed += v.Size
	}
	if total-freed+need > h.budget {
		return ErrCacheFull
	}

	for _, v := range chosen {
		if err := h.evict(v.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// evict removes every shadow file and index row belonging to nodeID. It
// is called only from admit, which never names the currently open node.
func (h *Handle) evict(nodeID uint64) error {
	paths, err := h.ix.PathsOf(nodeID)
	if err != nil {
		return indexErr("evict", err)
	}
	for _, p := range paths {
		shadowPath := h.store.ShadowPath(p)
		if !h.store.WithinBase(shadowPath) {
			logger.Warnf("filecache: refusing to remove shadow path outside cache base: %s", shadowPath)
			continue
		}
		if err := h.store.Unlink(p); err != nil {
			logger.Warnf("filecache: failed to remove shadow file for eviction victim %s: %v", p, err)
		}
	}
	if err := h.ix.DropNode(nodeID); err != nil {
		return indexErr("evict", err)
	}
	return nil
}

// Truncate shrinks both the shadow file and the node's block records to
// length. A shadow-file truncation failure is reported but the index is
// still adjusted; the cache discovers the inconsistency as a miss on next
// read.
func (h *Handle) Truncate(length int64) error {
	var shadowErrResult error
	if err := blockstore.Ftruncate(h.file, length); err != nil {
		shadowErrResult = shadowErr("truncate", err)
	}
	if err := h.ix.TruncateNode(h.nodeID, length); err != nil {
		return indexErr("truncate", err)
	}
	return shadowErrResult
}

// Unlink removes the shadow file and drops this path's row; if no paths
// remain for the node afterward, its blocks and node row are dropped too.
func (h *Handle) Unlink() error {
	if err := h.store.Unlink(h.path); err != nil {
		return shadowErr("unlink", err)
	}
	droppable, err := h.ix.DropPath(h.path)
	if err != nil {
		return indexErr("unlink", err)
	}
	if droppable {
		if err := h.ix.DropNode(h.nodeID); err != nil {
			return indexErr("unlink", err)
		}
	}
	return nil
}

// Rename rebinds the path row to newPath and moves the shadow file.
func (h *Handle) Rename(newPath string) error {
	if err := h.ix.RenamePath(h.path, newPath); err != nil {
		return indexErr("rename", err)
	}
	if err := h.store.Rename(h.path, newPath); err != nil {
		return shadowErr("rename", err)
	}
	h.path = newPath
	return nil
}

// Close releases the shadow file descriptor and logs a hit/miss report.
func (h *Handle) Close() error {
	if h.state == stateClosed {
		return nil
	}
	h.state = stateClosed
	logger.Debugf("filecache: closing %s: hits=%d misses=%d", h.path, h.hits, h.misses)
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	if err != nil && !errorIsAlreadyClosed(err) {
		return shadowErr("close", err)
	}
	return nil
}

func errorIsAlreadyClosed(err error) bool {
	return err == os.ErrClosed || err == syscall.EBADF
}
