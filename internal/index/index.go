// Package index is the Block Index: a bbolt-backed relational store of
// nodes, paths, and the disjoint byte-range blocks each node has cached.
//
// Bucket layout, grounded on the bucket-per-relation, big-endian
// composite-key idiom rclone's backend/cache/storage_persistent.go uses
// over the same database:
//
//	nodes:      key = itob(node_id)                      value = json(nodeRecord)
//	paths:      key = path string                         value = json(pathRecord)
//	node_paths: key = itob(node_id) || 0x00 || path        value = nil
//	blocks:     key = itob(node_id) || itob(offset)        value = json(blockRecord)
//	lru:        key = itob(last_use) || itob(node_id)      value = nil
package index

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketNodes     = "nodes"
	bucketPaths     = "paths"
	bucketNodePaths = "node_paths"
	bucketBlocks    = "blocks"
	bucketLRU       = "lru"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("index: not found")

// Index is a handle on the Block Index store. Every exported method wraps
// exactly one bbolt transaction.
type Index struct {
	db *bolt.DB
}

type nodeRecord struct {
	LastUse int64
}

type pathRecord struct {
	NodeID uint64
}

type blockRecord struct {
	End       int64
	LastBlock bool
}

// Block is the (offset, end, last_block) triple returned by queries.
type Block struct {
	Offset    int64
	End       int64
	LastBlock bool
}

// NodeUsage is a (node_id, size, last_use) group as produced by
// lru_victims_excluding.
type NodeUsage struct {
	NodeID  uint64
	Size    int64
	LastUse int64
}

// OpenOrCreate initializes metadata.db under cacheDir, creating the schema
// if absent. Idempotent: opening an existing store is a no-op beyond
// ensuring the buckets exist.
//
// Durability favors throughput over crash safety per the design: the cache
// is reconstructible, so NoSync mirrors the original's
// PRAGMA synchronous=OFF / journal_mode=OFF.
func OpenOrCreate(cacheDir string) (*Index, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %q", cacheDir)
	}

	dbPath := filepath.Join(cacheDir, "metadata.db")
	db, err := bolt.Open(dbPath, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index store at %q", dbPath)
	}
	db.NoSync = true

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketNodes, bucketPaths, bucketNodePaths, bucketBlocks, bucketLRU} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize index schema")
	}

	return &Index{db: db}, nil
}

// Close releases the underlying database file.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// BindOpen upserts node with last_use = now and upserts path -> node_id.
// Returns the other paths already bound to node_id, i.e. the sibling paths
// that name the same cache identity.
func (ix *Index) BindOpen(nodeID uint64, path string, now time.Time) (otherPaths []string, err error) {
	err = ix.db.Update(func(tx *bolt.Tx) error {
		nodes := tx.Bucket([]byte(bucketNodes))
		paths := tx.Bucket([]byte(bucketPaths))
		nodePaths := tx.Bucket([]byte(bucketNodePaths))
		lru := tx.Bucket([]byte(bucketLRU))

		if err := removeLRUEntry(lru, nodeID); err != nil {
			return err
		}
		nowUnix := now.Unix()
		if err := putJSON(nodes, itobu(nodeID), nodeRecord{LastUse: nowUnix}); err != nil {
			return err
		}
		if err := lru.Put(lruKey(nowUnix, nodeID), nil); err != nil {
			return err
		}

		if err := putJSON(paths, []byte(path), pathRecord{NodeID: nodeID}); err != nil {
			return err
		}
		if err := nodePaths.Put(nodePathKey(nodeID, path), nil); err != nil {
			return err
		}

		prefix := itobu(nodeID)
		c := nodePaths.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			p := string(k[9:])
			if p != path {
				otherPaths = append(otherPaths, p)
			}
		}
		return nil
	})
	return otherPaths, err
}

// LookupNodeByPath returns the node_id bound to path, or ErrNotFound.
func (ix *Index) LookupNodeByPath(path string) (uint64, error) {
	var nodeID uint64
	err := ix.db.View(func(tx *bolt.Tx) error {
		paths := tx.Bucket([]byte(bucketPaths))
		v := paths.Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		var rec pathRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		nodeID = rec.NodeID
		return nil
	})
	return nodeID, err
}

// OverlappingBlock returns the unique block whose range contains offset,
// condition offset <= query < end. Disjointness guarantees at most one
// match.
func (ix *Index) OverlappingBlock(nodeID uint64, offset int64) (Block, bool, error) {
	var found Block
	var ok bool
	err := ix.db.View(func(tx *bolt.Tx) error {
		blocks := tx.Bucket([]byte(bucketBlocks))
		c := blocks.Cursor()
		prefix := itobu(nodeID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			blkOffset := btoi(k[8:])
			if blkOffset > offset {
				break
			}
			var rec blockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if blkOffset <= offset && offset < rec.End {
				found = Block{Offset: blkOffset, End: rec.End, LastBlock: rec.LastBlock}
				ok = true
				return nil
			}
		}
		return nil
	})
	return found, ok, err
}

// MergeAndInsert atomically folds [newOffset, newEnd) into the disjoint
// block set for nodeID: every block that touches or overlaps the new
// range is deleted, and one merged block spanning the union is inserted.
func (ix *Index) MergeAndInsert(nodeID uint64, newOffset, newEnd int64, lastBlock bool) error {
	if newEnd <= newOffset {
		return errors.Errorf("index: merge_and_insert requires end > offset, got [%d, %d)", newOffset, newEnd)
	}
	return ix.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket([]byte(bucketBlocks))
		minOffset, maxEnd := newOffset, newEnd

		var toDelete [][]byte
		c := blocks.Cursor()
		prefix := itobu(nodeID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			blkOffset := btoi(k[8:])
			var rec blockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			touches := blkOffset == newOffset ||
				(newOffset < blkOffset && blkOffset <= newEnd) ||
				(blkOffset < newOffset && newOffset <= rec.End)
			if !touches {
				continue
			}
			if blkOffset < minOffset {
				minOffset = blkOffset
			}
			if rec.End > maxEnd {
				maxEnd = rec.End
			}
			if rec.LastBlock {
				lastBlock = lastBlock || rec.LastBlock
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := blocks.Delete(k); err != nil {
				return err
			}
		}
		return putJSON(blocks, blockKey(nodeID, minOffset), blockRecord{End: maxEnd, LastBlock: lastBlock})
	})
}

// TotalBytes sums (end - offset) over every block of every node.
func (ix *Index) TotalBytes() (int64, error) {
	var total int64
	err := ix.db.View(func(tx *bolt.Tx) error {
		blocks := tx.Bucket([]byte(bucketBlocks))
		return blocks.ForEach(func(k, v []byte) error {
			var rec blockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			total += rec.End - btoi(k[8:])
			return nil
		})
	})
	return total, err
}

// PathsOf returns every path currently bound to nodeID, used by eviction
// to find every shadow file that must be removed for a dropped node.
func (ix *Index) PathsOf(nodeID uint64) ([]string, error) {
	var paths []string
	err := ix.db.View(func(tx *bolt.Tx) error {
		nodePaths := tx.Bucket([]byte(bucketNodePaths))
		prefix := itobu(nodeID)
		c := nodePaths.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			paths = append(paths, string(k[9:]))
		}
		return nil
	})
	return paths, err
}

// LRUVictimsExcluding returns (node_id, size, last_use) groups ordered by
// ascending last_use, excluding excludeNodeID.
func (ix *Index) LRUVictimsExcluding(excludeNodeID uint64) ([]NodeUsage, error) {
	var result []NodeUsage
	err := ix.db.View(func(tx *bolt.Tx) error {
		lru := tx.Bucket([]byte(bucketLRU))
		blocks := tx.Bucket([]byte(bucketBlocks))

		c := lru.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			lastUse := btoi(k[:8])
			nodeID := binary.BigEndian.Uint64(k[8:])
			if nodeID == excludeNodeID {
				continue
			}
			size, err := nodeSize(blocks, nodeID)
			if err != nil {
				return err
			}
			result = append(result, NodeUsage{NodeID: nodeID, Size: size, LastUse: lastUse})
		}
		return nil
	})
	return result, err
}

// TruncateNode deletes all blocks with offset >= length and clips any
// block with end > length down to end = length, dropping it entirely if
// that clip would leave it zero-width.
func (ix *Index) TruncateNode(nodeID uint64, length int64) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket([]byte(bucketBlocks))
		c := blocks.Cursor()
		prefix := itobu(nodeID)

		type update struct {
			key []byte
			rec blockRecord
		}
		var deletes [][]byte
		var updates []update

		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			blkOffset := btoi(k[8:])
			var rec blockRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			switch {
			case blkOffset >= length:
				keyCopy := append([]byte(nil), k...)
				deletes = append(deletes, keyCopy)
			case rec.End > length:
				if length <= blkOffset {
					keyCopy := append([]byte(nil), k...)
					deletes = append(deletes, keyCopy)
					continue
				}
				rec.End = length
				keyCopy := append([]byte(nil), k...)
				updates = append(updates, update{key: keyCopy, rec: rec})
			}
		}

		for _, k := range deletes {
			if err := blocks.Delete(k); err != nil {
				return err
			}
		}
		for _, u := range updates {
			if err := putJSON(blocks, u.key, u.rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// DropNode removes a node row, all its paths, and all its blocks.
func (ix *Index) DropNode(nodeID uint64) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		return dropNodeTx(tx, nodeID)
	})
}

func dropNodeTx(tx *bolt.Tx, nodeID uint64) error {
	nodes := tx.Bucket([]byte(bucketNodes))
	paths := tx.Bucket([]byte(bucketPaths))
	nodePaths := tx.Bucket([]byte(bucketNodePaths))
	blocks := tx.Bucket([]byte(bucketBlocks))
	lru := tx.Bucket([]byte(bucketLRU))

	prefix := itobu(nodeID)
	c := nodePaths.Cursor()
	var pathKeys [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		p := append([]byte(nil), k[9:]...)
		pathKeys = append(pathKeys, p)
	}
	for _, p := range pathKeys {
		if err := paths.Delete(p); err != nil {
			return err
		}
		if err := nodePaths.Delete(nodePathKey(nodeID, string(p))); err != nil {
			return err
		}
	}

	bc := blocks.Cursor()
	var blockKeys [][]byte
	for k, _ := bc.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = bc.Next() {
		blockKeys = append(blockKeys, append([]byte(nil), k...))
	}
	for _, k := range blockKeys {
		if err := blocks.Delete(k); err != nil {
			return err
		}
	}

	if err := removeLRUEntry(lru, nodeID); err != nil {
		return err
	}
	return nodes.Delete(itobu(nodeID))
}

// DropPath removes the path row and reports whether the node it named now
// has no remaining paths (and is therefore droppable).
func (ix *Index) DropPath(path string) (nodeDroppable bool, err error) {
	err = ix.db.Update(func(tx *bolt.Tx) error {
		paths := tx.Bucket([]byte(bucketPaths))
		nodePaths := tx.Bucket([]byte(bucketNodePaths))

		v := paths.Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		var rec pathRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if err := paths.Delete([]byte(path)); err != nil {
			return err
		}
		if err := nodePaths.Delete(nodePathKey(rec.NodeID, path)); err != nil {
			return err
		}

		prefix := itobu(rec.NodeID)
		c := nodePaths.Cursor()
		k, _ := c.Seek(prefix)
		nodeDroppable = !(k != nil && hasPrefix(k, prefix))
		return nil
	})
	return nodeDroppable, err
}

// RenamePath redirects the path row from oldPath to newPath, preserving
// the node_id binding.
func (ix *Index) RenamePath(oldPath, newPath string) error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		paths := tx.Bucket([]byte(bucketPaths))
		nodePaths := tx.Bucket([]byte(bucketNodePaths))

		v := paths.Get([]byte(oldPath))
		if v == nil {
			return ErrNotFound
		}
		var rec pathRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}

		if err := paths.Delete([]byte(oldPath)); err != nil {
			return err
		}
		if err := nodePaths.Delete(nodePathKey(rec.NodeID, oldPath)); err != nil {
			return err
		}
		if err := putJSON(paths, []byte(newPath), rec); err != nil {
			return err
		}
		return nodePaths.Put(nodePathKey(rec.NodeID, newPath), nil)
	})
}

func nodeSize(blocks *bolt.Bucket, nodeID uint64) (int64, error) {
	var size int64
	prefix := itobu(nodeID)
	c := blocks.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var rec blockRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return 0, err
		}
		size += rec.End - btoi(k[8:])
	}
	return size, nil
}

func removeLRUEntry(lru *bolt.Bucket, nodeID uint64) error {
	c := lru.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if binary.BigEndian.Uint64(k[8:]) == nodeID {
			return c.Delete()
		}
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

func blockKey(nodeID uint64, offset int64) []byte {
	k := make([]byte, 16)
	copy(k, itobu(nodeID))
	copy(k[8:], itob(offset))
	return k
}

func nodePathKey(nodeID uint64, path string) []byte {
	k := make([]byte, 9+len(path))
	copy(k, itobu(nodeID))
	k[8] = 0x00
	copy(k[9:], path)
	return k
}

func lruKey(lastUse int64, nodeID uint64) []byte {
	k := make([]byte, 16)
	copy(k, itob(lastUse))
	copy(k[8:], itobu(nodeID))
	return k
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// itob returns an 8-byte big-endian representation of v.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func itobu(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(d []byte) int64 {
	return int64(binary.BigEndian.Uint64(d))
}
