package fs

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

var (
	procUID = uint32(os.Getuid())
	procGID = uint32(os.Getgid())
)

// node is one entry in the facade's inode table: a target inode number
// bound to the mount-relative path that currently names it, grounded on
// jacobsa-fuse's samples/roloopbackfs inodeEntry.
type node struct {
	id      fuseops.InodeID
	relPath string // "" for the root
}

func (n *node) targetPath(targetRoot string) string {
	if n.relPath == "" {
		return targetRoot
	}
	return filepath.Join(targetRoot, filepath.FromSlash(n.relPath))
}

func (n *node) attributes(targetRoot string) (fuseops.InodeAttributes, error) {
	fi, err := os.Lstat(n.targetPath(targetRoot))
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	nlink := uint32(1)
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		nlink = uint32(st.Nlink)
	}
	return fuseops.InodeAttributes{
		Size:  uint64(fi.Size()),
		Nlink: nlink,
		Mode:  fi.Mode(),
		Mtime: fi.ModTime(),
		Uid:   procUID,
		Gid:   procGID,
	}, nil
}

// getOrCreateInode resolves parentID/name to a node, assigning the node's
// id from the target's real inode number so that hard-linked paths map to
// the same id, the same way roloopbackfs does.
func getOrCreateInode(inodes *sync.Map, targetRoot string, parentID fuseops.InodeID, name string) (*node, error) {
	parentVal, found := inodes.Load(parentID)
	if !found {
		return nil, nil
	}
	parent := parentVal.(*node)

	relPath := name
	if parent.relPath != "" {
		relPath = filepath.ToSlash(filepath.Join(parent.relPath, name))
	}

	absPath := filepath.Join(targetRoot, filepath.FromSlash(relPath))
	fi, err := os.Lstat(absPath)
	if err != nil {
		return nil, nil
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, nil
	}

	entry := &node{id: fuseops.InodeID(st.Ino), relPath: relPath}
	stored, _ := inodes.LoadOrStore(entry.id, entry)
	return stored.(*node), nil
}

func listChildren(inodes *sync.Map, targetRoot string, n *node) ([]*fuseutil.Dirent, error) {
	entries, err := os.ReadDir(n.targetPath(targetRoot))
	if err != nil {
		return nil, err
	}

	dirents := make([]*fuseutil.Dirent, 0, len(entries))
	for i, child := range entries {
		childNode, err := getOrCreateInode(inodes, targetRoot, n.id, child.Name())
		if err != nil || childNode == nil {
			continue
		}

		var t fuseutil.DirentType
		switch {
		case child.IsDir():
			t = fuseutil.DT_Directory
		case child.Type()&os.ModeSymlink != 0:
			t = fuseutil.DT_Link
		default:
			t = fuseutil.DT_File
		}

		dirents = append(dirents, &fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  childNode.id,
			Name:   child.Name(),
			Type:   t,
		})
	}
	return dirents, nil
}
