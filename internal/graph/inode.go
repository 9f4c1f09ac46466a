package graph

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// InodeTable is the append-only mapping between inode numbers and nodes.
// Numbers start at RootInode, grow by one per allocation and are never reused.
type InodeTable struct {
	mu    sync.RWMutex
	nodes []*Node            // nodes[ino-1]
	dirs  *roaring64.Bitmap // inode numbers of directories
}

func NewInodeTable() *InodeTable {
	return &InodeTable{dirs: roaring64.New()}
}

// Allocate numbers n. A node that already carries a number keeps it.
func (t *InodeTable) Allocate(n *Node) Inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.Ino != 0 {
		return n.Ino
	}
	t.nodes = append(t.nodes, n)
	n.Ino = Inode(len(t.nodes))
	if n.IsDir() {
		t.dirs.Add(uint64(n.Ino))
	}
	return n.Ino
}

// Node returns the node numbered ino, or ErrStaleInode.
func (t *InodeTable) Node(ino Inode) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if ino < RootInode || uint64(ino) > uint64(len(t.nodes)) {
		return nil, fmt.Errorf("inode %d: %w", ino, ErrStaleInode)
	}
	return t.nodes[ino-1], nil
}

// IsDir reports whether ino is an allocated directory.
func (t *InodeTable) IsDir(ino Inode) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirs.Contains(uint64(ino))
}

// Len returns the number of allocated inodes.
func (t *InodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Dirs returns the number of directory inodes.
func (t *InodeTable) Dirs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.dirs.GetCardinality())
}
