package adapter

import (
	"os"
	"time"

	"github.com/agentic-research/kubefs/internal/graph"
)

// The mount is read-only. Every mutating request is refused without
// touching the tree.

func (a *Adapter) Create(parent graph.Inode, name string, mode os.FileMode, flags int) error {
	return a.refuse("create")
}

func (a *Adapter) Mkdir(parent graph.Inode, name string, mode os.FileMode) error {
	return a.refuse("mkdir")
}

func (a *Adapter) Unlink(parent graph.Inode, name string) error {
	return a.refuse("unlink")
}

func (a *Adapter) Rmdir(parent graph.Inode, name string) error {
	return a.refuse("rmdir")
}

func (a *Adapter) Rename(oldParent graph.Inode, oldName string, newParent graph.Inode, newName string) error {
	return a.refuse("rename")
}

func (a *Adapter) Write(ino graph.Inode, offset int64, data []byte) (int, error) {
	return 0, a.refuse("write")
}

func (a *Adapter) Truncate(ino graph.Inode, size int64) error {
	return a.refuse("truncate")
}

// Setattr refuses mode, owner, size and time changes alike.
func (a *Adapter) Setattr(ino graph.Inode, attr Attr) error {
	return a.refuse("setattr")
}

func (a *Adapter) Link(ino, newParent graph.Inode, newName string) error {
	return a.refuse("link")
}

func (a *Adapter) Symlink(parent graph.Inode, name, target string) error {
	return a.refuse("symlink")
}

func (a *Adapter) refuse(op string) error {
	err := ErrReadOnly
	a.observe(op, time.Now(), &err)
	return err
}
