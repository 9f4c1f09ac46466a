// Package nfsmount provides an NFS-based mount backend for kubefs.
// It adapts adapter.Adapter to billy.Filesystem for use with
// willscott/go-nfs, as an alternative to the FUSE mount layer.
package nfsmount

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	nfsfile "github.com/willscott/go-nfs/file"
	"golang.org/x/sys/unix"

	"github.com/agentic-research/kubefs/internal/adapter"
	"github.com/agentic-research/kubefs/internal/graph"
)

var errReadOnly = adapter.ErrReadOnly

// GraphFS adapts the projection to billy.Filesystem.
// This is the bridge between the inode adapter and go-nfs. It is read-only.
type GraphFS struct {
	adapter *adapter.Adapter
}

// NewGraphFS creates a billy.Filesystem backed by an adapter.
func NewGraphFS(a *adapter.Adapter) *GraphFS {
	return &GraphFS{adapter: a}
}

// --- billy.Basic ---

func (fs *GraphFS) Create(filename string) (billy.File, error) {
	parent, name := fs.parentAndName(cleanPath(filename))
	return nil, fs.adapter.Create(parent, name, 0o644, os.O_CREATE|os.O_WRONLY)
}

func (fs *GraphFS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

func (fs *GraphFS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	filename = cleanPath(filename)

	attr, err := fs.adapter.LookupPath(filename)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	if err := fs.adapter.Open(attr.Ino, flag); err != nil {
		if errors.Is(err, adapter.ErrReadOnly) {
			return nil, errReadOnly
		}
		return nil, pathError("open", filename, err)
	}

	return &graphFile{
		name:    filename,
		ino:     attr.Ino,
		size:    int64(attr.Size),
		adapter: fs.adapter,
	}, nil
}

func (fs *GraphFS) Stat(filename string) (os.FileInfo, error) {
	return fs.Lstat(filename)
}

func (fs *GraphFS) Rename(oldpath, newpath string) error {
	op, on := fs.parentAndName(cleanPath(oldpath))
	np, nn := fs.parentAndName(cleanPath(newpath))
	return fs.adapter.Rename(op, on, np, nn)
}

func (fs *GraphFS) Remove(filename string) error {
	filename = cleanPath(filename)
	parent, name := fs.parentAndName(filename)
	if attr, err := fs.adapter.LookupPath(filename); err == nil && attr.IsDir() {
		return fs.adapter.Rmdir(parent, name)
	}
	return fs.adapter.Unlink(parent, name)
}

func (fs *GraphFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}

// --- billy.TempFile ---

func (fs *GraphFS) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

// --- billy.Dir ---

// ReadDir lists the children of a directory. "." and ".." are left to
// the NFS layer.
func (fs *GraphFS) ReadDir(path string) ([]os.FileInfo, error) {
	path = cleanPath(path)

	attr, err := fs.adapter.LookupPath(path)
	if err != nil {
		return nil, pathError("readdir", path, err)
	}
	entries, err := fs.adapter.Readdir(attr.Ino, 2)
	if err != nil {
		return nil, pathError("readdir", path, err)
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		child, err := fs.adapter.Getattr(e.Ino)
		if err != nil {
			continue
		}
		infos = append(infos, toFileInfo(e.Name, child))
	}
	return infos, nil
}

func (fs *GraphFS) MkdirAll(filename string, perm os.FileMode) error {
	parent, name := fs.parentAndName(cleanPath(filename))
	return fs.adapter.Mkdir(parent, name, perm)
}

// --- billy.Symlink ---

func (fs *GraphFS) Lstat(filename string) (os.FileInfo, error) {
	filename = cleanPath(filename)

	attr, err := fs.adapter.LookupPath(filename)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return toFileInfo(filepath.Base(filename), attr), nil
}

func (fs *GraphFS) Symlink(target, link string) error {
	parent, name := fs.parentAndName(cleanPath(link))
	return fs.adapter.Symlink(parent, name, target)
}

func (fs *GraphFS) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

// --- billy.Change ---

func (fs *GraphFS) Chmod(name string, mode os.FileMode) error {
	return fs.setattr(name, adapter.Attr{Mode: mode})
}

func (fs *GraphFS) Lchown(name string, uid, gid int) error {
	return fs.setattr(name, adapter.Attr{Uid: uint32(uid), Gid: uint32(gid)})
}

func (fs *GraphFS) Chown(name string, uid, gid int) error {
	return fs.setattr(name, adapter.Attr{Uid: uint32(uid), Gid: uint32(gid)})
}

func (fs *GraphFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return fs.setattr(name, adapter.Attr{Time: mtime})
}

func (fs *GraphFS) setattr(name string, attr adapter.Attr) error {
	target, err := fs.adapter.LookupPath(cleanPath(name))
	if err != nil {
		return pathError("setattr", name, err)
	}
	return fs.adapter.Setattr(target.Ino, attr)
}

// --- billy.Chroot ---

func (fs *GraphFS) Chroot(path string) (billy.Filesystem, error) {
	return chroot.New(fs, path), nil
}

func (fs *GraphFS) Root() string {
	return "/"
}

// --- billy.Capable ---

func (fs *GraphFS) Capabilities() billy.Capability {
	return billy.ReadCapability | billy.SeekCapability
}

// --- internals ---

// parentAndName resolves the parent directory of path. The parent inode is
// zero when it does not exist.
func (fs *GraphFS) parentAndName(path string) (graph.Inode, string) {
	parent, err := fs.adapter.LookupPath(filepath.Dir(path))
	if err != nil {
		return 0, filepath.Base(path)
	}
	return parent.Ino, filepath.Base(path)
}

// cleanPath normalizes a billy path to a clean absolute path.
func cleanPath(path string) string {
	path = filepath.Clean("/" + path)
	if path == "." {
		return "/"
	}
	return path
}

// pathError wraps adapter errors the way os does, so go-nfs maps them to
// the right NFS status.
func pathError(op, path string, err error) error {
	switch adapter.Errno(err) {
	case unix.ENOENT, unix.ESTALE:
		return &os.PathError{Op: op, Path: path, Err: os.ErrNotExist}
	default:
		return &os.PathError{Op: op, Path: path, Err: err}
	}
}

func toFileInfo(name string, attr adapter.Attr) os.FileInfo {
	return &staticFileInfo{
		name:    name,
		size:    int64(attr.Size),
		mode:    attr.Mode,
		modTime: attr.Time,
		sys: &nfsfile.FileInfo{
			Nlink:  attr.Nlink,
			UID:    attr.Uid,
			GID:    attr.Gid,
			Fileid: uint64(attr.Ino),
		},
	}
}

// staticFileInfo implements os.FileInfo with static values.
type staticFileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	sys     *nfsfile.FileInfo
}

func (fi *staticFileInfo) Name() string       { return fi.name }
func (fi *staticFileInfo) Size() int64        { return fi.size }
func (fi *staticFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *staticFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *staticFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *staticFileInfo) Sys() interface{}   { return fi.sys }

// Compile-time interface checks.
var (
	_ billy.Filesystem = (*GraphFS)(nil)
	_ billy.Capable    = (*GraphFS)(nil)
	_ billy.Change     = (*GraphFS)(nil)
	_ billy.File       = (*graphFile)(nil)
)
