package fs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/winfsp/cgofuse/fuse"
	"golang.org/x/sys/unix"

	"github.com/agentic-research/kubefs/internal/adapter"
	"github.com/agentic-research/kubefs/internal/graph"
)

// noHandle is the file handle cgofuse passes when none was opened.
const noHandle = ^uint64(0)

// KubeFS implements the FUSE interface from cgofuse on top of an
// adapter.Adapter. File handles are inode numbers.
type KubeFS struct {
	fuse.FileSystemBase
	adapter *adapter.Adapter
	log     *slog.Logger
}

func NewKubeFS(a *adapter.Adapter, log *slog.Logger) *KubeFS {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &KubeFS{adapter: a, log: log}
}

// MountOptions returns the cgofuse options for a read-only kubefs mount.
func MountOptions(uid, gid uint32, allowOther bool) []string {
	ttl := adapter.TTL.Seconds()
	opts := []string{
		"-o", "ro",
		"-o", "fsname=kubefs",
		"-o", "use_ino",
		"-o", fmt.Sprintf("uid=%d", uid),
		"-o", fmt.Sprintf("gid=%d", gid),
		"-o", fmt.Sprintf("attr_timeout=%g", ttl),
		"-o", fmt.Sprintf("entry_timeout=%g", ttl),
	}
	if allowOther {
		opts = append(opts, "-o", "allow_other")
	}
	return opts
}

// NewHost wraps fsys in a cgofuse host. Mount on the returned host blocks
// until Unmount is called or the filesystem is unmounted externally.
func NewHost(fsys *KubeFS) *fuse.FileSystemHost {
	host := fuse.NewFileSystemHost(fsys)
	host.SetCapReaddirPlus(true)
	return host
}

// errno converts an adapter error into a negative cgofuse errno.
func errno(err error) int {
	switch adapter.Errno(err) {
	case 0:
		return 0
	case unix.ENOENT:
		return -fuse.ENOENT
	case unix.ENOTDIR:
		return -fuse.ENOTDIR
	case unix.EISDIR:
		return -fuse.EISDIR
	case unix.ESTALE:
		return -fuse.ESTALE
	case unix.EROFS:
		return -fuse.EROFS
	default:
		return -fuse.EIO
	}
}

// resolve maps a handle or, failing that, a path to an inode.
func (k *KubeFS) resolve(path string, fh uint64) (graph.Inode, error) {
	if fh != noHandle && fh != 0 {
		return graph.Inode(fh), nil
	}
	attr, err := k.adapter.LookupPath(path)
	if err != nil {
		return 0, err
	}
	return attr.Ino, nil
}

func (k *KubeFS) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	ino, err := k.resolve(path, fh)
	if err != nil {
		return errno(err)
	}
	attr, err := k.adapter.Getattr(ino)
	if err != nil {
		return errno(err)
	}
	fillStat(stat, attr)
	return 0
}

func (k *KubeFS) Open(path string, flags int) (int, uint64) {
	attr, err := k.adapter.LookupPath(path)
	if err != nil {
		return errno(err), noHandle
	}
	if err := k.adapter.Open(attr.Ino, flags); err != nil {
		return errno(err), noHandle
	}
	return 0, uint64(attr.Ino)
}

func (k *KubeFS) Opendir(path string) (int, uint64) {
	attr, err := k.adapter.LookupPath(path)
	if err != nil {
		return errno(err), noHandle
	}
	if err := k.adapter.Opendir(attr.Ino, os.O_RDONLY); err != nil {
		return errno(err), noHandle
	}
	return 0, uint64(attr.Ino)
}

// Readdir lists entries after ofst. Each entry carries its own offset so
// the kernel can resume a partial listing.
func (k *KubeFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	ino, err := k.resolve(path, fh)
	if err != nil {
		return errno(err)
	}
	entries, err := k.adapter.Readdir(ino, ofst)
	if err != nil {
		return errno(err)
	}
	for _, e := range entries {
		st := &fuse.Stat_t{Ino: uint64(e.Ino)}
		if e.Kind.IsDir() {
			st.Mode = fuse.S_IFDIR | uint32(adapter.DirPerm)
		} else {
			st.Mode = fuse.S_IFREG | uint32(adapter.FilePerm)
		}
		if !fill(e.Name, st, e.Offset) {
			break
		}
	}
	return 0
}

func (k *KubeFS) Read(path string, buff []byte, ofst int64, fh uint64) int {
	ino, err := k.resolve(path, fh)
	if err != nil {
		return errno(err)
	}
	data, err := k.adapter.Read(ino, ofst, len(buff))
	if err != nil {
		return errno(err)
	}
	return copy(buff, data)
}

func (k *KubeFS) Release(path string, fh uint64) int    { return 0 }
func (k *KubeFS) Releasedir(path string, fh uint64) int { return 0 }

func (k *KubeFS) Statfs(path string, stat *fuse.Statfs_t) int {
	tree := k.adapter.Tree()
	stat.Bsize = adapter.BlockSize
	stat.Frsize = adapter.BlockSize
	stat.Files = uint64(tree.Len())
	stat.Namemax = 255
	return 0
}

// Destroy runs on unmount.
func (k *KubeFS) Destroy() {
	if err := k.adapter.Close(); err != nil {
		k.log.Warn("closing adapter", "err", err)
	}
	k.log.Info("filesystem unmounted")
}

// --- mutations: the mount is read-only ---

func (k *KubeFS) parentAndName(path string) (graph.Inode, string) {
	parent, _ := k.resolve(filepath.Dir(path), noHandle)
	return parent, filepath.Base(path)
}

func (k *KubeFS) Mknod(path string, mode uint32, dev uint64) int {
	parent, name := k.parentAndName(path)
	return errno(k.adapter.Create(parent, name, os.FileMode(mode), 0))
}

func (k *KubeFS) Create(path string, flags int, mode uint32) (int, uint64) {
	parent, name := k.parentAndName(path)
	return errno(k.adapter.Create(parent, name, os.FileMode(mode), flags)), noHandle
}

func (k *KubeFS) Mkdir(path string, mode uint32) int {
	parent, name := k.parentAndName(path)
	return errno(k.adapter.Mkdir(parent, name, os.FileMode(mode)))
}

func (k *KubeFS) Unlink(path string) int {
	parent, name := k.parentAndName(path)
	return errno(k.adapter.Unlink(parent, name))
}

func (k *KubeFS) Rmdir(path string) int {
	parent, name := k.parentAndName(path)
	return errno(k.adapter.Rmdir(parent, name))
}

func (k *KubeFS) Rename(oldpath string, newpath string) int {
	op, on := k.parentAndName(oldpath)
	np, nn := k.parentAndName(newpath)
	return errno(k.adapter.Rename(op, on, np, nn))
}

func (k *KubeFS) Link(oldpath string, newpath string) int {
	ino, _ := k.resolve(oldpath, noHandle)
	np, nn := k.parentAndName(newpath)
	return errno(k.adapter.Link(ino, np, nn))
}

func (k *KubeFS) Symlink(target string, newpath string) int {
	parent, name := k.parentAndName(newpath)
	return errno(k.adapter.Symlink(parent, name, target))
}

func (k *KubeFS) Write(path string, buff []byte, ofst int64, fh uint64) int {
	ino, _ := k.resolve(path, fh)
	_, err := k.adapter.Write(ino, ofst, buff)
	return errno(err)
}

func (k *KubeFS) Truncate(path string, size int64, fh uint64) int {
	ino, _ := k.resolve(path, fh)
	return errno(k.adapter.Truncate(ino, size))
}

func (k *KubeFS) Chmod(path string, mode uint32) int {
	ino, _ := k.resolve(path, noHandle)
	return errno(k.adapter.Setattr(ino, adapter.Attr{Mode: os.FileMode(mode)}))
}

func (k *KubeFS) Chown(path string, uid uint32, gid uint32) int {
	ino, _ := k.resolve(path, noHandle)
	return errno(k.adapter.Setattr(ino, adapter.Attr{Uid: uid, Gid: gid}))
}

func (k *KubeFS) Utimens(path string, tmsp []fuse.Timespec) int {
	ino, _ := k.resolve(path, noHandle)
	return errno(k.adapter.Setattr(ino, adapter.Attr{}))
}

func (k *KubeFS) Setxattr(path string, name string, value []byte, flags int) int {
	return -fuse.EROFS
}

func (k *KubeFS) Removexattr(path string, name string) int {
	return -fuse.EROFS
}

// fillStat copies attr into a cgofuse stat buffer.
func fillStat(stat *fuse.Stat_t, attr adapter.Attr) {
	ts := fuse.NewTimespec(attr.Time)
	*stat = fuse.Stat_t{
		Ino:      uint64(attr.Ino),
		Nlink:    attr.Nlink,
		Uid:      attr.Uid,
		Gid:      attr.Gid,
		Size:     int64(attr.Size),
		Blksize:  adapter.BlockSize,
		Blocks:   int64(attr.Blocks),
		Atim:     ts,
		Mtim:     ts,
		Ctim:     ts,
		Birthtim: ts,
	}
	perm := uint32(attr.Mode.Perm())
	if attr.IsDir() {
		stat.Mode = fuse.S_IFDIR | perm
	} else {
		stat.Mode = fuse.S_IFREG | perm
	}
}

var _ fuse.FileSystemInterface = (*KubeFS)(nil)
