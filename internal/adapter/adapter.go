// Package adapter answers inode-level filesystem requests against a frozen
// projection tree. It knows nothing about the kernel bridge; internal/fs and
// internal/nfsmount translate their callbacks into calls on Adapter.
package adapter

import (
	"errors"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/metrics"
	"github.com/agentic-research/kubefs/internal/render"
)

var (
	ErrNoSuchEntry   = graph.ErrNotFound
	ErrNotADirectory = graph.ErrNotADirectory
	ErrStaleInode    = graph.ErrStaleInode
	ErrNotAFile      = errors.New("is a directory")
	ErrReadOnly      = errors.New("read-only filesystem")
)

const (
	// BlockSize is the unit of Attr.Blocks.
	BlockSize = 512
	// TTL is how long the kernel may cache attributes and entries.
	TTL = time.Second

	DirPerm  os.FileMode = 0o555
	FilePerm os.FileMode = 0o444
)

// Attr is the metadata returned for one inode.
type Attr struct {
	Ino    graph.Inode
	Mode   os.FileMode
	Size   uint64
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Blocks uint64
	Time   time.Time // atime, mtime, ctime and birth time
}

func (a Attr) IsDir() bool { return a.Mode.IsDir() }

// DirEntry is one readdir row. Offset is the cookie that resumes the
// listing after this entry.
type DirEntry struct {
	Name   string
	Ino    graph.Inode
	Kind   graph.NodeKind
	Offset int64
}

type Options struct {
	Uid       uint32
	Gid       uint32
	StartTime time.Time // zero means time.Now()
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Adapter is safe for concurrent use.
type Adapter struct {
	tree     *graph.Tree
	renderer *render.Renderer
	uid, gid uint32
	start    time.Time
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(tree *graph.Tree, renderer *render.Renderer, opts Options) *Adapter {
	start := opts.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		tree:     tree,
		renderer: renderer,
		uid:      opts.Uid,
		gid:      opts.Gid,
		start:    start,
		metrics:  opts.Metrics,
		log:      log,
	}
}

// Tree returns the tree being served.
func (a *Adapter) Tree() *graph.Tree { return a.tree }

// StartTime is the timestamp reported for every node.
func (a *Adapter) StartTime() time.Time { return a.start }

// Lookup resolves name inside the directory parent. "." and ".." are
// answered from the node itself and never reach the tree.
func (a *Adapter) Lookup(parent graph.Inode, name string) (attr Attr, err error) {
	defer a.observe("lookup", time.Now(), &err)

	p, err := a.tree.NodeFor(parent)
	if err != nil {
		return Attr{}, err
	}
	if !p.IsDir() {
		return Attr{}, ErrNotADirectory
	}

	var target *graph.Node
	switch name {
	case ".":
		target = p
	case "..":
		target, err = a.tree.NodeFor(p.Parent)
	default:
		var ino graph.Inode
		ino, err = a.tree.Resolve(parent, name)
		if err == nil {
			target, err = a.tree.NodeFor(ino)
		}
	}
	if err != nil {
		return Attr{}, err
	}
	return a.attr(target), nil
}

// LookupPath walks a slash-separated path from the root.
func (a *Adapter) LookupPath(p string) (Attr, error) {
	ino := graph.RootInode
	for _, seg := range splitPath(p) {
		attr, err := a.Lookup(ino, seg)
		if err != nil {
			return Attr{}, err
		}
		ino = attr.Ino
	}
	return a.Getattr(ino)
}

func (a *Adapter) Getattr(ino graph.Inode) (attr Attr, err error) {
	defer a.observe("getattr", time.Now(), &err)

	n, err := a.tree.NodeFor(ino)
	if err != nil {
		return Attr{}, err
	}
	return a.attr(n), nil
}

// Readdir lists a directory starting after offset. The full listing is
// ".", "..", then the children in name order; entry i has Offset i+1.
func (a *Adapter) Readdir(ino graph.Inode, offset int64) (entries []DirEntry, err error) {
	defer a.observe("readdir", time.Now(), &err)

	n, err := a.tree.NodeFor(ino)
	if err != nil {
		return nil, err
	}
	children, err := a.tree.ListChildren(ino)
	if err != nil {
		return nil, err
	}
	parent, err := a.tree.NodeFor(n.Parent)
	if err != nil {
		return nil, err
	}

	all := make([]DirEntry, 0, len(children)+2)
	all = append(all,
		DirEntry{Name: ".", Ino: n.Ino, Kind: n.Kind},
		DirEntry{Name: "..", Ino: parent.Ino, Kind: parent.Kind},
	)
	for _, c := range children {
		all = append(all, DirEntry{Name: c.Name, Ino: c.Ino, Kind: c.Kind})
	}
	for i := range all {
		all[i].Offset = int64(i) + 1
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(all)) {
		return []DirEntry{}, nil
	}
	return all[offset:], nil
}

// Read returns up to size bytes of the file's content starting at offset.
// Reads at or past the end return an empty slice. The result must not be
// modified.
func (a *Adapter) Read(ino graph.Inode, offset int64, size int) (data []byte, err error) {
	defer a.observe("read", time.Now(), &err)

	n, err := a.tree.NodeFor(ino)
	if err != nil {
		return nil, err
	}
	if n.IsDir() {
		return nil, ErrNotAFile
	}
	content := a.renderer.Content(n)
	if offset < 0 {
		offset = 0
	}
	if size < 0 {
		size = 0
	}
	if offset >= int64(len(content)) {
		return []byte{}, nil
	}
	end := int64(len(content))
	if int64(size) < end-offset {
		end = offset + int64(size)
	}
	return content[offset:end], nil
}

// Open checks that ino is a file and that flags ask for read access only.
func (a *Adapter) Open(ino graph.Inode, flags int) (err error) {
	defer a.observe("open", time.Now(), &err)

	n, err := a.tree.NodeFor(ino)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return ErrNotAFile
	}
	if writeFlags(flags) {
		return ErrReadOnly
	}
	return nil
}

// Opendir checks that ino is a directory opened for reading.
func (a *Adapter) Opendir(ino graph.Inode, flags int) (err error) {
	defer a.observe("opendir", time.Now(), &err)

	n, err := a.tree.NodeFor(ino)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return ErrNotADirectory
	}
	if writeFlags(flags) {
		return ErrReadOnly
	}
	return nil
}

func writeFlags(flags int) bool {
	return flags&unix.O_ACCMODE != unix.O_RDONLY ||
		flags&(unix.O_CREAT|unix.O_TRUNC|unix.O_APPEND) != 0
}

// Close drops rendered content. The adapter stays usable; content is
// rendered again on demand.
func (a *Adapter) Close() error {
	a.renderer.Purge()
	a.log.Debug("adapter closed, render cache purged")
	return nil
}

func (a *Adapter) attr(n *graph.Node) Attr {
	attr := Attr{
		Ino:  n.Ino,
		Uid:  a.uid,
		Gid:  a.gid,
		Time: a.start,
	}
	if n.IsDir() {
		attr.Mode = os.ModeDir | DirPerm
		attr.Nlink = 2 + uint32(n.Subdirs())
		return attr
	}
	attr.Mode = FilePerm
	attr.Nlink = 1
	attr.Size = a.renderer.Size(n)
	attr.Blocks = (attr.Size + BlockSize - 1) / BlockSize
	return attr
}

func (a *Adapter) observe(op string, start time.Time, err *error) {
	name := ""
	if *err != nil {
		name = unix.ErrnoName(Errno(*err))
		a.log.Debug("callback failed", "op", op, "err", *err)
	}
	a.metrics.ObserveCallback(op, name, time.Since(start))
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Errno maps an adapter error to the errno reported to the kernel.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoSuchEntry):
		return unix.ENOENT
	case errors.Is(err, ErrNotADirectory):
		return unix.ENOTDIR
	case errors.Is(err, ErrNotAFile):
		return unix.EISDIR
	case errors.Is(err, ErrStaleInode):
		return unix.ESTALE
	case errors.Is(err, ErrReadOnly):
		return unix.EROFS
	default:
		return unix.EIO
	}
}
