package graph

import (
	"errors"
	"fmt"

	"github.com/agentic-research/kubefs/api"
)

var (
	ErrNotFound         = errors.New("node not found")
	ErrNotADirectory    = errors.New("not a directory")
	ErrStaleInode       = errors.New("stale inode")
	ErrKindNotAllowed   = errors.New("kind not in allow-list")
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// Inode is the stable numeric handle the OS sees for a node.
type Inode uint64

// RootInode is always the root directory.
const RootInode Inode = 1

// NodeKind tags the variant of a Node.
type NodeKind uint8

const (
	Root NodeKind = iota
	NamespaceDir
	KindDir
	ObjectFile
	ManifestFile
)

func (k NodeKind) IsDir() bool {
	return k == Root || k == NamespaceDir || k == KindDir
}

func (k NodeKind) String() string {
	switch k {
	case Root:
		return "root"
	case NamespaceDir:
		return "namespace"
	case KindDir:
		return "kind"
	case ObjectFile:
		return "object"
	case ManifestFile:
		return "manifest"
	default:
		return fmt.Sprintf("NodeKind(%d)", uint8(k))
	}
}

// Node is one entry of the projection tree.
// Parents own their children; Parent is a lookup-only back-reference.
type Node struct {
	Ino       Inode
	Parent    Inode
	ID        string // slash-separated path without leading slash, "" for root
	Name      string
	Kind      NodeKind
	Namespace string              // set below the root
	Resource  string              // allow-list kind, KindDir and ObjectFile only
	Object    *api.ResourceObject // ObjectFile; NamespaceDir when its definition was fetched

	children []*Node // sorted by Name
	byName   map[string]*Node
}

func (n *Node) IsDir() bool { return n.Kind.IsDir() }

// Children returns the node's children in name order. Callers must not
// modify the returned slice.
func (n *Node) Children() []*Node { return n.children }

// Child returns the direct child called name.
func (n *Node) Child(name string) (*Node, bool) {
	c, ok := n.byName[name]
	return c, ok
}

// Subdirs counts directory children, used for link counts.
func (n *Node) Subdirs() int {
	count := 0
	for _, c := range n.children {
		if c.IsDir() {
			count++
		}
	}
	return count
}

func (n *Node) addChild(c *Node) {
	if n.byName == nil {
		n.byName = make(map[string]*Node)
	}
	n.children = append(n.children, c)
	n.byName[c.Name] = c
}

// Entry is one directory listing row.
type Entry struct {
	Name string
	Ino  Inode
	Kind NodeKind
}

// KindGroup is every object of one kind inside a namespace.
type KindGroup struct {
	Kind    string
	Objects []*api.ResourceObject
}

// Tree is the frozen projection of a snapshot. All methods are safe for
// concurrent use; nothing is mutated after Builder.Build returns.
type Tree struct {
	layout     api.Layout
	inodes     *InodeTable
	namespaces []string
}

func (t *Tree) Layout() api.Layout { return t.layout }

// Inodes exposes the flat inode index.
func (t *Tree) Inodes() *InodeTable { return t.inodes }

// Namespaces returns namespace names in listing order.
func (t *Tree) Namespaces() []string { return t.namespaces }

// Len returns the number of nodes, root included.
func (t *Tree) Len() int { return t.inodes.Len() }

// Root returns the root directory node.
func (t *Tree) Root() *Node {
	n, _ := t.inodes.Node(RootInode)
	return n
}

// NodeFor returns the node numbered ino.
func (t *Tree) NodeFor(ino Inode) (*Node, error) {
	return t.inodes.Node(ino)
}

// Resolve returns the inode of child name under parent.
func (t *Tree) Resolve(parent Inode, name string) (Inode, error) {
	p, err := t.inodes.Node(parent)
	if err != nil {
		return 0, err
	}
	if !p.IsDir() {
		return 0, fmt.Errorf("resolve %q in %q: %w", name, p.ID, ErrNotADirectory)
	}
	c, ok := p.Child(name)
	if !ok {
		return 0, fmt.Errorf("resolve %q in %q: %w", name, p.ID, ErrNotFound)
	}
	return c.Ino, nil
}

// ListChildren returns the children of a directory in name order.
func (t *Tree) ListChildren(ino Inode) ([]Entry, error) {
	n, err := t.inodes.Node(ino)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, fmt.Errorf("list %q: %w", n.ID, ErrNotADirectory)
	}
	entries := make([]Entry, len(n.children))
	for i, c := range n.children {
		entries[i] = Entry{Name: c.Name, Ino: c.Ino, Kind: c.Kind}
	}
	return entries, nil
}

// Groups returns the objects under a namespace directory grouped by kind,
// in allow-list order. Kinds without objects yield empty groups.
func (t *Tree) Groups(nsIno Inode) ([]KindGroup, error) {
	ns, err := t.inodes.Node(nsIno)
	if err != nil {
		return nil, err
	}
	if ns.Kind != NamespaceDir {
		return nil, fmt.Errorf("groups of %q: %w", ns.ID, ErrUnknownNamespace)
	}
	groups := make([]KindGroup, 0, len(t.layout.Kinds))
	for _, kind := range t.layout.Kinds {
		g := KindGroup{Kind: kind, Objects: []*api.ResourceObject{}}
		if dir, ok := ns.Child(kind); ok {
			for _, c := range dir.children {
				g.Objects = append(g.Objects, c.Object)
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Walk visits every node in inode order. A non-nil error from fn stops the walk.
func (t *Tree) Walk(fn func(*Node) error) error {
	for ino := RootInode; int(ino) <= t.Len(); ino++ {
		n, err := t.inodes.Node(ino)
		if err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}
