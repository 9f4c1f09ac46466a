package graph

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/agentic-research/kubefs/api"
)

// Builder assembles a Tree from fetched namespaces and objects.
// It is not safe for concurrent use.
type Builder struct {
	layout      api.Layout
	namespaces  map[string]map[string][]api.ResourceObject // ns -> kind -> objects
	definitions map[string]*api.ResourceObject             // ns -> Namespace object
}

func NewBuilder(layout api.Layout) *Builder {
	return &Builder{
		layout:      layout,
		namespaces:  make(map[string]map[string][]api.ResourceObject),
		definitions: make(map[string]*api.ResourceObject),
	}
}

// AddNamespace registers a namespace. Every allow-listed kind gets a
// directory under it, even if no objects are ever added.
func (b *Builder) AddNamespace(name string) error {
	if err := checkName(name); err != nil {
		return fmt.Errorf("namespace: %w", err)
	}
	if _, ok := b.namespaces[name]; !ok {
		b.namespaces[name] = make(map[string][]api.ResourceObject, len(b.layout.Kinds))
	}
	return nil
}

// AddNamespaceObject registers the namespace obj.Name and keeps obj as its
// definition, served through the namespace's manifest.
func (b *Builder) AddNamespaceObject(obj api.ResourceObject) error {
	if err := b.AddNamespace(obj.Name); err != nil {
		return err
	}
	obj.Namespace = ""
	obj.Kind = api.NamespaceKind
	b.definitions[obj.Name] = &obj
	return nil
}

// AddObjects attaches objects of one kind to a namespace. Objects whose
// names cannot be projected, or repeat an earlier name, are skipped; the
// returned error lists them while the rest are still added.
func (b *Builder) AddObjects(namespace, kind string, objs []api.ResourceObject) error {
	kinds, ok := b.namespaces[namespace]
	if !ok {
		return fmt.Errorf("%s: %w", namespace, ErrUnknownNamespace)
	}
	if !b.layout.HasKind(kind) {
		return fmt.Errorf("%s/%s: %w", namespace, kind, ErrKindNotAllowed)
	}

	seen := make(map[string]struct{}, len(kinds[kind])+len(objs))
	for _, o := range kinds[kind] {
		seen[o.Name] = struct{}{}
	}

	var skipped *multierror.Error
	for _, o := range objs {
		if err := checkName(b.layout.ObjectFileName(o.Name)); err != nil || o.Name == "" {
			skipped = multierror.Append(skipped, fmt.Errorf("%s/%s: object %q: unprojectable name", namespace, kind, o.Name))
			continue
		}
		if _, dup := seen[o.Name]; dup {
			skipped = multierror.Append(skipped, fmt.Errorf("%s/%s: object %q: duplicate name", namespace, kind, o.Name))
			continue
		}
		seen[o.Name] = struct{}{}
		o.Namespace = namespace
		o.Kind = kind
		kinds[kind] = append(kinds[kind], o)
	}
	return skipped.ErrorOrNil()
}

// Build freezes the collected data into a Tree. Namespaces and objects are
// ordered by name and inodes are assigned in pre-order, root first.
func (b *Builder) Build() *Tree {
	root := &Node{Name: "/", Kind: Root}

	names := make([]string, 0, len(b.namespaces))
	for ns := range b.namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)

	for _, ns := range names {
		nsNode := &Node{ID: ns, Name: ns, Kind: NamespaceDir, Namespace: ns, Object: b.definitions[ns]}
		for _, kind := range b.layout.Kinds {
			dir := &Node{ID: path.Join(ns, kind), Name: kind, Kind: KindDir, Namespace: ns, Resource: kind}
			objs := b.namespaces[ns][kind]
			sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
			for i := range objs {
				fname := b.layout.ObjectFileName(objs[i].Name)
				dir.addChild(&Node{
					ID:        path.Join(ns, kind, fname),
					Name:      fname,
					Kind:      ObjectFile,
					Namespace: ns,
					Resource:  kind,
					Object:    &objs[i],
				})
			}
			nsNode.addChild(dir)
		}
		nsNode.addChild(&Node{
			ID:        path.Join(ns, b.layout.ManifestName),
			Name:      b.layout.ManifestName,
			Kind:      ManifestFile,
			Namespace: ns,
		})
		root.addChild(nsNode)
	}

	table := NewInodeTable()
	number(table, root, 0)
	root.Parent = root.Ino

	return &Tree{layout: b.layout, inodes: table, namespaces: names}
}

// number sorts children by name and allocates inodes in pre-order.
func number(table *InodeTable, n *Node, parent Inode) {
	table.Allocate(n)
	n.Parent = parent
	sort.Slice(n.children, func(i, j int) bool { return n.children[i].Name < n.children[j].Name })
	for _, c := range n.children {
		number(table, c, n.Ino)
	}
}

func checkName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsRune(name, '/'), strings.ContainsRune(name, 0):
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
