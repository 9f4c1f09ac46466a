// Package render turns projection nodes into file content.
package render

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ohler55/ojg/jp"
	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/yaml"

	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/metrics"
)

// DefaultCacheSize is the number of rendered files kept when Options.CacheSize is zero.
const DefaultCacheSize = 4096

// ErrNotRenderable is returned for directories.
var ErrNotRenderable = errors.New("node has no content")

// DefaultManifestFields maps manifest keys to the JSONPath they are read from.
func DefaultManifestFields() map[string]string {
	return map[string]string{
		"name":              "$.metadata.name",
		"uid":               "$.metadata.uid",
		"resourceVersion":   "$.metadata.resourceVersion",
		"creationTimestamp": "$.metadata.creationTimestamp",
	}
}

// RenderError reports a node whose content could not be produced.
type RenderError struct {
	ID  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.ID, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

type Options struct {
	CacheSize      int
	ManifestFields map[string]string // nil uses DefaultManifestFields
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type field struct {
	key  string
	expr jp.Expr
}

// Renderer produces and memoizes file content for one tree. Safe for
// concurrent use.
type Renderer struct {
	tree    *graph.Tree
	fields  []field
	cache   *lru.Cache[graph.Inode, []byte]
	group   singleflight.Group
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(tree *graph.Tree, opts Options) (*Renderer, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[graph.Inode, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("render cache: %w", err)
	}

	paths := opts.ManifestFields
	if paths == nil {
		paths = DefaultManifestFields()
	}
	fields, err := compileFields(paths)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Renderer{
		tree:    tree,
		fields:  fields,
		cache:   cache,
		metrics: opts.Metrics,
		log:     log,
	}, nil
}

func compileFields(paths map[string]string) ([]field, error) {
	fields := make([]field, 0, len(paths))
	for key, path := range paths {
		if key == "" {
			return nil, errors.New("manifest field with empty name")
		}
		expr, err := jp.ParseString(path)
		if err != nil {
			return nil, fmt.Errorf("manifest field %q: %w", key, err)
		}
		fields = append(fields, field{key: key, expr: expr})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })
	return fields, nil
}

// Render produces the content of a file node without consulting the cache.
func (r *Renderer) Render(n *graph.Node) ([]byte, error) {
	switch n.Kind {
	case graph.ObjectFile:
		if n.Object == nil {
			return nil, &RenderError{ID: n.ID, Err: errors.New("object missing")}
		}
		b, err := yaml.Marshal(n.Object.Document)
		if err != nil {
			return nil, &RenderError{ID: n.ID, Err: err}
		}
		return b, nil
	case graph.ManifestFile:
		b, err := r.manifest(n)
		if err != nil {
			return nil, &RenderError{ID: n.ID, Err: err}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%s %q: %w", n.Kind, n.ID, ErrNotRenderable)
	}
}

// manifest holds the namespace's own definition under "object", when it was
// fetched, and summarises every object in the namespace grouped by kind.
func (r *Renderer) manifest(n *graph.Node) ([]byte, error) {
	ns, err := r.tree.NodeFor(n.Parent)
	if err != nil {
		return nil, err
	}
	groups, err := r.tree.Groups(n.Parent)
	if err != nil {
		return nil, err
	}
	resources := make(map[string][]map[string]any, len(groups))
	for _, g := range groups {
		rows := make([]map[string]any, 0, len(g.Objects))
		for _, obj := range g.Objects {
			row := make(map[string]any, len(r.fields))
			for _, f := range r.fields {
				row[f.key] = f.expr.First(obj.Document)
			}
			rows = append(rows, row)
		}
		resources[g.Kind] = rows
	}
	doc := map[string]any{
		"namespace": n.Namespace,
		"resources": resources,
	}
	if ns.Object != nil {
		doc["object"] = ns.Object.Document
	}
	return yaml.Marshal(doc)
}

// Content returns the memoized content of a file node. A node that fails to
// render yields an error marker instead, so a single bad object never breaks
// reads elsewhere. Directories have no content.
func (r *Renderer) Content(n *graph.Node) []byte {
	if n.IsDir() {
		return nil
	}
	if b, ok := r.cache.Get(n.Ino); ok {
		r.metrics.RecordRender(n.Kind.String(), true)
		return b
	}

	// Only the caller that renders counts a miss.
	rendered := false
	v, _, _ := r.group.Do(strconv.FormatUint(uint64(n.Ino), 10), func() (any, error) {
		if b, ok := r.cache.Get(n.Ino); ok {
			return b, nil
		}
		rendered = true
		b, err := r.Render(n)
		if err != nil {
			r.log.Warn("render failed", "id", n.ID, "err", err)
			r.metrics.RecordRenderError(n.Kind.String())
			b = ErrorMarker(n.ID, err)
		}
		r.cache.Add(n.Ino, b)
		return b, nil
	})
	r.metrics.RecordRender(n.Kind.String(), !rendered)
	return v.([]byte)
}

// Size is the length of Content(n).
func (r *Renderer) Size(n *graph.Node) uint64 {
	return uint64(len(r.Content(n)))
}

// Purge drops every memoized rendering.
func (r *Renderer) Purge() {
	r.cache.Purge()
}

// ErrorMarker is the content served in place of a file that failed to render.
func ErrorMarker(id string, err error) []byte {
	var re *RenderError
	if errors.As(err, &re) {
		err = re.Err
	}
	return []byte(fmt.Sprintf("# kubefs: failed to render %s: %v\n", id, err))
}
