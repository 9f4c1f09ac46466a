package snapshot

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/kubefs/api"
	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/kube"
)

func cm(ns, name string) api.ResourceObject {
	return api.ResourceObject{
		Namespace: ns,
		Kind:      "configmaps",
		Name:      name,
		Document: map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   map[string]any{"name": name, "namespace": ns},
		},
	}
}

func childNames(t *testing.T, tree *graph.Tree, ino graph.Inode) []string {
	t.Helper()
	entries, err := tree.ListChildren(ino)
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func TestBuild_PartialFailureLeavesEmptyKindDir(t *testing.T) {
	denied := errors.New("forbidden")
	src := kube.NewStaticSource().
		AddObject(cm("default", "kube-root-ca.crt")).
		AddObject(cm("default", "app-config")).
		AddNamespace("kube-system").
		FailResources("kube-system", "configmaps", denied)

	taken := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	b := &Builder{Source: src, Layout: api.DefaultLayout(), Clock: func() time.Time { return taken }}

	snap, err := b.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, taken, snap.TakenAt)

	tree := snap.Tree
	assert.Equal(t, []string{"default", "kube-system"}, childNames(t, tree, graph.RootInode))

	ks, err := tree.Resolve(graph.RootInode, "kube-system")
	require.NoError(t, err)
	assert.Equal(t, []string{"configmaps", "manifest.yaml"}, childNames(t, tree, ks))
	ksCM, err := tree.Resolve(ks, "configmaps")
	require.NoError(t, err)
	assert.Empty(t, childNames(t, tree, ksCM))

	def, err := tree.Resolve(graph.RootInode, "default")
	require.NoError(t, err)
	defCM, err := tree.Resolve(def, "configmaps")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-config.yaml", "kube-root-ca.crt.yaml"}, childNames(t, tree, defCM))

	require.Len(t, snap.Warnings, 1)
	assert.Equal(t, "kube-system", snap.Warnings[0].Namespace)
	assert.Equal(t, "configmaps", snap.Warnings[0].Kind)
	assert.ErrorIs(t, snap.Err(), denied)
}

func TestBuild_CleanSnapshotHasNilErr(t *testing.T) {
	src := kube.NewStaticSource().AddObject(cm("default", "a"))
	snap, err := (&Builder{Source: src, Layout: api.DefaultLayout()}).Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Warnings)
	assert.NoError(t, snap.Err())
}

func TestBuild_NamespaceListFailureIsFatal(t *testing.T) {
	boom := errors.New("connection refused")
	src := kube.NewStaticSource().AddNamespace("default").FailNamespaces(boom)

	_, err := (&Builder{Source: src, Layout: api.DefaultLayout()}).Build(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var fe *kube.FetchError
	assert.ErrorAs(t, err, &fe)
}

func TestBuild_EmptyCluster(t *testing.T) {
	snap, err := (&Builder{Source: kube.NewStaticSource(), Layout: api.DefaultLayout()}).Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Tree.Len())
	assert.Empty(t, childNames(t, snap.Tree, graph.RootInode))
}

func TestBuild_SkippedObjectsBecomeWarnings(t *testing.T) {
	src := kube.NewStaticSource().
		AddObject(cm("default", "ok")).
		AddObject(cm("default", "ok")).
		AddObject(cm("default", ""))

	snap, err := (&Builder{Source: src, Layout: api.DefaultLayout()}).Build(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0].Error(), "duplicate")
	assert.Contains(t, snap.Warnings[0].Error(), "unprojectable")

	def, _ := snap.Tree.Resolve(graph.RootInode, "default")
	dir, _ := snap.Tree.Resolve(def, "configmaps")
	assert.Equal(t, []string{"ok.yaml"}, childNames(t, snap.Tree, dir))
}

func TestBuild_KeepsNamespaceDefinitions(t *testing.T) {
	prod := api.NamespaceObject("prod")
	prod.Document["metadata"] = map[string]any{"name": "prod", "labels": map[string]any{"tier": "gold"}}
	src := kube.NewStaticSource().SetNamespace(prod).AddNamespace("dev")

	snap, err := (&Builder{Source: src, Layout: api.DefaultLayout()}).Build(context.Background())
	require.NoError(t, err)

	ino, err := snap.Tree.Resolve(graph.RootInode, "prod")
	require.NoError(t, err)
	n, err := snap.Tree.NodeFor(ino)
	require.NoError(t, err)
	require.NotNil(t, n.Object)
	assert.Equal(t, prod.Document, n.Object.Document)
}

func TestBuild_InvalidLayout(t *testing.T) {
	_, err := (&Builder{Source: kube.NewStaticSource(), Layout: api.Layout{}}).Build(context.Background())
	assert.Error(t, err)
}

func TestBuild_Deterministic(t *testing.T) {
	layout := api.Layout{Kinds: []string{"configmaps", "secrets"}, FileSuffix: ".yaml", ManifestName: "manifest.yaml"}
	src := kube.NewStaticSource()
	for _, ns := range []string{"zeta", "alpha", "mid"} {
		for _, name := range []string{"c", "a", "b"} {
			src.AddObject(cm(ns, name))
			o := cm(ns, name)
			o.Kind = "secrets"
			src.AddObject(o)
		}
	}

	var ids [][]string
	for i := 0; i < 3; i++ {
		snap, err := (&Builder{Source: src, Layout: layout, Concurrency: 1 + i*4}).Build(context.Background())
		require.NoError(t, err)
		var run []string
		require.NoError(t, snap.Tree.Walk(func(n *graph.Node) error {
			run = append(run, n.ID)
			return nil
		}))
		ids = append(ids, run)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[0], ids[2])
}

// blockingSource records peak concurrency and blocks resource lists until
// release is closed or ctx ends.
type blockingSource struct {
	namespaces []string
	release    chan struct{}
	inflight   atomic.Int32
	peak       atomic.Int32
}

func (s *blockingSource) ListNamespaces(context.Context) ([]api.ResourceObject, error) {
	out := make([]api.ResourceObject, len(s.namespaces))
	for i, ns := range s.namespaces {
		out[i] = api.NamespaceObject(ns)
	}
	return out, nil
}

func (s *blockingSource) ListResources(ctx context.Context, ns, kind string) ([]api.ResourceObject, error) {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-s.release:
		return nil, nil
	case <-ctx.Done():
		return nil, &kube.FetchError{Namespace: ns, Kind: kind, Err: ctx.Err()}
	}
}

func TestBuild_RespectsConcurrencyLimit(t *testing.T) {
	src := &blockingSource{
		namespaces: []string{"a", "b", "c", "d", "e", "f"},
		release:    make(chan struct{}),
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(src.release)
	}()

	snap, err := (&Builder{Source: src, Layout: api.DefaultLayout(), Concurrency: 2}).Build(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, src.peak.Load(), int32(2))
	assert.Len(t, snap.Tree.Namespaces(), 6)
}

func TestBuild_CancelledContextFails(t *testing.T) {
	src := &blockingSource{namespaces: []string{"default"}, release: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := (&Builder{Source: src, Layout: api.DefaultLayout()}).Build(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
