// Package kube is the boundary to the Kubernetes API server. The rest of
// kubefs only sees the Source interface.
package kube

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentic-research/kubefs/api"
)

// ErrClusterScoped is returned for allow-listed kinds that have no namespace.
var ErrClusterScoped = errors.New("kind is cluster-scoped")

// Source lists remote state. Implementations must be safe for concurrent use.
type Source interface {
	// ListNamespaces returns one object per namespace, with Kind set to
	// api.NamespaceKind and Document holding the Namespace definition.
	ListNamespaces(ctx context.Context) ([]api.ResourceObject, error)
	ListResources(ctx context.Context, namespace, kind string) ([]api.ResourceObject, error)
}

// FetchError reports a failed remote list.
type FetchError struct {
	Namespace string // empty when listing namespaces
	Kind      string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("list namespaces: %v", e.Err)
	}
	return fmt.Sprintf("list %s in namespace %q: %v", e.Kind, e.Namespace, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// StaticSource serves a fixed object set. Errors can be injected per
// namespace/kind pair, or for the namespace list itself.
type StaticSource struct {
	mu            sync.RWMutex
	namespaces    map[string]api.ResourceObject
	objects       map[string]map[string][]api.ResourceObject
	errs          map[string]error
	namespacesErr error
	calls         int
}

func NewStaticSource() *StaticSource {
	return &StaticSource{
		namespaces: make(map[string]api.ResourceObject),
		objects: make(map[string]map[string][]api.ResourceObject),
		errs:    make(map[string]error),
	}
}

// AddNamespace registers an (initially empty) namespace with a minimal
// definition.
func (s *StaticSource) AddNamespace(name string) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[name]; !ok {
		s.namespaces[name] = api.NamespaceObject(name)
		s.objects[name] = make(map[string][]api.ResourceObject)
	}
	return s
}

// SetNamespace registers obj as the definition of namespace obj.Name,
// replacing any earlier one.
func (s *StaticSource) SetNamespace(obj api.ResourceObject) *StaticSource {
	s.AddNamespace(obj.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.Kind = api.NamespaceKind
	s.namespaces[obj.Name] = obj
	return s
}

// AddObject registers obj, creating its namespace if needed.
func (s *StaticSource) AddObject(obj api.ResourceObject) *StaticSource {
	s.AddNamespace(obj.Namespace)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.Namespace][obj.Kind] = append(s.objects[obj.Namespace][obj.Kind], obj)
	return s
}

// FailResources makes ListResources(namespace, kind) return err.
func (s *StaticSource) FailResources(namespace, kind string, err error) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[namespace+"/"+kind] = err
	return s
}

// FailNamespaces makes ListNamespaces return err.
func (s *StaticSource) FailNamespaces(err error) *StaticSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespacesErr = err
	return s
}

// Calls returns how many list calls were served.
func (s *StaticSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *StaticSource) ListNamespaces(ctx context.Context) ([]api.ResourceObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Err: err}
	}
	if s.namespacesErr != nil {
		return nil, &FetchError{Err: s.namespacesErr}
	}
	out := make([]api.ResourceObject, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *StaticSource) ListResources(ctx context.Context, namespace, kind string) ([]api.ResourceObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Namespace: namespace, Kind: kind, Err: err}
	}
	if err, ok := s.errs[namespace+"/"+kind]; ok {
		return nil, &FetchError{Namespace: namespace, Kind: kind, Err: err}
	}
	return append([]api.ResourceObject(nil), s.objects[namespace][kind]...), nil
}

var _ Source = (*StaticSource)(nil)
