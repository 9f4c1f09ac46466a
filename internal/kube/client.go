package kube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/pager"

	"github.com/agentic-research/kubefs/api"
)

const (
	DefaultPageSize   = 500
	DefaultMaxElapsed = 30 * time.Second
)

// ClientOptions tunes a ClientSource.
type ClientOptions struct {
	// PageSize bounds each list request. Zero uses DefaultPageSize.
	PageSize int64
	// MaxElapsed bounds the retries of one list call. Zero uses
	// DefaultMaxElapsed; a negative value disables retries.
	MaxElapsed time.Duration
	// Logger receives retry diagnostics. Nil discards them.
	Logger *slog.Logger
}

// ClientSource lists namespaces with the typed clientset and allow-listed
// kinds with the dynamic client, resolving kind names through a RESTMapper.
type ClientSource struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface
	mapper    meta.RESTMapper
	opts      ClientOptions

	resolved sync.Map // kind -> schema.GroupVersionResource
}

// NewClientSource builds clients and a discovery-backed RESTMapper for cfg.
func NewClientSource(cfg *rest.Config, opts ClientOptions) (*ClientSource, error) {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	dc, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(dc))
	return NewClientSourceFor(cs, dyn, mapper, opts), nil
}

// NewClientSourceFor wires a ClientSource from existing clients.
func NewClientSourceFor(cs kubernetes.Interface, dyn dynamic.Interface, mapper meta.RESTMapper, opts ClientOptions) *ClientSource {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxElapsed == 0 {
		opts.MaxElapsed = DefaultMaxElapsed
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &ClientSource{clientset: cs, dynamic: dyn, mapper: mapper, opts: opts}
}

// ListNamespaces returns every namespace visible to the client.
func (s *ClientSource) ListNamespaces(ctx context.Context) ([]api.ResourceObject, error) {
	var out []api.ResourceObject
	err := s.retry(ctx, api.NamespaceKind, func() error {
		out = out[:0]
		p := pager.New(func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) {
			return s.clientset.CoreV1().Namespaces().List(ctx, opts)
		})
		p.PageSize = s.opts.PageSize
		return p.EachListItem(ctx, metav1.ListOptions{}, func(obj runtime.Object) error {
			ns, ok := obj.(*corev1.Namespace)
			if !ok {
				return backoff.Permanent(fmt.Errorf("unexpected list item %T", obj))
			}
			doc, err := namespaceDocument(ns)
			if err != nil {
				return backoff.Permanent(err)
			}
			out = append(out, api.ResourceObject{Kind: api.NamespaceKind, Name: ns.Name, Document: doc})
			return nil
		})
	})
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return out, nil
}

// namespaceDocument converts a typed Namespace to unstructured form. Items
// of a typed list carry no TypeMeta, so apiVersion and kind are set here.
func namespaceDocument(ns *corev1.Namespace) (map[string]any, error) {
	doc, err := runtime.DefaultUnstructuredConverter.ToUnstructured(ns)
	if err != nil {
		return nil, fmt.Errorf("convert namespace %q: %w", ns.Name, err)
	}
	doc["apiVersion"] = "v1"
	doc["kind"] = "Namespace"
	return doc, nil
}

// ListResources returns every object of kind in namespace.
func (s *ClientSource) ListResources(ctx context.Context, namespace, kind string) ([]api.ResourceObject, error) {
	gvr, err := s.resolve(kind)
	if err != nil {
		return nil, &FetchError{Namespace: namespace, Kind: kind, Err: err}
	}

	var objs []api.ResourceObject
	err = s.retry(ctx, kind, func() error {
		objs = objs[:0]
		p := pager.New(func(ctx context.Context, opts metav1.ListOptions) (runtime.Object, error) {
			return s.dynamic.Resource(gvr).Namespace(namespace).List(ctx, opts)
		})
		p.PageSize = s.opts.PageSize
		return p.EachListItem(ctx, metav1.ListOptions{}, func(obj runtime.Object) error {
			u, ok := obj.(*unstructured.Unstructured)
			if !ok {
				return backoff.Permanent(fmt.Errorf("unexpected list item %T", obj))
			}
			objs = append(objs, api.ResourceObject{
				Namespace: namespace,
				Kind:      kind,
				Name:      u.GetName(),
				Document:  u.UnstructuredContent(),
			})
			return nil
		})
	})
	if err != nil {
		return nil, &FetchError{Namespace: namespace, Kind: kind, Err: err}
	}
	return objs, nil
}

// resolve maps an allow-list entry such as "deployments.apps" to a
// namespaced GroupVersionResource.
func (s *ClientSource) resolve(kind string) (schema.GroupVersionResource, error) {
	if v, ok := s.resolved.Load(kind); ok {
		return v.(schema.GroupVersionResource), nil
	}
	gr := schema.ParseGroupResource(kind)
	gvr, err := s.mapper.ResourceFor(gr.WithVersion(""))
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("resolve %q: %w", kind, err)
	}
	gvk, err := s.mapper.KindFor(gvr)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("resolve kind of %s: %w", gvr, err)
	}
	mapping, err := s.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return schema.GroupVersionResource{}, fmt.Errorf("rest mapping of %s: %w", gvk, err)
	}
	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		return schema.GroupVersionResource{}, fmt.Errorf("%s: %w", kind, ErrClusterScoped)
	}
	s.resolved.Store(kind, mapping.Resource)
	return mapping.Resource, nil
}

func (s *ClientSource) retry(ctx context.Context, what string, op func() error) error {
	wrapped := func() error {
		err := op()
		if err != nil && permanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if s.opts.MaxElapsed < 0 {
		return unwrapPermanent(wrapped())
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = s.opts.MaxElapsed
	notify := func(err error, next time.Duration) {
		s.opts.Logger.Warn("list failed, retrying", "resource", what, "error", err, "backoff", next)
	}
	return backoff.RetryNotify(wrapped, backoff.WithContext(b, ctx), notify)
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	return apierrors.IsUnauthorized(err) ||
		apierrors.IsForbidden(err) ||
		apierrors.IsNotFound(err) ||
		apierrors.IsBadRequest(err) ||
		apierrors.IsInvalid(err) ||
		meta.IsNoMatchError(err)
}

func unwrapPermanent(err error) error {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return p.Err
	}
	return err
}

var _ Source = (*ClientSource)(nil)
