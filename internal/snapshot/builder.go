// Package snapshot fetches the remote state once and freezes it into a
// projection tree.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/kubefs/api"
	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/kube"
	"github.com/agentic-research/kubefs/internal/metrics"
)

// DefaultConcurrency bounds in-flight list calls when Builder.Concurrency is zero.
const DefaultConcurrency = 8

// Warning is a partial failure that left part of the tree empty.
type Warning struct {
	Namespace string
	Kind      string // empty when the whole namespace was skipped
	Err       error
}

func (w Warning) Error() string {
	if w.Kind == "" {
		return fmt.Sprintf("namespace %q: %v", w.Namespace, w.Err)
	}
	return fmt.Sprintf("%s in namespace %q: %v", w.Kind, w.Namespace, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

// Snapshot is the immutable result of one build.
type Snapshot struct {
	Tree     *graph.Tree
	Warnings []Warning
	TakenAt  time.Time
}

// Err folds the warnings into one error, or nil when the build was clean.
func (s *Snapshot) Err() error {
	var merr *multierror.Error
	for _, w := range s.Warnings {
		merr = multierror.Append(merr, w)
	}
	return merr.ErrorOrNil()
}

// Builder produces a Snapshot from a Source.
type Builder struct {
	Source      kube.Source
	Layout      api.Layout
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

type fetchResult struct {
	namespace string
	kind      string
	objects   []api.ResourceObject
	err       error
}

// Build lists namespaces, then every allow-listed kind in every namespace.
// Failing to list namespaces, or cancellation of ctx, fails the build.
// Any other fetch failure becomes a Warning and an empty kind directory.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	if b.Source == nil {
		return nil, errors.New("snapshot: no source")
	}
	if err := b.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	log := b.logger()
	now := time.Now
	if b.Clock != nil {
		now = b.Clock
	}
	takenAt := now()
	began := time.Now()

	start := time.Now()
	namespaces, err := b.Source.ListNamespaces(ctx)
	b.Metrics.ObserveFetch(api.NamespaceKind, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	tb := graph.NewBuilder(b.Layout)
	var warnings []Warning
	var accepted []string
	seen := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		if _, dup := seen[ns.Name]; dup {
			continue
		}
		seen[ns.Name] = struct{}{}
		if err := tb.AddNamespaceObject(ns); err != nil {
			warnings = append(warnings, Warning{Namespace: ns.Name, Err: err})
			continue
		}
		accepted = append(accepted, ns.Name)
	}

	results := make([]fetchResult, 0, len(accepted)*len(b.Layout.Kinds))
	for _, ns := range accepted {
		for _, kind := range b.Layout.Kinds {
			results = append(results, fetchResult{namespace: ns, kind: kind})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency())
	for i := range results {
		r := &results[i]
		g.Go(func() error {
			start := time.Now()
			objs, err := b.Source.ListResources(gctx, r.namespace, r.kind)
			b.Metrics.ObserveFetch(r.kind, err, time.Since(start))
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			r.objects, r.err = objs, err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot: fetch cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: fetch cancelled: %w", err)
	}

	for _, r := range results {
		if r.err != nil {
			log.Warn("fetch failed, leaving kind empty", "namespace", r.namespace, "kind", r.kind, "err", r.err)
			warnings = append(warnings, Warning{Namespace: r.namespace, Kind: r.kind, Err: r.err})
			continue
		}
		if err := tb.AddObjects(r.namespace, r.kind, r.objects); err != nil {
			log.Warn("skipped objects", "namespace", r.namespace, "kind", r.kind, "err", err)
			warnings = append(warnings, Warning{Namespace: r.namespace, Kind: r.kind, Err: err})
		}
	}

	tree := tb.Build()
	b.Metrics.SetSnapshot(tree.Len(), len(warnings))
	log.Info("snapshot built",
		"namespaces", len(tree.Namespaces()),
		"nodes", tree.Len(),
		"warnings", len(warnings),
		"elapsed", time.Since(began))

	return &Snapshot{Tree: tree, Warnings: warnings, TakenAt: takenAt}, nil
}

func (b *Builder) concurrency() int {
	if b.Concurrency > 0 {
		return b.Concurrency
	}
	return DefaultConcurrency
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.New(slog.DiscardHandler)
}
