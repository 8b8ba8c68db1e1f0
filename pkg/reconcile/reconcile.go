// Copyright 2024 The k8s-entity-provider Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconcile periodically re-lists every watched scope and repairs the
// entity cache: entities for resources the watch stream missed are upserted,
// and entities whose resources are gone are purged after a grace period. The
// pass is idempotent; on an already-converged cache it changes nothing.
package reconcile

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/cache"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/watch"
)

// Applier applies translated resource state to the pipeline. Implemented by
// the provider; reconcile feeds it re-listed objects as synthetic Added
// events.
type Applier interface {
	Apply(ev core.RawEvent)
}

// Reconciler runs the poll and purge loops.
type Reconciler struct {
	dynamicClient dynamic.Interface
	mapper        meta.RESTMapper
	selectors     []config.Selector
	applier       Applier
	cache         *cache.Cache
	pollInterval  time.Duration
	purgeInterval time.Duration
}

// New returns a Reconciler repairing the given cache through the applier.
func New(dynamicClient dynamic.Interface, mapper meta.RESTMapper, selectors []config.Selector, applier Applier, c *cache.Cache, cfg config.CacheConfig) *Reconciler {
	return &Reconciler{
		dynamicClient: dynamicClient,
		mapper:        mapper,
		selectors:     selectors,
		applier:       applier,
		cache:         c,
		pollInterval:  cfg.PollInterval,
		purgeInterval: cfg.PurgeInterval,
	}
}

// Run drives the poll and purge loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	go wait.UntilWithContext(ctx, r.poll, r.pollInterval)
	wait.UntilWithContext(ctx, r.purge, r.purgeInterval)
}

// poll re-lists every selector scope and reconciles the cache against the
// observed state.
func (r *Reconciler) poll(ctx context.Context) {
	for _, sel := range r.selectors {
		gvr := schema.GroupVersionResource{Group: sel.APIGroup, Resource: sel.Resource}
		gvk, err := r.mapper.KindFor(gvr)
		if err != nil {
			klog.Errorf("Reconcile skipping resource %q: %v", sel.Resource, err)
			continue
		}
		live := make(map[core.ID]struct{})
		listed := 0
		for _, ns := range sel.ScopedNamespaces() {
			lw := watch.NewFilteredListWatch(r.dynamicClient, r.mapper, gvk, ns, sel.LabelSelector(), sel.FieldSelector())
			list, err := lw.List(ctx, metav1.ListOptions{})
			if err != nil {
				klog.Errorf("Reconcile list failed for %s in namespace %q: %v", gvk, ns, err)
				// Without a complete view, purging would remove live
				// entities. Skip this selector's reconcile entirely.
				live = nil
				break
			}
			for i := range list.Items {
				obj := &list.Items[i]
				obj.SetGroupVersionKind(gvk)
				ev := core.RawEvent{
					Op:        core.Added,
					GVK:       gvk,
					EventType: sel.EventType,
					Object:    obj,
				}
				live[ev.ID()] = struct{}{}
				r.applier.Apply(ev)
				listed++
			}
		}
		if live == nil {
			continue
		}
		purged := r.cache.Reconcile(gvk.GroupKind(), live, r.purgeInterval)
		klog.V(1).Infof("Reconciled %s: %d live objects, %d purged", gvk.GroupKind(), listed, purged)
	}
}

// purge removes entities whose last confirmation from any source is older
// than the purge interval. Live entities are refreshed every poll, so only
// entries the watch and the poll both lost track of age past the threshold.
func (r *Reconciler) purge(_ context.Context) {
	if purged := r.cache.PurgeStale(r.purgeInterval); purged > 0 {
		klog.Infof("Purged %d stale entities", purged)
	}
}
