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

// Package provider wires the watch, translate, cache, and dispatch stages
// into the entity pipeline and exposes read access for the HTTP server.
package provider

import (
	"context"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/cache"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/dispatch"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/metrics"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/reconcile"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/translate"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/watch"
)

// nowFunc stamps envelopes; overridable for tests.
var nowFunc = time.Now

// Health values reported by the provider.
const (
	HealthReady    = "ready"
	HealthDegraded = "degraded"
)

// Provider is the entity pipeline. A single ingest goroutine consumes watch
// events, so each event's cache mutation happens before its envelope is
// enqueued: a snapshot taken after a dispatch is observed always reflects
// that dispatch.
type Provider struct {
	cfg        *config.Config
	translator *translate.Translator
	cache      *cache.Cache
	queue      *dispatch.Queue
	dispatcher *dispatch.Dispatcher
	manager    *watch.Manager
	reconciler *reconcile.Reconciler
	statics    []*v1alpha1.Entity
	events     chan core.RawEvent
}

// New assembles the pipeline from its stages.
func New(cfg *config.Config, dynamicClient dynamic.Interface, mapper meta.RESTMapper, publisher dispatch.Publisher) *Provider {
	p := &Provider{
		cfg:        cfg,
		translator: translate.New(cfg.Cluster, cfg.Backstage.Annotations),
		cache:      cache.New(),
		queue:      dispatch.NewQueue(cfg.Cache.ChannelSize),
		statics:    translate.StaticEntities(cfg.Backstage),
		events:     make(chan core.RawEvent, cfg.Cache.ChannelSize),
	}
	p.dispatcher = dispatch.NewDispatcher(p.queue, publisher, cfg.Gateway)
	p.manager = watch.NewManager(dynamicClient, mapper, cfg.Kube.Selectors, p.events)
	p.reconciler = reconcile.New(dynamicClient, mapper, cfg.Kube.Selectors, p, p.cache, cfg.Cache)
	return p
}

// Run starts the pipeline and blocks until the context is cancelled and all
// stages have stopped.
func (p *Provider) Run(ctx context.Context) error {
	if err := p.manager.Start(ctx); err != nil {
		// Partial resolution failures are survivable as long as at least one
		// session is running.
		if p.manager.SessionCount() == 0 {
			return err
		}
		klog.Warningf("Watch manager started with errors: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		p.ingest(ctx)
	}()
	go func() {
		defer wg.Done()
		p.reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.dispatcher.Run(ctx)
	}()

	<-ctx.Done()
	p.manager.Stop()
	p.queue.ShutDown()
	wg.Wait()
	klog.Info("Provider pipeline stopped")
	return nil
}

// ingest consumes watch events until the context is cancelled.
func (p *Provider) ingest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.Apply(ev)
		}
	}
}

// Apply translates one resource event and applies it to the cache, enqueueing
// a dispatch envelope when the cached state changed. Replayed and stale
// events are absorbed by the cache's resource-version guard.
func (p *Provider) Apply(ev core.RawEvent) {
	res, err := p.translator.Translate(ev)
	if err != nil {
		metrics.TranslationErrors.Inc()
		klog.Errorf("Skipping untranslatable %s event: %v", ev.Op, err)
		return
	}

	if res.Deleted {
		// Remove before enqueueing so no snapshot can show an entity whose
		// deletion is already on the wire.
		if !p.cache.Remove(res.Ref) {
			return
		}
		klog.V(2).Infof("Removed entity for %v", res.Ref)
		p.enqueue(res)
		return
	}

	if !p.cache.Upsert(res.Ref, res.Entity, res.ResourceVersion) {
		return
	}
	klog.V(2).Infof("Upserted entity for %v at resource version %s", res.Ref, res.ResourceVersion)
	p.enqueue(res)
}

func (p *Provider) enqueue(res *translate.Result) {
	env := &dispatch.Envelope{
		EventType:       res.EventType,
		Ref:             res.Ref,
		EntityRef:       v1alpha1.Ref(res.Entity.Kind, res.Entity.Metadata.Namespace, res.Entity.Metadata.Name),
		ResourceVersion: res.ResourceVersion,
		Timestamp:       nowFunc(),
	}
	if res.Deleted {
		env.Deleted = true
	} else {
		env.Entity = res.Entity
	}
	p.queue.Add(env)
}

// GetSnapshot returns the full catalog view: cached entities, the aggregates
// derived from them, and the static organization entities.
func (p *Provider) GetSnapshot() []*v1alpha1.Entity {
	cached := p.cache.Snapshot()
	out := make([]*v1alpha1.Entity, 0, len(cached)+len(p.statics))
	out = append(out, cached...)
	out = append(out, translate.DeriveAggregates(cached)...)
	out = append(out, p.statics...)
	return out
}

// GetByName returns the entity with the given catalog namespace and name,
// searching the same view GetSnapshot serves.
func (p *Provider) GetByName(namespace, name string) (*v1alpha1.Entity, bool) {
	for _, e := range p.GetSnapshot() {
		if e.Metadata.Namespace == namespace && e.Metadata.Name == name {
			return e, true
		}
	}
	return nil, false
}

// Health reports the pipeline's readiness for serving traffic.
func (p *Provider) Health() string {
	if !p.manager.Healthy() {
		return HealthDegraded
	}
	return HealthReady
}

// Cache exposes the entity cache, for tests and diagnostics.
func (p *Provider) Cache() *cache.Cache {
	return p.cache
}
