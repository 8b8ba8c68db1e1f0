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

// Package cache holds the in-memory entity cache: the provider's view of the
// catalog entities derived from live cluster resources, keyed by resource
// identity.
package cache

import (
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/metrics"
)

// Entry is one cached entity together with the bookkeeping needed for
// resource-version guarding and staleness purging.
type Entry struct {
	Entity          *v1alpha1.Entity
	ResourceVersion string
	LastSeen        time.Time
}

// Cache is the authoritative map of live catalog entities. All methods are
// safe for concurrent use. Upsert is resource-version guarded, so replayed or
// out-of-order watch events converge to the same state regardless of arrival
// order.
type Cache struct {
	mux     sync.RWMutex
	entries map[core.ID]*Entry

	// now is overridable for tests.
	now func() time.Time
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[core.ID]*Entry),
		now:     time.Now,
	}
}

// Upsert stores the entity under id unless a same-or-newer resource version is
// already cached. It returns true when the cached state changed and the update
// should be dispatched downstream.
//
// An equal resource version refreshes the entry's LastSeen without reporting a
// change, so re-lists after a watch reconnect keep entries warm without
// producing duplicate dispatches. A lower resource version is discarded.
func (c *Cache) Upsert(id core.ID, entity *v1alpha1.Entity, resourceVersion string) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	existing, found := c.entries[id]
	if found {
		switch core.CompareResourceVersions(resourceVersion, existing.ResourceVersion) {
		case -1:
			klog.V(3).Infof("Discarding stale update for %v: cached version %s, got %s",
				id, existing.ResourceVersion, resourceVersion)
			return false
		case 0:
			existing.LastSeen = c.now()
			return false
		}
	}

	c.entries[id] = &Entry{
		Entity:          entity,
		ResourceVersion: resourceVersion,
		LastSeen:        c.now(),
	}
	metrics.CacheSize.Set(float64(len(c.entries)))
	return true
}

// Remove deletes the entity under id, reporting whether it was present.
// Removing an absent id is a no-op, so replayed deletion events are harmless.
func (c *Cache) Remove(id core.ID) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if _, found := c.entries[id]; !found {
		return false
	}
	delete(c.entries, id)
	metrics.CacheSize.Set(float64(len(c.entries)))
	return true
}

// Get returns the cached entity for id, if any.
func (c *Cache) Get(id core.ID) (*v1alpha1.Entity, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	entry, found := c.entries[id]
	if !found {
		return nil, false
	}
	return entry.Entity, true
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.entries)
}

// Snapshot returns the cached entities in a stable order keyed by resource
// identity. The returned slice is owned by the caller; the entities are
// shared and must not be mutated.
func (c *Cache) Snapshot() []*v1alpha1.Entity {
	c.mux.RLock()
	defer c.mux.RUnlock()

	ids := make([]core.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	entities := make([]*v1alpha1.Entity, len(ids))
	for i, id := range ids {
		entities[i] = c.entries[id].Entity
	}
	return entities
}

// Reconcile compares the cached entries for one resource kind against the set
// of identities observed by a fresh list. Entries still present on the API
// server get their LastSeen refreshed; entries missing from live and older
// than purgeAfter are removed. It returns the number of purged entries.
//
// The grace period covers objects deleted and recreated between polls, and
// lists served by a lagging API server.
func (c *Cache) Reconcile(gk schema.GroupKind, live map[core.ID]struct{}, purgeAfter time.Duration) int {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.now()
	purged := 0
	for id, entry := range c.entries {
		if id.GroupKind != gk {
			continue
		}
		if _, found := live[id]; found {
			entry.LastSeen = now
			continue
		}
		if now.Sub(entry.LastSeen) < purgeAfter {
			continue
		}
		klog.V(1).Infof("Purging %v: missing from live cluster state", id)
		delete(c.entries, id)
		metrics.CachePurged.WithLabelValues("reconcile").Inc()
		purged++
	}
	if purged > 0 {
		metrics.CacheSize.Set(float64(len(c.entries)))
	}
	return purged
}

// PurgeStale removes entries not seen for longer than purgeAfter, across all
// kinds. This is the backstop for entries whose watch session is down and
// whose reconcile poll cannot reach the API server.
func (c *Cache) PurgeStale(purgeAfter time.Duration) int {
	c.mux.Lock()
	defer c.mux.Unlock()

	now := c.now()
	purged := 0
	for id, entry := range c.entries {
		if now.Sub(entry.LastSeen) < purgeAfter {
			continue
		}
		klog.V(1).Infof("Purging %v: not seen for %s", id, now.Sub(entry.LastSeen).Truncate(time.Second))
		delete(c.entries, id)
		metrics.CachePurged.WithLabelValues("stale").Inc()
		purged++
	}
	if purged > 0 {
		metrics.CacheSize.Set(float64(len(c.entries)))
	}
	return purged
}
