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

// Package dispatch delivers entity change envelopes to the event gateway.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/metrics"
)

// ErrShutDown is returned by Get once the queue has been shut down.
var ErrShutDown = errors.New("dispatch queue is shut down")

// Envelope is one entity change ready for delivery to the gateway.
type Envelope struct {
	// EventType is the gateway topic, taken from the originating selector.
	EventType string `json:"event_type"`
	// Ref identifies the source resource the entity was derived from.
	Ref core.ID `json:"-"`
	// EntityRef is the catalog reference of the affected entity, e.g.
	// "component:default/billing". Set even for deletions, where Entity is nil.
	EntityRef string `json:"entity_ref"`
	// Entity is the current entity state. Nil when Deleted.
	Entity *v1alpha1.Entity `json:"entity,omitempty"`
	// ResourceVersion is the source resource version the envelope was built
	// from. It orders coalescing and is not part of the wire payload.
	ResourceVersion string `json:"-"`
	// Deleted marks a removal; the receiver should retract the entity.
	Deleted bool `json:"deleted,omitempty"`
	// Timestamp is when the change was applied to the cache.
	Timestamp time.Time `json:"timestamp"`
}

// Queue is a bounded FIFO of envelopes with per-reference coalescing: at most
// one envelope per entity reference is ever pending. A newer envelope for a
// pending reference replaces the old one in place, keeping its queue
// position, so a flapping resource cannot starve the rest of the queue. When
// the queue is at capacity an envelope for a new reference is dropped and
// counted; the periodic reconcile pass repairs any divergence this causes.
type Queue struct {
	cond     *sync.Cond
	capacity int
	// order is the FIFO of references with a pending envelope.
	order []core.ID
	// pending maps each queued reference to its latest envelope.
	pending  map[core.ID]*Envelope
	shutdown bool
}

// NewQueue returns an empty queue holding at most capacity envelopes.
func NewQueue(capacity int) *Queue {
	return &Queue{
		cond:     sync.NewCond(&sync.Mutex{}),
		capacity: capacity,
		pending:  make(map[core.ID]*Envelope),
	}
}

// Add enqueues the envelope. If an envelope for the same reference is already
// pending, the one with the newer resource version is kept, in the pending
// envelope's queue position. If the queue is full and the reference is new,
// the envelope is dropped.
func (q *Queue) Add(env *Envelope) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.shutdown {
		klog.V(2).Infof("Queue shut down, discarding envelope for %v", env.Ref)
		return
	}

	if cur, found := q.pending[env.Ref]; found {
		// Producers race here (watch ingest vs reconcile poll), so arrival
		// order does not imply recency.
		if core.CompareResourceVersions(env.ResourceVersion, cur.ResourceVersion) < 0 {
			klog.V(3).Infof("Keeping pending envelope for %v: version %s is newer than %s",
				env.Ref, cur.ResourceVersion, env.ResourceVersion)
			return
		}
		q.pending[env.Ref] = env
		metrics.QueueCoalesced.Inc()
		klog.V(3).Infof("Coalesced pending envelope for %v", env.Ref)
		return
	}
	if len(q.order) >= q.capacity {
		metrics.QueueDrops.Inc()
		klog.Warningf("Dispatch queue full (%d), dropping envelope for %v", q.capacity, env.Ref)
		return
	}

	q.order = append(q.order, env.Ref)
	q.pending[env.Ref] = env
	metrics.QueueDepth.Set(float64(len(q.order)))
	q.cond.Signal()
}

// Get blocks until an envelope is available or the context is cancelled.
// Returns ErrShutDown after ShutDown, and the context's error on cancellation.
func (q *Queue) Get(ctx context.Context) (*Envelope, error) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	// Wake the Wait below when the context is cancelled.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			q.cond.Broadcast()
		case <-stopWatch:
		}
	}()

	for len(q.order) == 0 {
		if q.shutdown {
			return nil, ErrShutDown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
	if q.shutdown {
		return nil, ErrShutDown
	}
	return q.pop(), nil
}

// TryGet returns the next envelope without blocking, or false when the queue
// is empty. Usable after ShutDown to drain remaining envelopes.
func (q *Queue) TryGet() (*Envelope, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if len(q.order) == 0 {
		return nil, false
	}
	return q.pop(), true
}

// pop removes and returns the head envelope. Callers must hold the lock.
func (q *Queue) pop() *Envelope {
	ref := q.order[0]
	q.order = q.order[1:]
	env := q.pending[ref]
	delete(q.pending, ref)
	metrics.QueueDepth.Set(float64(len(q.order)))
	return env
}

// Len returns the number of pending envelopes.
func (q *Queue) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.order)
}

// ShutDown stops the queue. Pending envelopes remain readable via TryGet;
// blocked Get calls return ErrShutDown.
func (q *Queue) ShutDown() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	q.shutdown = true
	q.cond.Broadcast()
}
