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

package dispatch

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/metrics"
)

// Publisher delivers one envelope to the event gateway.
type Publisher interface {
	// Publish sends the envelope. Returning an error makes the dispatcher
	// retry up to its retry ceiling.
	Publish(ctx context.Context, env *Envelope) error
	// Close releases the publisher's connections.
	Close()
}

// Dispatcher drains the queue and delivers each envelope with bounded
// exponential retry. Delivery is at-most-once per queue generation: an
// envelope that exhausts its retries is dropped and counted, and the cache
// reconcile poll re-detects any divergence this leaves behind.
type Dispatcher struct {
	queue      *Queue
	publisher  Publisher
	maxRetries int
	backoff    wait.Backoff
	drainGrace time.Duration
}

// NewDispatcher returns a dispatcher feeding the publisher from the queue.
func NewDispatcher(q *Queue, pub Publisher, cfg config.GatewayConfig) *Dispatcher {
	return &Dispatcher{
		queue:      q,
		publisher:  pub,
		maxRetries: cfg.MaxRetries,
		backoff: wait.Backoff{
			Duration: cfg.BaseDelay,
			Factor:   2,
			Jitter:   0.1,
			// Steps counts total attempts: the first delivery plus MaxRetries
			// retries, so max_retries: 0 still publishes once.
			Steps: cfg.MaxRetries + 1,
			Cap:   cfg.MaxDelay,
		},
		drainGrace: cfg.DrainGrace,
	}
}

// Run delivers envelopes until the context is cancelled, then drains the
// remaining envelopes within the drain grace period before returning.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.publisher.Close()

	for {
		env, err := d.queue.Get(ctx)
		if err != nil {
			break
		}
		d.deliver(ctx, env)
	}

	d.drain()
	klog.Info("Dispatcher stopped")
}

// drain flushes envelopes left in the queue at shutdown. Each envelope gets a
// single attempt within the shared grace deadline; retry storms at shutdown
// are not worth blocking process exit for.
func (d *Dispatcher) drain() {
	if d.drainGrace <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.drainGrace)
	defer cancel()

	drained := 0
	for {
		env, ok := d.queue.TryGet()
		if !ok {
			break
		}
		if ctx.Err() != nil {
			metrics.DeliveryFailures.Inc()
			continue
		}
		if err := d.publisher.Publish(ctx, env); err != nil {
			klog.Warningf("Failed to deliver %q envelope for %v during drain: %v", env.EventType, env.Ref, err)
			metrics.DeliveryFailures.Inc()
			continue
		}
		drained++
	}
	if drained > 0 {
		klog.Infof("Drained %d envelopes at shutdown", drained)
	}
}

// deliver publishes one envelope, retrying transient failures with
// exponential backoff. The envelope is dropped once retries are exhausted.
func (d *Dispatcher) deliver(ctx context.Context, env *Envelope) {
	attempt := 0
	err := retry.OnError(d.backoff, func(error) bool {
		// All delivery errors are worth retrying until the ceiling.
		return ctx.Err() == nil
	}, func() error {
		if attempt > 0 {
			metrics.DeliveryRetries.Inc()
			klog.V(2).Infof("Retrying %q envelope for %v (attempt %d/%d)",
				env.EventType, env.Ref, attempt+1, d.maxRetries+1)
		}
		attempt++
		return d.publisher.Publish(ctx, env)
	})
	if err != nil {
		metrics.DeliveryFailures.Inc()
		klog.Errorf("Dropping %q envelope for %v after %d attempts: %v",
			env.EventType, env.Ref, attempt, err)
	}
}
