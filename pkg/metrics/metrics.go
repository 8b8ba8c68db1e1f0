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

// Package metrics holds the Prometheus collectors for the watch-cache-dispatch
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entity_provider"

var (
	// EventsReceived counts raw watch events by resource kind and operation.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_events_total",
		Help:      "Raw watch events received, by kind and operation.",
	}, []string{"kind", "operation"})

	// WatchRestarts counts list-and-watch cycles restarted after a stream
	// termination or an expired resource version.
	WatchRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_restarts_total",
		Help:      "Watch sessions restarted with a fresh list-then-watch cycle.",
	}, []string{"kind"})

	// TranslationErrors counts events skipped because the payload could not be
	// translated into a catalog entity.
	TranslationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "translation_errors_total",
		Help:      "Watch events skipped due to translation failures.",
	})

	// CacheSize tracks the number of live entities in the cache.
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entities",
		Help:      "Number of live entities in the cache.",
	})

	// CachePurged counts entities removed by reconciliation or staleness purge.
	CachePurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_purged_total",
		Help:      "Entities removed from the cache by reconcile or purge.",
	}, []string{"reason"})

	// QueueDepth tracks the number of envelopes pending dispatch.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Envelopes pending delivery to the event gateway.",
	})

	// QueueCoalesced counts envelopes superseded by a newer envelope for the
	// same entity reference.
	QueueCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_coalesced_total",
		Help:      "Envelopes replaced in the queue by a fresher same-reference envelope.",
	})

	// QueueDrops counts envelopes dropped because the queue was full.
	QueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_dropped_total",
		Help:      "Envelopes dropped on enqueue because the queue was at capacity.",
	})

	// DeliveryRetries counts delivery attempts that failed and were retried.
	DeliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_retries_total",
		Help:      "Failed gateway deliveries that were retried.",
	})

	// DeliveryFailures counts envelopes abandoned after the retry ceiling.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Envelopes dropped after exhausting delivery retries.",
	})
)
