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

package watch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/metrics"
)

// Copying strategy from k8s.io/client-go/tools/cache/reflector.go
// We try to spread the load on apiserver by setting timeouts for
// watch requests - it is random in [minWatchTimeout, 2*minWatchTimeout].
const minWatchTimeout = 5 * time.Minute

// degradedThreshold is the number of consecutive connect failures after which
// a session reports itself unhealthy.
const degradedThreshold = 5

// State is a session's position in its connect cycle.
type State string

// Session states. A session loops Connecting -> Streaming until its stream
// terminates, then passes through Backoff before connecting again.
const (
	StateConnecting State = "Connecting"
	StateStreaming  State = "Streaming"
	StateBackoff    State = "Backoff"
)

// Session supervises one watch scope: it lists the scope, watches from the
// list's resource version, and forwards every change as a RawEvent. Any
// stream termination, including an expired resource version, sends the
// session through backoff into a fresh list-then-watch cycle.
//
// Re-lists report every pre-existing object as Added. Downstream consumers
// are resource-version guarded, so the replay converges without duplicate
// dispatches.
type Session struct {
	gvk       schema.GroupVersionKind
	namespace string
	eventType string
	lw        ListerWatcher
	out       chan<- core.RawEvent
	backoff   wait.Backoff

	mux      sync.Mutex
	base     watch.Interface
	state    State
	failures int
	stopped  bool
}

// NewSession returns a session forwarding events for the given scope to out.
func NewSession(gvk schema.GroupVersionKind, namespace, eventType string, lw ListerWatcher, out chan<- core.RawEvent) *Session {
	return &Session{
		gvk:       gvk,
		namespace: namespace,
		eventType: eventType,
		lw:        lw,
		out:       out,
		backoff: wait.Backoff{
			Duration: time.Second,
			Factor:   2,
			Jitter:   0.1,
			Steps:    degradedThreshold,
			Cap:      2 * time.Minute,
		},
		base:  watch.NewEmptyWatch(),
		state: StateConnecting,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.state
}

// Healthy reports whether the session is keeping up with the API server. A
// session in backoff after repeated connect failures is degraded; it keeps
// retrying and recovers on the next successful connect.
func (s *Session) Healthy() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.failures < degradedThreshold
}

// Stop terminates the session. Safe to call concurrently with Run.
func (s *Session) Stop() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.base.Stop()
	s.stopped = true
}

// Run drives the session until Stop is called or the context is cancelled.
// Every cycle starts with a fresh list: after any stream termination the
// prior cursor may be invalid, so the session never tries to guess one.
func (s *Session) Run(ctx context.Context) {
	klog.Infof("Watch started for %s in namespace %q", s.gvk, s.namespace)
	backoff := s.backoff

	for ctx.Err() == nil {
		s.setState(StateConnecting)
		resourceVersion, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			klog.Errorf("Failed to connect watch for %s in namespace %q: %v", s.gvk, s.namespace, err)
			if !s.recordFailure() {
				break
			}
			if !s.sleepBackoff(ctx, &backoff) {
				break
			}
			continue
		}

		s.setState(StateStreaming)
		eventCount, err := s.stream(ctx, resourceVersion)
		if s.isStopped() || ctx.Err() != nil {
			break
		}
		metrics.WatchRestarts.WithLabelValues(s.gvk.Kind).Inc()
		switch {
		case err == nil:
			// Server-side close or timeout.
			klog.V(2).Infof("Watch stream for %s ended after %d events, re-listing", s.gvk, eventCount)
		case isExpiredError(err):
			klog.Infof("Watch for %s closed with expired resource version, re-listing", s.gvk)
		default:
			klog.Errorf("Watch for %s ended with: %v", s.gvk, err)
		}
		if eventCount > 0 {
			// A productive stream resets the backoff ladder.
			backoff = s.backoff
		}
		if !s.sleepBackoff(ctx, &backoff) {
			break
		}
	}
	klog.Infof("Watch stopped for %s in namespace %q", s.gvk, s.namespace)
}

// sleepBackoff waits out one backoff step, reporting false on cancellation.
func (s *Session) sleepBackoff(ctx context.Context, backoff *wait.Backoff) bool {
	s.setState(StateBackoff)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff.Step()):
		return true
	}
}

// connect performs one list-then-watch setup: it lists the scope, forwards a
// synthetic Added event per listed object, and opens a watch from the list's
// resource version. Returns the cursor the stream starts at.
func (s *Session) connect(ctx context.Context) (string, error) {
	list, err := s.lw.List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	for i := range list.Items {
		obj := &list.Items[i]
		// List items carry no TypeMeta; stamp the session GVK so downstream
		// keying is uniform.
		obj.SetGroupVersionKind(s.gvk)
		if !s.forward(ctx, core.RawEvent{
			Op:        core.Added,
			GVK:       s.gvk,
			EventType: s.eventType,
			Object:    obj,
		}) {
			return "", ctx.Err()
		}
	}
	resourceVersion := list.GetResourceVersion()

	// Stop any watchers that do not receive any events within the timeout
	// window.
	timeoutSeconds := int64(minWatchTimeout.Seconds() * (rand.Float64() + 1.0))
	base, err := s.lw.Watch(ctx, metav1.ListOptions{
		AllowWatchBookmarks: true,
		ResourceVersion:     resourceVersion,
		TimeoutSeconds:      &timeoutSeconds,
		Watch:               true,
	})
	if err != nil {
		return "", err
	}

	s.mux.Lock()
	if s.stopped {
		s.mux.Unlock()
		base.Stop()
		return "", context.Canceled
	}
	s.base.Stop()
	s.base = base
	s.failures = 0
	s.mux.Unlock()
	return resourceVersion, nil
}

// stream consumes the current watch stream until it terminates. Returns the
// number of events forwarded and the server error that ended the stream, if
// any.
func (s *Session) stream(ctx context.Context, resourceVersion string) (int, error) {
	s.mux.Lock()
	base := s.base
	s.mux.Unlock()

	klog.V(2).Infof("(Re)starting watch for %s at resource version %q", s.gvk, resourceVersion)
	eventCount := 0
	for event := range base.ResultChan() {
		newVersion, err := s.handle(ctx, event)
		if err != nil {
			return eventCount, err
		}
		eventCount++
		if newVersion != "" {
			resourceVersion = newVersion
		}
	}
	klog.V(2).Infof("Ending watch for %s at resource version %q (total events: %d)", s.gvk, resourceVersion, eventCount)
	return eventCount, nil
}

// handle forwards one watch event downstream and returns the new cursor.
// A returned error means the stream must be restarted.
func (s *Session) handle(ctx context.Context, event watch.Event) (string, error) {
	var op core.Operation
	switch event.Type {
	case watch.Added:
		op = core.Added
	case watch.Modified:
		op = core.Modified
	case watch.Deleted:
		op = core.Deleted
	case watch.Bookmark:
		m, err := meta.Accessor(event.Object)
		if err != nil {
			klog.Errorf("Unable to access metadata of Bookmark event: %v", event)
			return "", nil
		}
		return m.GetResourceVersion(), nil
	case watch.Error:
		return "", apierrors.FromObject(event.Object)
	default:
		klog.Errorf("Unsupported watch event: %#v", event)
		return "", nil
	}

	obj, ok := event.Object.(*unstructured.Unstructured)
	if !ok {
		klog.Warningf("Received non-unstructured object in watch event: %T", event.Object)
		return "", nil
	}
	metrics.EventsReceived.WithLabelValues(s.gvk.Kind, string(op)).Inc()
	if !s.forward(ctx, core.RawEvent{
		Op:        op,
		GVK:       s.gvk,
		EventType: s.eventType,
		Object:    obj,
	}) {
		return "", nil
	}
	return obj.GetResourceVersion(), nil
}

// forward delivers one event downstream, reporting false on cancellation.
func (s *Session) forward(ctx context.Context, ev core.RawEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case s.out <- ev:
		return true
	}
}

func (s *Session) setState(state State) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.state = state
}

// recordFailure counts a connect failure, reporting false once stopped.
func (s *Session) recordFailure() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.failures++
	return !s.stopped
}

func (s *Session) isStopped() bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.stopped
}

// This function is borrowed from https://github.com/kubernetes/client-go/blob/master/tools/cache/reflector.go.
func isExpiredError(err error) bool {
	// In Kubernetes 1.17 and earlier, the api server returns both
	// StatusReasonExpired and StatusReasonGone for HTTP 410 responses.
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}
