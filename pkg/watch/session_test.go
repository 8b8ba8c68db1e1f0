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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	kwatch "k8s.io/apimachinery/pkg/watch"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/client/restconfig"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

// The REST config timeout caps the whole request including the streamed
// response body. The watch client's timeout must therefore cover the longest
// jittered window a watch request asks for, or the client would cut every
// stream before the server-side timeout fires.
func TestWatchClientTimeoutCoversJitteredWindow(t *testing.T) {
	require.GreaterOrEqual(t, int64(restconfig.WatchTimeout), int64(2*minWatchTimeout))
}

var deploymentGVK = schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}

func deployment(name, rv string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{}}
	obj.SetGroupVersionKind(deploymentGVK)
	obj.SetNamespace("shop")
	obj.SetName(name)
	obj.SetResourceVersion(rv)
	return obj
}

func deploymentList(listRV string, items ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	list := &unstructured.UnstructuredList{}
	list.SetResourceVersion(listRV)
	for _, obj := range items {
		list.Items = append(list.Items, *obj)
	}
	return list
}

// fakeListerWatcher serves scripted lists and hands out fake watch streams.
type fakeListerWatcher struct {
	mux       sync.Mutex
	lists     []*unstructured.UnstructuredList
	watchOpts chan metav1.ListOptions
	watchers  chan *kwatch.FakeWatcher
}

func newFakeListerWatcher(lists ...*unstructured.UnstructuredList) *fakeListerWatcher {
	return &fakeListerWatcher{
		lists:     lists,
		watchOpts: make(chan metav1.ListOptions, 10),
		watchers:  make(chan *kwatch.FakeWatcher, 10),
	}
}

func (f *fakeListerWatcher) List(_ context.Context, _ metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if len(f.lists) == 0 {
		return &unstructured.UnstructuredList{}, nil
	}
	list := f.lists[0]
	if len(f.lists) > 1 {
		f.lists = f.lists[1:]
	}
	return list.DeepCopy(), nil
}

func (f *fakeListerWatcher) Watch(_ context.Context, opts metav1.ListOptions) (kwatch.Interface, error) {
	w := kwatch.NewFakeWithChanSize(10, false)
	f.watchOpts <- opts
	f.watchers <- w
	return w, nil
}

func (f *fakeListerWatcher) nextWatcher(t *testing.T) *kwatch.FakeWatcher {
	t.Helper()
	select {
	case w := <-f.watchers:
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("no watch stream was opened")
		return nil
	}
}

func nextEvent(t *testing.T, out <-chan core.RawEvent) core.RawEvent {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return core.RawEvent{}
	}
}

func runSession(t *testing.T, s *Session) (stop func()) {
	t.Helper()
	// Keep reconnect cycles fast under test.
	s.backoff.Duration = time.Millisecond
	s.backoff.Jitter = 0
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return func() {
		s.Stop()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not stop")
		}
	}
}

func TestSessionListThenWatch(t *testing.T) {
	lw := newFakeListerWatcher(deploymentList("100", deployment("billing", "42")))
	out := make(chan core.RawEvent, 10)
	s := NewSession(deploymentGVK, "shop", "k8s.workload.changed", lw, out)

	stop := runSession(t, s)
	defer stop()

	// The list is replayed as synthetic Added events.
	ev := nextEvent(t, out)
	require.Equal(t, core.Added, ev.Op)
	require.Equal(t, "billing", ev.Object.GetName())
	require.Equal(t, "k8s.workload.changed", ev.EventType)
	require.Equal(t, deploymentGVK, ev.Object.GroupVersionKind(), "list items get the session GVK stamped")

	// The watch resumes from the list's resource version.
	opts := <-lw.watchOpts
	require.Equal(t, "100", opts.ResourceVersion)
	require.True(t, opts.AllowWatchBookmarks)
	require.NotNil(t, opts.TimeoutSeconds)

	w := lw.nextWatcher(t)
	w.Modify(deployment("billing", "101"))
	ev = nextEvent(t, out)
	require.Equal(t, core.Modified, ev.Op)
	require.Equal(t, "101", ev.ResourceVersion())

	w.Delete(deployment("billing", "102"))
	ev = nextEvent(t, out)
	require.Equal(t, core.Deleted, ev.Op)
}

func TestSessionRelistsAfterStreamEnd(t *testing.T) {
	lw := newFakeListerWatcher(
		deploymentList("100", deployment("billing", "42")),
		deploymentList("200", deployment("billing", "150")),
	)
	out := make(chan core.RawEvent, 10)
	s := NewSession(deploymentGVK, "shop", "t", lw, out)

	stop := runSession(t, s)
	defer stop()

	require.Equal(t, "42", nextEvent(t, out).ResourceVersion())
	opts := <-lw.watchOpts
	require.Equal(t, "100", opts.ResourceVersion)

	w := lw.nextWatcher(t)
	w.Modify(deployment("billing", "150"))
	nextEvent(t, out)

	// Server-side close: the session must recover with a fresh
	// list-then-watch cycle, replaying current state as synthetic Added.
	w.Stop()

	ev := nextEvent(t, out)
	require.Equal(t, core.Added, ev.Op)
	require.Equal(t, "150", ev.ResourceVersion())

	opts = <-lw.watchOpts
	require.Equal(t, "200", opts.ResourceVersion)
}

func TestSessionRelistsOnExpiredResourceVersion(t *testing.T) {
	lw := newFakeListerWatcher(
		deploymentList("100", deployment("billing", "42")),
		deploymentList("200", deployment("billing", "160"), deployment("checkout", "180")),
	)
	out := make(chan core.RawEvent, 10)
	s := NewSession(deploymentGVK, "shop", "t", lw, out)

	stop := runSession(t, s)
	defer stop()

	require.Equal(t, "billing", nextEvent(t, out).Object.GetName())
	<-lw.watchOpts
	w := lw.nextWatcher(t)

	// The server reports the cursor as expired; the session must discard it
	// and recover with a fresh list.
	w.Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   410,
		Reason: metav1.StatusReasonExpired,
	})

	ev := nextEvent(t, out)
	require.Equal(t, core.Added, ev.Op)
	require.Equal(t, "billing", ev.Object.GetName())
	require.Equal(t, "160", ev.ResourceVersion(), "re-listed state replaces the expired view")

	ev = nextEvent(t, out)
	require.Equal(t, core.Added, ev.Op)
	require.Equal(t, "checkout", ev.Object.GetName())

	// The new watch starts from the fresh list's resource version.
	opts := <-lw.watchOpts
	require.Equal(t, "200", opts.ResourceVersion)
}
