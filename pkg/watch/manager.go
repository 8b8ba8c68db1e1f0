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

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

// Manager starts and supervises one Session per configured selector and
// namespace. All sessions share one output channel feeding the pipeline.
type Manager struct {
	dynamicClient dynamic.Interface
	mapper        meta.RESTMapper
	selectors     []config.Selector
	out           chan<- core.RawEvent

	mux      sync.Mutex
	sessions []*Session
	wg       sync.WaitGroup
	started  bool
}

// NewManager returns a Manager for the given selectors.
func NewManager(dynamicClient dynamic.Interface, mapper meta.RESTMapper, selectors []config.Selector, out chan<- core.RawEvent) *Manager {
	return &Manager{
		dynamicClient: dynamicClient,
		mapper:        mapper,
		selectors:     selectors,
		out:           out,
	}
}

// ResolveGVK maps a selector's resource name and API group to the preferred
// GroupVersionKind served by the cluster.
func (m *Manager) ResolveGVK(sel config.Selector) (schema.GroupVersionKind, error) {
	gvr := schema.GroupVersionResource{Group: sel.APIGroup, Resource: sel.Resource}
	gvk, err := m.mapper.KindFor(gvr)
	if err != nil {
		return schema.GroupVersionKind{}, errors.Wrapf(err, "resolving kind for resource %q in group %q", sel.Resource, sel.APIGroup)
	}
	return gvk, nil
}

// Start resolves every selector and launches its sessions. Selectors that
// fail to resolve are reported together; sessions for the rest still start,
// so one missing CRD does not take the provider down.
func (m *Manager) Start(ctx context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.started {
		return errors.New("watch manager already started")
	}
	m.started = true

	var errs error
	for _, sel := range m.selectors {
		gvk, err := m.ResolveGVK(sel)
		if err != nil {
			klog.Errorf("Skipping selector for resource %q: %v", sel.Resource, err)
			errs = multierr.Append(errs, err)
			continue
		}
		for _, ns := range sel.ScopedNamespaces() {
			lw := NewFilteredListWatch(m.dynamicClient, m.mapper, gvk, ns, sel.LabelSelector(), sel.FieldSelector())
			session := NewSession(gvk, ns, sel.EventType, lw, m.out)
			m.sessions = append(m.sessions, session)
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				session.Run(ctx)
			}()
		}
	}
	if len(m.sessions) == 0 {
		return multierr.Append(errors.New("no watch sessions could be started"), errs)
	}
	klog.Infof("Watch manager started %d sessions for %d selectors", len(m.sessions), len(m.selectors))
	return errs
}

// Stop terminates all sessions and waits for them to exit.
func (m *Manager) Stop() {
	m.mux.Lock()
	sessions := m.sessions
	m.mux.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	m.wg.Wait()
	klog.Info("Watch manager stopped")
}

// SessionCount returns the number of running sessions.
func (m *Manager) SessionCount() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return len(m.sessions)
}

// Healthy reports whether every running session is keeping up with the API
// server.
func (m *Manager) Healthy() bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, s := range m.sessions {
		if !s.Healthy() {
			return false
		}
	}
	return true
}
