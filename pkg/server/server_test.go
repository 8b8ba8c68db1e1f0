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

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/provider"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/version"
)

type fakeCatalog struct {
	entities []*v1alpha1.Entity
	health   string
}

func (f *fakeCatalog) GetSnapshot() []*v1alpha1.Entity { return f.entities }

func (f *fakeCatalog) GetByName(namespace, name string) (*v1alpha1.Entity, bool) {
	for _, e := range f.entities {
		if e.Metadata.Namespace == namespace && e.Metadata.Name == name {
			return e, true
		}
	}
	return nil, false
}

func (f *fakeCatalog) Health() string { return f.health }

func testServer(catalog Catalog) *httptest.Server {
	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0, RequestTimeout: 5 * time.Second}, catalog)
	return httptest.NewServer(s.http.Handler)
}

func catalogWith(names ...string) *fakeCatalog {
	f := &fakeCatalog{health: provider.HealthReady}
	for _, name := range names {
		f.entities = append(f.entities, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.ComponentKind,
			Metadata:   v1alpha1.Metadata{Name: name, Namespace: v1alpha1.DefaultNamespace},
			Spec:       v1alpha1.ComponentSpec{Type: "service", Lifecycle: "production", Owner: "platform"},
		})
	}
	return f
}

func TestEntitiesEndpoint(t *testing.T) {
	ts := testServer(catalogWith("billing", "checkout"))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/entities")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var entities []v1alpha1.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entities))
	require.Len(t, entities, 2)
	require.Equal(t, "billing", entities[0].Metadata.Name)
}

func TestEntityByNameEndpoint(t *testing.T) {
	ts := testServer(catalogWith("billing"))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/entities/default/billing")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entity v1alpha1.Entity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entity))
	require.Equal(t, "billing", entity.Metadata.Name)
	require.Equal(t, v1alpha1.ComponentKind, entity.Kind)
}

func TestEntityByNameNotFound(t *testing.T) {
	ts := testServer(catalogWith("billing"))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/entities/default/missing")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	catalog := catalogWith()
	ts := testServer(catalog)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Degraded watch sessions must fail the readiness probe.
	catalog.health = provider.HealthDegraded
	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, provider.HealthDegraded, body["status"])
}

func TestVersionEndpoint(t *testing.T) {
	ts := testServer(catalogWith())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, version.VERSION, body["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := testServer(catalogWith())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
