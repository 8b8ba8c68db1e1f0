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

// Package server exposes the catalog snapshot, health probes, and metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/provider"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/version"
)

// Catalog is the read surface the server publishes. Implemented by the
// provider.
type Catalog interface {
	GetSnapshot() []*v1alpha1.Entity
	GetByName(namespace, name string) (*v1alpha1.Entity, bool)
	Health() string
}

// Server serves catalog snapshots to Backstage.
type Server struct {
	catalog Catalog
	http    *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, catalog Catalog) *Server {
	s := &Server{catalog: catalog}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/entities", s.handleEntities).Methods(http.MethodGet)
	api.HandleFunc("/entities/{namespace}/{name}", s.handleEntity).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("HTTP server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	klog.Info("HTTP server stopped")
	return nil
}

// handleEntities serves the full catalog snapshot.
func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.GetSnapshot())
}

// handleEntity serves a single entity by catalog namespace and name.
func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity, found := s.catalog.GetByName(vars["namespace"], vars["name"])
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("entity %s/%s not found", vars["namespace"], vars["name"]),
		})
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports pipeline readiness. Degraded watch sessions make the
// provider unready so stale snapshots are not served behind a load balancer.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	health := s.catalog.Health()
	code := http.StatusOK
	if health != provider.HealthReady {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": health})
}

// handleVersion reports the provider build version.
func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.VERSION})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		klog.Errorf("Failed to encode response: %v", err)
	}
}
