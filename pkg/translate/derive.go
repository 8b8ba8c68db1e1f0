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

package translate

import (
	"sort"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
)

// DeriveAggregates computes the entities that exist only as groupings of
// cached ones: one Resource per Redis cluster, aggregating its shard
// Resources, and one System per distinct system referenced by any entity.
// Derivation runs at snapshot time so aggregates always reflect the current
// cache without any bookkeeping in the ingest path.
func DeriveAggregates(entities []*v1alpha1.Entity) []*v1alpha1.Entity {
	shardsBySystem := make(map[string][]string)
	systemOwners := make(map[string]string)

	for _, e := range entities {
		switch spec := e.Spec.(type) {
		case v1alpha1.ResourceSpec:
			if spec.System == "" {
				continue
			}
			if _, found := systemOwners[spec.System]; !found || spec.Owner != v1alpha1.DefaultOwner {
				systemOwners[spec.System] = spec.Owner
			}
			if spec.Type == "redis-shard" {
				ref := v1alpha1.Ref(e.Kind, e.Metadata.Namespace, e.Metadata.Name)
				shardsBySystem[spec.System] = append(shardsBySystem[spec.System], ref)
			}
		case v1alpha1.ComponentSpec:
			if spec.System == "" {
				continue
			}
			if _, found := systemOwners[spec.System]; !found || spec.Owner != v1alpha1.DefaultOwner {
				systemOwners[spec.System] = spec.Owner
			}
		}
	}

	var derived []*v1alpha1.Entity

	clusters := make([]string, 0, len(shardsBySystem))
	for system := range shardsBySystem {
		clusters = append(clusters, system)
	}
	sort.Strings(clusters)
	for _, system := range clusters {
		shards := shardsBySystem[system]
		sort.Strings(shards)
		derived = append(derived, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.ResourceKind,
			Metadata: v1alpha1.Metadata{
				Name:      EntityName(system),
				Namespace: v1alpha1.DefaultNamespace,
				Title:     system,
			},
			Spec: v1alpha1.ResourceSpec{
				Type:      "redis-cluster",
				Owner:     systemOwners[system],
				System:    system,
				DependsOn: shards,
			},
		})
	}

	systems := make([]string, 0, len(systemOwners))
	for system := range systemOwners {
		systems = append(systems, system)
	}
	sort.Strings(systems)
	for _, system := range systems {
		derived = append(derived, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.SystemKind,
			Metadata: v1alpha1.Metadata{
				Name:      EntityName(system),
				Namespace: v1alpha1.DefaultNamespace,
				Title:     system,
			},
			Spec: v1alpha1.SystemSpec{
				Owner: systemOwners[system],
			},
		})
	}

	return derived
}
