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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
)

func configBackstage() config.BackstageConfig {
	return config.BackstageConfig{
		Name: "backstage",
		Groups: []config.GroupConfig{
			{Name: "Platform", Title: "Platform Engineering"},
		},
		Users: []config.UserConfig{
			{Name: "platform-bot", MemberOf: []string{"platform"}},
		},
		Domains: []config.DomainConfig{
			{Name: "infrastructure", Type: "product-area"},
		},
	}
}

func shard(name, system, owner string) *v1alpha1.Entity {
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ResourceKind,
		Metadata:   v1alpha1.Metadata{Name: name, Namespace: v1alpha1.DefaultNamespace},
		Spec:       v1alpha1.ResourceSpec{Type: "redis-shard", Owner: owner, System: system},
	}
}

func TestDeriveAggregates(t *testing.T) {
	entities := []*v1alpha1.Entity{
		shard("sessions-0001", "sessions", "data-team"),
		shard("sessions-0002", "sessions", "data-team"),
		{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.ComponentKind,
			Metadata:   v1alpha1.Metadata{Name: "billing", Namespace: v1alpha1.DefaultNamespace},
			Spec:       v1alpha1.ComponentSpec{Type: "service", Owner: "payments-team", System: "shop"},
		},
	}

	derived := DeriveAggregates(entities)

	var clusters, systems []*v1alpha1.Entity
	for _, e := range derived {
		switch e.Kind {
		case v1alpha1.ResourceKind:
			clusters = append(clusters, e)
		case v1alpha1.SystemKind:
			systems = append(systems, e)
		}
	}

	require.Len(t, clusters, 1, "one cluster Resource per shard system")
	cluster := clusters[0]
	require.Equal(t, "sessions", cluster.Metadata.Name)
	spec, ok := cluster.Spec.(v1alpha1.ResourceSpec)
	require.True(t, ok)
	require.Equal(t, "redis-cluster", spec.Type)
	require.Equal(t, "data-team", spec.Owner)
	require.Equal(t, []string{
		"resource:default/sessions-0001",
		"resource:default/sessions-0002",
	}, spec.DependsOn)

	require.Len(t, systems, 2, "one System per distinct system reference")
	require.Equal(t, "sessions", systems[0].Metadata.Name)
	require.Equal(t, "shop", systems[1].Metadata.Name)
}

func TestDeriveAggregatesIsEmptyWithoutSystems(t *testing.T) {
	entities := []*v1alpha1.Entity{
		{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.ResourceKind,
			Metadata:   v1alpha1.Metadata{Name: "feature-flags", Namespace: v1alpha1.DefaultNamespace},
			Spec:       v1alpha1.ResourceSpec{Type: "configmap", Owner: "platform"},
		},
	}
	require.Empty(t, DeriveAggregates(entities))
}

func TestStaticEntities(t *testing.T) {
	entities := StaticEntities(configBackstage())

	require.Len(t, entities, 3)

	require.Equal(t, v1alpha1.GroupKind, entities[0].Kind)
	require.Equal(t, "platform", entities[0].Metadata.Name)
	groupSpec, ok := entities[0].Spec.(v1alpha1.GroupSpec)
	require.True(t, ok)
	require.Equal(t, "team", groupSpec.Type, "type defaults to team")
	require.NotNil(t, groupSpec.Children, "children must serialize as an empty list")

	require.Equal(t, v1alpha1.UserKind, entities[1].Kind)
	userSpec, ok := entities[1].Spec.(v1alpha1.UserSpec)
	require.True(t, ok)
	require.Equal(t, []string{"platform"}, userSpec.MemberOf)

	require.Equal(t, v1alpha1.DomainKind, entities[2].Kind)
	domainSpec, ok := entities[2].Spec.(v1alpha1.DomainSpec)
	require.True(t, ok)
	require.Equal(t, v1alpha1.DefaultOwner, domainSpec.Owner, "owner defaults when unset")
}
