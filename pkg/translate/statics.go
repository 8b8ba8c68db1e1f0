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
	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
)

// StaticEntities builds the organization entities declared in configuration:
// Groups, Users, and Domains. These never change at runtime and are appended
// to every snapshot.
func StaticEntities(cfg config.BackstageConfig) []*v1alpha1.Entity {
	var entities []*v1alpha1.Entity

	for _, g := range cfg.Groups {
		groupType := g.Type
		if groupType == "" {
			groupType = "team"
		}
		children := g.Children
		if children == nil {
			children = []string{}
		}
		entities = append(entities, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.GroupKind,
			Metadata: v1alpha1.Metadata{
				Name:      EntityName(g.Name),
				Namespace: v1alpha1.DefaultNamespace,
				Title:     g.Title,
			},
			Spec: v1alpha1.GroupSpec{
				Type:     groupType,
				Parent:   g.Parent,
				Children: children,
			},
		})
	}

	for _, u := range cfg.Users {
		memberOf := u.MemberOf
		if memberOf == nil {
			memberOf = []string{}
		}
		entities = append(entities, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.UserKind,
			Metadata: v1alpha1.Metadata{
				Name:      EntityName(u.Name),
				Namespace: v1alpha1.DefaultNamespace,
			},
			Spec: v1alpha1.UserSpec{
				Profile:  u.Profile,
				MemberOf: memberOf,
			},
		})
	}

	for _, d := range cfg.Domains {
		owner := d.Owner
		if owner == "" {
			owner = v1alpha1.DefaultOwner
		}
		entities = append(entities, &v1alpha1.Entity{
			APIVersion: v1alpha1.APIVersion,
			Kind:       v1alpha1.DomainKind,
			Metadata: v1alpha1.Metadata{
				Name:      EntityName(d.Name),
				Namespace: v1alpha1.DefaultNamespace,
			},
			Spec: v1alpha1.DomainSpec{
				Owner:       owner,
				SubdomainOf: d.SubdomainOf,
				Type:        d.Type,
			},
		})
	}

	return entities
}
