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

// Package v1alpha1 models the Backstage software catalog descriptor format.
// See https://backstage.io/docs/features/software-catalog/descriptor-format
package v1alpha1

import "strings"

// APIVersion is the apiVersion of every entity emitted by this provider.
const APIVersion = "backstage.io/v1alpha1"

// Entity kinds understood by the Backstage catalog.
const (
	ComponentKind = "Component"
	ResourceKind  = "Resource"
	SystemKind    = "System"
	DomainKind    = "Domain"
	GroupKind     = "Group"
	UserKind      = "User"
)

// Well-known Backstage annotations that associate an entity with the
// Kubernetes resources backing it.
const (
	AnnotationLabelSelector = "backstage.io/kubernetes-label-selector"
	AnnotationNamespace     = "backstage.io/kubernetes-namespace"
)

// Provenance annotations set by this provider on every translated entity.
const (
	AnnotationCluster         = "k8s-entity-provider.io/cluster"
	AnnotationResourceVersion = "k8s-entity-provider.io/resource-version"
	AnnotationSourceKind      = "k8s-entity-provider.io/source-kind"
	AnnotationServerVersion   = "k8s-entity-provider.io/server-version"
	AnnotationStatus          = "k8s-entity-provider.io/status"
)

// DefaultOwner is used when no owner can be derived from the source resource.
const DefaultOwner = "platform"

// DefaultNamespace is the catalog namespace entities are published into.
const DefaultNamespace = "default"

// Entity is a single Backstage catalog entity.
type Entity struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   Metadata `json:"metadata"`
	Spec       Spec     `json:"spec"`
}

// Spec is one of the *Spec types below, chosen by Entity.Kind.
type Spec interface{}

// Metadata is common entity metadata.
type Metadata struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Links       []Link            `json:"links,omitempty"`
}

// Link is an external hyperlink related to an entity.
type Link struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Icon  string `json:"icon,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ComponentSpec is the spec of a Component entity.
type ComponentSpec struct {
	Type           string   `json:"type"`
	Lifecycle      string   `json:"lifecycle"`
	Owner          string   `json:"owner"`
	System         string   `json:"system,omitempty"`
	SubcomponentOf string   `json:"subcomponentOf,omitempty"`
	ProvidesAPIs   []string `json:"providesApis,omitempty"`
	ConsumesAPIs   []string `json:"consumesApis,omitempty"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	DependencyOf   []string `json:"dependencyOf,omitempty"`
}

// ResourceSpec is the spec of a Resource entity.
type ResourceSpec struct {
	Type         string   `json:"type"`
	Owner        string   `json:"owner"`
	System       string   `json:"system,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty"`
	DependencyOf []string `json:"dependencyOf,omitempty"`
}

// SystemSpec is the spec of a System entity.
type SystemSpec struct {
	Owner  string `json:"owner"`
	Domain string `json:"domain,omitempty"`
	Type   string `json:"type,omitempty"`
}

// DomainSpec is the spec of a Domain entity.
type DomainSpec struct {
	Owner       string `json:"owner"`
	SubdomainOf string `json:"subdomainOf,omitempty"`
	Type        string `json:"type,omitempty"`
}

// GroupSpec is the spec of a Group entity.
type GroupSpec struct {
	Type     string            `json:"type"`
	Profile  map[string]string `json:"profile,omitempty"`
	Parent   string            `json:"parent,omitempty"`
	Children []string          `json:"children"`
}

// UserSpec is the spec of a User entity.
type UserSpec struct {
	Profile  map[string]string `json:"profile,omitempty"`
	MemberOf []string          `json:"memberOf"`
}

// Ref returns the entity reference string used in relationship links,
// e.g. "resource:default/my-db".
func Ref(kind, namespace, name string) string {
	ns := namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	return strings.ToLower(kind) + ":" + ns + "/" + name
}
