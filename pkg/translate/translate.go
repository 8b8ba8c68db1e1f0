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

// Package translate turns watched Kubernetes resources into Backstage catalog
// entities.
package translate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

// Well-known Kubernetes recommended labels consulted during translation.
const (
	labelPartOf    = "app.kubernetes.io/part-of"
	labelInstance  = "app.kubernetes.io/instance"
	labelComponent = "app.kubernetes.io/component"
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelVersion   = "app.kubernetes.io/version"
)

// componentRedisCluster marks resources that belong to a Redis cluster; their
// entities feed the snapshot-time cluster aggregation in derive.go.
const componentRedisCluster = "redis-cluster"

// Result is the outcome of translating one watch event.
type Result struct {
	// Entity is the translated entity. For deletions it is the retraction
	// target rather than a live entity.
	Entity *v1alpha1.Entity
	// Ref is the source resource identity, the cache key for the entity.
	Ref core.ID
	// ResourceVersion is the source resource version cursor.
	ResourceVersion string
	// EventType is carried from the originating selector.
	EventType string
	// Deleted marks that the source resource is gone.
	Deleted bool
}

// Translator maps watched resources to catalog entities. Stateless; safe for
// concurrent use.
type Translator struct {
	cluster string
	// annotations are appended to every translated entity.
	annotations map[string]string
}

// New returns a Translator stamping entities with the given cluster name and
// extra annotations.
func New(cluster string, annotations map[string]string) *Translator {
	return &Translator{cluster: cluster, annotations: annotations}
}

// Translate converts a watch event into an entity change. Events whose
// payload lacks a name cannot be keyed and are rejected.
func (t *Translator) Translate(ev core.RawEvent) (*Result, error) {
	if ev.Object == nil {
		return nil, errors.New("event has no payload")
	}
	if ev.Object.GetName() == "" {
		return nil, errors.Errorf("event payload of kind %s has no name", ev.GVK.Kind)
	}

	id := ev.ID()
	entity := t.entityFor(id.Kind, ev.Object)
	return &Result{
		Entity:          entity,
		Ref:             id,
		ResourceVersion: ev.ResourceVersion(),
		EventType:       ev.EventType,
		Deleted:         ev.Op == core.Deleted,
	}, nil
}

// entityFor builds the entity for one resource. Workload kinds become
// Components; everything else becomes a Resource typed after its kind.
func (t *Translator) entityFor(kind string, obj *unstructured.Unstructured) *v1alpha1.Entity {
	switch kind {
	case "Deployment", "ReplicaSet", "DaemonSet", "CronJob", "Job":
		return t.component(kind, obj)
	case "StatefulSet":
		return t.statefulSet(obj)
	case "Pod":
		return t.pod(obj)
	default:
		return t.resource(kind, obj)
	}
}

// component maps a workload to a Component entity.
func (t *Translator) component(kind string, obj *unstructured.Unstructured) *v1alpha1.Entity {
	labels := obj.GetLabels()
	spec := v1alpha1.ComponentSpec{
		Type:      "service",
		Lifecycle: "production",
		Owner:     ownerOf(labels),
		System:    labels[labelPartOf],
	}
	if parent := controllerOwner(obj); parent != "" {
		spec.SubcomponentOf = parent
	}
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ComponentKind,
		Metadata:   t.metadataFor(kind, obj),
		Spec:       spec,
	}
}

// statefulSet maps a stateful workload to a Resource entity. Redis cluster
// shards keep the part-of label as their system so they aggregate into a
// cluster Resource at snapshot time.
func (t *Translator) statefulSet(obj *unstructured.Unstructured) *v1alpha1.Entity {
	labels := obj.GetLabels()
	resourceType := "statefulset"
	if labels[labelComponent] == componentRedisCluster {
		resourceType = "redis-shard"
	}
	metadata := t.metadataFor("StatefulSet", obj)
	metadata.Annotations[v1alpha1.AnnotationStatus] = statefulSetStatus(obj)
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ResourceKind,
		Metadata:   metadata,
		Spec: v1alpha1.ResourceSpec{
			Type:   resourceType,
			Owner:  ownerOf(labels),
			System: labels[labelPartOf],
		},
	}
}

// statefulSetStatus summarizes readiness from the replica counts.
func statefulSetStatus(obj *unstructured.Unstructured) string {
	want, found, err := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if err != nil || !found {
		return "unknown"
	}
	ready, _, err := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
	if err != nil {
		return "unknown"
	}
	if ready >= want {
		return "ready"
	}
	return fmt.Sprintf("degraded (%d/%d ready)", ready, want)
}

// pod maps a pod to a Resource entity. Pods that belong to a Redis cluster
// become cluster-node Resources hanging off their shard.
func (t *Translator) pod(obj *unstructured.Unstructured) *v1alpha1.Entity {
	labels := obj.GetLabels()
	resourceType := "pod"
	if labels[labelComponent] == componentRedisCluster {
		resourceType = "cluster-node"
	}
	spec := v1alpha1.ResourceSpec{
		Type:   resourceType,
		Owner:  ownerOf(labels),
		System: labels[labelPartOf],
	}
	if parent := controllerOwner(obj); parent != "" {
		spec.DependencyOf = []string{parent}
	}
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ResourceKind,
		Metadata:   t.metadataFor("Pod", obj),
		Spec:       spec,
	}
}

// resource maps any other resource kind to a generic Resource entity.
func (t *Translator) resource(kind string, obj *unstructured.Unstructured) *v1alpha1.Entity {
	labels := obj.GetLabels()
	spec := v1alpha1.ResourceSpec{
		Type:   strings.ToLower(kind),
		Owner:  ownerOf(labels),
		System: labels[labelPartOf],
	}
	if parent := controllerOwner(obj); parent != "" {
		spec.DependencyOf = []string{parent}
	}
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ResourceKind,
		Metadata:   t.metadataFor(kind, obj),
		Spec:       spec,
	}
}

// metadataFor builds common entity metadata: the catalog name, description,
// provenance annotations, and the Backstage Kubernetes plugin annotations
// that let the catalog page link back to the live resource.
func (t *Translator) metadataFor(kind string, obj *unstructured.Unstructured) v1alpha1.Metadata {
	labels := obj.GetLabels()
	annotations := map[string]string{
		v1alpha1.AnnotationCluster:         t.cluster,
		v1alpha1.AnnotationResourceVersion: obj.GetResourceVersion(),
		v1alpha1.AnnotationSourceKind:      kind,
	}
	if ns := obj.GetNamespace(); ns != "" {
		annotations[v1alpha1.AnnotationNamespace] = ns
	}
	if instance := labels[labelInstance]; instance != "" {
		annotations[v1alpha1.AnnotationLabelSelector] = labelInstance + "=" + instance
	}
	for k, v := range t.annotations {
		annotations[k] = v
	}

	tags := []string{strings.ToLower(kind), t.cluster}
	if v := labels[labelVersion]; v != "" {
		tags = append(tags, v)
	}

	return v1alpha1.Metadata{
		Name:        EntityName(obj.GetName()),
		Namespace:   v1alpha1.DefaultNamespace,
		Title:       obj.GetName(),
		Description: kind + " " + obj.GetNamespace() + "/" + obj.GetName() + " on " + t.cluster,
		Annotations: annotations,
		Tags:        tags,
	}
}

// ownerOf derives the owning group from the managed-by label, defaulting when
// absent.
func ownerOf(labels map[string]string) string {
	if owner := labels[labelManagedBy]; owner != "" {
		return EntityName(owner)
	}
	return v1alpha1.DefaultOwner
}

// controllerOwner returns the catalog reference of the object's controlling
// owner, if any. When multiple controller references exist (which the API
// server forbids but stale payloads may carry), the lexicographically
// smallest name wins so translation stays deterministic.
func controllerOwner(obj *unstructured.Unstructured) string {
	var controllers []metav1.OwnerReference
	for _, ref := range obj.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			controllers = append(controllers, ref)
		}
	}
	if len(controllers) == 0 {
		return ""
	}
	sort.Slice(controllers, func(i, j int) bool {
		return controllers[i].Name < controllers[j].Name
	})
	owner := controllers[0]
	return v1alpha1.Ref(catalogKindFor(owner.Kind), obj.GetNamespace(), EntityName(owner.Name))
}

// catalogKindFor maps a Kubernetes owner kind to the catalog kind its entity
// is published under.
func catalogKindFor(kind string) string {
	switch kind {
	case "Deployment", "ReplicaSet", "DaemonSet", "CronJob", "Job":
		return v1alpha1.ComponentKind
	default:
		return v1alpha1.ResourceKind
	}
}

// EntityName converts a Kubernetes object name into a valid catalog entity
// name: lowercase alphanumerics, '-', '_' and '.', at most 63 characters.
func EntityName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return strings.Trim(out, "-_.")
}
