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

// Package watch runs the list-then-watch sessions that feed resource changes
// into the translation pipeline.
package watch

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
)

// Lister is any object that performs listing of a resource.
type Lister interface {
	// List returns a list of unstructured objects.
	// List can be cancelled with the input context.
	List(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error)
}

// Watcher is any object that performs watching of a resource.
type Watcher interface {
	// Watch starts watching at the specified version.
	// Watch can be cancelled with the input context.
	Watch(ctx context.Context, options metav1.ListOptions) (watch.Interface, error)
}

// ListerWatcher is any object that can perform both lists and watches.
// This is similar to the ListerWatcher in client-go, except it uses the
// dynamic client to return unstructured objects without requiring a local
// scheme.
type ListerWatcher interface {
	Lister
	Watcher
}

// ListFunc knows how to list resources.
type ListFunc func(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error)

// WatchFunc knows how to watch resources.
type WatchFunc func(ctx context.Context, options metav1.ListOptions) (watch.Interface, error)

// ListWatch implements the ListerWatcher interface.
// ListFunc and WatchFunc must not be nil.
type ListWatch struct {
	ListFunc  ListFunc
	WatchFunc WatchFunc
}

// NewFilteredListWatch creates a ListerWatcher scoped by the given namespace
// and selectors. Both lists and watches carry the same label and field
// selectors, so a session's view of the cluster is consistent across its
// list-then-watch cycles.
func NewFilteredListWatch(dynamicClient dynamic.Interface, mapper meta.RESTMapper, gvk schema.GroupVersionKind, namespace, labelSelector, fieldSelector string) *ListWatch {
	optionsModifier := func(options *metav1.ListOptions) {
		options.LabelSelector = labelSelector
		options.FieldSelector = fieldSelector
	}
	listFunc := func(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
		optionsModifier(&options)
		resourceClient, err := DynamicResourceClient(dynamicClient, mapper, gvk, namespace)
		if err != nil {
			return nil, fmt.Errorf("building lister: %w", err)
		}
		return resourceClient.List(ctx, options)
	}
	watchFunc := func(ctx context.Context, options metav1.ListOptions) (watch.Interface, error) {
		options.Watch = true
		optionsModifier(&options)
		resourceClient, err := DynamicResourceClient(dynamicClient, mapper, gvk, namespace)
		if err != nil {
			return nil, fmt.Errorf("building watcher: %w", err)
		}
		return resourceClient.Watch(ctx, options)
	}
	return &ListWatch{ListFunc: listFunc, WatchFunc: watchFunc}
}

// List a set of apiserver resources.
func (lw *ListWatch) List(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	return lw.ListFunc(ctx, options)
}

// Watch a set of apiserver resources.
func (lw *ListWatch) Watch(ctx context.Context, options metav1.ListOptions) (watch.Interface, error) {
	return lw.WatchFunc(ctx, options)
}

// DynamicResourceClient uses a generic dynamic.Interface to build a
// resource-specific client.
//
//   - For cluster-scoped resources, namespace must be empty.
//   - For namespace-scoped resources, namespace may optionally be empty, to
//     include resources in all namespaces.
func DynamicResourceClient(dynamicClient dynamic.Interface, mapper meta.RESTMapper, gvk schema.GroupVersionKind, namespace string) (dynamic.ResourceInterface, error) {
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to get REST mapping for %s: %w", gvk.String(), err)
	}
	switch mapping.Scope.Name() {
	case meta.RESTScopeNameRoot:
		if namespace != "" {
			return nil, fmt.Errorf("cannot query cluster-scoped resource %q in namespace %q", mapping.Resource, namespace)
		}
		return dynamicClient.Resource(mapping.Resource), nil
	case meta.RESTScopeNameNamespace:
		if namespace != "" {
			return dynamicClient.Resource(mapping.Resource).Namespace(namespace), nil
		}
		return dynamicClient.Resource(mapping.Resource), nil
	default:
		return nil, fmt.Errorf("invalid resource scope %q for resource %q", mapping.Scope, mapping.Resource)
	}
}
