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

package core

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Operation is the kind of change a watch session observed.
type Operation string

// Operations reported by a watch session. Re-lists report pre-existing
// objects as Added.
const (
	Added    Operation = "Added"
	Modified Operation = "Modified"
	Deleted  Operation = "Deleted"
)

// RawEvent is a normalized resource change produced by a watch session and
// consumed exactly once by the entity translator.
type RawEvent struct {
	// Op is the observed change.
	Op Operation
	// GVK identifies the watched resource kind. Always populated, even when
	// the payload lacks TypeMeta.
	GVK schema.GroupVersionKind
	// EventType is the selector's event-type tag, carried through to the
	// dispatch envelope.
	EventType string
	// Object is the resource payload. For Deleted it is the last known state.
	Object *unstructured.Unstructured
}

// ID returns the entity reference for the event's object.
func (e RawEvent) ID() ID {
	id := IDOf(e.Object)
	// Objects from a List call have no TypeMeta; fall back to the session GVK.
	if id.Kind == "" {
		id.GroupKind = e.GVK.GroupKind()
	}
	return id
}

// ResourceVersion returns the payload's resource version cursor.
func (e RawEvent) ResourceVersion() string {
	return e.Object.GetResourceVersion()
}
