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

package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/cache"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

func TestPurgeUsesConfiguredInterval(t *testing.T) {
	c := cache.New()
	id := core.ID{
		GroupKind:      schema.GroupKind{Group: "apps", Kind: "Deployment"},
		NamespacedName: types.NamespacedName{Namespace: "shop", Name: "billing"},
	}
	require.True(t, c.Upsert(id, &v1alpha1.Entity{Kind: v1alpha1.ComponentKind}, "1"))

	r := &Reconciler{cache: c, purgeInterval: 20 * time.Millisecond}

	// A freshly confirmed entry survives the purge pass.
	r.purge(context.Background())
	require.Equal(t, 1, c.Len())

	// Once the last confirmation is older than the purge interval, the entry
	// goes. The threshold is the configured interval itself, not a multiple.
	time.Sleep(50 * time.Millisecond)
	r.purge(context.Background())
	require.Equal(t, 0, c.Len())
}
