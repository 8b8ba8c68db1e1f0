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

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/api/backstage/v1alpha1"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

func testID(kind, namespace, name string) core.ID {
	return core.ID{
		GroupKind:      schema.GroupKind{Group: "apps", Kind: kind},
		NamespacedName: types.NamespacedName{Namespace: namespace, Name: name},
	}
}

func testEntity(name string) *v1alpha1.Entity {
	return &v1alpha1.Entity{
		APIVersion: v1alpha1.APIVersion,
		Kind:       v1alpha1.ComponentKind,
		Metadata:   v1alpha1.Metadata{Name: name, Namespace: v1alpha1.DefaultNamespace},
		Spec:       v1alpha1.ComponentSpec{Type: "service", Lifecycle: "production", Owner: "platform"},
	}
}

func TestUpsertResourceVersionGuard(t *testing.T) {
	id := testID("Deployment", "shop", "billing")

	testCases := []struct {
		name         string
		versions     []string
		wantChanged  []bool
		wantFinalVer string
	}{
		{
			name:         "monotonic updates all change",
			versions:     []string{"10", "11", "12"},
			wantChanged:  []bool{true, true, true},
			wantFinalVer: "12",
		},
		{
			name:         "stale update discarded",
			versions:     []string{"10", "9", "11"},
			wantChanged:  []bool{true, false, true},
			wantFinalVer: "11",
		},
		{
			name:         "replayed version is a no-op",
			versions:     []string{"10", "10", "10"},
			wantChanged:  []bool{true, false, false},
			wantFinalVer: "10",
		},
		{
			name:         "non-numeric versions only change on difference",
			versions:     []string{"abc", "abc", "def"},
			wantChanged:  []bool{true, false, true},
			wantFinalVer: "def",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New()
			for i, rv := range tc.versions {
				changed := c.Upsert(id, testEntity("billing"), rv)
				require.Equal(t, tc.wantChanged[i], changed, "Upsert with version %q", rv)
			}
			entry := c.entries[id]
			require.NotNil(t, entry)
			require.Equal(t, tc.wantFinalVer, entry.ResourceVersion)
		})
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	c := New()
	id := testID("Deployment", "shop", "billing")

	require.True(t, c.Upsert(id, testEntity("billing"), "10"))
	// Replaying the same event, as a re-list after reconnect does, must not
	// report a change.
	require.False(t, c.Upsert(id, testEntity("billing"), "10"))
	require.Equal(t, 1, c.Len())
}

func TestEqualVersionRefreshesLastSeen(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }
	id := testID("Deployment", "shop", "billing")

	require.True(t, c.Upsert(id, testEntity("billing"), "10"))

	now = now.Add(10 * time.Minute)
	require.False(t, c.Upsert(id, testEntity("billing"), "10"))

	// The refresh must keep the entry alive through a purge pass.
	require.Equal(t, 0, c.PurgeStale(5*time.Minute))
	require.Equal(t, 1, c.Len())
}

func TestRemove(t *testing.T) {
	c := New()
	id := testID("Deployment", "shop", "billing")

	require.False(t, c.Remove(id), "removing an absent id")

	c.Upsert(id, testEntity("billing"), "10")
	require.True(t, c.Remove(id))
	require.False(t, c.Remove(id), "second removal must be a no-op")
	require.Equal(t, 0, c.Len())
}

func TestSnapshotIsSorted(t *testing.T) {
	c := New()
	c.Upsert(testID("Deployment", "shop", "zeta"), testEntity("zeta"), "1")
	c.Upsert(testID("Deployment", "shop", "alpha"), testEntity("alpha"), "2")
	c.Upsert(testID("StatefulSet", "shop", "midway"), testEntity("midway"), "3")

	first := c.Snapshot()
	second := c.Snapshot()
	require.Len(t, first, 3)
	require.Equal(t, first, second, "snapshot order must be stable")
}

func TestReconcilePurgesMissingEntries(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	gk := schema.GroupKind{Group: "apps", Kind: "Deployment"}
	kept := testID("Deployment", "shop", "kept")
	gone := testID("Deployment", "shop", "gone")
	other := testID("StatefulSet", "shop", "other-kind")

	c.Upsert(kept, testEntity("kept"), "1")
	c.Upsert(gone, testEntity("gone"), "2")
	c.Upsert(other, testEntity("other-kind"), "3")

	live := map[core.ID]struct{}{kept: {}}

	// Within the grace period nothing is purged.
	require.Equal(t, 0, c.Reconcile(gk, live, time.Hour))
	require.Equal(t, 3, c.Len())

	// After the grace period the missing entry goes; the other kind is
	// untouched.
	now = now.Add(2 * time.Hour)
	require.Equal(t, 1, c.Reconcile(gk, live, time.Hour))
	require.Equal(t, 2, c.Len())

	_, found := c.Get(gone)
	require.False(t, found)
	_, found = c.Get(kept)
	require.True(t, found)
	_, found = c.Get(other)
	require.True(t, found)
}

func TestReconcileRefreshesLiveEntries(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	gk := schema.GroupKind{Group: "apps", Kind: "Deployment"}
	id := testID("Deployment", "shop", "billing")
	c.Upsert(id, testEntity("billing"), "1")

	now = now.Add(time.Hour)
	require.Equal(t, 0, c.Reconcile(gk, map[core.ID]struct{}{id: {}}, 30*time.Minute))

	// The reconcile refreshed LastSeen, so a purge right after keeps it.
	require.Equal(t, 0, c.PurgeStale(30*time.Minute))
	require.Equal(t, 1, c.Len())
}

func TestPurgeStale(t *testing.T) {
	c := New()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Upsert(testID("Deployment", "shop", "old"), testEntity("old"), "1")
	now = now.Add(time.Hour)
	c.Upsert(testID("Deployment", "shop", "fresh"), testEntity("fresh"), "2")

	require.Equal(t, 1, c.PurgeStale(30*time.Minute))
	require.Equal(t, 1, c.Len())

	_, found := c.Get(testID("Deployment", "shop", "fresh"))
	require.True(t, found)
}
