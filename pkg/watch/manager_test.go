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

package watch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/dgeorgievski/k8s-entity-provider/pkg/config"
	"github.com/dgeorgievski/k8s-entity-provider/pkg/core"
)

func testMapper() meta.RESTMapper {
	mapper := meta.NewDefaultRESTMapper([]schema.GroupVersion{{Group: "apps", Version: "v1"}})
	mapper.Add(deploymentGVK, meta.RESTScopeNamespace)
	return mapper
}

func TestResolveGVK(t *testing.T) {
	out := make(chan core.RawEvent)
	m := NewManager(nil, testMapper(), nil, out)

	gvk, err := m.ResolveGVK(config.Selector{Resource: "deployments", APIGroup: "apps"})
	require.NoError(t, err)
	require.Equal(t, deploymentGVK, gvk)

	_, err = m.ResolveGVK(config.Selector{Resource: "widgets", APIGroup: "example.com"})
	require.Error(t, err, "unknown resources must not resolve")
}

func TestStartFailsWhenNothingResolves(t *testing.T) {
	out := make(chan core.RawEvent)
	m := NewManager(nil, testMapper(), []config.Selector{
		{Resource: "widgets", APIGroup: "example.com", EventType: "t"},
	}, out)

	err := m.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, m.SessionCount())
}

func TestStartRejectsSecondCall(t *testing.T) {
	out := make(chan core.RawEvent)
	m := NewManager(nil, testMapper(), nil, out)

	_ = m.Start(context.Background())
	err := m.Start(context.Background())
	require.Error(t, err)
}
