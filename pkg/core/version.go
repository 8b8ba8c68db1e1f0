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

import "strconv"

// CompareResourceVersions orders two resource version cursors, returning
// -1, 0, or 1. Kubernetes resource versions are opaque strings that happen to
// be decimal integers on etcd-backed servers; when either side does not parse,
// only equality is meaningful and any change is treated as newer.
func CompareResourceVersions(a, b string) int {
	if a == b {
		return 0
	}
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA != nil || errB != nil {
		return 1
	}
	if na < nb {
		return -1
	}
	return 1
}
