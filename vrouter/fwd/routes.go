// Copyright 2025 vrflow authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package fwd

import (
	"net/netip"

	"github.com/hashicorp/golang-lru/arc/v2"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

type routeKey struct {
	vrf uint16
	dst netip.Addr
}

// CachedRoutes is a RouteTable that remembers the results of an underlying
// table in an adaptive replacement cache. Negative results are not cached.
// The cache must be purged whenever the underlying table changes.
type CachedRoutes struct {
	table RouteTable
	cache *arc.ARCCache[routeKey, Route]
}

// NewCachedRoutes creates a cache of the given size in front of table.
func NewCachedRoutes(table RouteTable, size int) (*CachedRoutes, error) {
	cache, err := arc.NewARC[routeKey, Route](size)
	if err != nil {
		return nil, serrors.Wrap("creating route cache", err, "size", size)
	}
	return &CachedRoutes{table: table, cache: cache}, nil
}

func (c *CachedRoutes) Lookup(vrf uint16, dst netip.Addr) (Route, bool) {
	k := routeKey{vrf: vrf, dst: dst}
	if r, ok := c.cache.Get(k); ok {
		return r, true
	}
	r, ok := c.table.Lookup(vrf, dst)
	if !ok {
		return Route{}, false
	}
	c.cache.Add(k, r)
	return r, true
}

// Purge drops all cached routes.
func (c *CachedRoutes) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached routes.
func (c *CachedRoutes) Len() int {
	return c.cache.Len()
}
