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
	"sync"

	"github.com/gaissmai/bart"
)

// StaticRoutes is a RouteTable of configured prefixes, resolved by longest
// prefix match within each VRF. It is safe for concurrent use.
type StaticRoutes struct {
	mu   sync.RWMutex
	vrfs map[uint16]*bart.Table[Route]
}

func NewStaticRoutes() *StaticRoutes {
	return &StaticRoutes{vrfs: make(map[uint16]*bart.Table[Route])}
}

// Insert adds or replaces the route for p in vrf.
func (s *StaticRoutes) Insert(vrf uint16, p netip.Prefix, r Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.vrfs[vrf]
	if !ok {
		t = new(bart.Table[Route])
		s.vrfs[vrf] = t
	}
	t.Insert(p.Masked(), r)
}

// Delete removes the route for p in vrf.
func (s *StaticRoutes) Delete(vrf uint16, p netip.Prefix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.vrfs[vrf]; ok {
		t.Delete(p.Masked())
	}
}

func (s *StaticRoutes) Lookup(vrf uint16, dst netip.Addr) (Route, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.vrfs[vrf]
	if !ok {
		return Route{}, false
	}
	return t.Lookup(dst.Unmap())
}
