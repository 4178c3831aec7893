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


package fwd_test

import (
	"net/netip"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/vrouter/fwd"
	"github.com/vrflow/vrflow/vrouter/fwd/mock_fwd"
)

func TestCachedRoutes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dst := netip.MustParseAddr("fd99::5")
	route := fwd.Route{Nexthop: &fwd.Nexthop{ID: 12, VRF: 2}}
	table := mock_fwd.NewMockRouteTable(ctrl)
	table.EXPECT().Lookup(uint16(2), dst).Return(route, true).Times(1)
	table.EXPECT().Lookup(uint16(3), dst).Return(fwd.Route{}, false).Times(2)

	c, err := fwd.NewCachedRoutes(table, 16)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		r, ok := c.Lookup(2, dst)
		assert.True(t, ok)
		assert.Equal(t, uint32(12), r.Nexthop.ID)
		_, ok = c.Lookup(3, dst)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNewCachedRoutesInvalidSize(t *testing.T) {
	_, err := fwd.NewCachedRoutes(nil, 0)
	assert.Error(t, err)
}

func TestPacketClone(t *testing.T) {
	p := &fwd.Packet{Raw: []byte{1, 2, 3}, L2: []byte{4}, Flags: fwd.Multicast}
	c := p.Clone()
	c.Raw[0] = 9
	c.L2[0] = 9
	assert.Equal(t, byte(1), p.Raw[0])
	assert.Equal(t, byte(4), p.L2[0])
	assert.True(t, c.Has(fwd.Multicast|fwd.Cloned))
	assert.False(t, p.Has(fwd.Cloned))

	c.Reset()
	assert.Empty(t, c.Raw)
	assert.Equal(t, len(p.Raw), cap(c.Raw))
	assert.Equal(t, []byte{1, 2, 3}, p.Raw)
}

func TestNewMetadata(t *testing.T) {
	md := fwd.NewMetadata(7)
	assert.Equal(t, uint16(7), md.DVRF)
	assert.Equal(t, uint16(fwd.VLANInvalid), md.VLAN)
	assert.Equal(t, int32(-1), md.Label)
	assert.False(t, md.Flow.Valid())
}

func TestStaticRoutes(t *testing.T) {
	s := fwd.NewStaticRoutes()
	s.Insert(1, netip.MustParsePrefix("fd99::/64"), fwd.Route{Nexthop: &fwd.Nexthop{ID: 1}})
	s.Insert(1, netip.MustParsePrefix("fd99::5/128"), fwd.Route{Nexthop: &fwd.Nexthop{ID: 5}})
	s.Insert(1, netip.MustParsePrefix("10.1.2.3/8"), fwd.Route{Nexthop: &fwd.Nexthop{ID: 10}})
	s.Insert(2, netip.MustParsePrefix("::/0"), fwd.Route{Nexthop: &fwd.Nexthop{ID: 20}})

	testCases := map[string]struct {
		vrf    uint16
		dst    string
		wantNh uint32
		wantOk bool
	}{
		"host route":        {vrf: 1, dst: "fd99::5", wantNh: 5, wantOk: true},
		"covering prefix":   {vrf: 1, dst: "fd99::6", wantNh: 1, wantOk: true},
		"ipv4 masked":       {vrf: 1, dst: "10.200.0.1", wantNh: 10, wantOk: true},
		"ipv4 mapped":       {vrf: 1, dst: "::ffff:10.0.0.1", wantNh: 10, wantOk: true},
		"outside":           {vrf: 1, dst: "fd98::1", wantOk: false},
		"default route":     {vrf: 2, dst: "2001:db8::1", wantNh: 20, wantOk: true},
		"default ipv6 only": {vrf: 2, dst: "10.0.0.1", wantOk: false},
		"unknown vrf":       {vrf: 3, dst: "fd99::5", wantOk: false},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			r, ok := s.Lookup(tc.vrf, netip.MustParseAddr(tc.dst))
			require.Equal(t, tc.wantOk, ok)
			if ok {
				assert.Equal(t, tc.wantNh, r.Nexthop.ID)
			}
		})
	}

	s.Delete(1, netip.MustParsePrefix("fd99::5/128"))
	r, ok := s.Lookup(1, netip.MustParseAddr("fd99::5"))
	require.True(t, ok)
	assert.Equal(t, uint32(1), r.Nexthop.ID)
}
