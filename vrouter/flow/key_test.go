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


package flow_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/pkg/private/xtest"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

func TestKeyMarshalBinary(t *testing.T) {
	testCases := map[string]struct {
		key  flow.Key
		want string
	}{
		"inet": {
			key: flow.Key{
				Proto: 6, SrcPort: 0x1234, DstPort: 80, NhID: 0x11,
				Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
			},
			want: "02060000" + "1234" + "0050" + "11000000" + "0a000001" + "0a000002",
		},
		"inet6": {
			key: flow.Key{
				Proto: 17, SrcPort: 1136, DstPort: 0, NhID: 0x0102,
				Src: netip.MustParseAddr("fd99::4"), Dst: netip.MustParseAddr("fd99::6"),
			},
			want: "0a110000" + "0470" + "0000" + "02010000" +
				"fd990000000000000000000000000004" + "fd990000000000000000000000000006",
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			raw, err := tc.key.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, xtest.MustParseHexString(tc.want), raw)
			assert.Len(t, raw, tc.key.Len())

			var k flow.Key
			require.NoError(t, k.UnmarshalBinary(raw))
			assert.Equal(t, tc.key, k)
		})
	}
}

func TestKeyUnmarshalErrors(t *testing.T) {
	var k flow.Key
	assert.Error(t, k.UnmarshalBinary(make([]byte, 10)))
	assert.Error(t, k.UnmarshalBinary(append([]byte{7}, make([]byte, 43)...)))
	assert.Error(t, k.UnmarshalBinary(append([]byte{10}, make([]byte, 30)...)))
	_, err := flow.Key{}.MarshalBinary()
	assert.Error(t, err)
}

func TestKeyReverse(t *testing.T) {
	k := flow.Key{
		Proto: 6, SrcPort: 40000, DstPort: 443, NhID: 5,
		Src: netip.MustParseAddr("2001:db8::1"), Dst: netip.MustParseAddr("2001:db8::2"),
	}
	r := k.Reverse()
	assert.Equal(t, k.Src, r.Dst)
	assert.Equal(t, k.Dst, r.Src)
	assert.Equal(t, k.SrcPort, r.DstPort)
	assert.Equal(t, k.DstPort, r.SrcPort)
	assert.Equal(t, k.NhID, r.NhID)
	assert.Equal(t, k, r.Reverse())
}

func TestKeyMaskIdempotent(t *testing.T) {
	k := flow.NewKey(3, 17, netip.MustParseAddr("10.1.1.1"), netip.MustParseAddr("10.2.2.2"),
		1000, 53, flow.KeyAll)
	for m := fwd.FatFlowMask(0); m <= 0xf; m++ {
		once := k.Mask(m)
		assert.Equal(t, once, once.Mask(m), "mask %x", m)
		assert.Equal(t, flow.FamilyInet, once.Family(), "mask %x", m)
	}
	masked := k.Mask(fwd.FatFlowSrcPort | fwd.FatFlowDstIP)
	assert.Zero(t, masked.SrcPort)
	assert.Equal(t, uint16(53), masked.DstPort)
	assert.Equal(t, netip.IPv4Unspecified(), masked.Dst)
	assert.Equal(t, k.Src, masked.Src)
}

func TestFieldsFromMask(t *testing.T) {
	assert.Equal(t, flow.KeyAll, flow.FieldsFromMask(fwd.FatFlowNoMask))
	assert.Equal(t, flow.KeyProto|flow.KeySrcIP|flow.KeyDstIP,
		flow.FieldsFromMask(fwd.FatFlowSrcPort|fwd.FatFlowDstPort))
	assert.Equal(t, flow.KeyProto|flow.KeySrcPort|flow.KeyDstPort,
		flow.FieldsFromMask(fwd.FatFlowSrcIP|fwd.FatFlowDstIP))
}

func TestFlagsWire(t *testing.T) {
	f := flow.FlagActive | flow.FlagDnat | flow.FlagVrfTranslate | flow.FlagReverseValid
	assert.Equal(t, uint16(0x5009), f.Wire())
	assert.Equal(t, f, flow.FlagsFromWire(0x5009))
	assert.Equal(t, "active|dnat|rflow_valid|vrft", f.String())
}
