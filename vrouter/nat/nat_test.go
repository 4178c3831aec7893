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


package nat_test

import (
	"net/netip"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/pkg/checksum"
	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/pkg/log/testlog"
	"github.com/vrflow/vrflow/pkg/private/xtest"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fwd"
	"github.com/vrflow/vrflow/vrouter/fwd/mock_fwd"
	"github.com/vrflow/vrflow/vrouter/nat"
)

var payload = []byte("translated payload")

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// pair installs a translated flow and returns its two entries.
func pair(t *testing.T, flags flow.Flags, k, rk flow.Key) (*flow.Table, *flow.Entry, *flow.Entry) {
	t.Helper()
	tbl, err := flow.New(flow.Config{Entries: 64, Logger: testlog.NewLogger(t)})
	require.NoError(t, err)
	r := flow.Request{
		Index:  -1,
		RIndex: -1,
		Family: k.Family(),
		Action: flow.ActionNat,
		Flags:  (flags | flow.FlagReverseValid).Wire(),
	}
	r.SetFlowKey(k)
	r.SetReverseKey(rk)
	h, err := tbl.Set(r)
	require.NoError(t, err)
	fe, err := tbl.Get(h)
	require.NoError(t, err)
	rfe, err := tbl.ReverseOf(fe)
	require.NoError(t, err)
	return tbl, fe, rfe
}

// nat66 translates the destination fd99::6 of fd99::4 to fd99::5.
func nat66(t *testing.T) (*flow.Table, *flow.Entry, *flow.Entry) {
	return pair(t, flow.FlagDnat|flow.FlagVrfTranslate,
		flow.Key{Proto: hdr.ProtoUDP, SrcPort: 1136, DstPort: 53, NhID: 17,
			Src: addr("fd99::4"), Dst: addr("fd99::6")},
		flow.Key{Proto: hdr.ProtoUDP, SrcPort: 53, DstPort: 1136, NhID: 21,
			Src: addr("fd99::5"), Dst: addr("fd99::4")},
	)
}

// napt44 translates the source 10.0.0.4:1136 to 192.0.2.1:40000.
func napt44(t *testing.T, proto uint8) (*flow.Table, *flow.Entry, *flow.Entry) {
	return pair(t, flow.FlagSnat|flow.FlagSpat,
		flow.Key{Proto: proto, SrcPort: 1136, DstPort: 53, NhID: 3,
			Src: addr("10.0.0.4"), Dst: addr("8.8.8.8")},
		flow.Key{Proto: proto, SrcPort: 53, DstPort: 40000, NhID: 4,
			Src: addr("8.8.8.8"), Dst: addr("192.0.2.1")},
	)
}

func newRewriter(t *testing.T, tbl *flow.Table, routes fwd.RouteTable,
	sender fwd.Sender) *nat.Rewriter {

	return nat.New(nat.Config{
		Flows:  tbl,
		Routes: routes,
		Sender: sender,
		Logger: testlog.NewLogger(t),
	})
}

func TestRewriteMatchesFreshChecksums(t *testing.T) {
	testCases := map[string]struct {
		setup   func(t *testing.T) (*flow.Table, *flow.Entry, *flow.Entry)
		reverse bool
		in      func(t *testing.T) []byte
		want    func(t *testing.T) []byte
	}{
		"dnat udp6": {
			setup: nat66,
			in: func(t *testing.T) []byte {
				return xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.UDP6(t, "fd99::4", "fd99::5", 1136, 53, payload)
			},
		},
		"dnat udp6 reply": {
			setup:   nat66,
			reverse: true,
			in: func(t *testing.T) []byte {
				return xtest.UDP6(t, "fd99::5", "fd99::4", 53, 1136, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.UDP6(t, "fd99::6", "fd99::4", 53, 1136, payload)
			},
		},
		"dnat tcp6": {
			setup: nat66,
			in: func(t *testing.T) []byte {
				return xtest.TCP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.TCP6(t, "fd99::4", "fd99::5", 1136, 53, payload)
			},
		},
		"dnat echo6": {
			setup: nat66,
			in: func(t *testing.T) []byte {
				return xtest.ICMPv6(t, "fd99::4", "fd99::6", hdr.ICMPv6EchoRequest, 0, 0x1, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.ICMPv6(t, "fd99::4", "fd99::5", hdr.ICMPv6EchoRequest, 0, 0x1, payload)
			},
		},
		"napt udp4": {
			setup: func(t *testing.T) (*flow.Table, *flow.Entry, *flow.Entry) {
				return napt44(t, hdr.ProtoUDP)
			},
			in: func(t *testing.T) []byte {
				return xtest.UDP4(t, "10.0.0.4", "8.8.8.8", 1136, 53, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.UDP4(t, "192.0.2.1", "8.8.8.8", 40000, 53, payload)
			},
		},
		"napt udp4 reply": {
			setup: func(t *testing.T) (*flow.Table, *flow.Entry, *flow.Entry) {
				return napt44(t, hdr.ProtoUDP)
			},
			reverse: true,
			in: func(t *testing.T) []byte {
				return xtest.UDP4(t, "8.8.8.8", "192.0.2.1", 53, 40000, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.UDP4(t, "8.8.8.8", "10.0.0.4", 53, 1136, payload)
			},
		},
		"napt tcp4": {
			setup: func(t *testing.T) (*flow.Table, *flow.Entry, *flow.Entry) {
				return napt44(t, hdr.ProtoTCP)
			},
			in: func(t *testing.T) []byte {
				return xtest.TCP4(t, "10.0.0.4", "8.8.8.8", 1136, 53, payload)
			},
			want: func(t *testing.T) []byte {
				return xtest.TCP4(t, "192.0.2.1", "8.8.8.8", 40000, 53, payload)
			},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			tbl, fe, rfe := tc.setup(t)
			if tc.reverse {
				fe = rfe
			}
			pkt := &fwd.Packet{Raw: tc.in(t)}
			md := fwd.NewMetadata(0)
			res, _ := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
			assert.Equal(t, nat.Forward, res)
			assert.Equal(t, tc.want(t), pkt.Raw)
		})
	}
}

func TestRewriteVRFTranslation(t *testing.T) {
	tbl, fe, _ := nat66(t)

	t.Run("next-hop in the destination VRF", func(t *testing.T) {
		pkt := &fwd.Packet{
			Raw:     xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload),
			Nexthop: &fwd.Nexthop{ID: 5, VRF: 2},
		}
		md := fwd.NewMetadata(1)
		md.DVRF = 2
		res, _ := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Forward, res)
		assert.Equal(t, uint32(5), pkt.Nexthop.ID)
	})
	t.Run("next-hop in another VRF", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		routes := mock_fwd.NewMockRouteTable(ctrl)
		routes.EXPECT().Lookup(uint16(2), addr("fd99::5")).Return(
			fwd.Route{Nexthop: &fwd.Nexthop{ID: 9, VRF: 2}}, true)
		pkt := &fwd.Packet{
			Raw:     xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload),
			Nexthop: &fwd.Nexthop{ID: 5, VRF: 1},
		}
		md := fwd.NewMetadata(1)
		md.DVRF = 2
		res, _ := newRewriter(t, tbl, routes, nil).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Forward, res)
		assert.Equal(t, uint32(9), pkt.Nexthop.ID)
	})
	t.Run("next-hop asks for a lookup", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		routes := mock_fwd.NewMockRouteTable(ctrl)
		routes.EXPECT().Lookup(uint16(2), addr("fd99::5")).Return(fwd.Route{}, false)
		sender := mock_fwd.NewMockSender(ctrl)
		pkt := &fwd.Packet{
			Raw:     xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload),
			Nexthop: &fwd.Nexthop{ID: 5, VRF: 2, Flags: fwd.NexthopRouteLookup},
		}
		sender.EXPECT().Free(pkt, drop.NowhereToGo)
		md := fwd.NewMetadata(1)
		md.DVRF = 2
		res, reason := newRewriter(t, tbl, routes, sender).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Consumed, res)
		assert.Equal(t, drop.NowhereToGo, reason)
	})
}

func TestRewriteFailsClosed(t *testing.T) {
	t.Run("no reverse flow", func(t *testing.T) {
		tbl, err := flow.New(flow.Config{Entries: 64, Logger: testlog.NewLogger(t)})
		require.NoError(t, err)
		r := flow.Request{
			Index:  -1,
			RIndex: -1,
			Family: flow.FamilyInet6,
			Action: flow.ActionNat,
			Flags:  flow.FlagDnat.Wire(),
		}
		r.SetFlowKey(flow.Key{Proto: hdr.ProtoUDP, SrcPort: 1136, DstPort: 53,
			Src: addr("fd99::4"), Dst: addr("fd99::6")})
		h, err := tbl.Set(r)
		require.NoError(t, err)
		fe, err := tbl.Get(h)
		require.NoError(t, err)

		raw := xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
		pkt := &fwd.Packet{Raw: append([]byte(nil), raw...)}
		sender := mock_fwd.NewMockSender(gomock.NewController(t))
		sender.EXPECT().Free(pkt, drop.FlowNatNoRflow)
		md := fwd.NewMetadata(0)
		res, reason := newRewriter(t, tbl, nil, sender).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Consumed, res)
		assert.Equal(t, drop.FlowNatNoRflow, reason)
		assert.Equal(t, raw, pkt.Raw)
	})
	t.Run("reverse flow deleted", func(t *testing.T) {
		tbl, fe, rfe := nat66(t)
		require.NoError(t, tbl.Delete(rfe.Handle()))

		raw := xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
		pkt := &fwd.Packet{Raw: append([]byte(nil), raw...)}
		md := fwd.NewMetadata(0)
		res, reason := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Consumed, res)
		assert.Equal(t, drop.FlowNatNoRflow, reason)
		assert.Equal(t, raw, pkt.Raw)
	})
	t.Run("truncated transport header", func(t *testing.T) {
		tbl, fe, _ := napt44(t, hdr.ProtoTCP)
		raw := xtest.TCP4(t, "10.0.0.4", "8.8.8.8", 1136, 53, nil)[:hdr.IPv4MinLen+10]
		pkt := &fwd.Packet{Raw: append([]byte(nil), raw...)}
		md := fwd.NewMetadata(0)
		res, reason := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
		assert.Equal(t, nat.Consumed, res)
		assert.Equal(t, drop.Pull, reason)
		assert.Equal(t, raw, pkt.Raw)
	})
	t.Run("truncated quoted datagram", func(t *testing.T) {
		tbl, _, rfe := nat66(t)
		quoted := xtest.UDP6(t, "fd99::4", "fd99::5", 1136, 53, payload)
		raw := xtest.ICMPv6(t, "fd99::5", "fd99::4", 1, 4, 0, quoted[:hdr.IPv6Len-8])
		pkt := &fwd.Packet{Raw: append([]byte(nil), raw...)}
		md := fwd.NewMetadata(0)
		res, reason := newRewriter(t, tbl, nil, nil).Rewrite(rfe, pkt, &md)
		assert.Equal(t, nat.Consumed, res)
		assert.Equal(t, drop.Pull, reason)
		assert.Equal(t, raw, pkt.Raw)
	})
}

func TestRewriteUDPWithoutChecksum(t *testing.T) {
	tbl, fe, _ := nat66(t)
	raw := xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
	raw[hdr.IPv6Len+6], raw[hdr.IPv6Len+7] = 0, 0
	pkt := &fwd.Packet{Raw: raw}
	md := fwd.NewMetadata(0)
	res, _ := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
	require.Equal(t, nat.Forward, res)
	ip, err := hdr.ParseIPv6(pkt.Raw)
	require.NoError(t, err)
	assert.Equal(t, addr("fd99::5"), ip.Dst())
	assert.Equal(t, []byte{0, 0}, pkt.Raw[hdr.IPv6Len+6:hdr.IPv6Len+8])
}

func TestRewritePartialChecksum(t *testing.T) {
	tbl, fe, _ := nat66(t)
	raw := xtest.UDP6(t, "fd99::4", "fd99::6", 1136, 53, payload)
	l4len := uint32(len(raw) - hdr.IPv6Len)
	partial := func(src, dst string) uint16 {
		return checksum.Fold(checksum.PseudoHeader(addr(src), addr(dst), hdr.ProtoUDP, l4len))
	}
	ports, err := hdr.ParsePorts(raw[hdr.IPv6Len:])
	require.NoError(t, err)
	p := partial("fd99::4", "fd99::6")
	raw[hdr.IPv6Len+6], raw[hdr.IPv6Len+7] = byte(p>>8), byte(p)
	require.Equal(t, uint16(1136), ports.Src())

	pkt := &fwd.Packet{Raw: raw, Flags: fwd.ChecksumPartial}
	md := fwd.NewMetadata(0)
	res, _ := newRewriter(t, tbl, nil, nil).Rewrite(fe, pkt, &md)
	require.Equal(t, nat.Forward, res)
	want := partial("fd99::4", "fd99::5")
	assert.Equal(t, []byte{byte(want >> 8), byte(want)}, pkt.Raw[hdr.IPv6Len+6:hdr.IPv6Len+8])
}

func TestRewriteICMPError(t *testing.T) {
	t.Run("v6", func(t *testing.T) {
		tbl, _, rfe := nat66(t)
		// fd99::5 reports an error about the translated datagram. It is
		// attributed to the reverse flow, whose source is translated back.
		quoted := xtest.UDP6(t, "fd99::4", "fd99::5", 1136, 53, payload)
		pkt := &fwd.Packet{Raw: xtest.ICMPv6(t, "fd99::5", "fd99::4", 1, 4, 0, quoted)}
		md := fwd.NewMetadata(0)
		res, _ := newRewriter(t, tbl, nil, nil).Rewrite(rfe, pkt, &md)
		require.Equal(t, nat.Forward, res)

		ip, err := hdr.ParseIPv6(pkt.Raw)
		require.NoError(t, err)
		assert.Equal(t, addr("fd99::6"), ip.Src())
		assert.Equal(t, addr("fd99::4"), ip.Dst())
		msg := ip.Payload()
		assert.True(t, checksum.Verify(msg,
			checksum.PseudoHeader(ip.Src(), ip.Dst(), hdr.ProtoICMPv6, uint32(len(msg)))))
		inner, err := hdr.ParseIPv6(msg[hdr.ICMPLen:])
		require.NoError(t, err)
		assert.Equal(t, addr("fd99::4"), inner.Src())
		assert.Equal(t, addr("fd99::6"), inner.Dst())
	})
	t.Run("v4", func(t *testing.T) {
		tbl, _, rfe := napt44(t, hdr.ProtoUDP)
		// 8.8.8.8 reports an error about the translated datagram.
		quoted := xtest.UDP4(t, "192.0.2.1", "8.8.8.8", 40000, 53, payload)
		pkt := &fwd.Packet{Raw: xtest.ICMPv4(t, "8.8.8.8", "192.0.2.1",
			hdr.ICMPv4DestUnreachable, 3, 0, 0, quoted)}
		md := fwd.NewMetadata(0)
		res, _ := newRewriter(t, tbl, nil, nil).Rewrite(rfe, pkt, &md)
		require.Equal(t, nat.Forward, res)

		ip, err := hdr.ParseIPv4(pkt.Raw)
		require.NoError(t, err)
		assert.Equal(t, addr("10.0.0.4"), ip.Dst())
		assert.True(t, checksum.Verify(ip.Header(), 0))
		msg := ip.Payload()
		assert.True(t, checksum.Verify(msg, 0))
		inner, err := hdr.ParseIPv4(msg[hdr.ICMPLen:])
		require.NoError(t, err)
		assert.Equal(t, addr("10.0.0.4"), inner.Src())
		assert.True(t, checksum.Verify(inner.Header(), 0))
		ports, err := hdr.ParsePorts(inner.Payload())
		require.NoError(t, err)
		assert.Equal(t, uint16(1136), ports.Src())
		assert.Equal(t, uint16(53), ports.Dst())
	})
}
