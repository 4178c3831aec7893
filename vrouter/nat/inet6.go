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


package nat

import (
	"net/netip"

	"github.com/vrflow/vrflow/pkg/checksum"
	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/vrouter/flow"
)

// inet6 rewrites an IPv6 packet and returns its new destination. All views
// are validated before the first byte is written.
func (t *translation) inet6(b []byte) (netip.Addr, error) {
	ip, err := hdr.ParseIPv6(b)
	if err != nil {
		return netip.Addr{}, err
	}
	proto, l4, err := ip.Transport()
	if err != nil {
		return netip.Addr{}, err
	}
	_, fragmented, _ := ip.Frag()
	transport := ip.TransportValid()

	var (
		ports  hdr.Ports
		icmp   hdr.ICMP
		msg    []byte
		quoted hdr.IPv6
		qports hdr.Ports
	)
	switch {
	case !transport:
	case proto == hdr.ProtoICMPv6:
		if icmp, err = hdr.ParseICMP(l4); err != nil {
			return netip.Addr{}, err
		}
		if !fragmented {
			if len(l4) < ip.PayloadLen() {
				return netip.Addr{}, truncated("icmp6", ip.PayloadLen(), len(l4))
			}
			msg = l4[:ip.PayloadLen()]
		}
		if hdr.IsICMPv6Error(icmp.Type()) {
			if quoted, err = hdr.ParseIPv6(icmp.Body()); err != nil {
				return netip.Addr{}, err
			}
			qproto, ql4, err := quoted.Transport()
			if err != nil {
				return netip.Addr{}, err
			}
			if quoted.TransportValid() {
				if qports, err = t.quotedPorts(qproto, ql4); err != nil {
					return netip.Addr{}, err
				}
			}
		}
	case hasPorts(proto):
		if ports, err = transportPorts(proto, l4); err != nil {
			return netip.Addr{}, err
		}
	}

	changed := false
	if quoted != nil {
		if t.has(flow.FlagSnat) && quoted.Dst() != t.rkey.Dst {
			quoted.SetDst(t.rkey.Dst)
			changed = true
		}
		if t.has(flow.FlagDnat) && quoted.Src() != t.rkey.Src {
			quoted.SetSrc(t.rkey.Src)
			changed = true
		}
		changed = t.quoted(qports) || changed
	}

	var d checksum.Delta
	if t.has(flow.FlagSnat) && ip.Src() == t.key.Src {
		d.AddAddr(ip.Src(), t.rkey.Dst)
		ip.SetSrc(t.rkey.Dst)
		changed = true
	}
	if t.has(flow.FlagDnat) {
		d.AddAddr(ip.Dst(), t.rkey.Src)
		ip.SetDst(t.rkey.Src)
		changed = true
	}
	if ports != nil {
		t.ports(ports, &d)
		t.transportChecksum(proto, l4, d)
	}
	if msg != nil && changed {
		icmp.SetChecksum(0)
		pseudo := checksum.PseudoHeader(ip.Src(), ip.Dst(), hdr.ProtoICMPv6, uint32(len(msg)))
		icmp.SetChecksum(^checksum.Fold(checksum.Sum(msg, pseudo)))
	}
	return ip.Dst(), nil
}
