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


package classify

import (
	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// Kind is the kind of a well-known control packet.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRouterSolicitation
	KindNeighborSolicitation
	KindNeighborAdvertisement
	KindDHCPRequest
)

func (k Kind) String() string {
	switch k {
	case KindRouterSolicitation:
		return "router_solicitation"
	case KindNeighborSolicitation:
		return "neighbor_solicitation"
	case KindNeighborAdvertisement:
		return "neighbor_advertisement"
	case KindDHCPRequest:
		return "dhcp_request"
	}
	return "unknown"
}

// DHCPv6ClientPort is the UDP port DHCPv6 clients send from.
const DHCPv6ClientPort = 546

// WellKnown recognizes the IPv6 control packets sent to the link scope
// multicast group ff02::/16 on behalf of neighbor discovery and DHCPv6.
// Only packets flagged Multicast are considered.
func WellKnown(pkt *fwd.Packet) Kind {
	if !pkt.Has(fwd.Multicast) {
		return KindUnknown
	}
	ip, err := hdr.ParseIPv6(pkt.Raw)
	if err != nil {
		return KindUnknown
	}
	dst := ip.Dst()
	if dst.IsLinkLocalUnicast() {
		return KindUnknown
	}
	if b := dst.As16(); b[0] != 0xff || b[1] != 0x02 {
		return KindUnknown
	}
	switch ip.NextHeader() {
	case hdr.ProtoICMPv6:
		icmp, err := hdr.ParseICMP(ip.Payload())
		if err != nil {
			return KindUnknown
		}
		switch icmp.Type() {
		case hdr.ICMPv6RouterSolicit:
			return KindRouterSolicitation
		case hdr.ICMPv6NeighborSolicit:
			return KindNeighborSolicitation
		case hdr.ICMPv6NeighborAdvert:
			return KindNeighborAdvertisement
		}
	case hdr.ProtoUDP:
		ports, err := hdr.ParsePorts(ip.Payload())
		if err == nil && ports.Src() == DHCPv6ClientPort {
			return KindDHCPRequest
		}
	}
	return KindUnknown
}
