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

// inet rewrites an IPv4 packet and returns its new destination. All views
// are validated before the first byte is written.
func (t *translation) inet(b []byte) (netip.Addr, error) {
	ip, err := hdr.ParseIPv4(b)
	if err != nil {
		return netip.Addr{}, err
	}
	proto, l4 := ip.Proto(), ip.Payload()

	var (
		ports  hdr.Ports
		icmp   hdr.ICMP
		quoted hdr.IPv4
		qports hdr.Ports
	)
	switch {
	case !ip.TransportValid():
	case proto == hdr.ProtoICMP:
		if icmp, err = hdr.ParseICMP(l4); err != nil {
			return netip.Addr{}, err
		}
		if hdr.IsICMPv4Error(icmp.Type()) {
			if quoted, err = hdr.ParseIPv4(icmp.Body()); err != nil {
				return netip.Addr{}, err
			}
			if quoted.TransportValid() {
				if qports, err = t.quotedPorts(quoted.Proto(), quoted.Payload()); err != nil {
					return netip.Addr{}, err
				}
			}
		}
	case hasPorts(proto):
		if ports, err = transportPorts(proto, l4); err != nil {
			return netip.Addr{}, err
		}
	}

	if quoted != nil {
		var qd checksum.Delta
		if t.has(flow.FlagSnat) {
			qd.AddAddr(quoted.Dst(), t.rkey.Dst)
			quoted.SetDst(t.rkey.Dst)
		}
		if t.has(flow.FlagDnat) {
			qd.AddAddr(quoted.Src(), t.rkey.Src)
			quoted.SetSrc(t.rkey.Src)
		}
		changed := !qd.Empty()
		if changed {
			quoted.SetChecksum(qd.Apply(quoted.Checksum()))
		}
		if t.quoted(qports) {
			changed = true
		}
		if changed && !ip.IsFragment() {
			icmp.SetChecksum(0)
			icmp.SetChecksum(checksum.Checksum(l4))
		}
	}

	var d checksum.Delta
	if t.has(flow.FlagSnat) && ip.Src() == t.key.Src {
		d.AddAddr(ip.Src(), t.rkey.Dst)
		ip.SetSrc(t.rkey.Dst)
	}
	if t.has(flow.FlagDnat) {
		d.AddAddr(ip.Dst(), t.rkey.Src)
		ip.SetDst(t.rkey.Src)
	}
	if !d.Empty() {
		ip.SetChecksum(d.Apply(ip.Checksum()))
	}
	if ports != nil {
		t.ports(ports, &d)
		t.transportChecksum(proto, l4, d)
	}
	return ip.Dst(), nil
}
