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

// PacketFlags are the per-packet flags.
type PacketFlags uint16

const (
	// FlowSet marks packets whose flow processing is complete.
	FlowSet PacketFlags = 1 << iota
	// FlowGet requests a flow lookup even on interfaces without policy.
	FlowGet
	Multicast
	// ChecksumPartial marks packets whose transport checksum field holds
	// the un-complemented pseudo header sum, to be completed on output.
	ChecksumPartial
	Cloned
	// Diag marks diagnostic packets whose checksums are not maintained.
	Diag
	// Accounted marks held packets that were already counted on their flow.
	Accounted
)

// Packet is a packet travelling through the flow engine.
type Packet struct {
	// Raw holds the network layer packet, starting with the IP header.
	Raw []byte
	// L2 holds the link layer header the packet was received with, if any.
	L2 []byte
	// Ingress is the interface the packet arrived on.
	Ingress *Interface
	// Nexthop is the next hop the packet is currently bound to.
	Nexthop *Nexthop
	Flags   PacketFlags
}

// Has reports whether all flags in f are set.
func (p *Packet) Has(f PacketFlags) bool {
	return p.Flags&f == f
}

// Clone returns a deep copy of the packet buffers. The interface and
// next-hop references are shared.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Raw = make([]byte, len(p.Raw))
	copy(c.Raw, p.Raw)
	if p.L2 != nil {
		c.L2 = make([]byte, len(p.L2))
		copy(c.L2, p.L2)
	}
	c.Flags |= Cloned
	return &c
}

// Reset makes the packet ready for reuse, keeping the buffer capacity.
func (p *Packet) Reset() {
	*p = Packet{Raw: p.Raw[:0], L2: p.L2[:0]}
}

// FlowRef refers to a flow table slot at a given generation.
type FlowRef struct {
	Index int32
	Gen   uint32
}

// InvalidFlowRef is the zero reference, which never matches a slot.
var InvalidFlowRef = FlowRef{Index: -1}

// Valid reports whether the reference points to a slot at all.
func (r FlowRef) Valid() bool {
	return r.Index >= 0
}

// MetadataFlags are per-packet forwarding flags.
type MetadataFlags uint16

const (
	// MacIsMyMac is set if the destination MAC is the router's own.
	MacIsMyMac MetadataFlags = 1 << iota
)

// VLANInvalid is the VLAN value of untagged packets.
const VLANInvalid = 0xffff

// Metadata is the forwarding state of a packet, owned by the processing
// call chain.
type Metadata struct {
	VRF       uint16
	DVRF      uint16
	VLAN      uint16
	Label     int32
	DSCP      int8
	ECMPIndex int8
	// Flow is the flow entry the packet was matched against, if any.
	Flow  FlowRef
	Flags MetadataFlags
}

// NewMetadata returns metadata for a packet received in vrf.
func NewMetadata(vrf uint16) Metadata {
	return Metadata{
		VRF:       vrf,
		DVRF:      vrf,
		VLAN:      VLANInvalid,
		Label:     -1,
		DSCP:      -1,
		ECMPIndex: -1,
		Flow:      InvalidFlowRef,
	}
}
