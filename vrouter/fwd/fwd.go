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

// Package fwd defines the per-packet forwarding state shared by the flow
// engine and the contracts of the collaborators that surround it: route
// resolution, fat-flow policy, trap and mirror delivery and packet output.
package fwd

import (
	"net"
	"net/netip"

	"github.com/vrflow/vrflow/vrouter/drop"
)

//go:generate mockgen -destination=mock_fwd/mock.go -package=mock_fwd github.com/vrflow/vrflow/vrouter/fwd RouteTable,FatFlowPolicy,Trapper,Mirrorer,Sender

// InterfaceType is the type of a virtual router interface.
type InterfaceType uint8

const (
	InterfaceVirtual InterfaceType = iota
	InterfaceFabric
	InterfaceHost
	InterfaceAgent
)

// InterfaceFlags are the per-interface configuration flags.
type InterfaceFlags uint32

const (
	// InterfacePolicyEnabled requires a flow lookup for every packet
	// received on the interface.
	InterfacePolicyEnabled InterfaceFlags = 1 << iota
	// InterfaceMacProxy makes the router answer neighbor solicitations for
	// any target with a known route.
	InterfaceMacProxy
	// InterfaceXConnect puts the interface in cross-connect mode.
	InterfaceXConnect
)

// Interface is a virtual router interface.
type Interface struct {
	ID    uint16
	Type  InterfaceType
	Flags InterfaceFlags
	VRF   uint16
	MAC   net.HardwareAddr
	// NeighborMode decides what happens to neighbor solicitations that are
	// not proxied.
	NeighborMode MACResponse
}

func (i *Interface) PolicyEnabled() bool { return i.Flags&InterfacePolicyEnabled != 0 }
func (i *Interface) MacProxy() bool      { return i.Flags&InterfaceMacProxy != 0 }
func (i *Interface) XConnect() bool      { return i.Flags&InterfaceXConnect != 0 }
func (i *Interface) IsFabric() bool      { return i.Type == InterfaceFabric }
func (i *Interface) IsVirtual() bool     { return i.Type == InterfaceVirtual }

// MACResponse is the outcome of a neighbor solicitation decision.
type MACResponse uint8

const (
	MRFlood MACResponse = iota
	MRProxy
	MRXConnect
	MRTrapXConnect
	MRMirror
	MRDrop
	MRNotMe
)

func (r MACResponse) String() string {
	switch r {
	case MRFlood:
		return "flood"
	case MRProxy:
		return "proxy"
	case MRXConnect:
		return "xconnect"
	case MRTrapXConnect:
		return "trap_xconnect"
	case MRMirror:
		return "mirror"
	case MRDrop:
		return "drop"
	case MRNotMe:
		return "not_me"
	}
	return "unknown"
}

// NexthopFlags are next-hop properties relevant to the flow engine.
type NexthopFlags uint32

const (
	// NexthopRouteLookup asks for a fresh route lookup in the destination
	// VRF before the packet is forwarded.
	NexthopRouteLookup NexthopFlags = 1 << iota
)

// Nexthop is a resolved next hop.
type Nexthop struct {
	ID    uint32
	VRF   uint16
	Flags NexthopFlags
}

// RouteFlags are label flags attached to a route.
type RouteFlags uint32

const (
	RouteLabelValid RouteFlags = 1 << iota
	// RouteARPProxy marks routes for which the router answers ARP and
	// neighbor solicitations itself.
	RouteARPProxy
	RouteARPFlood
)

// Route is the result of a route lookup.
type Route struct {
	Nexthop *Nexthop
	MAC     net.HardwareAddr
	Label   uint32
	Flags   RouteFlags
}

// RouteTable resolves destination addresses within a VRF.
type RouteTable interface {
	Lookup(vrf uint16, dst netip.Addr) (Route, bool)
}

// FatFlowMask selects the key fields removed by fat-flow reduction.
type FatFlowMask uint8

const (
	FatFlowSrcPort FatFlowMask = 0x1
	FatFlowDstPort FatFlowMask = 0x2
	FatFlowSrcIP   FatFlowMask = 0x4
	FatFlowDstIP   FatFlowMask = 0x8

	FatFlowNoMask FatFlowMask = 0
)

// FatFlowPolicy returns the fat-flow mask configured for a packet. The
// policy may rewrite src and dst in place to aggregate them to a prefix.
type FatFlowPolicy interface {
	FatFlowMask(vrf uint16, ingress *Interface, proto uint8, sport, dport uint16,
		src, dst *netip.Addr) FatFlowMask
}

// TrapReason tells the agent why a packet was trapped.
type TrapReason uint8

const (
	TrapFlowMiss TrapReason = iota + 1
	TrapARP
	TrapL3Protocols
	TrapHandleOriginal
	// TrapECMPResolve asks the agent to pick the ECMP member of a flow.
	TrapECMPResolve
)

func (r TrapReason) String() string {
	switch r {
	case TrapFlowMiss:
		return "flow_miss"
	case TrapARP:
		return "arp"
	case TrapL3Protocols:
		return "l3_protocols"
	case TrapHandleOriginal:
		return "handle_original"
	case TrapECMPResolve:
		return "ecmp_resolve"
	}
	return "unknown"
}

// Trapper delivers packets to the agent.
type Trapper interface {
	Trap(pkt *Packet, vrf uint16, reason TrapReason, aux any)
}

// Mirrorer delivers a copy of a packet to a mirror destination.
type Mirrorer interface {
	Mirror(pkt *Packet, mirrorID uint8)
}

// Sender is the packet output path.
type Sender interface {
	// Forward sends the packet towards its next hop.
	Forward(pkt *Packet, md *Metadata)
	// XConnect sends the packet out of the paired interface.
	XConnect(pkt *Packet, md *Metadata)
	// Reply sends the packet back out of its ingress interface.
	Reply(pkt *Packet, md *Metadata)
	// Reinject feeds a packet into the forwarding pipeline again.
	Reinject(pkt *Packet, md *Metadata)
	// Free releases a packet that is dropped for reason.
	Free(pkt *Packet, reason drop.Reason)
}
