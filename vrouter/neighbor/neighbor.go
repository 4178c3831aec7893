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


// Package neighbor handles IPv6 neighbor discovery on behalf of the virtual
// machines attached to the router: it answers neighbor solicitations by
// proxy, hands advertisements to the agent and cross-connects what it does
// not own. Router solicitations and DHCPv6 requests from virtual interfaces
// are trapped to the agent.
package neighbor

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/mdlayher/ndp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/vrouter/classify"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// Neighbor advertisement flags.
const (
	flagRouter    = 0x80
	flagSolicited = 0x40
)

const ethLen = 14

var seropts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// Config configures a Helper.
type Config struct {
	// Routes resolves solicitation targets in the destination VRF.
	Routes  fwd.RouteTable
	Trapper fwd.Trapper
	Sender  fwd.Sender
	// ProxyReplies counts fabricated advertisements. Optional.
	ProxyReplies prometheus.Counter
	Logger       log.Logger
}

// Helper processes neighbor discovery packets.
type Helper struct {
	routes  fwd.RouteTable
	trapper fwd.Trapper
	sender  fwd.Sender
	replies prometheus.Counter
	logger  log.Logger
}

// New returns a helper using the given collaborators.
func New(cfg Config) *Helper {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("component", "neighbor")
	}
	return &Helper{
		routes:  cfg.Routes,
		trapper: cfg.Trapper,
		sender:  cfg.Sender,
		replies: cfg.ProxyReplies,
		logger:  logger,
	}
}

// Handle dispatches the control packets the helper is responsible for. It
// reports whether the packet was consumed; otherwise it continues through the
// forwarding pipeline untouched.
func (h *Helper) Handle(pkt *fwd.Packet, md *fwd.Metadata) bool {
	ip, err := hdr.ParseIPv6(pkt.Raw)
	if err != nil {
		return false
	}
	switch ip.NextHeader() {
	case hdr.ProtoICMPv6:
		if len(ip.Payload()) < 1 {
			return false
		}
		switch ip.Payload()[0] {
		case hdr.ICMPv6NeighborSolicit:
			return h.Input(pkt, md)
		case hdr.ICMPv6NeighborAdvert:
			return h.Reply(pkt, md)
		case hdr.ICMPv6RouterSolicit:
			return h.trapL3(pkt, md)
		}
	case hdr.ProtoUDP:
		if classify.WellKnown(pkt) == classify.KindDHCPRequest {
			return h.trapL3(pkt, md)
		}
	}
	return false
}

func (h *Helper) trapL3(pkt *fwd.Packet, md *fwd.Metadata) bool {
	if pkt.Ingress == nil || !pkt.Ingress.IsVirtual() {
		return false
	}
	h.trapper.Trap(pkt, md.DVRF, fwd.TrapL3Protocols, nil)
	return true
}

// Input processes a neighbor solicitation. It reports whether the packet was
// consumed; packets that are not solicitations are never consumed.
func (h *Helper) Input(pkt *fwd.Packet, md *fwd.Metadata) bool {
	ip, err := hdr.ParseIPv6(pkt.Raw)
	if err != nil {
		h.free(pkt, drop.InvalidPacket, err)
		return true
	}
	if ip.NextHeader() != hdr.ProtoICMPv6 {
		return false
	}
	msg := ip.Payload()
	if len(msg) < hdr.ICMPLen {
		h.free(pkt, drop.InvalidPacket, hdr.ErrTruncated)
		return true
	}
	if msg[0] != hdr.ICMPv6NeighborSolicit {
		return false
	}
	m, err := ndp.ParseMessage(msg)
	if err != nil {
		h.free(pkt, drop.InvalidPacket, err)
		return true
	}
	ns, ok := m.(*ndp.NeighborSolicitation)
	if !ok {
		return false
	}

	mr, mac := h.request(pkt, md, ip, ns)
	h.logger.Debug("Neighbor solicitation", "target", ns.TargetAddress, "response", mr)
	switch mr {
	case fwd.MRProxy:
		h.proxy(pkt, md, ip, ns, mac)
	case fwd.MRXConnect:
		h.sender.XConnect(pkt, md)
	case fwd.MRTrapXConnect:
		h.trapper.Trap(pkt.Clone(), md.DVRF, fwd.TrapARP, nil)
		h.sender.XConnect(pkt, md)
	case fwd.MRMirror:
		h.trapper.Trap(pkt.Clone(), md.DVRF, fwd.TrapARP, nil)
		return false
	case fwd.MRDrop:
		h.free(pkt, drop.InvalidARP, nil)
	default:
		return false
	}
	return true
}

// request decides how a solicitation is answered. For MRProxy it also
// returns the hardware address to advertise.
func (h *Helper) request(pkt *fwd.Packet, md *fwd.Metadata, ip hdr.IPv6,
	ns *ndp.NeighborSolicitation) (fwd.MACResponse, net.HardwareAddr) {

	if md.VLAN != fwd.VLANInvalid {
		return fwd.MRFlood, nil
	}
	// Duplicate address detection probes are bridged.
	if ip.Src().IsUnspecified() && sourceLLA(ns) == nil {
		return fwd.MRNotMe, nil
	}
	vif := pkt.Ingress
	if vif == nil {
		return fwd.MRFlood, nil
	}
	var route fwd.Route
	if h.routes != nil {
		route, _ = h.routes.Lookup(md.DVRF, ns.TargetAddress)
	}
	if vif.MacProxy() || route.Flags&fwd.RouteARPProxy != 0 {
		mac := route.MAC
		if len(mac) == 0 {
			mac = vif.MAC
		}
		if len(mac) == 0 {
			return fwd.MRFlood, nil
		}
		return fwd.MRProxy, mac
	}
	return vif.NeighborMode, nil
}

// proxy turns the solicitation into the advertisement of target and sends
// it back out of the ingress interface.
func (h *Helper) proxy(pkt *fwd.Packet, md *fwd.Metadata, ip hdr.IPv6,
	ns *ndp.NeighborSolicitation, mac net.HardwareAddr) {

	dst := ip.Src()
	dmac := sourceLLA(ns)
	if dmac == nil {
		dmac = l2Source(pkt)
	}
	if dmac == nil {
		dmac = multicastMAC(dst)
	}
	var flags uint8 = flagSolicited
	if md.Flags&fwd.MacIsMyMac != 0 {
		flags |= flagRouter
	}

	eth := layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       dmac,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ipv6 := layers.IPv6{
		Version:      6,
		TrafficClass: ip.TrafficClass(),
		NextHeader:   layers.IPProtocolICMPv6,
		HopLimit:     255,
		SrcIP:        ns.TargetAddress.AsSlice(),
		DstIP:        dst.AsSlice(),
	}
	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
	}
	na := layers.ICMPv6NeighborAdvertisement{
		Flags:         flags,
		TargetAddress: ns.TargetAddress.AsSlice(),
		Options: layers.ICMPv6Options{
			layers.ICMPv6Option{Type: layers.ICMPv6OptTargetAddress, Data: mac},
		},
	}
	if err := icmp6.SetNetworkLayerForChecksum(&ipv6); err != nil {
		h.free(pkt, drop.Push, err)
		return
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, seropts, &eth, &ipv6, &icmp6, &na); err != nil {
		h.free(pkt, drop.Push, err)
		return
	}
	b := buf.Bytes()
	pkt.L2 = append(pkt.L2[:0], b[:ethLen]...)
	pkt.Raw = append(pkt.Raw[:0], b[ethLen:]...)
	if h.replies != nil {
		h.replies.Inc()
	}
	h.sender.Reply(pkt, md)
}

// Reply processes a neighbor advertisement. Advertisements on fabric
// interfaces are only consumed if they belong to the fabric VRF and arrived
// without a label.
func (h *Helper) Reply(pkt *fwd.Packet, md *fwd.Metadata) bool {
	vif := pkt.Ingress
	switch {
	case vif == nil:
		h.free(pkt, drop.InvalidIf, nil)
	case vif.XConnect() || vif.Type == fwd.InterfaceHost:
		h.sender.XConnect(pkt, md)
	case vif.IsFabric():
		if md.Label >= 0 || md.DVRF != vif.VRF {
			return false
		}
		c := pkt.Clone()
		h.sender.XConnect(pkt, md)
		h.trapper.Trap(c, md.DVRF, fwd.TrapARP, nil)
	default:
		h.free(pkt, drop.InvalidIf, nil)
	}
	return true
}

func (h *Helper) free(pkt *fwd.Packet, reason drop.Reason, err error) {
	if h.logger.Enabled(log.DebugLevel) {
		h.logger.Debug("Dropping neighbor discovery packet", "reason", reason, "err", err)
	}
	h.sender.Free(pkt, reason)
}

func sourceLLA(ns *ndp.NeighborSolicitation) net.HardwareAddr {
	for _, o := range ns.Options {
		if lla, ok := o.(*ndp.LinkLayerAddress); ok && lla.Direction == ndp.Source {
			return lla.Addr
		}
	}
	return nil
}

func l2Source(pkt *fwd.Packet) net.HardwareAddr {
	if len(pkt.L2) < ethLen {
		return nil
	}
	return net.HardwareAddr(append([]byte(nil), pkt.L2[6:12]...))
}

// multicastMAC is the Ethernet address of the solicited node group of a.
func multicastMAC(a netip.Addr) net.HardwareAddr {
	b := a.As16()
	return net.HardwareAddr{0x33, 0x33, 0xff, b[13], b[14], b[15]}
}
