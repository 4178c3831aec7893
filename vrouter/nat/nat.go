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


// Package nat rewrites the addresses and ports of packets of translated
// flows.
//
// The translated identity is taken from the reverse entry of the flow: the
// reverse key holds the addresses and ports the peer uses. Transport and IP
// header checksums are updated incrementally. ICMP checksums are recomputed
// whenever the message changed, since ICMPv6 covers the pseudo header.
package nat

import (
	"encoding/binary"
	"net/netip"

	"github.com/vrflow/vrflow/pkg/checksum"
	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// Result is the outcome of a rewrite.
type Result uint8

const (
	// Forward means the packet was rewritten and continues on its path.
	Forward Result = iota
	// Consumed means the packet was dropped and freed.
	Consumed
)

func (r Result) String() string {
	switch r {
	case Forward:
		return "forward"
	case Consumed:
		return "consumed"
	}
	return "unknown"
}

// Config configures a Rewriter.
type Config struct {
	Flows *flow.Table
	// Routes re-resolves the next-hop of VRF translated packets.
	Routes fwd.RouteTable
	// Sender frees dropped packets.
	Sender fwd.Sender
	Logger log.Logger
}

// Rewriter applies the translations of flow entries to packets.
type Rewriter struct {
	flows  *flow.Table
	routes fwd.RouteTable
	sender fwd.Sender
	logger log.Logger
}

// New creates a rewriter.
func New(cfg Config) *Rewriter {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("component", "nat")
	}
	return &Rewriter{
		flows:  cfg.Flows,
		routes: cfg.Routes,
		sender: cfg.Sender,
		logger: logger,
	}
}

// Rewrite translates pkt according to the flow entry fe, whose action is
// Nat:
//
//   - Snat: the source address becomes the destination of the reverse key,
//     if the packet's source is the source of fe.
//   - Dnat: the destination address becomes the source of the reverse key.
//   - Spat, Dpat: the same for the source and destination ports.
//
// ICMP errors additionally have the quoted datagram translated, in the
// opposite sense. If the flow translates VRFs, the next-hop of the packet is
// resolved again in the destination VRF.
//
// If fe has no active reverse entry, or the packet cannot be parsed, the
// packet is freed unmodified and Consumed is returned with the drop reason.
// The reason is meaningless for Forward.
func (r *Rewriter) Rewrite(fe *flow.Entry, pkt *fwd.Packet, md *fwd.Metadata) (Result, drop.Reason) {
	rfe, err := r.flows.ReverseOf(fe)
	if err != nil {
		return r.discard(pkt, drop.FlowNatNoRflow, err, "flow", fe.Index())
	}
	t := translation{
		flags:   fe.Flags(),
		key:     fe.Key(),
		rkey:    rfe.Key(),
		diag:    pkt.Has(fwd.Diag),
		partial: pkt.Has(fwd.ChecksumPartial),
	}
	var dst netip.Addr
	switch v, _ := hdr.Version(pkt.Raw); v {
	case 6:
		dst, err = t.inet6(pkt.Raw)
	case 4:
		dst, err = t.inet(pkt.Raw)
	default:
		err = serrors.JoinNoStack(hdr.ErrMalformed, nil, "version", v)
	}
	if err != nil {
		return r.discard(pkt, drop.Pull, err, "flow", fe.Index())
	}

	nh := pkt.Nexthop
	if t.flags.Has(flow.FlagVrfTranslate) && nh != nil &&
		(nh.VRF != md.DVRF || nh.Flags&fwd.NexthopRouteLookup != 0) {

		route, ok := r.routes.Lookup(md.DVRF, dst)
		if !ok || route.Nexthop == nil {
			return r.discard(pkt, drop.NowhereToGo, nil, "vrf", md.DVRF, "dst", dst)
		}
		pkt.Nexthop = route.Nexthop
	}
	return Forward, drop.Discard
}

func (r *Rewriter) discard(pkt *fwd.Packet, reason drop.Reason, err error,
	ctx ...any) (Result, drop.Reason) {

	if r.logger.Enabled(log.DebugLevel) {
		r.logger.Debug("Dropping packet", append(ctx, "reason", reason, "err", err)...)
	}
	if r.sender != nil {
		r.sender.Free(pkt, reason)
	}
	return Consumed, reason
}

// translation holds what is needed to rewrite one packet.
type translation struct {
	flags   flow.Flags
	key     flow.Key
	rkey    flow.Key
	diag    bool
	partial bool
}

func (t *translation) has(f flow.Flags) bool {
	return t.flags.Has(f)
}

func truncated(what string, need, have int) error {
	return serrors.JoinNoStack(hdr.ErrTruncated, nil, "hdr", what, "need", need, "have", have)
}

func hasPorts(proto uint8) bool {
	return proto == hdr.ProtoTCP || proto == hdr.ProtoUDP || proto == hdr.ProtoSCTP
}

// transportPorts returns the port view of l4 and checks that the checksum
// field, if any, is present.
func transportPorts(proto uint8, l4 []byte) (hdr.Ports, error) {
	ports, err := hdr.ParsePorts(l4)
	if err != nil {
		return nil, err
	}
	if off := hdr.ChecksumOffset(proto); off >= 0 && len(l4) < off+2 {
		return nil, truncated("transport", off+2, len(l4))
	}
	return ports, nil
}

// quotedPorts returns the port view of the transport header of a quoted
// datagram, or nil if its protocol has no ports or no port rewrite is
// needed.
func (t *translation) quotedPorts(proto uint8, l4 []byte) (hdr.Ports, error) {
	if !hasPorts(proto) || !t.has(flow.FlagSpat) && !t.has(flow.FlagDpat) {
		return nil, nil
	}
	return hdr.ParsePorts(l4)
}

// ports rewrites the transport ports and records the change in d.
func (t *translation) ports(p hdr.Ports, d *checksum.Delta) {
	if t.has(flow.FlagSpat) {
		d.Add16(p.Src(), t.rkey.DstPort)
		p.SetSrc(t.rkey.DstPort)
	}
	if t.has(flow.FlagDpat) {
		d.Add16(p.Dst(), t.rkey.SrcPort)
		p.SetDst(t.rkey.SrcPort)
	}
}

// quoted rewrites the ports of a quoted datagram, which travelled in the
// opposite direction. It reports whether anything changed.
func (t *translation) quoted(p hdr.Ports) bool {
	if p == nil {
		return false
	}
	changed := false
	if t.has(flow.FlagSpat) && p.Dst() != t.rkey.DstPort {
		p.SetDst(t.rkey.DstPort)
		changed = true
	}
	if t.has(flow.FlagDpat) && p.Src() != t.rkey.SrcPort {
		p.SetSrc(t.rkey.SrcPort)
		changed = true
	}
	return changed
}

// transportChecksum applies d to the TCP or UDP checksum in l4. A zero UDP
// checksum means there is none and stays untouched.
func (t *translation) transportChecksum(proto uint8, l4 []byte, d checksum.Delta) {
	off := hdr.ChecksumOffset(proto)
	if t.diag || off < 0 || d.Empty() {
		return
	}
	field := binary.BigEndian.Uint16(l4[off:])
	if proto == hdr.ProtoUDP && field == 0 {
		return
	}
	var sum uint16
	if t.partial {
		sum = d.ApplyPartial(field)
	} else {
		sum = d.Apply(field)
		if proto == hdr.ProtoUDP && sum == 0 {
			sum = 0xffff
		}
	}
	binary.BigEndian.PutUint16(l4[off:], sum)
}
