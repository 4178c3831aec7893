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


// Package classify derives flow keys from packets.
//
// The classifier reads the IP header and, where present, the transport
// header and builds the key of the flow the packet belongs to. ICMP errors
// are attributed to the flow of the datagram they quote. Fragments after the
// first one are attributed through the fragment table, which learns the
// ports from the head fragment.
package classify

import (
	"errors"
	"net/netip"

	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fragment"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

var (
	// ErrPullFailed is returned for truncated or malformed headers.
	ErrPullFailed = errors.New("header pull failed")
	// ErrICMPError is returned for ICMP errors that cannot be attributed to
	// a flow: errors quoting errors, or quoting non-head fragments.
	ErrICMPError = errors.New("unattributable ICMP error")
	// ErrNoFragEntry is returned for non-head fragments if there is no
	// fragment table to resolve them.
	ErrNoFragEntry = errors.New("no fragment entry")
	// ErrFragmentQueued is returned for non-head fragments that arrived
	// before their head. The packet now belongs to the fragment table.
	ErrFragmentQueued = errors.New("fragment queued")
)

// DropReason returns the reason a packet that failed classification with
// err is dropped for.
func DropReason(err error) drop.Reason {
	switch {
	case errors.Is(err, ErrPullFailed):
		return drop.Pull
	case errors.Is(err, ErrICMPError):
		return drop.ICMPError
	case errors.Is(err, ErrNoFragEntry):
		return drop.NoFragEntry
	case errors.Is(err, fragment.ErrQueueFull):
		return drop.FragmentQueueFail
	}
	return drop.Misc
}

// Direction is the direction a key is computed for.
type Direction uint8

const (
	// Forward keys have the addresses and ports as seen in the packet.
	Forward Direction = iota
	// Reverse keys have them swapped.
	Reverse
)

func (d Direction) opposite() Direction {
	return d ^ 1
}

// FragmentHead describes the head fragment of a fragmented datagram. Its
// ports must be registered in the fragment table before the fragments
// queued behind it are processed again.
type FragmentHead struct {
	Key     fragment.Key
	SrcPort uint16
	DstPort uint16
	Payload int
}

// Result is the outcome of a classification.
type Result struct {
	Key flow.Key
	// Reverse is the key of the opposite direction, as replies are
	// classified.
	Reverse flow.Key
	// Skip is set if the packet is exempt from flow processing.
	Skip bool
	// Head is set for head fragments.
	Head *FragmentHead
}

// Config configures a Classifier.
type Config struct {
	// Routes resolves the next-hop identifier of flow sources. Without
	// routes the identifier is 0.
	Routes fwd.RouteTable
	// FatFlow is the fat-flow policy, optional.
	FatFlow fwd.FatFlowPolicy
	// Fragments resolves non-head fragments, optional.
	Fragments *fragment.Table
}

// Classifier computes flow keys.
type Classifier struct {
	routes  fwd.RouteTable
	fatFlow fwd.FatFlowPolicy
	frags   *fragment.Table
}

// New creates a classifier.
func New(cfg Config) *Classifier {
	return &Classifier{
		routes:  cfg.Routes,
		fatFlow: cfg.FatFlow,
		frags:   cfg.Fragments,
	}
}

type tuple struct {
	proto uint8
	src   netip.Addr
	dst   netip.Addr
	sport uint16
	dport uint16
}

// Classify computes the key of the flow pkt belongs to, in direction dir.
// Non-head fragments are accounted in the fragment table, so a packet is
// classified at most once. If it returns ErrFragmentQueued, the packet was
// handed to the fragment table and must not be touched by the caller.
//
// ICMPv6 neighbor solicitations and advertisements are marked FlowSet and
// reported with Skip.
func (c *Classifier) Classify(pkt *fwd.Packet, md *fwd.Metadata, dir Direction) (Result, error) {
	v, err := hdr.Version(pkt.Raw)
	if err != nil {
		return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
	}
	vrf, rvrf := md.VRF, md.DVRF
	if dir == Reverse {
		vrf, rvrf = rvrf, vrf
	}
	cl := classification{c: c, pkt: pkt, md: md, vrf: vrf, rvrf: rvrf}
	switch v {
	case 4:
		return cl.inet(pkt.Raw, dir, true)
	case 6:
		return cl.inet6(pkt.Raw, dir, true)
	}
	return Result{}, serrors.JoinNoStack(ErrPullFailed, hdr.ErrMalformed, "version", v)
}

// NexthopID returns the identifier of the next-hop that addr is reached
// through in vrf, or 0 if it is unknown.
func (c *Classifier) NexthopID(vrf uint16, addr netip.Addr) uint32 {
	if c.routes == nil {
		return 0
	}
	r, ok := c.routes.Lookup(vrf, addr)
	if !ok || r.Nexthop == nil {
		return 0
	}
	return r.Nexthop.ID
}

type classification struct {
	c   *Classifier
	pkt *fwd.Packet
	md  *fwd.Metadata
	// vrf is the VRF of the flow source, rvrf the one of replies.
	vrf  uint16
	rvrf uint16
}

func (cl *classification) inet6(b []byte, dir Direction, outer bool) (Result, error) {
	ip, err := hdr.ParseIPv6(b)
	if err != nil {
		return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
	}
	frag, isFrag, err := ip.Frag()
	if err != nil {
		return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
	}
	if isFrag && frag.Offset() != 0 {
		if !outer {
			return Result{}, serrors.JoinNoStack(ErrICMPError, nil, "quoted", "fragment")
		}
		fk := fragment.Key{VRF: cl.md.DVRF, Src: ip.Src(), Dst: ip.Dst(), ID: frag.ID()}
		t := tuple{proto: frag.NextHeader(), src: ip.Src(), dst: ip.Dst()}
		return cl.fragment(fk, t, ip.PayloadLen()-hdr.Frag6Len, frag.Offset(), frag.More(), dir)
	}

	proto, l4, err := ip.Transport()
	if err != nil {
		return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
	}
	t := tuple{proto: proto, src: ip.Src(), dst: ip.Dst()}
	switch proto {
	case hdr.ProtoICMPv6:
		icmp, err := hdr.ParseICMP(l4)
		if err != nil {
			return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
		}
		switch typ := icmp.Type(); {
		case hdr.IsICMPv6Error(typ):
			if !outer {
				return Result{}, serrors.JoinNoStack(ErrICMPError, nil, "quoted", "error")
			}
			return cl.inet6(icmp.Body(), dir.opposite(), false)
		case typ == hdr.ICMPv6EchoRequest || typ == hdr.ICMPv6EchoReply:
			t.sport, t.dport = icmp.ID(), uint16(hdr.ICMPv6EchoReply)
		case typ == hdr.ICMPv6NeighborSolicit || typ == hdr.ICMPv6NeighborAdvert:
			cl.pkt.Flags |= fwd.FlowSet
			return Result{Skip: true}, nil
		default:
			t.dport = uint16(typ)
		}
	case hdr.ProtoTCP, hdr.ProtoUDP, hdr.ProtoSCTP:
		ports, err := hdr.ParsePorts(l4)
		if err != nil {
			return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
		}
		t.sport, t.dport = ports.Src(), ports.Dst()
	}

	res := cl.result(t, dir)
	if outer && isFrag && frag.More() {
		res.Head = &FragmentHead{
			Key:     fragment.Key{VRF: cl.md.DVRF, Src: t.src, Dst: t.dst, ID: frag.ID()},
			SrcPort: t.sport,
			DstPort: t.dport,
			Payload: ip.PayloadLen() - hdr.Frag6Len,
		}
	}
	return res, nil
}

func (cl *classification) inet(b []byte, dir Direction, outer bool) (Result, error) {
	ip, err := hdr.ParseIPv4(b)
	if err != nil {
		return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
	}
	t := tuple{proto: ip.Proto(), src: ip.Src(), dst: ip.Dst()}
	if !ip.TransportValid() {
		if !outer {
			return Result{}, serrors.JoinNoStack(ErrICMPError, nil, "quoted", "fragment")
		}
		fk := fragment.Key{VRF: cl.md.DVRF, Src: t.src, Dst: t.dst, ID: uint32(ip.ID())}
		return cl.fragment(fk, t, ip.PayloadLen(), ip.FragOffset(), ip.MoreFragments(), dir)
	}

	l4 := ip.Payload()
	switch t.proto {
	case hdr.ProtoICMP:
		icmp, err := hdr.ParseICMP(l4)
		if err != nil {
			return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
		}
		switch typ := icmp.Type(); {
		case hdr.IsICMPv4Error(typ):
			if !outer {
				return Result{}, serrors.JoinNoStack(ErrICMPError, nil, "quoted", "error")
			}
			return cl.inet(icmp.Body(), dir.opposite(), false)
		case typ == hdr.ICMPv4EchoRequest || typ == hdr.ICMPv4EchoReply:
			t.sport, t.dport = icmp.ID(), uint16(hdr.ICMPv4EchoReply)
		default:
			t.dport = uint16(typ)
		}
	case hdr.ProtoTCP, hdr.ProtoUDP, hdr.ProtoSCTP:
		ports, err := hdr.ParsePorts(l4)
		if err != nil {
			return Result{}, serrors.JoinNoStack(ErrPullFailed, err)
		}
		t.sport, t.dport = ports.Src(), ports.Dst()
	}

	res := cl.result(t, dir)
	if outer && ip.IsHeadFragment() {
		res.Head = &FragmentHead{
			Key:     fragment.Key{VRF: cl.md.DVRF, Src: t.src, Dst: t.dst, ID: uint32(ip.ID())},
			SrcPort: t.sport,
			DstPort: t.dport,
			Payload: ip.PayloadLen(),
		}
	}
	return res, nil
}

// fragment resolves the ports of a non-head fragment. Fragments whose head
// was not seen yet are queued.
func (cl *classification) fragment(fk fragment.Key, t tuple, payload, offset int, more bool,
	dir Direction) (Result, error) {

	frags := cl.c.frags
	if frags == nil {
		return Result{}, ErrNoFragEntry
	}
	sport, dport, ok := frags.Lookup(fk, payload, offset, more)
	if !ok {
		if err := frags.Enqueue(fk, cl.pkt, *cl.md); err != nil {
			return Result{}, err
		}
		return Result{}, ErrFragmentQueued
	}
	t.sport, t.dport = sport, dport
	return cl.result(t, dir), nil
}

func (cl *classification) result(t tuple, dir Direction) Result {
	return Result{
		Key:     cl.key(t, dir, cl.vrf),
		Reverse: cl.key(t, dir.opposite(), cl.rvrf),
	}
}

// key builds the flow key of t, with the source resolved in vrf. The
// direction swap happens before the fat-flow policy is consulted, so that
// the policy sees the key's own orientation.
func (cl *classification) key(t tuple, dir Direction, vrf uint16) flow.Key {
	if dir == Reverse {
		t.src, t.dst = t.dst, t.src
		t.sport, t.dport = t.dport, t.sport
	}
	nh := cl.c.NexthopID(vrf, t.src)
	mask := fwd.FatFlowNoMask
	if cl.c.fatFlow != nil {
		mask = cl.c.fatFlow.FatFlowMask(vrf, cl.pkt.Ingress, t.proto, t.sport, t.dport,
			&t.src, &t.dst)
	}
	return flow.NewKey(nh, t.proto, t.src, t.dst, t.sport, t.dport, flow.KeyAll).Mask(mask)
}
