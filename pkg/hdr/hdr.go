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

// Package hdr provides bounds-checked views on IPv4, IPv6 and transport
// headers inside a mutable packet buffer.
//
// A view is a byte slice whose length was validated by its Parse function.
// Accessors never read outside of the validated region, and setters write
// directly into the underlying buffer.
package hdr

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/vrflow/vrflow/pkg/private/serrors"
)

// ErrTruncated is returned if the buffer is too short for the header.
var ErrTruncated = errors.New("truncated header")

// ErrMalformed is returned if a header field is inconsistent.
var ErrMalformed = errors.New("malformed header")

// IP protocol numbers.
const (
	ProtoICMP     uint8 = 1
	ProtoTCP      uint8 = 6
	ProtoUDP      uint8 = 17
	ProtoIPv6Frag uint8 = 44
	ProtoICMPv6   uint8 = 58
	ProtoSCTP     uint8 = 132
)

const (
	IPv4MinLen  = 20
	IPv6Len     = 40
	Frag6Len    = 8
	ICMPLen     = 8
	PortsLen    = 4
	UDPLen      = 8
	TCPMinLen   = 20
	ipv4MF      = 0x2000
	ipv4OffMask = 0x1fff
	ipv6MF      = 0x0001
	ipv6OffMask = 0xfff8
)

func truncated(hdr string, need, have int) error {
	return serrors.JoinNoStack(ErrTruncated, nil, "hdr", hdr, "need", need, "have", have)
}

// Version returns the IP version of the packet starting at b.
func Version(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, truncated("ip", 1, 0)
	}
	return int(b[0] >> 4), nil
}

// IPv4 is a view on an IPv4 header and its payload.
type IPv4 []byte

// ParseIPv4 validates the fixed header and the options of an IPv4 packet.
func ParseIPv4(b []byte) (IPv4, error) {
	if len(b) < IPv4MinLen {
		return nil, truncated("ipv4", IPv4MinLen, len(b))
	}
	if b[0]>>4 != 4 {
		return nil, serrors.JoinNoStack(ErrMalformed, nil, "hdr", "ipv4", "version", b[0]>>4)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < IPv4MinLen {
		return nil, serrors.JoinNoStack(ErrMalformed, nil, "hdr", "ipv4", "ihl", ihl)
	}
	if len(b) < ihl {
		return nil, truncated("ipv4", ihl, len(b))
	}
	if tl := int(binary.BigEndian.Uint16(b[2:])); tl < ihl {
		return nil, serrors.JoinNoStack(ErrMalformed, nil, "hdr", "ipv4", "total_len", tl,
			"ihl", ihl)
	}
	return IPv4(b), nil
}

func (h IPv4) HeaderLen() int       { return int(h[0]&0x0f) * 4 }
func (h IPv4) TOS() uint8           { return h[1] }
func (h IPv4) TotalLen() int        { return int(binary.BigEndian.Uint16(h[2:])) }
func (h IPv4) ID() uint16           { return binary.BigEndian.Uint16(h[4:]) }
func (h IPv4) TTL() uint8           { return h[8] }
func (h IPv4) Proto() uint8         { return h[9] }
func (h IPv4) Checksum() uint16     { return binary.BigEndian.Uint16(h[10:]) }
func (h IPv4) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[10:], c) }

// MoreFragments returns the MF flag.
func (h IPv4) MoreFragments() bool {
	return binary.BigEndian.Uint16(h[6:])&ipv4MF != 0
}

// FragOffset returns the fragment offset in bytes.
func (h IPv4) FragOffset() int {
	return int(binary.BigEndian.Uint16(h[6:])&ipv4OffMask) * 8
}

// IsFragment reports whether the packet is any fragment of a datagram.
func (h IPv4) IsFragment() bool {
	return h.MoreFragments() || h.FragOffset() != 0
}

// IsHeadFragment reports whether the packet is the first of several fragments.
func (h IPv4) IsHeadFragment() bool {
	return h.MoreFragments() && h.FragOffset() == 0
}

// TransportValid reports whether the transport header is carried in this
// packet, which is the case for unfragmented packets and head fragments.
func (h IPv4) TransportValid() bool {
	return h.FragOffset() == 0
}

func (h IPv4) Src() netip.Addr { return netip.AddrFrom4([4]byte(h[12:16])) }
func (h IPv4) Dst() netip.Addr { return netip.AddrFrom4([4]byte(h[16:20])) }

func (h IPv4) SetSrc(a netip.Addr) {
	b := a.As4()
	copy(h[12:16], b[:])
}

func (h IPv4) SetDst(a netip.Addr) {
	b := a.As4()
	copy(h[16:20], b[:])
}

// Header returns the header including options.
func (h IPv4) Header() []byte { return h[:h.HeaderLen()] }

// Payload returns the bytes after the header, bounded by the total length
// when the buffer is longer than the datagram.
func (h IPv4) Payload() []byte {
	end := len(h)
	if tl := h.TotalLen(); tl >= h.HeaderLen() && tl < end {
		end = tl
	}
	return h[h.HeaderLen():end]
}

// PayloadLen returns the payload length announced by the header.
func (h IPv4) PayloadLen() int {
	return h.TotalLen() - h.HeaderLen()
}

// IPv6 is a view on an IPv6 header and its payload.
type IPv6 []byte

// ParseIPv6 validates the fixed IPv6 header.
func ParseIPv6(b []byte) (IPv6, error) {
	if len(b) < IPv6Len {
		return nil, truncated("ipv6", IPv6Len, len(b))
	}
	if b[0]>>4 != 6 {
		return nil, serrors.JoinNoStack(ErrMalformed, nil, "hdr", "ipv6", "version", b[0]>>4)
	}
	return IPv6(b), nil
}

// TrafficClass returns the traffic class octet.
func (h IPv6) TrafficClass() uint8 {
	return uint8(binary.BigEndian.Uint16(h[0:]) >> 4)
}

func (h IPv6) PayloadLen() int   { return int(binary.BigEndian.Uint16(h[4:])) }
func (h IPv6) NextHeader() uint8 { return h[6] }
func (h IPv6) HopLimit() uint8   { return h[7] }
func (h IPv6) Src() netip.Addr   { return netip.AddrFrom16([16]byte(h[8:24])) }
func (h IPv6) Dst() netip.Addr   { return netip.AddrFrom16([16]byte(h[24:40])) }
func (h IPv6) Payload() []byte   { return h[IPv6Len:] }

func (h IPv6) SetSrc(a netip.Addr) {
	b := a.As16()
	copy(h[8:24], b[:])
}

func (h IPv6) SetDst(a netip.Addr) {
	b := a.As16()
	copy(h[24:40], b[:])
}

// Frag returns the fragment extension header if it directly follows the
// fixed header.
func (h IPv6) Frag() (Frag6, bool, error) {
	if h.NextHeader() != ProtoIPv6Frag {
		return nil, false, nil
	}
	if pl := h.PayloadLen(); pl < Frag6Len {
		return nil, true, serrors.JoinNoStack(ErrMalformed, nil, "hdr", "ipv6", "payload_len", pl)
	}
	f, err := ParseFrag6(h.Payload())
	if err != nil {
		return nil, true, err
	}
	return f, true, nil
}

// Transport returns the upper layer protocol and the bytes following the
// fixed header and, if present, the fragment header.
func (h IPv6) Transport() (uint8, []byte, error) {
	f, ok, err := h.Frag()
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return h.NextHeader(), h.Payload(), nil
	}
	return f.NextHeader(), f[Frag6Len:], nil
}

// TransportValid reports whether the transport header is carried in this
// packet, that is the packet is not a fragment or is a head fragment.
func (h IPv6) TransportValid() bool {
	f, ok, err := h.Frag()
	if err != nil {
		return false
	}
	return !ok || f.Offset() == 0
}

// IsHeadFragment reports whether the packet is the first of several fragments.
func (h IPv6) IsHeadFragment() bool {
	f, ok, err := h.Frag()
	return err == nil && ok && f.Offset() == 0 && f.More()
}

// Frag6 is a view on the IPv6 fragment extension header.
type Frag6 []byte

// ParseFrag6 validates the fragment header length.
func ParseFrag6(b []byte) (Frag6, error) {
	if len(b) < Frag6Len {
		return nil, truncated("ipv6frag", Frag6Len, len(b))
	}
	return Frag6(b), nil
}

func (f Frag6) NextHeader() uint8 { return f[0] }

// Offset returns the fragment offset in bytes.
func (f Frag6) Offset() int { return int(binary.BigEndian.Uint16(f[2:]) & ipv6OffMask) }

// More returns the M flag.
func (f Frag6) More() bool { return binary.BigEndian.Uint16(f[2:])&ipv6MF != 0 }

func (f Frag6) ID() uint32 { return binary.BigEndian.Uint32(f[4:]) }

// IsTail reports whether this is the last fragment of a fragmented datagram:
// the M flag is clear and the offset is not zero.
func (f Frag6) IsTail() bool { return !f.More() && f.Offset() != 0 }

// Ports is a view on the first two 16 bit words of a TCP, UDP or SCTP header.
type Ports []byte

// ParsePorts validates that the port words are present.
func ParsePorts(b []byte) (Ports, error) {
	if len(b) < PortsLen {
		return nil, truncated("ports", PortsLen, len(b))
	}
	return Ports(b), nil
}

func (p Ports) Src() uint16     { return binary.BigEndian.Uint16(p[0:]) }
func (p Ports) Dst() uint16     { return binary.BigEndian.Uint16(p[2:]) }
func (p Ports) SetSrc(v uint16) { binary.BigEndian.PutUint16(p[0:], v) }
func (p Ports) SetDst(v uint16) { binary.BigEndian.PutUint16(p[2:], v) }

// ChecksumOffset returns the offset of the checksum field within the
// transport header of proto, or -1 if the protocol has none that is updated
// incrementally.
func ChecksumOffset(proto uint8) int {
	switch proto {
	case ProtoTCP:
		return 16
	case ProtoUDP:
		return 6
	}
	return -1
}

// ICMP is a view on an ICMP or ICMPv6 header, including the 4 bytes of
// type-specific data.
type ICMP []byte

// ParseICMP validates the header length.
func ParseICMP(b []byte) (ICMP, error) {
	if len(b) < ICMPLen {
		return nil, truncated("icmp", ICMPLen, len(b))
	}
	return ICMP(b), nil
}

func (c ICMP) Type() uint8          { return c[0] }
func (c ICMP) Code() uint8          { return c[1] }
func (c ICMP) Checksum() uint16     { return binary.BigEndian.Uint16(c[2:]) }
func (c ICMP) SetChecksum(v uint16) { binary.BigEndian.PutUint16(c[2:], v) }
func (c ICMP) ID() uint16           { return binary.BigEndian.Uint16(c[4:]) }
func (c ICMP) Body() []byte         { return c[ICMPLen:] }

// ICMP and ICMPv6 types used by the data plane.
const (
	ICMPv4EchoReply       uint8 = 0
	ICMPv4DestUnreachable uint8 = 3
	ICMPv4SourceQuench    uint8 = 4
	ICMPv4Redirect        uint8 = 5
	ICMPv4EchoRequest     uint8 = 8
	ICMPv4TimeExceeded    uint8 = 11
	ICMPv4ParamProblem    uint8 = 12

	ICMPv6EchoRequest     uint8 = 128
	ICMPv6EchoReply       uint8 = 129
	ICMPv6RouterSolicit   uint8 = 133
	ICMPv6RouterAdvert    uint8 = 134
	ICMPv6NeighborSolicit uint8 = 135
	ICMPv6NeighborAdvert  uint8 = 136
)

// IsICMPv4Error reports whether t is an ICMPv4 error message type.
func IsICMPv4Error(t uint8) bool {
	switch t {
	case ICMPv4DestUnreachable, ICMPv4SourceQuench, ICMPv4Redirect,
		ICMPv4TimeExceeded, ICMPv4ParamProblem:
		return true
	}
	return false
}

// IsICMPv6Error reports whether t is an ICMPv6 error message type.
func IsICMPv6Error(t uint8) bool {
	return t < 128
}
