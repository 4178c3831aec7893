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

package xtest

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// Serialize serializes the layers with lengths and checksums fixed.
func Serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

// IPv6Layer returns an IPv6 header layer.
func IPv6Layer(src, dst string, next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
}

// IPv4Layer returns an IPv4 header layer.
func IPv4Layer(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       1,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

// UDP6 builds an IPv6/UDP packet with a valid checksum.
func UDP6(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := IPv6Layer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ip, udp, gopacket.Payload(payload))
}

// TCP6 builds an IPv6/TCP packet with a valid checksum.
func TCP6(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := IPv6Layer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1000,
		ACK:     true,
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ip, tcp, gopacket.Payload(payload))
}

// UDP4 builds an IPv4/UDP packet with valid checksums.
func UDP4(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := IPv4Layer(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ip, udp, gopacket.Payload(payload))
}

// TCP4 builds an IPv4/TCP packet with valid checksums.
func TCP4(t testing.TB, src, dst string, sport, dport uint16, payload []byte) []byte {
	ip := IPv4Layer(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1000,
		ACK:     true,
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ip, tcp, gopacket.Payload(payload))
}

// ICMPv6 builds an IPv6/ICMPv6 packet. body follows the 4 byte type
// specific field.
func ICMPv6(t testing.TB, src, dst string, typ, code uint8, typeData uint32,
	body []byte) []byte {

	ip := IPv6Layer(src, dst, layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, code)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	data := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(data, typeData)
	copy(data[4:], body)
	return Serialize(t, ip, icmp, gopacket.Payload(data))
}

// ICMPv4 builds an IPv4/ICMP packet. body follows the id/seq words.
func ICMPv4(t testing.TB, src, dst string, typ, code uint8, id, seq uint16,
	body []byte) []byte {

	ip := IPv4Layer(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, code),
		Id:       id,
		Seq:      seq,
	}
	return Serialize(t, ip, icmp, gopacket.Payload(body))
}

// Frag6 builds one IPv6 fragment. data is the fragmentable part starting at
// offset (in bytes, a multiple of 8).
func Frag6(t testing.TB, src, dst string, id uint32, offset int, more bool,
	next layers.IPProtocol, data []byte) []byte {

	ip := IPv6Layer(src, dst, layers.IPProtocolIPv6Fragment)
	fh := make([]byte, 8, 8+len(data))
	fh[0] = uint8(next)
	off := uint16(offset) &^ 7
	if more {
		off |= 1
	}
	binary.BigEndian.PutUint16(fh[2:], off)
	binary.BigEndian.PutUint32(fh[4:], id)
	return Serialize(t, ip, gopacket.Payload(append(fh, data...)))
}

// Frag4 builds one IPv4 fragment. data is the fragmentable part starting at
// offset (in bytes, a multiple of 8).
func Frag4(t testing.TB, src, dst string, id uint16, offset int, more bool,
	proto layers.IPProtocol, data []byte) []byte {

	ip := IPv4Layer(src, dst, proto)
	ip.Id = id
	ip.FragOffset = uint16(offset / 8)
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	return Serialize(t, ip, gopacket.Payload(data))
}
