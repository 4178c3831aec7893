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

// Package checksum implements the Internet checksum (RFC 1071) and its
// incremental update (RFC 1624).
//
// Sums are accumulated in a uint32 and only folded when the final 16 bit
// value is needed, so that several chunks (pseudo header, L4 header, payload)
// can be summed without intermediate folding.
package checksum

import (
	"encoding/binary"
	"net/netip"
)

// Sum adds the big-endian 16 bit words of data to initial. If data has an odd
// length, the last byte is padded with a zero.
func Sum(data []byte, initial uint32) uint32 {
	sum := uint64(initial)
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint64(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)%2 != 0 {
		sum += uint64(data[len(data)-1]) << 8
	}
	for sum > 0xffffffff {
		sum = (sum >> 32) + (sum & 0xffffffff)
	}
	return uint32(sum)
}

// Fold folds the carries of sum into the low 16 bits.
func Fold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// Checksum returns the Internet checksum over the concatenation of the
// chunks. Each chunk with an odd length is padded separately.
func Checksum(chunks ...[]byte) uint16 {
	var sum uint32
	for _, c := range chunks {
		sum = Sum(c, sum)
	}
	return ^Fold(sum)
}

// Verify reports whether data, whose checksum field is populated, sums up
// together with the pseudo header sum to all ones.
func Verify(data []byte, pseudo uint32) bool {
	return Fold(Sum(data, pseudo)) == 0xffff
}

// PseudoHeader returns the sum of the IPv4 or IPv6 pseudo header for an upper
// layer packet of the given length and protocol.
func PseudoHeader(src, dst netip.Addr, proto uint8, length uint32) uint32 {
	var sum uint32
	if src.Is4() {
		s, d := src.As4(), dst.As4()
		sum = Sum(s[:], 0)
		sum = Sum(d[:], sum)
	} else {
		s, d := src.As16(), dst.As16()
		sum = Sum(s[:], 0)
		sum = Sum(d[:], sum)
	}
	sum += length >> 16
	sum += length & 0xffff
	sum += uint32(proto)
	return sum
}

// Delta accumulates the ones' complement difference of replaced fields. The
// zero value is an empty delta.
type Delta struct {
	sum uint32
}

// Add16 records that the 16 bit word old is replaced by new.
func (d *Delta) Add16(old, new uint16) {
	d.sum += uint32(^old) + uint32(new)
	d.sum = uint32(Fold(d.sum))
}

// AddBytes records that old is replaced by new. Both must have the same even
// length.
func (d *Delta) AddBytes(old, new []byte) {
	for i := 0; i+1 < len(old) && i+1 < len(new); i += 2 {
		d.Add16(binary.BigEndian.Uint16(old[i:]), binary.BigEndian.Uint16(new[i:]))
	}
}

// AddAddr records that address old is replaced by new.
func (d *Delta) AddAddr(old, new netip.Addr) {
	o, n := old.AsSlice(), new.AsSlice()
	d.AddBytes(o, n)
}

// Empty reports whether no change was recorded.
func (d Delta) Empty() bool {
	return d.sum == 0 || d.sum == 0xffff
}

// Apply returns the checksum csum updated by the delta, following
// HC' = ~(~HC + ~m + m').
func (d Delta) Apply(csum uint16) uint16 {
	return ^Fold(uint32(^csum) + d.sum)
}

// ApplyPartial updates a checksum field holding an un-complemented partial
// sum, as left by senders relying on checksum offload.
func (d Delta) ApplyPartial(partial uint16) uint16 {
	return Fold(uint32(partial) + d.sum)
}
