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


package flow

import (
	"encoding/binary"
	"net/netip"

	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/vrouter/fwd"
	"github.com/vrflow/vrflow/vrouter/internal/fnv1a"
)

// Family is the address family of a key as stored in the packed layout.
type Family uint8

const (
	FamilyInet  Family = 2
	FamilyInet6 Family = 10
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	}
	return "unknown"
}

// KeyFields is the set of key fields that are significant. Fields outside
// the set are zeroed when the key is built.
type KeyFields uint8

const (
	KeyProto   KeyFields = 0x01
	KeySrcIP   KeyFields = 0x02
	KeySrcPort KeyFields = 0x04
	KeyDstIP   KeyFields = 0x08
	KeyDstPort KeyFields = 0x10

	KeyNone KeyFields = 0x00
	KeyAll  KeyFields = 0x1f
)

// FieldsFromMask returns the key fields that remain significant after the
// fat-flow mask m is applied.
func FieldsFromMask(m fwd.FatFlowMask) KeyFields {
	f := KeyAll
	if m&fwd.FatFlowSrcPort != 0 {
		f &^= KeySrcPort
	}
	if m&fwd.FatFlowDstPort != 0 {
		f &^= KeyDstPort
	}
	if m&fwd.FatFlowSrcIP != 0 {
		f &^= KeySrcIP
	}
	if m&fwd.FatFlowDstIP != 0 {
		f &^= KeyDstIP
	}
	return f
}

// Packed key lengths.
const (
	KeyLenInet  = 20
	KeyLenInet6 = 44
	// KeyLenMax is the size of the key area in the packed entry record.
	KeyLenMax = KeyLenInet6

	keyAddrOffset = 12
)

// Key identifies one direction of a flow. Src and Dst must be of the same
// family. Masked address fields hold the unspecified address of the family.
// Two keys are equal iff they compare equal with ==.
type Key struct {
	Proto   uint8
	SrcPort uint16
	DstPort uint16
	NhID    uint32
	Src     netip.Addr
	Dst     netip.Addr
}

// NewKey builds a key from its fields, zeroing those not in valid.
func NewKey(nhID uint32, proto uint8, src, dst netip.Addr, sport, dport uint16,
	valid KeyFields) Key {

	k := Key{
		Proto:   proto,
		SrcPort: sport,
		DstPort: dport,
		NhID:    nhID,
		Src:     src,
		Dst:     dst,
	}
	return k.withFields(valid)
}

func (k Key) withFields(valid KeyFields) Key {
	if valid&KeyProto == 0 {
		k.Proto = 0
	}
	if valid&KeySrcPort == 0 {
		k.SrcPort = 0
	}
	if valid&KeyDstPort == 0 {
		k.DstPort = 0
	}
	if valid&KeySrcIP == 0 {
		k.Src = unspecified(k.Src)
	}
	if valid&KeyDstIP == 0 {
		k.Dst = unspecified(k.Dst)
	}
	return k
}

// Mask applies the fat-flow mask m to the key. Masking is idempotent.
func (k Key) Mask(m fwd.FatFlowMask) Key {
	return k.withFields(FieldsFromMask(m))
}

func unspecified(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// Reverse returns the key of the opposite direction with the same next-hop.
func (k Key) Reverse() Key {
	k.Src, k.Dst = k.Dst, k.Src
	k.SrcPort, k.DstPort = k.DstPort, k.SrcPort
	return k
}

// Family returns the address family of the key.
func (k Key) Family() Family {
	switch {
	case k.Src.Is4():
		return FamilyInet
	case k.Src.Is6():
		return FamilyInet6
	}
	return 0
}

// Valid reports whether the key has addresses of a single family.
func (k Key) Valid() bool {
	return k.Src.IsValid() && k.Dst.IsValid() && k.Src.Is4() == k.Dst.Is4()
}

// Len returns the length of the packed key.
func (k Key) Len() int {
	if k.Family() == FamilyInet {
		return KeyLenInet
	}
	return KeyLenInet6
}

// MarshalBinary returns the packed representation of the key.
func (k Key) MarshalBinary() ([]byte, error) {
	if !k.Valid() {
		return nil, serrors.New("invalid flow key", "src", k.Src, "dst", k.Dst)
	}
	b := make([]byte, k.Len())
	k.put(b)
	return b, nil
}

// put writes the packed key to b, which must hold at least k.Len() bytes.
func (k Key) put(b []byte) {
	b[0] = byte(k.Family())
	b[1] = k.Proto
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint16(b[4:], k.SrcPort)
	binary.BigEndian.PutUint16(b[6:], k.DstPort)
	binary.LittleEndian.PutUint32(b[8:], k.NhID)
	if k.Family() == FamilyInet {
		s, d := k.Src.As4(), k.Dst.As4()
		copy(b[keyAddrOffset:], s[:])
		copy(b[keyAddrOffset+4:], d[:])
		return
	}
	s, d := k.Src.As16(), k.Dst.As16()
	copy(b[keyAddrOffset:], s[:])
	copy(b[keyAddrOffset+16:], d[:])
}

// UnmarshalBinary parses a packed key.
func (k *Key) UnmarshalBinary(b []byte) error {
	if len(b) < KeyLenInet {
		return serrors.New("flow key too short", "len", len(b))
	}
	var alen int
	switch Family(b[0]) {
	case FamilyInet:
		alen = 4
	case FamilyInet6:
		alen = 16
	default:
		return serrors.New("unknown flow key family", "family", b[0])
	}
	if len(b) < keyAddrOffset+2*alen {
		return serrors.New("flow key too short", "len", len(b), "family", Family(b[0]))
	}
	src, _ := netip.AddrFromSlice(b[keyAddrOffset : keyAddrOffset+alen])
	dst, _ := netip.AddrFromSlice(b[keyAddrOffset+alen : keyAddrOffset+2*alen])
	*k = Key{
		Proto:   b[1],
		SrcPort: binary.BigEndian.Uint16(b[4:]),
		DstPort: binary.BigEndian.Uint16(b[6:]),
		NhID:    binary.LittleEndian.Uint32(b[8:]),
		Src:     src,
		Dst:     dst,
	}
	return nil
}

// hash returns the bucket hash of the packed key.
func (k Key) hash(seed uint32) uint32 {
	var b [KeyLenMax]byte
	k.put(b[:])
	return fnv1a.Bytes(seed, b[:k.Len()])
}
