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

package checksum_test

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vrflow/vrflow/pkg/checksum"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		Input  [][]byte
		Output [2]byte
	}{
		{[][]byte{{0x00, 0x01}}, [2]byte{0xff, 0xfe}},
		{[][]byte{{0x34, 0x88, 0x19, 0x55}}, [2]byte{0xb2, 0x22}},
		{[][]byte{{0x17, 0x00}}, [2]byte{0xe8, 0xff}},
		{[][]byte{{0x11, 0x11}}, [2]byte{0xee, 0xee}},
		{[][]byte{{0xef}}, [2]byte{0x10, 0xff}},
		{[][]byte{{0x11}, {0x80, 0x15, 0x13}}, [2]byte{0x5b, 0xea}},
		{[][]byte{{0xa1, 0xa2, 0xa3, 0xa4}, {0xb1, 0xb2, 0xb3}, {0x10, 0x20}},
			[2]byte{0x45, 0xe5}},
	}
	for _, test := range tests {
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, checksum.Checksum(test.Input...))
		t.Run(fmt.Sprintf("Input %v", test.Input), func(t *testing.T) {
			assert.Equal(t, test.Output[:], out)
		})
	}
}

// udpDatagram returns a UDP header plus payload with a valid checksum.
func udpDatagram(src, dst netip.Addr, sport, dport uint16, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(b[0:], sport)
	binary.BigEndian.PutUint16(b[2:], dport)
	binary.BigEndian.PutUint16(b[4:], uint16(len(b)))
	copy(b[8:], payload)
	pseudo := checksum.PseudoHeader(src, dst, 17, uint32(len(b)))
	binary.BigEndian.PutUint16(b[6:], ^checksum.Fold(checksum.Sum(b, pseudo)))
	return b
}

func TestIncrementalMatchesFull(t *testing.T) {
	testCases := map[string]struct {
		src, dst, newSrc string
		sport, newSport  uint16
	}{
		"v4 address and port": {
			src: "10.1.1.1", dst: "10.1.1.2", newSrc: "192.168.7.9",
			sport: 1136, newSport: 40000,
		},
		"v6 address": {
			src: "fd99::4", dst: "fd99::6", newSrc: "fd99::5",
			sport: 1136, newSport: 1136,
		},
		"v6 all ones words": {
			src: "ffff:ffff::1", dst: "fd99::6", newSrc: "::",
			sport: 0xffff, newSport: 0,
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			src, dst := netip.MustParseAddr(tc.src), netip.MustParseAddr(tc.dst)
			newSrc := netip.MustParseAddr(tc.newSrc)
			payload := []byte("incremental checksum payload")
			pkt := udpDatagram(src, dst, tc.sport, 53, payload)
			want := udpDatagram(newSrc, dst, tc.newSport, 53, payload)

			var d checksum.Delta
			d.AddAddr(src, newSrc)
			d.Add16(tc.sport, tc.newSport)
			got := d.Apply(binary.BigEndian.Uint16(pkt[6:]))
			wantCsum := binary.BigEndian.Uint16(want[6:])
			// 0x0000 and 0xffff are the same value in ones' complement.
			if wantCsum == 0 {
				wantCsum = 0xffff
			}
			if got == 0 {
				got = 0xffff
			}
			assert.Equal(t, wantCsum, got)

			binary.BigEndian.PutUint16(want[6:], got)
			pseudo := checksum.PseudoHeader(newSrc, dst, 17, uint32(len(want)))
			assert.True(t, checksum.Verify(want, pseudo))
		})
	}
}

func TestDeltaEmpty(t *testing.T) {
	var d checksum.Delta
	assert.True(t, d.Empty())
	d.Add16(0x1234, 0x1234)
	assert.True(t, d.Empty())
	assert.Equal(t, uint16(0xbeef), d.Apply(0xbeef))
	d.Add16(0x1234, 0x1235)
	assert.False(t, d.Empty())
}

func TestApplyPartial(t *testing.T) {
	src, dst := netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")
	newDst := netip.MustParseAddr("172.16.0.9")
	partial := checksum.Fold(checksum.PseudoHeader(src, dst, 6, 20))
	want := checksum.Fold(checksum.PseudoHeader(src, newDst, 6, 20))

	var d checksum.Delta
	d.AddAddr(dst, newDst)
	assert.Equal(t, want, d.ApplyPartial(partial))
}

func BenchmarkChecksum(b *testing.B) {
	data := make([]byte, 1500)
	for i := 0; i < len(data); i++ {
		data[i] = byte(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checksum.Checksum(data)
	}
}
