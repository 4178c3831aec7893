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


package vrouter

import (
	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/vrouter/flow"
)

// TCP header flags.
const (
	tcpFin = 0x01
	tcpSyn = 0x02
	tcpRst = 0x04
	tcpAck = 0x10
)

const tcpFlagsOffset = 13

// tcpFlags returns the flags of the TCP header of raw, or false if raw is
// not an unfragmented TCP segment.
func tcpFlags(raw []byte) (uint8, bool) {
	v, err := hdr.Version(raw)
	if err != nil {
		return 0, false
	}
	var l4 []byte
	switch v {
	case 4:
		ip, err := hdr.ParseIPv4(raw)
		if err != nil || ip.Proto() != hdr.ProtoTCP || !ip.TransportValid() {
			return 0, false
		}
		l4 = ip.Payload()
	case 6:
		ip, err := hdr.ParseIPv6(raw)
		if err != nil {
			return 0, false
		}
		proto, b, err := ip.Transport()
		if err != nil || proto != hdr.ProtoTCP {
			return 0, false
		}
		l4 = b
	default:
		return 0, false
	}
	if len(l4) < hdr.TCPMinLen {
		return 0, false
	}
	return l4[tcpFlagsOffset], true
}

// tcpTrack advances the connection state of the flow pair from a segment
// seen on fe. Flags observed in one direction are recorded as reverse flags
// on the other entry. Entries whose connection is dead are queued for
// eviction.
func (d *DataPlane) tcpTrack(fe, rfe *flow.Entry, raw []byte) {
	f, ok := tcpFlags(raw)
	if !ok {
		return
	}
	var own, peer flow.TCPFlags
	state := fe.TCPFlags()
	switch {
	case f&tcpRst != 0:
		own, peer = flow.TCPRst|flow.TCPDead, flow.TCPRst|flow.TCPDead
	case f&tcpSyn != 0:
		own, peer = flow.TCPSyn, flow.TCPSynR
	case f&tcpFin != 0:
		own, peer = flow.TCPFin, flow.TCPFinR
		if state&flow.TCPFinR != 0 {
			own |= flow.TCPHalfClose
			peer |= flow.TCPHalfClose
		}
	case f&tcpAck != 0:
		switch {
		case state&(flow.TCPFin|flow.TCPFinR|flow.TCPHalfClose) ==
			flow.TCPFin|flow.TCPFinR|flow.TCPHalfClose:
			// Last ack of the closing handshake.
			own, peer = flow.TCPDead, flow.TCPDead
		case state&(flow.TCPSyn|flow.TCPSynR) == flow.TCPSyn|flow.TCPSynR &&
			state&flow.TCPEstablished == 0:
			own, peer = flow.TCPEstablished, flow.TCPEstablishedR
		}
	}
	if own == 0 {
		return
	}
	d.updateTCP(fe, own)
	if rfe != nil {
		d.updateTCP(rfe, peer)
	}
}

func (d *DataPlane) updateTCP(e *flow.Entry, f flow.TCPFlags) {
	h := e.Handle()
	if dead, err := d.flows.UpdateTCPFlags(h, f); err == nil && dead {
		d.scheduleEviction(h)
	}
}
