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
	"sync"
	"sync/atomic"

	"github.com/vrflow/vrflow/vrouter/fwd"
)

// HoldQueueLimit is the maximum number of packets queued on a hold entry.
const HoldQueueLimit = 3

// Handle refers to an entry at a specific generation.
type Handle = fwd.FlowRef

// InvalidHandle never refers to an entry.
var InvalidHandle = fwd.InvalidFlowRef

// Attrs are the attributes of an entry set by the agent. They are published
// as a whole and never modified in place.
type Attrs struct {
	VRF               uint16     `json:"vrf"`
	DVRF              uint16     `json:"dvrf"`
	MirrorID          uint8      `json:"mirror_id"`
	SecMirrorID       uint8      `json:"sec_mirror_id"`
	SrcNhIndex        uint32     `json:"src_nh_index"`
	ECMPNhIndex       int8       `json:"ecmp_nh_index"`
	UnderlayECMPIndex int8       `json:"underlay_ecmp_index"`
	DropReason        DropReason `json:"drop_reason"`
	UDPSrcPort        uint16     `json:"udp_src_port"`
	SrcInfo           uint32     `json:"src_info"`
	QosID             int16      `json:"qos_id"`
	TTL               uint8      `json:"ttl"`
	Flags1            uint16     `json:"flags1"`
}

// DefaultAttrs returns the attributes of an entry created in vrf and
// forwarded in dvrf.
func DefaultAttrs(vrf, dvrf uint16) Attrs {
	return Attrs{
		VRF:               vrf,
		DVRF:              dvrf,
		MirrorID:          0xff,
		SecMirrorID:       0xff,
		ECMPNhIndex:       -1,
		UnderlayECMPIndex: -1,
		QosID:             -1,
	}
}

// HeldPacket is a packet queued on an entry in hold state.
type HeldPacket struct {
	Packet *fwd.Packet
	Meta   fwd.Metadata
}

type slotState uint32

const (
	slotFree slotState = iota
	slotReserved
	slotActive
	slotRetired
)

// Entry is one slot of the flow table. Fields are accessed atomically so
// that readers never need the bucket lock.
type Entry struct {
	index    int32
	state    atomic.Uint32
	gen      atomic.Uint32
	key      atomic.Pointer[Key]
	flags    atomic.Uint32
	action   atomic.Uint32
	tcpFlags atomic.Uint32
	rflow    atomic.Int32
	attrs    atomic.Pointer[Attrs]
	packets  atomic.Uint64
	bytes    atomic.Uint64
	tcpSeq   atomic.Uint32
	tcpAck   atomic.Uint32
	// next links overflow entries of a bucket.
	next atomic.Int32

	holdMu sync.Mutex
	held   []HeldPacket
}

func (e *Entry) Index() int32       { return e.index }
func (e *Entry) Gen() uint32        { return e.gen.Load() }
func (e *Entry) Flags() Flags       { return Flags(e.flags.Load()) }
func (e *Entry) Action() Action     { return Action(e.action.Load()) }
func (e *Entry) TCPFlags() TCPFlags { return TCPFlags(e.tcpFlags.Load()) }

// Handle returns a handle to the entry at its current generation.
func (e *Entry) Handle() Handle {
	return Handle{Index: e.index, Gen: e.gen.Load()}
}

// Key returns the key of the entry.
func (e *Entry) Key() Key {
	if k := e.key.Load(); k != nil {
		return *k
	}
	return Key{}
}

// Reverse returns the index of the reverse entry, or -1.
func (e *Entry) Reverse() int32 {
	if !e.Flags().Has(FlagReverseValid) {
		return -1
	}
	return e.rflow.Load()
}

// Attrs returns a copy of the attributes.
func (e *Entry) Attrs() Attrs {
	if a := e.attrs.Load(); a != nil {
		return *a
	}
	return Attrs{}
}

// Stats returns the packet and byte counters.
func (e *Entry) Stats() (packets, bytes uint64) {
	return e.packets.Load(), e.bytes.Load()
}

// AddStats accounts one packet of n bytes.
func (e *Entry) AddStats(n int) {
	e.packets.Add(1)
	e.bytes.Add(uint64(n))
}

// Active reports whether the entry is in use and not being removed.
func (e *Entry) Active() bool {
	return slotState(e.state.Load()) == slotActive && e.Flags().Has(FlagActive)
}

// Enqueue queues a packet while the entry is in hold state. It reports
// false if the entry left hold state or the queue is full.
func (e *Entry) Enqueue(pkt *fwd.Packet, md fwd.Metadata) bool {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	if e.Action() != ActionHold || len(e.held) >= HoldQueueLimit {
		return false
	}
	e.held = append(e.held, HeldPacket{Packet: pkt, Meta: md})
	return true
}

// Held returns the number of queued packets.
func (e *Entry) Held() int {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	return len(e.held)
}

func (e *Entry) matches(k Key) bool {
	if slotState(e.state.Load()) != slotActive {
		return false
	}
	p := e.key.Load()
	return p != nil && *p == k
}

func (e *Entry) setFlags(f Flags)   { e.flags.Or(uint32(f)) }
func (e *Entry) clearFlags(f Flags) { e.flags.And(^uint32(f)) }

// init prepares a reserved slot for use. The caller publishes it by
// storing slotActive.
func (e *Entry) init(k Key, a Attrs, flags Flags, action Action) {
	e.gen.Add(1)
	e.key.Store(&k)
	e.attrs.Store(&a)
	e.flags.Store(uint32(flags))
	e.action.Store(uint32(action))
	e.tcpFlags.Store(0)
	e.rflow.Store(-1)
	e.packets.Store(0)
	e.bytes.Store(0)
	e.tcpSeq.Store(0)
	e.tcpAck.Store(0)
	e.holdMu.Lock()
	e.held = nil
	e.holdMu.Unlock()
}

// setAction changes the action and returns the packets held until now if
// the entry left hold state.
func (e *Entry) setAction(a Action) (held []HeldPacket, leftHold bool) {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	old := Action(e.action.Swap(uint32(a)))
	if old != ActionHold || a == ActionHold {
		return nil, false
	}
	held, e.held = e.held, nil
	return held, true
}

// drain removes all held packets.
func (e *Entry) drain() []HeldPacket {
	e.holdMu.Lock()
	defer e.holdMu.Unlock()
	held := e.held
	e.held = nil
	return held
}
