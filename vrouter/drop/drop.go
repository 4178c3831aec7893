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

// Package drop defines the reasons for which the data plane discards a
// packet, and per-reason drop statistics.
//
// The numeric values and names follow the drop statistics layout consumed by
// the existing administrative tooling and must not be reordered.
package drop

import (
	"sync/atomic"
)

// Reason is the reason a packet was dropped.
type Reason uint8

const (
	Discard Reason = iota
	Pull
	InvalidIf
	InvalidARP
	TrapNoIf
	NowhereToGo
	FlowQueueLimitExceeded
	FlowNoMemory
	FlowInvalidProtocol
	FlowNatNoRflow
	FlowActionDrop
	FlowActionInvalid
	FlowUnusable
	FlowTableFull
	InterfaceTxDiscard
	InterfaceDrop
	Duplicated
	Push
	TTLExceeded
	InvalidNh
	InvalidLabel
	InvalidProtocol
	InterfaceRxDiscard
	InvalidMcastSource
	HeadAllocFail
	PcowFail
	McastDfBit
	McastCloneFail
	NoMemory
	RewriteFail
	Misc
	InvalidPacket
	ChecksumErr
	NoFmd
	ClonedOriginal
	InvalidVnid
	Fragments
	InvalidSource
	L2NoRoute
	FragmentQueueFail
	VlanFwdTx
	VlanFwdEnq
	NewFlows
	FlowEvict
	TrapOriginal
	LeafToLeaf
	BmacIsidMismatch
	PktLoop
	NoCryptPath
	InvalidHbsPkt
	NoFragEntry
	ICMPError
	CloneFail
	InvalidUnderlayECMP

	// NumReasons is the number of defined reasons.
	NumReasons
)

var names = [NumReasons]string{
	Discard:                "Discards",
	Pull:                   "Pull Fails",
	InvalidIf:              "Invalid IF",
	InvalidARP:             "Invalid ARP",
	TrapNoIf:               "Trap No IF",
	NowhereToGo:            "Nowhere to go",
	FlowQueueLimitExceeded: "Flow Queue Limit Exceeded",
	FlowNoMemory:           "Flow No Memory",
	FlowInvalidProtocol:    "Flow Invalid Protocol",
	FlowNatNoRflow:         "Flow NAT no rflow",
	FlowActionDrop:         "Flow Action Drop",
	FlowActionInvalid:      "Flow Action Invalid",
	FlowUnusable:           "Flow Unusable",
	FlowTableFull:          "Flow Table Full",
	InterfaceTxDiscard:     "IF TX Discard",
	InterfaceDrop:          "IF Drop",
	Duplicated:             "Duplicate",
	Push:                   "Push Fails",
	TTLExceeded:            "TTL Exceeded",
	InvalidNh:              "Invalid NH",
	InvalidLabel:           "Invalid Label",
	InvalidProtocol:        "Invalid Protocol",
	InterfaceRxDiscard:     "IF RX Discard",
	InvalidMcastSource:     "Invalid Mcast Source",
	HeadAllocFail:          "Head Alloc Fails",
	PcowFail:               "PCOW fails",
	McastDfBit:             "Jumbo Mcast Pkt with DF Bit",
	McastCloneFail:         "Mcast Clone Fail",
	NoMemory:               "Memory Failures",
	RewriteFail:            "Rewrite Fail",
	Misc:                   "Misc",
	InvalidPacket:          "Invalid Packets",
	ChecksumErr:            "Checksum errors",
	NoFmd:                  "No Fmd",
	ClonedOriginal:         "Cloned Original",
	InvalidVnid:            "Invalid VNID",
	Fragments:              "Fragment errors",
	InvalidSource:          "Invalid Source",
	L2NoRoute:              "No L2 Route",
	FragmentQueueFail:      "Fragment Queueing Failures",
	VlanFwdTx:              "VLAN fwd intf failed TX",
	VlanFwdEnq:             "VLAN fwd intf failed enq",
	NewFlows:               "New Flow Drops",
	FlowEvict:              "Flow Unusable (Eviction)",
	TrapOriginal:           "Original Packet Trapped",
	LeafToLeaf:             "Etree Leaf to Leaf",
	BmacIsidMismatch:       "Bmac/ISID Mismatch",
	PktLoop:                "Packet Loop",
	NoCryptPath:            "No Encrypt Path Failures",
	InvalidHbsPkt:          "Invalid HBS received packet",
	NoFragEntry:            "No Fragment Entries",
	ICMPError:              "ICMP errors",
	CloneFail:              "Clone Failures",
	InvalidUnderlayECMP:    "Invalid underlay ECMP",
}

func (r Reason) String() string {
	if r >= NumReasons {
		return "Unknown"
	}
	return names[r]
}

// Stats counts drops per reason. It is safe for concurrent use.
type Stats struct {
	counts [NumReasons]atomic.Uint64
}

// Add records one drop for reason r.
func (s *Stats) Add(r Reason) {
	if r < NumReasons {
		s.counts[r].Add(1)
	}
}

// Get returns the number of drops recorded for r.
func (s *Stats) Get(r Reason) uint64 {
	if r >= NumReasons {
		return 0
	}
	return s.counts[r].Load()
}

// Snapshot returns the non-zero counters keyed by reason name.
func (s *Stats) Snapshot() map[string]uint64 {
	m := make(map[string]uint64)
	for r := Reason(0); r < NumReasons; r++ {
		if v := s.counts[r].Load(); v != 0 {
			m[r.String()] = v
		}
	}
	return m
}
