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

import "strings"

// Action is the forwarding decision of a flow.
type Action uint8

const (
	ActionDrop Action = iota
	ActionHold
	ActionForward
	ActionNat
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionHold:
		return "hold"
	case ActionForward:
		return "forward"
	case ActionNat:
		return "nat"
	}
	return "invalid"
}

// Flags is the logical flag set of an entry. The bit order is internal;
// Wire converts to the layout used in the packed record and in requests.
type Flags uint32

const (
	FlagActive Flags = 1 << iota
	FlagNew
	FlagModified
	FlagEvictCandidate
	FlagEvicted
	FlagMirror
	FlagVrfTranslate
	FlagSnat
	FlagDnat
	FlagSpat
	FlagDpat
	FlagLinkLocal
	FlagDeleteMarked
	FlagTrapEcmp
	FlagReverseValid
)

// FlagNatMask contains all address and port translation flags.
const FlagNatMask = FlagSnat | FlagDnat | FlagSpat | FlagDpat

// FlagDatapathMask contains the flags owned by the data plane. Requests
// cannot change them.
const FlagDatapathMask = FlagEvictCandidate | FlagEvicted | FlagNew | FlagModified

var flagWire = [...]struct {
	flag Flags
	wire uint16
	name string
}{
	{FlagActive, 0x0001, "active"},
	{FlagSnat, 0x0002, "snat"},
	{FlagSpat, 0x0004, "spat"},
	{FlagDnat, 0x0008, "dnat"},
	{FlagDpat, 0x0010, "dpat"},
	{FlagTrapEcmp, 0x0020, "trap_ecmp"},
	{FlagDeleteMarked, 0x0040, "delete_marked"},
	{FlagModified, 0x0100, "modified"},
	{FlagNew, 0x0200, "new"},
	{FlagEvictCandidate, 0x0400, "evict_candidate"},
	{FlagEvicted, 0x0800, "evicted"},
	{FlagReverseValid, 0x1000, "rflow_valid"},
	{FlagMirror, 0x2000, "mirror"},
	{FlagVrfTranslate, 0x4000, "vrft"},
	{FlagLinkLocal, 0x8000, "link_local"},
}

// Wire returns the flags in the packed record layout.
func (f Flags) Wire() uint16 {
	var w uint16
	for _, m := range flagWire {
		if f&m.flag != 0 {
			w |= m.wire
		}
	}
	return w
}

// FlagsFromWire converts flags from the packed record layout. Unknown bits
// are ignored.
func FlagsFromWire(w uint16) Flags {
	var f Flags
	for _, m := range flagWire {
		if w&m.wire != 0 {
			f |= m.flag
		}
	}
	return f
}

// Has reports whether all flags in o are set.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

func (f Flags) String() string {
	var names []string
	for _, m := range flagWire {
		if f&m.flag != 0 {
			names = append(names, m.name)
		}
	}
	return strings.Join(names, "|")
}

// TCPFlags is the TCP connection state observed on a flow. The values are
// those of the packed record.
type TCPFlags uint16

const (
	TCPFin          TCPFlags = 0x0001
	TCPHalfClose    TCPFlags = 0x0002
	TCPFinR         TCPFlags = 0x0004
	TCPSyn          TCPFlags = 0x0008
	TCPSynR         TCPFlags = 0x0010
	TCPEstablished  TCPFlags = 0x0020
	TCPEstablishedR TCPFlags = 0x0040
	TCPRst          TCPFlags = 0x0080
	// TCPDead is set by the TCP state machine once the connection has seen
	// its closure and the flow may be evicted.
	TCPDead TCPFlags = 0x8000
)

// DropReason is the reason code the agent records for flows with action
// drop.
type DropReason uint8

const (
	DRUnknown DropReason = iota
	DRUnavailableIntf
	DRIPv4FwdDis
	DRUnavailableVRF
	DRNoSrcRoute
	DRNoDstRoute
	DRAuditEntry
	DRVRFChange
	DRNoReverseFlow
	DRReverseFlowChange
	DRNatChange
	DRFlowLimit
	DRLinkLocalSrcNat
	DRFailedVrouterInstall
	DRInvalidL2Flow
	DRFlowOnTSN
	DRNoMirrorEntry
	DRSameFlowRflowKey
	DRPortMapDrop
	DRNoSrcRouteL2RPF
	DRFatFlowNatConflict
	DRPolicy
	DROutPolicy
	DRSG
	DROutSG
	DRReverseSG
	DRReverseOutSG
	DRFWPolicy
	DROutFWPolicy
	DRReverseFWPolicy
	DRReverseOutFWPolicy
	DRFWaaSPolicy
	DROutFWaaSPolicy
	DRReverseFWaaSPolicy
	DRReverseOutFWaaSPolicy
)

var dropReasonNames = [...]string{
	DRUnknown:               "Unknown",
	DRUnavailableIntf:       "IntfErr",
	DRIPv4FwdDis:            "Ipv4Dis",
	DRUnavailableVRF:        "VrfErr",
	DRNoSrcRoute:            "NoSrcRt",
	DRNoDstRoute:            "NoDstRt",
	DRAuditEntry:            "Audit",
	DRVRFChange:             "VrfChange",
	DRNoReverseFlow:         "NoRevFlow",
	DRReverseFlowChange:     "RevFlowChng",
	DRNatChange:             "NatChng",
	DRFlowLimit:             "FlowLim",
	DRLinkLocalSrcNat:       "LinkSrcNatErr",
	DRFailedVrouterInstall:  "VrouterInstallFail",
	DRInvalidL2Flow:         "InvalidL2Flow",
	DRFlowOnTSN:             "TSNFlow",
	DRNoMirrorEntry:         "NoMirrorentry",
	DRSameFlowRflowKey:      "SameFlowRflowKey",
	DRPortMapDrop:           "NoFipPortMap",
	DRNoSrcRouteL2RPF:       "NoSrcRtRpfNh",
	DRFatFlowNatConflict:    "FatFlowNatConflict",
	DRPolicy:                "Policy",
	DROutPolicy:             "OutPolicy",
	DRSG:                    "SG",
	DROutSG:                 "OutSG",
	DRReverseSG:             "RevSG",
	DRReverseOutSG:          "RevOutSG",
	DRFWPolicy:              "FwPolicy",
	DROutFWPolicy:           "OutFwPolicy",
	DRReverseFWPolicy:       "RevFwPolicy",
	DRReverseOutFWPolicy:    "RevOutFwPolicy",
	DRFWaaSPolicy:           "FWAASPolicy",
	DROutFWaaSPolicy:        "OutFWAASPolicy",
	DRReverseFWaaSPolicy:    "RevFWAASPolicy",
	DRReverseOutFWaaSPolicy: "RevOutFWAASPolicy",
}

func (r DropReason) String() string {
	if int(r) >= len(dropReasonNames) {
		return "Unknown"
	}
	return dropReasonNames[r]
}
