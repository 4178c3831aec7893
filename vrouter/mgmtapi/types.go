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


package mgmtapi

import (
	"net/netip"

	"github.com/vrflow/vrflow/vrouter/flow"
)

// Problem is an error response as defined by RFC 7807.
type Problem struct {
	// Detail is a human readable explanation of this occurrence.
	Detail *string `json:"detail,omitempty"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Title is a short summary of the problem type.
	Title string `json:"title"`
	// Type identifies the problem type.
	Type *string `json:"type,omitempty"`
}

// Problem types.
const (
	BadRequest    = "/problems/bad-request"
	NotFound      = "/problems/not-found"
	Conflict      = "/problems/conflict"
	InternalError = "/problems/internal-error"
)

// StringRef returns a pointer to s.
func StringRef(s string) *string {
	return &s
}

// FlowKey is the key of a flow entry.
type FlowKey struct {
	Proto   uint8      `json:"proto"`
	Src     netip.Addr `json:"src"`
	Dst     netip.Addr `json:"dst"`
	SrcPort uint16     `json:"src_port"`
	DstPort uint16     `json:"dst_port"`
	NhID    uint32     `json:"nh_id"`
}

// Flow is one entry of the flow table.
type Flow struct {
	Index    int32      `json:"index"`
	Gen      uint32     `json:"gen"`
	Reverse  int32      `json:"rflow"`
	Action   string     `json:"action"`
	Flags    string     `json:"flags"`
	TCPFlags uint16     `json:"tcp_flags"`
	Key      FlowKey    `json:"key"`
	Attrs    flow.Attrs `json:"attrs"`
	Packets  uint64     `json:"packets"`
	Bytes    uint64     `json:"bytes"`
	Held     int        `json:"held"`
}

// FlowsResponse is a page of flow entries.
type FlowsResponse struct {
	Flows []Flow `json:"flows"`
	// Next is the offset of the next page, or -1 after the last page.
	Next int `json:"next"`
}

// SetFlowResponse identifies the entry created or updated by a request.
type SetFlowResponse struct {
	Index int32  `json:"index"`
	Gen   uint32 `json:"gen"`
}

// Burst is the configuration of the new flow admission limiter.
type Burst struct {
	Tokens   uint32 `json:"tokens"`
	Interval string `json:"interval"`
	Step     uint32 `json:"step"`
}

// TraceRequest describes a packet to run through the flow engine.
type TraceRequest struct {
	// Packet is the network layer packet, starting with the IP header.
	Packet []byte `json:"packet"`
	VRF    uint16 `json:"vrf"`
	// DVRF defaults to VRF.
	DVRF *uint16 `json:"dvrf,omitempty"`
	// Interface is the ingress interface. Unknown interfaces are ignored.
	Interface *uint16 `json:"interface,omitempty"`
}

// TraceResponse is the outcome of a traced packet.
type TraceResponse struct {
	Result string `json:"result"`
	// Flow is the entry the packet was matched against, if any.
	Flow *SetFlowResponse `json:"flow,omitempty"`
	// Packet is the packet after processing. It is only set for packets
	// that are forwarded.
	Packet []byte `json:"packet,omitempty"`
}
