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


package main

import (
	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/vrouter"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

// sink terminates the packet paths of the flow engine in a router without
// attached devices. Output packets are recycled and reinjected packets go
// back to the processors.
type sink struct {
	dp     *vrouter.DataPlane
	logger log.Logger
}

func (s *sink) Forward(pkt *fwd.Packet, md *fwd.Metadata)  { s.output(pkt) }
func (s *sink) XConnect(pkt *fwd.Packet, md *fwd.Metadata) { s.output(pkt) }
func (s *sink) Reply(pkt *fwd.Packet, md *fwd.Metadata)    { s.output(pkt) }

func (s *sink) Reinject(pkt *fwd.Packet, md *fwd.Metadata) {
	s.dp.Enqueue(pkt, *md)
}

func (s *sink) Free(pkt *fwd.Packet, reason drop.Reason) {
	s.dp.ReturnPacket(pkt)
}

func (s *sink) Trap(pkt *fwd.Packet, vrf uint16, reason fwd.TrapReason, aux any) {
	if s.logger.Enabled(log.DebugLevel) {
		s.logger.Debug("Trap", "vrf", vrf, "reason", reason, "aux", aux, "len", len(pkt.Raw))
	}
	s.dp.ReturnPacket(pkt)
}

func (s *sink) output(pkt *fwd.Packet) {
	s.dp.ReturnPacket(pkt)
}
