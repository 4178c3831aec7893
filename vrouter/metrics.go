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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics defines the data-plane metrics of the flow engine.
type Metrics struct {
	ProcessedPackets     *prometheus.CounterVec
	DroppedPackets       *prometheus.CounterVec
	FlowsCreated         prometheus.Counter
	FlowsRefused         *prometheus.CounterVec
	HeldPackets          prometheus.Counter
	NATRewrites          prometheus.Counter
	FragmentsCompleted   prometheus.Counter
	FragmentsExpired     prometheus.Counter
	NeighborProxyReplies prometheus.Counter
	FlowEntries          prometheus.Gauge
	FlowsInHold          prometheus.Gauge
}

// NewMetrics initializes the metrics of the flow engine and registers them
// with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProcessedPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_processed_pkts_total",
				Help: "Total number of packets processed by the flow engine, by result.",
			},
			[]string{"result"},
		),
		DroppedPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_dropped_pkts_total",
				Help: "Total number of packets dropped by the flow engine.",
			},
			[]string{"reason"},
		),
		FlowsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_flows_created_total",
				Help: "Total number of flows created by the data plane.",
			},
		),
		FlowsRefused: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vrouter_flows_refused_total",
				Help: "Total number of flow creations refused.",
			},
			[]string{"reason"},
		),
		HeldPackets: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_held_pkts_total",
				Help: "Total number of packets queued on flows in hold state.",
			},
		),
		NATRewrites: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_nat_rewrites_total",
				Help: "Total number of packets rewritten by address or port translation.",
			},
		),
		FragmentsCompleted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_fragment_datagrams_completed_total",
				Help: "Total number of fragmented datagrams seen completely.",
			},
		),
		FragmentsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_fragment_expired_pkts_total",
				Help: "Total number of queued fragments dropped because their head never " +
					"arrived.",
			},
		),
		NeighborProxyReplies: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vrouter_neighbor_proxy_replies_total",
				Help: "Total number of neighbor advertisements sent on behalf of a target.",
			},
		),
		FlowEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrouter_flow_entries",
				Help: "Number of entries in the flow table.",
			},
		),
		FlowsInHold: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vrouter_flow_hold_entries",
				Help: "Number of flow entries in hold state.",
			},
		),
	}
}
