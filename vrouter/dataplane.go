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


// Package vrouter is the flow engine of the virtual router. DataPlane ties
// the classifier, the fragment assembler, the flow table and the NAT
// rewriter together and runs the packet processors.
package vrouter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/vrflow/vrflow/pkg/hdr"
	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/private/periodic"
	"github.com/vrflow/vrflow/vrouter/classify"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fragment"
	"github.com/vrflow/vrflow/vrouter/fwd"
	"github.com/vrflow/vrflow/vrouter/internal/fnv1a"
	"github.com/vrflow/vrflow/vrouter/nat"
	"github.com/vrflow/vrflow/vrouter/neighbor"
)

// Result is the disposition of a packet after flow processing.
type Result uint8

const (
	// Held means the packet was queued on a flow in hold state.
	Held Result = iota
	// Forward means the packet continues on its forwarding path.
	Forward
	// Drop means the packet was freed.
	Drop
	// Trap means the packet was handed to the agent.
	Trap
	// Consumed means the packet is owned by someone else now.
	Consumed
	// EvictDrop means the packet hit an entry that is being evicted and was
	// freed.
	EvictDrop
)

func (r Result) String() string {
	switch r {
	case Held:
		return "held"
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Trap:
		return "trap"
	case Consumed:
		return "consumed"
	case EvictDrop:
		return "evict_drop"
	}
	return "unknown"
}

// RunConfig configures the packet processors.
type RunConfig struct {
	// NumProcessors is the number of processor goroutines.
	NumProcessors int
	// QueueSize is the length of the input queue of every processor.
	QueueSize int
	// PoolSize is the number of packets in the packet pool.
	PoolSize int
	// FragmentScanInterval is the period of the fragment table scan.
	FragmentScanInterval time.Duration
	// FragmentScanBudget bounds the records visited by one scan.
	FragmentScanBudget int
	// ReclaimInterval is the period of the flow reclamation task.
	ReclaimInterval time.Duration
}

// InitDefaults sets the defaults of unset fields.
func (c *RunConfig) InitDefaults() {
	if c.NumProcessors <= 0 {
		c.NumProcessors = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PoolSize <= 0 {
		c.PoolSize = c.NumProcessors * c.QueueSize * 2
	}
	if c.FragmentScanInterval <= 0 {
		c.FragmentScanInterval = time.Second
	}
	if c.FragmentScanBudget <= 0 {
		c.FragmentScanBudget = 1024
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 100 * time.Millisecond
	}
}

// Config configures a DataPlane.
type Config struct {
	Flow     flow.Config
	Fragment fragment.Config
	Run      RunConfig
	// Routes resolves next-hops for flow keys, VRF translation and neighbor
	// proxying.
	Routes fwd.RouteTable
	// FatFlow is the fat-flow policy, optional.
	FatFlow fwd.FatFlowPolicy
	Trapper fwd.Trapper
	// Mirrorer receives copies of packets of mirrored flows, optional.
	Mirrorer fwd.Mirrorer
	Sender   fwd.Sender
	// Metrics defaults to metrics registered with a private registry.
	Metrics *Metrics
	Logger  log.Logger
}

type job struct {
	pkt *fwd.Packet
	md  fwd.Metadata
}

// DataPlane is the flow engine of one virtual router.
type DataPlane struct {
	run        RunConfig
	flows      *flow.Table
	frags      *fragment.Table
	classifier *classify.Classifier
	rewriter   *nat.Rewriter
	neighbors  *neighbor.Helper
	trapper    fwd.Trapper
	mirrorer   fwd.Mirrorer
	sender     fwd.Sender
	metrics    *Metrics
	logger     log.Logger
	stats      drop.Stats

	queues     []chan job
	packetPool chan *fwd.Packet

	// ctlMu serializes callers outside the processors; they share the
	// worker slot after the processors'.
	ctlMu     sync.Mutex
	ctlWorker int

	evictMu   sync.Mutex
	evictions []flow.Handle

	running sync.Mutex
}

// New creates a data plane.
func New(cfg Config) (*DataPlane, error) {
	if cfg.Trapper == nil {
		return nil, serrors.New("trapper is required")
	}
	if cfg.Sender == nil {
		return nil, serrors.New("sender is required")
	}
	cfg.Run.InitDefaults()
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("component", "dataplane")
	}
	d := &DataPlane{
		run:       cfg.Run,
		trapper:   cfg.Trapper,
		mirrorer:  cfg.Mirrorer,
		sender:    cfg.Sender,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		ctlWorker: cfg.Run.NumProcessors,
	}

	fcfg := cfg.Flow
	fcfg.Workers = cfg.Run.NumProcessors + 1
	fcfg.Release = d.release
	flows, err := flow.New(fcfg)
	if err != nil {
		return nil, serrors.Wrap("creating flow table", err)
	}
	d.flows = flows

	gcfg := cfg.Fragment
	gcfg.Drop = d.expired
	gcfg.Complete = func(fragment.Key, int) { d.metrics.FragmentsCompleted.Inc() }
	d.frags = fragment.New(gcfg)

	d.classifier = classify.New(classify.Config{
		Routes:    cfg.Routes,
		FatFlow:   cfg.FatFlow,
		Fragments: d.frags,
	})
	d.rewriter = nat.New(nat.Config{
		Flows:  d.flows,
		Routes: cfg.Routes,
		Logger: d.logger.New("component", "nat"),
	})
	d.neighbors = neighbor.New(neighbor.Config{
		Routes:       cfg.Routes,
		Trapper:      cfg.Trapper,
		Sender:       cfg.Sender,
		ProxyReplies: d.metrics.NeighborProxyReplies,
		Logger:       d.logger.New("component", "neighbor"),
	})

	d.queues = make([]chan job, cfg.Run.NumProcessors)
	for i := range d.queues {
		d.queues[i] = make(chan job, cfg.Run.QueueSize)
	}
	d.packetPool = make(chan *fwd.Packet, cfg.Run.PoolSize)
	return d, nil
}

// Flows returns the flow table.
func (d *DataPlane) Flows() *flow.Table { return d.flows }

// Fragments returns the fragment table.
func (d *DataPlane) Fragments() *fragment.Table { return d.frags }

// DropStats returns the drop counters.
func (d *DataPlane) DropStats() *drop.Stats { return &d.stats }

// GetPacket returns a packet from the pool, or a new one if the pool is
// empty.
func (d *DataPlane) GetPacket() *fwd.Packet {
	select {
	case p := <-d.packetPool:
		return p
	default:
		return &fwd.Packet{}
	}
}

// ReturnPacket puts a packet back into the pool. Packets that do not fit
// are left to the garbage collector.
func (d *DataPlane) ReturnPacket(pkt *fwd.Packet) {
	pkt.Reset()
	select {
	case d.packetPool <- pkt:
	default:
	}
}

// Enqueue hands a packet to the processor responsible for its addresses.
// If the processor queue is full the packet is freed and false is
// returned.
func (d *DataPlane) Enqueue(pkt *fwd.Packet, md fwd.Metadata) bool {
	q := d.queues[d.processorOf(pkt.Raw)]
	select {
	case q <- job{pkt: pkt, md: md}:
		return true
	default:
		d.drop(pkt, drop.InterfaceRxDiscard, nil)
		return false
	}
}

// processorOf spreads packets over the processors by address pair, so that
// both directions of a flow are handled by the same processor.
func (d *DataPlane) processorOf(raw []byte) int {
	if len(d.queues) == 1 {
		return 0
	}
	var a, b []byte
	switch v, _ := hdr.Version(raw); v {
	case 4:
		if len(raw) >= hdr.IPv4MinLen {
			a, b = raw[12:16], raw[16:20]
		}
	case 6:
		if len(raw) >= hdr.IPv6Len {
			a, b = raw[8:24], raw[24:40]
		}
	}
	// Order the addresses, so the hash is symmetric.
	if string(a) > string(b) {
		a, b = b, a
	}
	s := fnv1a.Bytes(fnv1a.Offset32, a)
	s = fnv1a.Bytes(s, b)
	return int(s % uint32(len(d.queues)))
}

// Run starts the processors and the periodic maintenance tasks and blocks
// until ctx is done.
func (d *DataPlane) Run(ctx context.Context) error {
	if !d.running.TryLock() {
		return serrors.New("data plane is already running")
	}
	defer d.running.Unlock()

	scan := periodic.Start(d.frags.ScanTask(d.run.FragmentScanBudget),
		d.run.FragmentScanInterval, d.run.FragmentScanInterval)
	defer scan.Stop()
	reclaim := periodic.Start(d.ReclaimTask(), d.run.ReclaimInterval, d.run.ReclaimInterval)
	defer reclaim.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.queues {
		g.Go(func() error {
			defer log.HandlePanic()
			d.runProcessor(gctx, i)
			return nil
		})
	}
	d.logger.Info("Data plane started", "processors", len(d.queues))
	err := g.Wait()
	d.logger.Info("Data plane stopped")
	return err
}

func (d *DataPlane) runProcessor(ctx context.Context, id int) {
	q := d.queues[id]
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q:
			d.Process(id, j.pkt, &j.md)
		}
	}
}

// Process runs a packet through the flow engine on behalf of the given
// worker and delivers packets that are to be forwarded to the sender.
func (d *DataPlane) Process(worker int, pkt *fwd.Packet, md *fwd.Metadata) Result {
	var res Result
	if d.neighbors.Handle(pkt, md) {
		res = Consumed
	} else {
		res = d.lookup(worker, pkt, md)
	}
	d.metrics.ProcessedPackets.WithLabelValues(res.String()).Inc()
	if res == Forward {
		d.sender.Forward(pkt, md)
	}
	return res
}

// ClassifyAndLookupFlow runs the flow stage for pkt: it classifies the
// packet, finds or creates its flow and applies the flow's action. Packets
// with result Forward are left to the caller; for all other results the
// packet has been disposed of.
func (d *DataPlane) ClassifyAndLookupFlow(pkt *fwd.Packet, md *fwd.Metadata) Result {
	d.ctlMu.Lock()
	defer d.ctlMu.Unlock()
	return d.lookup(d.ctlWorker, pkt, md)
}

func (d *DataPlane) lookup(worker int, pkt *fwd.Packet, md *fwd.Metadata) Result {
	if pkt.Has(fwd.FlowSet) {
		return Forward
	}
	if (pkt.Ingress == nil || !pkt.Ingress.PolicyEnabled()) && !pkt.Has(fwd.FlowGet) {
		return Forward
	}

	d.flows.Pin(worker)
	defer d.flows.Unpin(worker)

	fe := d.reuse(md)
	if fe == nil {
		res, err := d.classifier.Classify(pkt, md, classify.Forward)
		switch {
		case errors.Is(err, classify.ErrFragmentQueued):
			return Consumed
		case err != nil:
			return d.drop(pkt, classify.DropReason(err), err)
		case res.Skip:
			return Forward
		}
		if res.Head != nil {
			d.registerHead(res.Head)
		}
		h, created, err := d.flows.LookupOrCreate(res.Key, res.Reverse,
			flow.DefaultAttrs(md.VRF, md.DVRF), worker)
		if err != nil {
			reason := refusal(err)
			d.metrics.FlowsRefused.WithLabelValues(reason.String()).Inc()
			return d.drop(pkt, reason, err)
		}
		if fe, err = d.flows.Get(h); err != nil {
			return d.drop(pkt, drop.FlowUnusable, err)
		}
		md.Flow = h
		if created {
			d.metrics.FlowsCreated.Inc()
			d.trapper.Trap(pkt.Clone(), md.DVRF, fwd.TrapFlowMiss, h)
		}
	}
	return d.apply(fe, pkt, md)
}

// reuse returns the entry recorded in md by an earlier pass, if it is still
// valid.
func (d *DataPlane) reuse(md *fwd.Metadata) *flow.Entry {
	if !md.Flow.Valid() {
		return nil
	}
	fe, err := d.flows.Get(md.Flow)
	if err != nil {
		md.Flow = flow.InvalidHandle
		return nil
	}
	return fe
}

// registerHead records the ports of a head fragment and feeds the fragments
// that arrived before it back into the pipeline.
func (d *DataPlane) registerHead(head *classify.FragmentHead) {
	pending := d.frags.AddHead(head.Key, head.SrcPort, head.DstPort, head.Payload)
	for _, p := range pending {
		md := p.Meta
		d.sender.Reinject(p.Packet, &md)
	}
}

func (d *DataPlane) apply(fe *flow.Entry, pkt *fwd.Packet, md *fwd.Metadata) Result {
	flags := fe.Flags()
	if flags&(flow.FlagEvictCandidate|flow.FlagEvicted) != 0 {
		d.drop(pkt, drop.FlowEvict, nil)
		return EvictDrop
	}
	if pkt.Has(fwd.Accounted) {
		pkt.Flags &^= fwd.Accounted
	} else {
		fe.AddStats(len(pkt.Raw))
		if rfe, err := d.flows.ReverseOf(fe); err == nil {
			d.tcpTrack(fe, rfe, pkt.Raw)
		} else {
			d.tcpTrack(fe, nil, pkt.Raw)
		}
	}
	if flags.Has(flow.FlagMirror) && d.mirrorer != nil {
		d.mirror(fe.Attrs(), pkt)
	}
	if flags.Has(flow.FlagTrapEcmp) {
		d.trapper.Trap(pkt, md.DVRF, fwd.TrapECMPResolve, fe.Handle())
		return Trap
	}

	action := fe.Action()
	if action == flow.ActionHold {
		pkt.Flags |= fwd.Accounted
		if fe.Enqueue(pkt, *md) {
			d.metrics.HeldPackets.Inc()
			return Held
		}
		pkt.Flags &^= fwd.Accounted
		// The entry may have been resolved in the meantime.
		if action = fe.Action(); action == flow.ActionHold {
			return d.drop(pkt, drop.FlowQueueLimitExceeded, nil)
		}
	}
	switch action {
	case flow.ActionForward:
		return Forward
	case flow.ActionDrop:
		return d.drop(pkt, drop.FlowActionDrop, nil)
	case flow.ActionNat:
		if res, reason := d.rewriter.Rewrite(fe, pkt, md); res == nat.Consumed {
			return d.drop(pkt, reason, nil)
		}
		d.metrics.NATRewrites.Inc()
		return Forward
	}
	return d.drop(pkt, drop.FlowActionInvalid, nil, "action", action)
}

func (d *DataPlane) mirror(a flow.Attrs, pkt *fwd.Packet) {
	for _, id := range [...]uint8{a.MirrorID, a.SecMirrorID} {
		if id != 0xff {
			d.mirrorer.Mirror(pkt.Clone(), id)
		}
	}
}

// refusal maps errors of flow creation to drop reasons.
func refusal(err error) drop.Reason {
	switch {
	case errors.Is(err, flow.ErrTableFull):
		return drop.FlowTableFull
	case errors.Is(err, flow.ErrBurstExhausted):
		return drop.NewFlows
	case errors.Is(err, flow.ErrHoldLimit):
		return drop.FlowNoMemory
	}
	return drop.FlowUnusable
}

// drop frees pkt and accounts it under reason. It always returns Drop.
func (d *DataPlane) drop(pkt *fwd.Packet, reason drop.Reason, err error, ctx ...any) Result {
	d.stats.Add(reason)
	d.metrics.DroppedPackets.WithLabelValues(reason.String()).Inc()
	if d.logger.Enabled(log.DebugLevel) {
		d.logger.Debug("Packet dropped", append([]any{"reason", reason, "err", err}, ctx...)...)
	}
	d.sender.Free(pkt, reason)
	return Drop
}

// expired disposes of a fragment whose datagram head never arrived.
func (d *DataPlane) expired(pkt *fwd.Packet, reason drop.Reason) {
	d.metrics.FragmentsExpired.Inc()
	d.drop(pkt, reason, nil)
}

// release receives the packets held on an entry that left hold state.
func (d *DataPlane) release(held []flow.HeldPacket, deleted bool) {
	for _, p := range held {
		if deleted {
			d.drop(p.Packet, drop.FlowUnusable, nil)
			continue
		}
		md := p.Meta
		d.sender.Reinject(p.Packet, &md)
	}
}

// scheduleEviction queues the entry for eviction by the reclaim task.
func (d *DataPlane) scheduleEviction(h flow.Handle) {
	d.evictMu.Lock()
	d.evictions = append(d.evictions, h)
	d.evictMu.Unlock()
}

// ReclaimTask returns the task that evicts entries of closed connections,
// reclaims retired slots and updates the table gauges.
func (d *DataPlane) ReclaimTask() periodic.Task {
	return periodic.Func{
		TaskName: "flow_reclaim",
		Task: func(context.Context) {
			d.Maintain()
		},
	}
}

// Maintain runs one pass of the reclaim task.
func (d *DataPlane) Maintain() int {
	d.evictMu.Lock()
	pending := d.evictions
	d.evictions = nil
	d.evictMu.Unlock()
	for _, h := range pending {
		if err := d.flows.Evict(h); err != nil && !errors.Is(err, flow.ErrStaleHandle) {
			d.logger.Debug("Eviction failed", "flow", h.Index, "err", err)
		}
	}
	n := d.flows.Reclaim()
	info := d.flows.Info()
	d.metrics.FlowEntries.Set(float64(info.Added - info.Deleted))
	d.metrics.FlowsInHold.Set(float64(info.HoldCount))
	return n
}
