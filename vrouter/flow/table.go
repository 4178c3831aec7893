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


// Package flow implements the flow table of the data plane.
//
// The table is an arena of fixed size entries. Primary entries are grouped in
// buckets of BucketSize slots addressed by the key hash; a bucket whose
// primary slots are in use chains further entries from the overflow region
// by index. Lookups of existing entries take no locks. The per-bucket mutex
// only serializes the creation of entries, so that two workers observing a
// miss for the same key at the same time do not create duplicates.
//
// Entries are referenced by Handle, a slot index together with the slot
// generation. The generation is incremented whenever a slot is reused, so
// stale handles are detected by Get. Removed entries are reclaimed only once
// every worker that may still hold a reference has left its read section,
// see Pin and Reclaim.
package flow

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/vrouter/internal/fnv1a"
)

// BucketSize is the number of primary entries per bucket.
const BucketSize = 4

var (
	// ErrBurstExhausted is returned if new flow creation is refused by the
	// admission limiter.
	ErrBurstExhausted = errors.New("flow burst exhausted")
	// ErrHoldLimit is returned if too many entries are in hold state.
	ErrHoldLimit = errors.New("flow hold limit reached")
	// ErrTableFull is returned if no free slot is available for the key.
	ErrTableFull = errors.New("flow table full")
	// ErrStaleHandle is returned for handles whose slot was removed or reused.
	ErrStaleHandle = errors.New("stale flow handle")
	// ErrNoReverse is returned if an entry has no usable reverse entry.
	ErrNoReverse = errors.New("no reverse flow")
	// ErrExists is returned if a request creates an entry whose key is
	// already in the table.
	ErrExists = errors.New("flow exists")
	// ErrInvalidKey is returned for keys without a single address family.
	ErrInvalidKey = errors.New("invalid flow key")
)

// ReleaseFunc receives the packets held on an entry when it leaves hold
// state. deleted is set if the entry was removed instead of resolved.
type ReleaseFunc func(held []HeldPacket, deleted bool)

// Config configures a Table.
type Config struct {
	// Entries is the number of primary entries, a multiple of BucketSize.
	Entries int
	// OverflowEntries is the number of overflow entries.
	OverflowEntries int
	// Workers is the number of packet processing workers. Worker ids passed
	// to the table must be in [0, Workers).
	Workers int
	// HoldLimit bounds the number of entries in hold state, 0 is unlimited.
	HoldLimit uint64
	Burst     BurstConfig
	// Release is called with the held packets of entries leaving hold.
	Release ReleaseFunc
	// Now returns the current time. Defaults to time.Now.
	Now    func() time.Time
	Logger log.Logger
}

type bucket struct {
	// mu serializes entry creation and removal in the bucket.
	mu sync.Mutex
	// oflow is the index of the first overflow entry, or -1.
	oflow atomic.Int32
	_     [52]byte
}

type paddedUint64 struct {
	v atomic.Uint64
	_ [56]byte
}

type retiredSlot struct {
	index int32
	epoch uint64
}

const idleEpoch = math.MaxUint64

// Table is the flow table.
type Table struct {
	cfg     Config
	logger  log.Logger
	entries []Entry
	buckets []bucket
	seed    uint32

	freeMu sync.Mutex
	free   []int32

	epoch    atomic.Uint64
	pins     []paddedUint64
	retireMu sync.Mutex
	retired  []retiredSlot

	burst *burstLimiter
	hold  *holdCounter

	added       atomic.Uint64
	deleted     atomic.Uint64
	changed     atomic.Uint64
	actionCount atomic.Uint64
	oflows      atomic.Int64
}

// New creates a flow table.
func New(cfg Config) (*Table, error) {
	if cfg.Entries <= 0 || cfg.Entries%BucketSize != 0 {
		return nil, serrors.New("flow entries must be a positive multiple of the bucket size",
			"entries", cfg.Entries, "bucket_size", BucketSize)
	}
	if cfg.OverflowEntries < 0 {
		return nil, serrors.New("negative overflow entries", "overflow", cfg.OverflowEntries)
	}
	total := cfg.Entries + cfg.OverflowEntries
	if total > math.MaxInt32 {
		return nil, serrors.New("flow table too large", "entries", total)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("component", "flow")
	}
	t := &Table{
		cfg:     cfg,
		logger:  cfg.Logger,
		entries: make([]Entry, total),
		buckets: make([]bucket, cfg.Entries/BucketSize),
		seed:    fnv1a.Offset32,
		free:    make([]int32, 0, cfg.OverflowEntries),
		pins:    make([]paddedUint64, cfg.Workers),
		burst:   newBurstLimiter(cfg.Burst, cfg.Now),
		hold:    newHoldCounter(cfg.Workers),
	}
	for i := range t.entries {
		t.entries[i].index = int32(i)
		t.entries[i].rflow.Store(-1)
		t.entries[i].next.Store(-1)
	}
	for i := range t.buckets {
		t.buckets[i].oflow.Store(-1)
	}
	// Pop from the end, so the lowest overflow index is used first.
	for i := total - 1; i >= cfg.Entries; i-- {
		t.free = append(t.free, int32(i))
	}
	for i := range t.pins {
		t.pins[i].v.Store(idleEpoch)
	}
	return t, nil
}

// Capacity returns the total number of slots.
func (t *Table) Capacity() int {
	return len(t.entries)
}

func (t *Table) bucketOf(k Key) int {
	return int(k.hash(t.seed) % uint32(len(t.buckets)))
}

// Pin marks the start of a read section of worker. Entries removed after
// Pin are not reused before the matching Unpin.
func (t *Table) Pin(worker int) {
	t.pins[worker%len(t.pins)].v.Store(t.epoch.Load())
}

// Unpin ends the read section of worker.
func (t *Table) Unpin(worker int) {
	t.pins[worker%len(t.pins)].v.Store(idleEpoch)
}

// Lookup returns the handle of the active entry with key k.
func (t *Table) Lookup(k Key) (Handle, bool) {
	if e := t.find(t.bucketOf(k), k); e != nil {
		return e.Handle(), true
	}
	return InvalidHandle, false
}

func (t *Table) find(b int, k Key) *Entry {
	base := b * BucketSize
	for i := base; i < base+BucketSize; i++ {
		if e := &t.entries[i]; e.matches(k) {
			return e
		}
	}
	for i := t.buckets[b].oflow.Load(); i >= 0; i = t.entries[i].next.Load() {
		if e := &t.entries[i]; e.matches(k) {
			return e
		}
	}
	return nil
}

// Get returns the entry referenced by h if the handle is still current.
func (t *Table) Get(h Handle) (*Entry, error) {
	if h.Index < 0 || int(h.Index) >= len(t.entries) {
		return nil, serrors.JoinNoStack(ErrStaleHandle, nil, "index", h.Index)
	}
	e := &t.entries[h.Index]
	if slotState(e.state.Load()) != slotActive || e.gen.Load() != h.Gen {
		return nil, serrors.JoinNoStack(ErrStaleHandle, nil,
			"index", h.Index, "gen", h.Gen, "current_gen", e.gen.Load())
	}
	return e, nil
}

// At returns the slot at index regardless of its state, or nil if the index
// is out of range.
func (t *Table) At(index int32) *Entry {
	if index < 0 || int(index) >= len(t.entries) {
		return nil
	}
	return &t.entries[index]
}

// ReverseOf returns the reverse entry of e. It fails if the reverse link is
// not valid or the reverse entry is not active.
func (t *Table) ReverseOf(e *Entry) (*Entry, error) {
	idx := e.Reverse()
	if idx < 0 || int(idx) >= len(t.entries) {
		return nil, serrors.JoinNoStack(ErrNoReverse, nil, "index", e.index)
	}
	re := &t.entries[idx]
	if !re.Active() {
		return nil, serrors.JoinNoStack(ErrNoReverse, nil, "index", e.index, "rflow", idx)
	}
	return re, nil
}

// lockBuckets locks the buckets in index order and returns the unlock
// function.
func (t *Table) lockBuckets(b1, b2 int) func() {
	if b1 == b2 {
		t.buckets[b1].mu.Lock()
		return t.buckets[b1].mu.Unlock
	}
	if b2 < b1 {
		b1, b2 = b2, b1
	}
	t.buckets[b1].mu.Lock()
	t.buckets[b2].mu.Lock()
	return func() {
		t.buckets[b2].mu.Unlock()
		t.buckets[b1].mu.Unlock()
	}
}

// reserve takes a free slot for bucket b. The caller holds the bucket lock.
func (t *Table) reserve(b int) (int32, bool) {
	base := b * BucketSize
	for i := base; i < base+BucketSize; i++ {
		if t.entries[i].state.CompareAndSwap(uint32(slotFree), uint32(slotReserved)) {
			return int32(i), true
		}
	}
	t.freeMu.Lock()
	defer t.freeMu.Unlock()
	if len(t.free) == 0 {
		return -1, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.entries[idx].state.Store(uint32(slotReserved))
	return idx, true
}

// unreserve returns a reserved slot that was never published.
func (t *Table) unreserve(idx int32) {
	t.entries[idx].state.Store(uint32(slotFree))
	if int(idx) >= t.cfg.Entries {
		t.freeMu.Lock()
		t.free = append(t.free, idx)
		t.freeMu.Unlock()
	}
}

// publish activates an initialized slot and links it into bucket b. The
// caller holds the bucket lock.
func (t *Table) publish(b int, idx int32) {
	e := &t.entries[idx]
	e.state.Store(uint32(slotActive))
	if int(idx) >= t.cfg.Entries {
		e.next.Store(t.buckets[b].oflow.Load())
		t.buckets[b].oflow.Store(idx)
		t.oflows.Add(1)
	}
	t.added.Add(1)
}

// unlink removes an active slot from bucket b and schedules it for
// reclamation. The caller holds the bucket lock.
func (t *Table) unlink(b int, e *Entry) {
	if int(e.index) >= t.cfg.Entries {
		head := &t.buckets[b].oflow
		if head.Load() == e.index {
			head.Store(e.next.Load())
		} else {
			for i := head.Load(); i >= 0; i = t.entries[i].next.Load() {
				if t.entries[i].next.Load() == e.index {
					t.entries[i].next.Store(e.next.Load())
					break
				}
			}
		}
		t.oflows.Add(-1)
	}
	e.state.Store(uint32(slotRetired))
	t.deleted.Add(1)

	// The epoch is read after the slot became unreachable.
	t.retireMu.Lock()
	t.retired = append(t.retired, retiredSlot{index: e.index, epoch: t.epoch.Add(1) - 1})
	t.retireMu.Unlock()
}

// Reclaim frees the removed slots that no worker can still be reading and
// returns their number.
func (t *Table) Reclaim() int {
	oldest := uint64(idleEpoch)
	for i := range t.pins {
		oldest = min(oldest, t.pins[i].v.Load())
	}
	t.retireMu.Lock()
	defer t.retireMu.Unlock()
	n := 0
	keep := t.retired[:0]
	for _, r := range t.retired {
		if r.epoch >= oldest {
			keep = append(keep, r)
			continue
		}
		e := &t.entries[r.index]
		e.next.Store(-1)
		e.state.Store(uint32(slotFree))
		if int(r.index) >= t.cfg.Entries {
			t.freeMu.Lock()
			t.free = append(t.free, r.index)
			t.freeMu.Unlock()
		}
		n++
	}
	t.retired = keep
	return n
}

// LookupOrCreate returns the entry for k, creating it in hold state if it
// does not exist. A new entry is created together with the reverse entry
// for rk, or linked to the existing reverse entry. attrs are the attributes
// of the forward entry; the reverse entry gets the VRFs swapped.
func (t *Table) LookupOrCreate(k, rk Key, attrs Attrs, worker int) (Handle, bool, error) {
	if !k.Valid() || !rk.Valid() {
		return InvalidHandle, false, serrors.JoinNoStack(ErrInvalidKey, nil, "key", k)
	}
	if h, ok := t.Lookup(k); ok {
		return h, false, nil
	}
	fb, rb := t.bucketOf(k), t.bucketOf(rk)
	unlock := t.lockBuckets(fb, rb)
	defer unlock()

	if e := t.find(fb, k); e != nil {
		return e.Handle(), false, nil
	}
	if t.cfg.HoldLimit > 0 && t.hold.count() >= t.cfg.HoldLimit {
		return InvalidHandle, false, serrors.JoinNoStack(ErrHoldLimit, nil,
			"limit", t.cfg.HoldLimit)
	}

	var re *Entry
	if rk != k {
		re = t.find(rb, rk)
	}
	fidx, ok := t.reserve(fb)
	if !ok {
		return InvalidHandle, false, serrors.JoinNoStack(ErrTableFull, nil, "bucket", fb)
	}
	ridx := int32(-1)
	if re == nil && rk != k {
		if ridx, ok = t.reserve(rb); !ok {
			t.unreserve(fidx)
			return InvalidHandle, false, serrors.JoinNoStack(ErrTableFull, nil, "bucket", rb)
		}
	}
	if !t.burst.take() {
		t.unreserve(fidx)
		if ridx >= 0 {
			t.unreserve(ridx)
		}
		return InvalidHandle, false, ErrBurstExhausted
	}

	fe := &t.entries[fidx]
	fe.init(k, attrs, FlagActive|FlagNew, ActionHold)
	if ridx >= 0 {
		rattrs := attrs
		rattrs.VRF, rattrs.DVRF = attrs.DVRF, attrs.VRF
		re = &t.entries[ridx]
		re.init(rk, rattrs, FlagActive|FlagNew|FlagReverseValid, ActionHold)
		re.rflow.Store(fidx)
	}
	if re != nil {
		fe.rflow.Store(re.index)
		fe.setFlags(FlagReverseValid)
		if re.Reverse() < 0 {
			re.rflow.Store(fidx)
			re.setFlags(FlagReverseValid)
		}
	}

	if ridx >= 0 {
		t.publish(rb, ridx)
		t.hold.inc(worker)
	}
	t.publish(fb, fidx)
	t.hold.inc(worker)

	if t.logger.Enabled(log.DebugLevel) {
		t.logger.Debug("Flow created", "index", fidx, "rflow", fe.rflow.Load(), "key", k)
	}
	return fe.Handle(), true, nil
}

// SetAction changes the action of the entry and releases held packets if it
// leaves hold state.
func (t *Table) SetAction(h Handle, a Action) error {
	e, err := t.Get(h)
	if err != nil {
		return err
	}
	t.setAction(e, a)
	return nil
}

func (t *Table) setAction(e *Entry, a Action) {
	held, left := e.setAction(a)
	t.actionCount.Add(1)
	if !left {
		return
	}
	e.clearFlags(FlagNew)
	t.hold.release()
	if t.cfg.Release != nil && len(held) > 0 {
		t.cfg.Release(held, false)
	}
}

// UpdateTCPFlags merges f into the TCP flags of the entry. Once the
// connection is dead the entry becomes an eviction candidate; the return
// value reports whether this call made it one.
func (t *Table) UpdateTCPFlags(h Handle, f TCPFlags) (bool, error) {
	e, err := t.Get(h)
	if err != nil {
		return false, err
	}
	old := TCPFlags(e.tcpFlags.Or(uint32(f)))
	if f&TCPDead == 0 || old&TCPDead != 0 {
		return false, nil
	}
	return t.markEvictCandidate(e), nil
}

// MarkEvictCandidate marks the entry for eviction. It reports false if the
// entry already was a candidate.
func (t *Table) MarkEvictCandidate(h Handle) (bool, error) {
	e, err := t.Get(h)
	if err != nil {
		return false, err
	}
	return t.markEvictCandidate(e), nil
}

func (t *Table) markEvictCandidate(e *Entry) bool {
	old := Flags(e.flags.Or(uint32(FlagEvictCandidate)))
	return !old.Has(FlagEvictCandidate)
}

// Evict removes an eviction candidate together with its reverse entry. The
// slots are reclaimed by a later Reclaim.
func (t *Table) Evict(h Handle) error {
	return t.remove(h, FlagEvicted)
}

// Delete removes the entry and its reverse entry.
func (t *Table) Delete(h Handle) error {
	return t.remove(h, 0)
}

func (t *Table) remove(h Handle, mark Flags) error {
	e, err := t.Get(h)
	if err != nil {
		return err
	}
	b := t.bucketOf(e.Key())
	rb := b
	r := e.Reverse()
	if r >= 0 {
		rb = t.bucketOf(t.entries[r].Key())
	}
	unlock := t.lockBuckets(b, rb)
	// The entries may have changed while waiting for the locks.
	if slotState(e.state.Load()) != slotActive || e.gen.Load() != h.Gen {
		unlock()
		return serrors.JoinNoStack(ErrStaleHandle, nil, "index", h.Index, "gen", h.Gen)
	}
	pair := []*Entry{e}
	if r >= 0 {
		re := &t.entries[r]
		if re.Active() && re.Reverse() == e.index && t.bucketOf(re.Key()) == rb {
			pair = append(pair, re)
		}
	}
	var released [][]HeldPacket
	for i, x := range pair {
		x.setFlags(FlagDeleteMarked | mark)
		x.clearFlags(FlagActive)
		held, left := x.setAction(ActionDrop)
		if left {
			t.hold.release()
		}
		if len(held) > 0 {
			released = append(released, held)
		}
		if i == 0 {
			t.unlink(b, x)
		} else {
			t.unlink(rb, x)
		}
	}
	unlock()

	if t.cfg.Release != nil {
		for _, held := range released {
			t.cfg.Release(held, true)
		}
	}
	t.logger.Debug("Flow removed", "index", h.Index, "entries", len(pair),
		"evicted", mark.Has(FlagEvicted))
	return nil
}

// SetBurst changes the admission limiter configuration and refills it.
func (t *Table) SetBurst(cfg BurstConfig) {
	t.burst.set(cfg)
}

// HoldCount returns the number of entries in hold state.
func (t *Table) HoldCount() uint64 {
	return t.hold.count()
}

// Range calls fn for every active entry in index order until fn returns
// false.
func (t *Table) Range(fn func(e *Entry) bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if slotState(e.state.Load()) != slotActive {
			continue
		}
		if !fn(e) {
			return
		}
	}
}
