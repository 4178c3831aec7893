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


// Package fragment keeps track of fragmented datagrams, so that fragments
// after the first can be assigned to the flow of the datagram.
//
// The head fragment carries the transport header. Its ports are recorded
// and handed out to the following fragments. Fragments that arrive before
// the head are queued on the record and returned to the caller once the
// head is seen. A record is removed as soon as all payload bytes of the
// datagram were accounted, or by the periodic scan once it expired.
package fragment

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vrflow/vrflow/pkg/log"
	"github.com/vrflow/vrflow/pkg/private/serrors"
	"github.com/vrflow/vrflow/private/periodic"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/fwd"
	"github.com/vrflow/vrflow/vrouter/internal/fnv1a"
)

const (
	DefaultBuckets    = 1024
	DefaultQueueLimit = 16
	DefaultTimeout    = time.Second
	// DefaultScanBudget is the number of buckets visited by one Scan.
	DefaultScanBudget = 1024
)

// ErrQueueFull is returned if a fragment cannot be queued on its record.
var ErrQueueFull = errors.New("fragment queue full")

// Key identifies a datagram.
type Key struct {
	VRF uint16
	Src netip.Addr
	Dst netip.Addr
	ID  uint32
}

func (k Key) hash() uint32 {
	var b [2 + 16 + 16 + 4]byte
	binary.BigEndian.PutUint16(b[0:], k.VRF)
	s, d := k.Src.As16(), k.Dst.As16()
	copy(b[2:], s[:])
	copy(b[18:], d[:])
	binary.BigEndian.PutUint32(b[34:], k.ID)
	return fnv1a.Bytes(fnv1a.Offset32, b[:])
}

// Pending is a fragment that waits for the head of its datagram.
type Pending struct {
	Packet *fwd.Packet
	Meta   fwd.Metadata
}

// Config configures a Table.
type Config struct {
	Buckets    int
	QueueLimit int
	// Timeout is the lifetime of a record.
	Timeout time.Duration
	// Drop disposes of queued fragments whose record expired.
	Drop func(pkt *fwd.Packet, reason drop.Reason)
	// Complete is called once for every datagram whose payload was fully
	// accounted.
	Complete func(k Key, received int)
	Now      func() time.Time
	Logger   log.Logger
}

// InitDefaults sets the defaults of unset fields.
func (c *Config) InitDefaults() {
	if c.Buckets <= 0 {
		c.Buckets = DefaultBuckets
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.New("component", "fragment")
	}
}

type record struct {
	key        Key
	portsKnown bool
	sport      uint16
	dport      uint16
	received   int
	// expected is zero until the tail fragment was seen.
	expected int
	queue    []Pending
	expires  time.Time
}

type bucket struct {
	mu      sync.Mutex
	records []*record
}

func (b *bucket) find(k Key) (int, *record) {
	for i, r := range b.records {
		if r.key == k {
			return i, r
		}
	}
	return -1, nil
}

func (b *bucket) remove(i int) {
	last := len(b.records) - 1
	b.records[i] = b.records[last]
	b.records[last] = nil
	b.records = b.records[:last]
}

// Table is the fragment table.
type Table struct {
	cfg     Config
	buckets []bucket
	count   atomic.Int64

	scanMu sync.Mutex
	cursor int
}

// New creates a fragment table.
func New(cfg Config) *Table {
	cfg.InitDefaults()
	return &Table{
		cfg:     cfg,
		buckets: make([]bucket, cfg.Buckets),
	}
}

func (t *Table) bucketOf(k Key) *bucket {
	return &t.buckets[k.hash()%uint32(len(t.buckets))]
}

// Len returns the number of records.
func (t *Table) Len() int {
	return int(t.count.Load())
}

func (t *Table) create(b *bucket, k Key) *record {
	r := &record{key: k, expires: t.cfg.Now().Add(t.cfg.Timeout)}
	b.records = append(b.records, r)
	t.count.Add(1)
	return r
}

// account adds the payload of one fragment and removes the record if the
// datagram is complete. It reports whether it was. The caller holds the
// bucket lock.
func (t *Table) account(b *bucket, i int, r *record, payload, offset int, more bool) bool {
	r.received += payload
	if !more && offset != 0 {
		r.expected = offset + payload
	}
	if r.expected == 0 || r.received != r.expected {
		return false
	}
	b.remove(i)
	t.count.Add(-1)
	return true
}

// AddHead records the ports of the head fragment of k and accounts its
// payload. It returns the fragments that were queued waiting for the head;
// the caller feeds them to the forwarding path again.
func (t *Table) AddHead(k Key, sport, dport uint16, payload int) []Pending {
	b := t.bucketOf(k)
	b.mu.Lock()
	i, r := b.find(k)
	if r == nil {
		r = t.create(b, k)
		i = len(b.records) - 1
	}
	r.portsKnown, r.sport, r.dport = true, sport, dport
	queued := r.queue
	r.queue = nil
	done := t.account(b, i, r, payload, 0, true)
	received := r.received
	b.mu.Unlock()

	if done {
		t.complete(k, received)
	}
	return queued
}

// Lookup returns the ports of the datagram of a non-head fragment and
// accounts the fragment. It reports false if the head was not seen yet, in
// which case nothing is accounted.
func (t *Table) Lookup(k Key, payload, offset int, more bool) (sport, dport uint16, ok bool) {
	b := t.bucketOf(k)
	b.mu.Lock()
	i, r := b.find(k)
	if r == nil || !r.portsKnown {
		b.mu.Unlock()
		return 0, 0, false
	}
	sport, dport = r.sport, r.dport
	done := t.account(b, i, r, payload, offset, more)
	received := r.received
	b.mu.Unlock()

	if done {
		t.complete(k, received)
	}
	return sport, dport, true
}

// Enqueue queues a non-head fragment until the head of its datagram
// arrives, creating the record if needed.
func (t *Table) Enqueue(k Key, pkt *fwd.Packet, md fwd.Metadata) error {
	b := t.bucketOf(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r := b.find(k)
	if r == nil {
		r = t.create(b, k)
	}
	if len(r.queue) >= t.cfg.QueueLimit {
		return serrors.JoinNoStack(ErrQueueFull, nil, "limit", t.cfg.QueueLimit)
	}
	r.queue = append(r.queue, Pending{Packet: pkt, Meta: md})
	return nil
}

func (t *Table) complete(k Key, received int) {
	if t.cfg.Complete != nil {
		t.cfg.Complete(k, received)
	}
}

// Scan visits up to budget buckets, continuing where the previous scan
// stopped, and removes expired records. Fragments queued on them are
// dropped. It returns the number of removed records.
func (t *Table) Scan(budget int) int {
	if budget <= 0 {
		budget = DefaultScanBudget
	}
	budget = min(budget, len(t.buckets))
	t.scanMu.Lock()
	start := t.cursor
	t.cursor = (start + budget) % len(t.buckets)
	t.scanMu.Unlock()

	now := t.cfg.Now()
	expired := 0
	var dropped []Pending
	for n := 0; n < budget; n++ {
		b := &t.buckets[(start+n)%len(t.buckets)]
		b.mu.Lock()
		for i := 0; i < len(b.records); {
			r := b.records[i]
			if now.Before(r.expires) {
				i++
				continue
			}
			dropped = append(dropped, r.queue...)
			b.remove(i)
			t.count.Add(-1)
			expired++
		}
		b.mu.Unlock()
	}
	if t.cfg.Drop != nil {
		for _, p := range dropped {
			t.cfg.Drop(p.Packet, drop.NoFragEntry)
		}
	}
	if expired > 0 {
		t.cfg.Logger.Debug("Fragment records expired", "count", expired,
			"dropped", len(dropped))
	}
	return expired
}

// ScanTask returns a periodic task that scans budget buckets per run.
func (t *Table) ScanTask(budget int) periodic.Task {
	return periodic.Func{
		TaskName: "fragment_scan",
		Task: func(context.Context) {
			t.Scan(budget)
		},
	}
}
