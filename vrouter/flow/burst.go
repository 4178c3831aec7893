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
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// BurstConfig configures the admission of new flows. Tokens is the bucket
// size; every Interval the bucket is refilled by Step tokens. Zero Tokens
// disables the limiter.
type BurstConfig struct {
	Tokens   uint32        `json:"tokens"`
	Interval time.Duration `json:"interval"`
	Step     uint32        `json:"step"`
}

// burstLimiter is a token bucket that is refilled lazily on access.
type burstLimiter struct {
	mu     sync.Mutex
	cfg    BurstConfig
	tokens uint64
	last   time.Time
	now    func() time.Time
	used   atomic.Uint64
}

func newBurstLimiter(cfg BurstConfig, now func() time.Time) *burstLimiter {
	return &burstLimiter{
		cfg:    cfg,
		tokens: uint64(cfg.Tokens),
		last:   now(),
		now:    now,
	}
}

// take consumes one token. It reports false if the bucket is empty.
func (b *burstLimiter) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.Tokens == 0 {
		return true
	}
	b.refill()
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	b.used.Add(1)
	return true
}

func (b *burstLimiter) refill() {
	if b.cfg.Interval <= 0 {
		return
	}
	now := b.now()
	periods := now.Sub(b.last) / b.cfg.Interval
	if periods <= 0 {
		return
	}
	b.last = b.last.Add(periods * b.cfg.Interval)
	add := uint64(periods) * uint64(b.cfg.Step)
	if add/uint64(periods) != uint64(b.cfg.Step) {
		add = math.MaxUint64
	}
	b.tokens = min(b.tokens+min(add, uint64(b.cfg.Tokens)), uint64(b.cfg.Tokens))
}

func (b *burstLimiter) set(cfg BurstConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.tokens = uint64(cfg.Tokens)
	b.last = b.now()
}

func (b *burstLimiter) state() (BurstConfig, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.cfg, b.tokens
}

// holdCounter tracks the number of entries in hold state. Every worker
// increments its own shard when it creates a hold entry; transitions out of
// hold are counted in a single monotonic released counter. The number of
// entries in hold is the sum of the shards minus released.
type holdCounter struct {
	shards   []paddedUint32
	released atomic.Uint64
	// mu serializes shard overflow handling.
	mu sync.Mutex
}

type paddedUint32 struct {
	v atomic.Uint32
	_ [60]byte
}

func newHoldCounter(workers int) *holdCounter {
	return &holdCounter{shards: make([]paddedUint32, max(workers, 1))}
}

func (h *holdCounter) inc(worker int) {
	s := &h.shards[worker%len(h.shards)].v
	if s.Load() == math.MaxUint32 {
		h.fold(s)
	}
	s.Add(1)
}

// fold moves the value of an overflowing shard into released without
// changing the hold count.
func (h *holdCounter) fold(s *atomic.Uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := uint64(s.Load())
	for {
		r := h.released.Load()
		if r < v {
			if h.released.CompareAndSwap(r, 0) {
				s.Store(uint32(v - r))
				return
			}
			continue
		}
		if h.released.CompareAndSwap(r, r-v) {
			s.Store(0)
			return
		}
	}
}

func (h *holdCounter) release() {
	h.released.Add(1)
}

func (h *holdCounter) count() uint64 {
	var sum uint64
	for i := range h.shards {
		sum += uint64(h.shards[i].v.Load())
	}
	r := h.released.Load()
	if r > sum {
		return 0
	}
	return sum - r
}

func (h *holdCounter) snapshot() []uint32 {
	s := make([]uint32, len(h.shards))
	for i := range h.shards {
		s[i] = h.shards[i].v.Load()
	}
	return s
}
