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


package flow_test

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/pkg/log/testlog"
	"github.com/vrflow/vrflow/vrouter/flow"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func udpKey(i int) flow.Key {
	return flow.Key{
		Proto:   17,
		SrcPort: uint16(10000 + i),
		DstPort: 53,
		NhID:    1,
		Src:     netip.MustParseAddr(fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)),
		Dst:     netip.MustParseAddr("10.9.9.9"),
	}
}

func newTable(t *testing.T, cfg flow.Config) *flow.Table {
	t.Helper()
	if cfg.Entries == 0 {
		cfg.Entries = 1024
		cfg.OverflowEntries = 256
	}
	cfg.Logger = testlog.NewLogger(t)
	tbl, err := flow.New(cfg)
	require.NoError(t, err)
	return tbl
}

func TestNewInvalidConfig(t *testing.T) {
	_, err := flow.New(flow.Config{Entries: 6})
	assert.Error(t, err)
	_, err = flow.New(flow.Config{Entries: 8, OverflowEntries: -1})
	assert.Error(t, err)
}

func TestLookupOrCreatePair(t *testing.T) {
	tbl := newTable(t, flow.Config{})
	k := udpKey(1)
	rk := k.Reverse()

	h, created, err := tbl.LookupOrCreate(k, rk, flow.DefaultAttrs(1, 2), 0)
	require.NoError(t, err)
	assert.True(t, created)

	fe, err := tbl.Get(h)
	require.NoError(t, err)
	assert.Equal(t, flow.ActionHold, fe.Action())
	assert.True(t, fe.Flags().Has(flow.FlagActive|flow.FlagNew|flow.FlagReverseValid))
	assert.Equal(t, k, fe.Key())

	re, err := tbl.ReverseOf(fe)
	require.NoError(t, err)
	assert.Equal(t, rk, re.Key())
	assert.Equal(t, fe.Index(), re.Reverse())
	assert.Equal(t, uint16(2), re.Attrs().VRF)
	assert.Equal(t, uint16(1), re.Attrs().DVRF)

	// The reply direction resolves to the reverse entry.
	rh, ok := tbl.Lookup(rk)
	require.True(t, ok)
	assert.Equal(t, re.Handle(), rh)

	h2, created, err := tbl.LookupOrCreate(k, rk, flow.DefaultAttrs(1, 2), 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, h, h2)

	info := tbl.Info()
	assert.Equal(t, uint64(2), info.Added)
	assert.Equal(t, uint64(2), info.HoldCount)
}

func TestLookupOrCreateLinksExistingReverse(t *testing.T) {
	tbl := newTable(t, flow.Config{})
	k := udpKey(1)
	rk := k.Reverse()
	rk.NhID = 9

	// The reverse entry exists on its own, e.g. created by the agent.
	req := flow.Request{Index: -1, RIndex: -1, Action: flow.ActionForward}
	req.SetFlowKey(rk)
	rh, err := tbl.Set(req)
	require.NoError(t, err)

	h, created, err := tbl.LookupOrCreate(k, rk, flow.DefaultAttrs(1, 1), 0)
	require.NoError(t, err)
	assert.True(t, created)
	fe, err := tbl.Get(h)
	require.NoError(t, err)
	assert.Equal(t, rh.Index, fe.Reverse())
	re, err := tbl.Get(rh)
	require.NoError(t, err)
	assert.Equal(t, h.Index, re.Reverse())
	assert.Equal(t, uint64(2), tbl.Info().Added)
}

func TestBurstBoundary(t *testing.T) {
	const tokens = 5
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := newTable(t, flow.Config{
		Burst: flow.BurstConfig{Tokens: tokens, Interval: 100 * time.Millisecond, Step: tokens},
		Now:   clock.Now,
	})
	for i := 0; i < tokens; i++ {
		_, created, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err, i)
		assert.True(t, created, i)
	}
	_, _, err := tbl.LookupOrCreate(udpKey(tokens), udpKey(tokens).Reverse(), flow.Attrs{}, 0)
	assert.ErrorIs(t, err, flow.ErrBurstExhausted)

	// Existing flows keep resolving.
	_, created, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	assert.NoError(t, err)
	assert.False(t, created)

	clock.Advance(99 * time.Millisecond)
	_, _, err = tbl.LookupOrCreate(udpKey(tokens), udpKey(tokens).Reverse(), flow.Attrs{}, 0)
	assert.ErrorIs(t, err, flow.ErrBurstExhausted)

	clock.Advance(time.Millisecond)
	_, created, err = tbl.LookupOrCreate(udpKey(tokens), udpKey(tokens).Reverse(), flow.Attrs{}, 0)
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(tokens+1), tbl.Info().BurstUsed)
}

func TestSetBurst(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := newTable(t, flow.Config{
		Burst: flow.BurstConfig{Tokens: 1, Interval: time.Second, Step: 1},
		Now:   clock.Now,
	})
	_, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	_, _, err = tbl.LookupOrCreate(udpKey(1), udpKey(1).Reverse(), flow.Attrs{}, 0)
	require.ErrorIs(t, err, flow.ErrBurstExhausted)

	tbl.SetBurst(flow.BurstConfig{})
	for i := 1; i < 10; i++ {
		_, _, err = tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err)
	}
}

func TestHoldLimit(t *testing.T) {
	tbl := newTable(t, flow.Config{HoldLimit: 2})
	_, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	_, _, err = tbl.LookupOrCreate(udpKey(1), udpKey(1).Reverse(), flow.Attrs{}, 0)
	assert.ErrorIs(t, err, flow.ErrHoldLimit)
}

func TestTableFull(t *testing.T) {
	tbl := newTable(t, flow.Config{Entries: flow.BucketSize})
	for i := 0; i < 2; i++ {
		_, _, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err)
	}
	_, _, err := tbl.LookupOrCreate(udpKey(2), udpKey(2).Reverse(), flow.Attrs{}, 0)
	assert.ErrorIs(t, err, flow.ErrTableFull)
}

func TestRefusedCreateKeepsBurstTokens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := newTable(t, flow.Config{
		Entries:   flow.BucketSize,
		HoldLimit: 8,
		Burst:     flow.BurstConfig{Tokens: 4, Interval: time.Hour, Step: 4},
		Now:       clock.Now,
	})
	for i := 0; i < 2; i++ {
		_, created, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err)
		require.True(t, created)
	}
	for i := 2; i < 6; i++ {
		_, _, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		assert.ErrorIs(t, err, flow.ErrTableFull)
	}
	info := tbl.Info()
	assert.Equal(t, uint64(2), info.BurstTokens)
	assert.Equal(t, uint64(2), info.BurstUsed)

	limited := newTable(t, flow.Config{
		HoldLimit: 2,
		Burst:     flow.BurstConfig{Tokens: 4, Interval: time.Hour, Step: 4},
		Now:       clock.Now,
	})
	_, _, err := limited.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	_, _, err = limited.LookupOrCreate(udpKey(1), udpKey(1).Reverse(), flow.Attrs{}, 0)
	assert.ErrorIs(t, err, flow.ErrHoldLimit)
	assert.Equal(t, uint64(3), limited.Info().BurstTokens)
}

func TestOverflowChain(t *testing.T) {
	tbl := newTable(t, flow.Config{Entries: flow.BucketSize, OverflowEntries: 8})
	var handles []flow.Handle
	for i := 0; i < 6; i++ {
		h, _, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, int64(8), tbl.Info().OverflowInUse)
	for i, h := range handles {
		got, ok := tbl.Lookup(udpKey(i))
		require.True(t, ok, i)
		assert.Equal(t, h, got, i)
	}

	// Remove an entry in the middle of the chain.
	require.NoError(t, tbl.Delete(handles[3]))
	_, ok := tbl.Lookup(udpKey(3))
	assert.False(t, ok)
	for _, i := range []int{2, 4, 5} {
		_, ok := tbl.Lookup(udpKey(i))
		assert.True(t, ok, i)
	}
	assert.Equal(t, 2, tbl.Reclaim())
	_, _, err := tbl.LookupOrCreate(udpKey(7), udpKey(7).Reverse(), flow.Attrs{}, 0)
	assert.NoError(t, err)
}

func TestGenerationInvalidation(t *testing.T) {
	tbl := newTable(t, flow.Config{Entries: flow.BucketSize})
	old, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	_, err = tbl.MarkEvictCandidate(old)
	require.NoError(t, err)
	require.NoError(t, tbl.Evict(old))

	_, err = tbl.Get(old)
	assert.ErrorIs(t, err, flow.ErrStaleHandle)
	assert.Equal(t, 2, tbl.Reclaim())

	h, created, err := tbl.LookupOrCreate(udpKey(1), udpKey(1).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, old.Index, h.Index)
	assert.Greater(t, h.Gen, old.Gen)

	_, err = tbl.Get(old)
	assert.ErrorIs(t, err, flow.ErrStaleHandle)
	e, err := tbl.Get(h)
	require.NoError(t, err)
	assert.Equal(t, udpKey(1), e.Key())
	assert.ErrorIs(t, tbl.Delete(old), flow.ErrStaleHandle)
}

func TestReclaimWaitsForPinnedWorkers(t *testing.T) {
	tbl := newTable(t, flow.Config{Workers: 2})
	h, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)

	tbl.Pin(1)
	require.NoError(t, tbl.Delete(h))
	assert.Zero(t, tbl.Reclaim())
	tbl.Unpin(1)
	assert.Equal(t, 2, tbl.Reclaim())

	// Workers pinning after the removal do not hold back reclamation.
	h, _, err = tbl.LookupOrCreate(udpKey(1), udpKey(1).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	require.NoError(t, tbl.Delete(h))
	tbl.Pin(0)
	defer tbl.Unpin(0)
	assert.Equal(t, 2, tbl.Reclaim())
}

func TestHoldQueueAndRelease(t *testing.T) {
	var released []flow.HeldPacket
	var deleted bool
	tbl := newTable(t, flow.Config{
		Release: func(held []flow.HeldPacket, del bool) {
			released = append(released, held...)
			deleted = del
		},
	})
	h, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	e, err := tbl.Get(h)
	require.NoError(t, err)

	for i := 0; i < flow.HoldQueueLimit; i++ {
		assert.True(t, e.Enqueue(&fwd.Packet{}, fwd.NewMetadata(0)))
	}
	assert.False(t, e.Enqueue(&fwd.Packet{}, fwd.NewMetadata(0)))
	assert.Equal(t, flow.HoldQueueLimit, e.Held())

	require.NoError(t, tbl.SetAction(h, flow.ActionForward))
	assert.Len(t, released, flow.HoldQueueLimit)
	assert.False(t, deleted)
	assert.False(t, e.Flags().Has(flow.FlagNew))
	assert.False(t, e.Enqueue(&fwd.Packet{}, fwd.NewMetadata(0)))
	assert.Equal(t, uint64(1), tbl.HoldCount())
}

func TestDeleteReleasesHeld(t *testing.T) {
	var deleted bool
	var n int
	tbl := newTable(t, flow.Config{
		Release: func(held []flow.HeldPacket, del bool) {
			n += len(held)
			deleted = del
		},
	})
	h, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)
	e, err := tbl.Get(h)
	require.NoError(t, err)
	require.True(t, e.Enqueue(&fwd.Packet{}, fwd.NewMetadata(0)))

	require.NoError(t, tbl.Delete(h))
	assert.Equal(t, 1, n)
	assert.True(t, deleted)
	assert.Zero(t, tbl.HoldCount())
	assert.Equal(t, uint64(2), tbl.Info().Deleted)
	_, ok := tbl.Lookup(udpKey(0).Reverse())
	assert.False(t, ok)
}

func TestUpdateTCPFlags(t *testing.T) {
	tbl := newTable(t, flow.Config{})
	h, _, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, 0)
	require.NoError(t, err)

	marked, err := tbl.UpdateTCPFlags(h, flow.TCPSyn|flow.TCPEstablished)
	require.NoError(t, err)
	assert.False(t, marked)
	marked, err = tbl.UpdateTCPFlags(h, flow.TCPFin|flow.TCPDead)
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = tbl.UpdateTCPFlags(h, flow.TCPDead)
	require.NoError(t, err)
	assert.False(t, marked)

	e, err := tbl.Get(h)
	require.NoError(t, err)
	assert.True(t, e.Flags().Has(flow.FlagEvictCandidate))
	assert.Equal(t, flow.TCPSyn|flow.TCPEstablished|flow.TCPFin|flow.TCPDead, e.TCPFlags())

	require.NoError(t, tbl.Evict(h))
	assert.True(t, e.Flags().Has(flow.FlagEvicted|flow.FlagDeleteMarked))
	assert.False(t, e.Active())
}

func TestConcurrentCreate(t *testing.T) {
	const workers = 8
	tbl := newTable(t, flow.Config{Workers: workers})
	var created atomic.Int32
	var wg sync.WaitGroup
	handles := make([]flow.Handle, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			tbl.Pin(w)
			defer tbl.Unpin(w)
			h, c, err := tbl.LookupOrCreate(udpKey(0), udpKey(0).Reverse(), flow.Attrs{}, w)
			assert.NoError(t, err)
			if c {
				created.Add(1)
			}
			handles[w] = h
		}(w)
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	for _, h := range handles {
		assert.Equal(t, handles[0], h)
	}
	assert.Equal(t, uint64(2), tbl.HoldCount())
}

func TestRange(t *testing.T) {
	tbl := newTable(t, flow.Config{})
	for i := 0; i < 3; i++ {
		_, _, err := tbl.LookupOrCreate(udpKey(i), udpKey(i).Reverse(), flow.Attrs{}, 0)
		require.NoError(t, err)
	}
	n := 0
	tbl.Range(func(*flow.Entry) bool {
		n++
		return true
	})
	assert.Equal(t, 6, n)
	n = 0
	tbl.Range(func(*flow.Entry) bool {
		n++
		return false
	})
	assert.Equal(t, 1, n)
}
