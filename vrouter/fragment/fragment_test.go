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


package fragment_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrflow/vrflow/pkg/log/testlog"
	"github.com/vrflow/vrflow/vrouter/drop"
	"github.com/vrflow/vrflow/vrouter/fragment"
	"github.com/vrflow/vrflow/vrouter/fwd"
)

type frag struct {
	offset  int
	more    bool
	payload int
}

var datagram = []frag{
	{offset: 0, more: true, payload: 1200},
	{offset: 1200, more: true, payload: 1200},
	{offset: 2400, more: false, payload: 300},
}

type harness struct {
	table     *fragment.Table
	completed []int
	dropped   []drop.Reason
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{now: time.Unix(100, 0)}
	h.table = fragment.New(fragment.Config{
		Buckets: 8,
		Timeout: time.Second,
		Now:     func() time.Time { return h.now },
		Logger:  testlog.NewLogger(t),
		Complete: func(_ fragment.Key, received int) {
			h.completed = append(h.completed, received)
		},
		Drop: func(_ *fwd.Packet, r drop.Reason) {
			h.dropped = append(h.dropped, r)
		},
	})
	return h
}

// feed processes f the way the data plane does: the head registers the
// ports and returns the queued fragments, which are processed again; other
// fragments are queued while the head is unknown.
func (h *harness) feed(t *testing.T, k fragment.Key, f frag) {
	if f.offset == 0 {
		for _, p := range h.table.AddHead(k, 1136, 53, f.payload) {
			h.feed(t, k, datagram[p.Packet.Raw[0]])
		}
		return
	}
	if sport, dport, ok := h.table.Lookup(k, f.payload, f.offset, f.more); ok {
		assert.Equal(t, uint16(1136), sport)
		assert.Equal(t, uint16(53), dport)
		return
	}
	idx := byte(f.offset / 1200)
	require.NoError(t, h.table.Enqueue(k, &fwd.Packet{Raw: []byte{idx}}, fwd.NewMetadata(k.VRF)))
}

func testKey() fragment.Key {
	return fragment.Key{
		VRF: 1,
		Src: netip.MustParseAddr("fd99::4"),
		Dst: netip.MustParseAddr("fd99::6"),
		ID:  0xcafe,
	}
}

func TestCompletionInAnyOrder(t *testing.T) {
	orders := map[string][]int{
		"in order":     {0, 1, 2},
		"tail second":  {0, 2, 1},
		"head last":    {1, 2, 0},
		"head middle":  {2, 0, 1},
		"reversed":     {2, 1, 0},
		"middle first": {1, 0, 2},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			for _, i := range order {
				h.feed(t, testKey(), datagram[i])
			}
			assert.Equal(t, []int{2700}, h.completed)
			assert.Zero(t, h.table.Len())
			assert.Empty(t, h.dropped)
		})
	}
}

func TestMissingHeadTimesOut(t *testing.T) {
	h := newHarness(t)
	h.feed(t, testKey(), datagram[1])
	h.feed(t, testKey(), datagram[2])
	assert.Equal(t, 1, h.table.Len())

	assert.Zero(t, h.table.Scan(0))
	h.now = h.now.Add(time.Second)
	assert.Equal(t, 1, h.table.Scan(0))

	assert.Equal(t, []drop.Reason{drop.NoFragEntry, drop.NoFragEntry}, h.dropped)
	assert.Empty(t, h.completed)
	assert.Zero(t, h.table.Len())
}

func TestScanBudget(t *testing.T) {
	h := newHarness(t)
	for id := uint32(0); id < 64; id++ {
		k := testKey()
		k.ID = id
		h.table.AddHead(k, 1, 2, 100)
	}
	require.Equal(t, 64, h.table.Len())
	h.now = h.now.Add(2 * time.Second)

	total := 0
	for i := 0; i < 8; i++ {
		total += h.table.Scan(1)
	}
	assert.Equal(t, 64, total)
	assert.Zero(t, h.table.Len())
}

func TestQueueLimit(t *testing.T) {
	tbl := fragment.New(fragment.Config{QueueLimit: 2})
	for i := 0; i < 2; i++ {
		require.NoError(t, tbl.Enqueue(testKey(), &fwd.Packet{}, fwd.NewMetadata(0)))
	}
	err := tbl.Enqueue(testKey(), &fwd.Packet{}, fwd.NewMetadata(0))
	assert.ErrorIs(t, err, fragment.ErrQueueFull)
}

func TestDistinctDatagrams(t *testing.T) {
	h := newHarness(t)
	other := testKey()
	other.VRF = 2
	h.table.AddHead(testKey(), 1, 2, 1200)
	_, _, ok := h.table.Lookup(other, 1200, 1200, false)
	assert.False(t, ok)
}

func TestScanTask(t *testing.T) {
	h := newHarness(t)
	h.table.AddHead(testKey(), 1, 2, 100)
	h.now = h.now.Add(time.Minute)
	task := h.table.ScanTask(0)
	assert.Equal(t, "fragment_scan", task.Name())
	task.Run(context.Background())
	assert.Zero(t, h.table.Len())
}
