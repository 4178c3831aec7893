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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHoldCounterShardOverflow(t *testing.T) {
	testCases := map[string]struct {
		shard    uint32
		released uint64
	}{
		"released below shard": {shard: math.MaxUint32, released: 10},
		"released above shard": {shard: math.MaxUint32, released: math.MaxUint32 + 7},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			h := newHoldCounter(2)
			h.shards[0].v.Store(tc.shard)
			h.shards[1].v.Store(20)
			h.released.Store(tc.released)
			before := h.count()

			h.inc(0)
			assert.Equal(t, before+1, h.count())
			assert.Less(t, h.shards[0].v.Load(), uint32(math.MaxUint32))
		})
	}
}

func TestBurstRefillCapped(t *testing.T) {
	now := time.Unix(0, 0)
	b := newBurstLimiter(BurstConfig{Tokens: 3, Interval: time.Second, Step: 2},
		func() time.Time { return now })
	for i := 0; i < 3; i++ {
		assert.True(t, b.take())
	}
	assert.False(t, b.take())

	now = now.Add(time.Second)
	assert.True(t, b.take())
	assert.True(t, b.take())
	assert.False(t, b.take())

	now = now.Add(time.Hour)
	_, tokens := b.state()
	assert.Equal(t, uint64(3), tokens)
}
