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

package drop_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vrflow/vrflow/vrouter/drop"
)

func TestReasonValues(t *testing.T) {
	// Positions are shared with the drop statistics tooling.
	assert.Equal(t, drop.Reason(1), drop.Pull)
	assert.Equal(t, drop.Reason(9), drop.FlowNatNoRflow)
	assert.Equal(t, drop.Reason(13), drop.FlowTableFull)
	assert.Equal(t, drop.Reason(50), drop.NoFragEntry)
	assert.Equal(t, "Flow NAT no rflow", drop.FlowNatNoRflow.String())
	assert.Equal(t, "No Fragment Entries", drop.NoFragEntry.String())
	assert.Equal(t, "Unknown", drop.NumReasons.String())
}

func TestStats(t *testing.T) {
	var s drop.Stats
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Add(drop.Pull)
			}
		}()
	}
	wg.Wait()
	s.Add(drop.ICMPError)
	s.Add(drop.NumReasons)

	assert.Equal(t, uint64(800), s.Get(drop.Pull))
	assert.Equal(t, map[string]uint64{"Pull Fails": 800, "ICMP errors": 1}, s.Snapshot())
}
