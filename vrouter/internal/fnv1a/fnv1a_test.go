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


package fnv1a_test

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vrflow/vrflow/vrouter/internal/fnv1a"
)

func TestBytesMatchesStdlib(t *testing.T) {
	for _, in := range []string{"", "a", "fd99::4", "\x00\x11\x22\x33\x44"} {
		h := fnv.New32a()
		h.Write([]byte(in))
		assert.Equal(t, h.Sum32(), fnv1a.Bytes(fnv1a.Offset32, []byte(in)), in)
	}
}
