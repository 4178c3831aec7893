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


// Package fnv1a implements the byte-wise FNV-1a hash used to spread flow and
// fragment keys over table buckets.
package fnv1a

// Offset32 is an initial offset that can be used as initial state when calling
// Hash. It is valid and recommended to use a per-table seed obtained from a
// call to Hash as the initial state rather than Offset32 itself.
const Offset32 uint32 = 2166136261

// Hash returns a hash value for the given initial state combined with the
// given byte. To get a hash for a sequence of bytes, invoke for each byte,
// passing the returned value of one call as the state for the next, or use
// Bytes.
func Hash(state uint32, c byte) uint32 {
	const prime32 = 16777619
	return (state ^ uint32(c)) * prime32
}

// Bytes folds all bytes of b into state.
func Bytes(state uint32, b []byte) uint32 {
	for _, c := range b {
		state = Hash(state, c)
	}
	return state
}
