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


package config

const generalSample = `# The element identifier of the router, used in logs and metrics.
# (default "vrouter")
id = "vrouter"
`

const logSample = `# Console logging level (debug|info|error). (default "info")
console.level = "info"

# Console logging format (human|json). (default "human")
console.format = "human"

# Level from which on stack traces are logged (debug|info|error|none).
# (default "none")
console.stacktrace_level = "none"
`

const metricsSample = `# The address to export prometheus metrics on. If not set, metrics are
# not exported.
# prometheus = "127.0.0.1:30442"
`

const apiSample = `# The address to serve the management API on. If not set, the API is
# disabled.
# addr = "127.0.0.1:30443"
`

const routerSample = `# The number of packet processors. (default 1)
num_processors = 1

# The length of the input queue of every processor. (default 256)
queue_size = 256

# The number of pooled packet buffers. (default 2 * num_processors *
# queue_size)
# pool_size = 512
`

const flowSample = `# The number of primary flow entries, a multiple of 4. (default 524288)
entries = 524288

# The number of overflow entries shared by all buckets. (default 8192)
overflow_entries = 8192

# The maximum number of entries in hold state, 0 is unlimited. (default 0)
# hold_limit = 0

# The new flow admission limiter. With burst_tokens 0 creation is not
# limited. Every burst_interval, burst_step tokens are added back.
# burst_tokens = 0
# burst_interval = "100ms"
# burst_step = 0

# The period of the eviction and slot reclamation task. (default "100ms")
reclaim_interval = "100ms"

# The number of cached route lookups. (default 4096)
route_cache_size = 4096

# The file the flow table is dumped to. If not set, the table is not
# dumped.
# dump_file = "/run/vrouter/flows.bin"

# The period of the flow table dump. (default "10s")
dump_interval = "10s"
`

const fragmentSample = `# The number of fragment table buckets. (default 1024)
buckets = 1024

# The maximum number of fragments queued per datagram while waiting for
# its head. (default 16)
queue_limit = 16

# The lifetime of a fragment record. (default "1s")
timeout = "1s"

# The period of the expiry scan. (default "1s")
scan_interval = "1s"

# The number of buckets visited by one scan. (default 1024)
scan_budget = 1024
`

const tablesSample = `
# Interfaces, routes and fat-flow rules are lists of tables:
#
# [[interfaces]]
# id = 1
# type = "virtual"          # virtual|fabric|host|agent
# vrf = 1
# mac = "02:00:00:00:00:01"
# policy = true
# mac_proxy = false
# xconnect = false
# neighbor_mode = "flood"   # flood|proxy|xconnect|trap_xconnect|mirror|drop
#
# [[routes]]
# vrf = 1
# prefix = "fd99::/64"
# nexthop = 17
# nexthop_vrf = 1
# route_lookup = false
# mac = "02:00:00:00:00:02"
# arp_proxy = true
#
# [[fat_flow]]
# interface = 1
# proto = 17
# port = 53
# ignore = ["src_port"]     # src_port|dst_port|src_ip|dst_ip
# src_aggregate = "10.0.0.0/16"
# src_aggregate_len = 24
# exclude = ["10.0.7.0/24"]
`
