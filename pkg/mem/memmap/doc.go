// Copyright The Memkit Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memmap implements the NUMA-aware physical page allocator.
//
// Every machine page not consumed by boot-time bookkeeping is owned by
// exactly one per-node pool, low (below 4GB) or high, each backed by a
// binary buddy memspace. Allocation placement is policy-driven: a request
// carries an owning world, an optional guest physical page, an optional
// cache color, a memory type and optional node constraints, and the
// policy searches colors in bit-reversed order and nodes round-robin
// until a pool can satisfy it.
//
// When the exact request cannot be met the allocator retries with
// progressively relaxed constraints, first widening the memory type, then
// dropping node affinity. Low pages below the reserved-low watermark are
// handed out only to explicitly entitled callers, keeping DMA-constrained
// I/O alive under pressure.
package memmap
