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

package memmap

import "errors"

var (
	// ErrNoPages indicates that no pages satisfying the request exist.
	// Expected and recoverable; callers retry with relaxed constraints.
	ErrNoPages = errors.New("memmap: no pages satisfying request")
	// ErrNodeMaskConflict indicates that the caller's explicit node mask
	// and its node affinity are disjoint. A caller error, never retried.
	ErrNodeMaskConflict = errors.New("memmap: node mask conflicts with affinity")
	// ErrMemoryLow indicates a nice allocation backed off due to memory
	// pressure.
	ErrMemoryLow = errors.New("memmap: memory low, nice allocation refused")
	// ErrInvalidType indicates an unknown memory type.
	ErrInvalidType = errors.New("memmap: invalid memory type")
	// ErrInvalidColor indicates a cache color out of range.
	ErrInvalidColor = errors.New("memmap: invalid color")
	// ErrInvalidNode indicates an unknown NUMA node.
	ErrInvalidNode = errors.New("memmap: invalid node")
	// ErrRangeOverlap indicates a hot-added range overlapping a known one.
	ErrRangeOverlap = errors.New("memmap: memory range overlap")
	// ErrInvalidMemMap indicates a firmware/NUMA map inconsistency that
	// would silently lose pages. Fatal at boot.
	ErrInvalidMemMap = errors.New("memmap: invalid memory map")
	// ErrNoLowMemory indicates that no node has usable low memory. Fatal
	// at boot.
	ErrNoLowMemory = errors.New("memmap: no low memory available")
	// ErrDoubleFree indicates freeing an MPN that is not allocated.
	ErrDoubleFree = errors.New("memmap: page not allocated")
	// ErrTimeout indicates a waiting allocation ran out of time.
	ErrTimeout = errors.New("memmap: allocation timed out")
	// ErrEarlyExit indicates a waiting allocation was abandoned due to an
	// external condition (checkpoint starting, world dying).
	ErrEarlyExit = errors.New("memmap: allocation wait aborted")
)
