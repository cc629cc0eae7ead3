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

package pshare

import (
	"sync"

	"github.com/virtmm/memkit/pkg/mem/memmap"
	"github.com/virtmm/memkit/pkg/mem/page"
)

// frameBytes is the modeled per-page size of one sharing frame.
const frameBytes = 40

// FrameOverheadPages returns how many pages of frame metadata a memory
// range of numPages needs.
func FrameOverheadPages(numPages uint64) uint64 {
	return (numPages*frameBytes + page.PageSize - 1) / page.PageSize
}

// FrameReserve carves the backing pages for the sharing frame table out
// of every admitted memory range, before the range enters the allocator
// pools. It implements the allocator's critical-memory consumer
// interface.
type FrameReserve struct {
	sync.Mutex
	ranges []memmap.MPNRange
}

var _ memmap.CriticalMemConsumer = (*FrameReserve)(nil)

// NewFrameReserve returns an empty frame-table reserve.
func NewFrameReserve() *FrameReserve {
	return &FrameReserve{}
}

// Name identifies the reserve in allocator logs.
func (fr *FrameReserve) Name() string {
	return "pshare-frames"
}

// CriticalPages returns the frame-table backing needed for a range.
func (fr *FrameReserve) CriticalPages(numPages uint64) uint64 {
	return FrameOverheadPages(numPages)
}

// AssignCriticalRange records a carved-out backing range.
func (fr *FrameReserve) AssignCriticalRange(r memmap.MPNRange) {
	fr.Lock()
	defer fr.Unlock()
	fr.ranges = append(fr.ranges, r)
}

// ReservedPages returns the total pages carved out so far.
func (fr *FrameReserve) ReservedPages() uint64 {
	fr.Lock()
	defer fr.Unlock()

	total := uint64(0)
	for _, r := range fr.ranges {
		total += r.NumPages
	}
	return total
}
