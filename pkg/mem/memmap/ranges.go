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

import (
	"fmt"

	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/page"
)

// MPNRange is a contiguous run of machine pages.
type MPNRange struct {
	Start    page.MPN `json:"start"`
	NumPages uint64   `json:"numPages"`
}

// End returns the first MPN past the range.
func (r MPNRange) End() page.MPN {
	return r.Start + page.MPN(r.NumPages)
}

// IsEmpty returns true for a zero-length range.
func (r MPNRange) IsEmpty() bool {
	return r.NumPages == 0
}

// Contains returns true if mpn lies within the range.
func (r MPNRange) Contains(mpn page.MPN) bool {
	return r.Start <= mpn && mpn < r.End()
}

// Overlaps returns true if the two ranges share any page.
func (r MPNRange) Overlaps(o MPNRange) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Intersect returns the common part of the two ranges.
func (r MPNRange) Intersect(o MPNRange) MPNRange {
	start, end := r.Start, r.End()
	if o.Start > start {
		start = o.Start
	}
	if o.End() < end {
		end = o.End()
	}
	if end <= start {
		return MPNRange{}
	}
	return MPNRange{Start: start, NumPages: uint64(end - start)}
}

// String returns a string representation of the range.
func (r MPNRange) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(r.Start), uint64(r.End()))
}

// BuildNodeRanges intersects the firmware memory map with the NUMA
// topology's node ranges and verifies the result, producing per-node
// candidate ranges for the allocator.
//
// Verification trims a failing tail off a range with a warning; the
// system continues with reduced capacity. But if the intersection does
// not account for every firmware page, or leaves a node without a single
// usable page, the topology description itself is inconsistent and
// proceeding would silently lose pages: both are fatal.
func BuildNodeRanges(
	mem *machine.Memory,
	firmware []MPNRange,
	topology map[page.NodeID][]MPNRange,
	verifyEvery bool,
) (map[page.NodeID][]MPNRange, error) {
	var (
		total     uint64
		accounted uint64
		result    = map[page.NodeID][]MPNRange{}
	)

	for _, fw := range firmware {
		total += fw.NumPages

		for node, ranges := range topology {
			for _, nr := range ranges {
				isect := fw.Intersect(nr)
				if isect.IsEmpty() {
					continue
				}
				accounted += isect.NumPages

				good := mem.CheckPages(isect.Start, isect.NumPages, verifyEvery)
				if good < isect.NumPages {
					log.Warn("node #%d: discarding %d bad pages of %s",
						node, isect.NumPages-good, isect)
					isect.NumPages = good
				}
				if isect.IsEmpty() {
					continue
				}

				result[node] = append(result[node], isect)
				log.Debug("node #%d: usable range %s", node, isect)
			}
		}
	}

	if accounted != total {
		return nil, fmt.Errorf("%w: %d of %d firmware pages unaccounted by NUMA ranges",
			ErrInvalidMemMap, total-accounted, total)
	}

	for node := range topology {
		pages := uint64(0)
		for _, r := range result[node] {
			pages += r.NumPages
		}
		if pages == 0 {
			return nil, fmt.Errorf("%w: node #%d left with no usable pages",
				ErrInvalidMemMap, node)
		}
	}

	return result, nil
}
