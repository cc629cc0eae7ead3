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

	"github.com/virtmm/memkit/pkg/mem/buddy"
	"github.com/virtmm/memkit/pkg/mem/page"
)

// Node is the per-NUMA-node allocator state: two buddy memspaces (one for
// pages below the 4GB boundary, one for pages above) plus summary page
// counters. The counters are maintained under the MemMap lock; each
// memspace has its own internal lock. A bounded skew between the two is
// tolerated because the allocation policy retries on failure instead of
// trusting the summary exactly.
type Node struct {
	id              page.NodeID
	totalPages      uint64
	totalLowPages   uint64
	reservedLowPages uint64
	numFreePages    uint64
	numFreeLowPages uint64
	buddyLow        *buddy.Memspace
	buddyHigh       *buddy.Memspace
}

// newNode creates the allocator state for one NUMA node.
func newNode(id page.NodeID) *Node {
	return &Node{
		id:        id,
		buddyLow:  buddy.NewMemspace(fmt.Sprintf("node%d-low", id)),
		buddyHigh: buddy.NewMemspace(fmt.Sprintf("node%d-high", id)),
	}
}

// ID returns the NUMA node ID.
func (n *Node) ID() page.NodeID {
	return n.id
}

// TotalPages returns the number of pages owned by the node.
func (n *Node) TotalPages() uint64 {
	return n.totalPages
}

// FreePages returns the node's free-page summary count.
func (n *Node) FreePages() uint64 {
	return n.numFreePages
}

// FreeLowPages returns the node's free low-page summary count.
func (n *Node) FreeLowPages() uint64 {
	return n.numFreeLowPages
}

// hasFreeLow returns true if the node has low pages free beyond the
// reserved-low pool.
func (n *Node) hasFreeLow() bool {
	return n.numFreeLowPages > n.reservedLowPages
}

// hasFreeRes returns true if the node has any low pages free at all.
func (n *Node) hasFreeRes() bool {
	return n.numFreeLowPages > 0
}

// hasFreeHigh returns true if the node has high pages free.
func (n *Node) hasFreeHigh() bool {
	return n.numFreePages > n.numFreeLowPages
}

// addRange feeds [start, start+numPages) into the right memspace(s),
// splitting at the 4GB boundary, and updates the node totals.
func (n *Node) addRange(start page.MPN, numPages uint64) error {
	end := start + page.MPN(numPages)

	if start < page.LowMemLimitMPN {
		lowEnd := end
		if lowEnd > page.LowMemLimitMPN {
			lowEnd = page.LowMemLimitMPN
		}
		lowPages := uint64(lowEnd - start)
		if err := n.buddyLow.AddRange(start, lowPages); err != nil {
			return err
		}
		n.totalLowPages += lowPages
		n.numFreeLowPages += lowPages
		start = lowEnd
	}

	if start < end {
		if err := n.buddyHigh.AddRange(start, uint64(end-start)); err != nil {
			return err
		}
	}

	n.totalPages += numPages
	n.numFreePages += numPages
	return nil
}
