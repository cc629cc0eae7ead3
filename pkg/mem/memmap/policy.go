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

	"github.com/virtmm/memkit/pkg/mem/page"
)

// recommendedType picks the pool for a type-agnostic allocation. High
// memory is kept above a small floor so kernel consumers that genuinely
// need it are never starved; low memory is preferred only while it is
// plentiful and above the reserved-low watermark.
func (m *MemMap) recommendedType() MemType {
	freeHigh := m.numFreePages - m.numFreeLowPages
	if freeHigh < minFreeHighPages {
		return TypeAny
	}
	if m.numFreeLowPages > m.cfg.AllocHighThreshold &&
		m.numFreeLowPages > m.reservedLowPages {
		return TypeLow
	}
	return TypeHigh
}

// nextColor steps a color cursor through all colors in bit-reversed
// order, maximally spreading consecutive picks across the cache: with 16
// colors the sequence from 0 is 0, 8, 4, 12, 2, 10, ...
func (m *MemMap) nextColor(color int) int {
	b := m.numColors / 2
	for {
		color ^= b
		if color&b != 0 {
			break
		}
		b >>= 1
		if b == 0 {
			break
		}
	}
	return color
}

// defaultColor picks the starting color for a request without one. Guest
// pages hash their guest page number and world so a guest's pages spread
// deterministically; kernel allocations walk the shared kernel cursor.
func (m *MemMap) defaultColor(in *PolicyInput) int {
	if in.PPN.IsValid() {
		return (int(in.PPN) + int(in.World)) & m.colorMask
	}
	return m.nextKernelColor
}

// pools is the pool search order for one request.
type poolOrder [2]MemType

// poolSearchOrder maps the effective request type to the pools tried, in
// order. TypeAny follows the recommendation first.
func (m *MemMap) poolSearchOrder(t MemType) (poolOrder, int) {
	switch t {
	case TypeHigh:
		return poolOrder{TypeHigh}, 1
	case TypeLow:
		return poolOrder{TypeLow}, 1
	case TypeLowReserved:
		return poolOrder{TypeLowReserved}, 1
	default:
		if m.recommendedType() == TypeLow {
			return poolOrder{TypeLow, TypeHigh}, 2
		}
		return poolOrder{TypeHigh, TypeLow}, 2
	}
}

// candidateMask pre-filters nodes for one pool using the free masks, so
// the per-node search never locks a buddy memspace that cannot succeed.
func (m *MemMap) candidateMask(pool MemType, mask page.NodeMask) page.NodeMask {
	switch pool {
	case TypeHigh:
		return mask.And(m.freeHighNodes)
	case TypeLowReserved:
		return mask.And(m.freeResNodes)
	default:
		return mask.And(m.freeLowNodes)
	}
}

// runPolicy performs one placement-policy search under the MemMap lock.
// It iterates colors in bit-reversed order starting from the requested or
// default color, and within each color iterates nodes round-robin from
// the shared node cursor, trying the pools in recommendation order.
func (m *MemMap) runPolicy(in *PolicyInput) (*PolicyOutput, error) {
	m.stats.Lookups++

	if !in.Type.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, int(in.Type))
	}
	if in.Color != AnyColor && (in.Color < 0 || in.Color >= m.numColors) {
		return nil, fmt.Errorf("%w: %d (have %d colors)", ErrInvalidColor, in.Color, m.numColors)
	}

	mask := in.NodeMask
	if mask == 0 {
		mask = m.validNodes
	}
	mask = mask.And(m.validNodes)

	if in.UseAffinity && m.affinity != nil {
		if aff := m.affinity(in.World); aff != 0 {
			if mask.And(aff) == 0 {
				return nil, fmt.Errorf("%w: mask %s, affinity %s", ErrNodeMaskConflict, in.NodeMask, aff)
			}
			mask = mask.And(aff)
		}
	}

	color := in.Color
	colorTries := 1
	if color == AnyColor {
		color = m.defaultColor(in)
		colorTries = m.numColors
	}

	pools, numPools := m.poolSearchOrder(in.Type)

	for try := 0; try < colorTries; try++ {
		for p := 0; p < numPools; p++ {
			pool := pools[p]
			candidates := m.candidateMask(pool, mask)
			if candidates == 0 {
				continue
			}

			for i := 0; i < len(m.nodeList); i++ {
				n := m.nodeList[(m.nextNode+i)%len(m.nodeList)]
				if !candidates.Contains(n.id) {
					continue
				}

				out, ok := m.tryNode(n, pool, color, in)
				if !ok {
					continue
				}

				m.allocDone(n, out, in)
				details.Debug("%s -> node #%d %s color %d at %s",
					in, out.Node, out.Type, out.Color, out.MPN)
				return out, nil
			}
		}
		color = m.nextColor(color)
	}

	m.stats.PolicyFailures++
	details.Debug("%s -> no pages", in)
	return nil, ErrNoPages
}

// tryNode attempts one allocation from one node's pool.
func (m *MemMap) tryNode(n *Node, pool MemType, color int, in *PolicyInput) (*PolicyOutput, bool) {
	ms := n.buddyHigh
	low := false
	switch pool {
	case TypeLow, TypeLowReserved:
		ms = n.buddyLow
		low = true
		// Stay above the per-node reserved-low watermark unless the
		// caller is entitled to the reserved pool.
		if pool == TypeLow && n.numFreeLowPages < n.reservedLowPages+in.NumPages {
			return nil, false
		}
	}

	mpn, pages, err := ms.AllocateColor(in.NumPages, color, m.numColors)
	if err != nil {
		return nil, false
	}

	return &PolicyOutput{
		Node:  n.id,
		Color: int(mpn) & m.colorMask,
		Type:  poolType(low),
		MPN:   mpn,
		Pages: pages,
	}, true
}

// allocDone updates counters, owner records and cursors after a
// successful policy run. Caller holds the lock.
func (m *MemMap) allocDone(n *Node, out *PolicyOutput, in *PolicyInput) {
	low := out.Type != TypeHigh

	n.numFreePages -= out.Pages
	m.numFreePages -= out.Pages
	if low {
		n.numFreeLowPages -= out.Pages
		m.numFreeLowPages -= out.Pages
	}
	if in.World == page.KernelWorldID {
		m.kernelPages += out.Pages
	}

	m.owners[out.MPN] = ownerRec{
		node:  n,
		low:   low,
		pages: out.Pages,
		world: in.World,
	}

	m.updateNodeMasks(n)

	m.nextNode = (m.nodeIndex(n) + 1) % len(m.nodeList)
	if in.Color == AnyColor && !in.PPN.IsValid() {
		m.nextKernelColor = m.nextColor(m.nextKernelColor)
	}

	m.validateState("alloc")
}

// nodeIndex returns the position of n in the sorted node list.
func (m *MemMap) nodeIndex(n *Node) int {
	for i, cand := range m.nodeList {
		if cand == n {
			return i
		}
	}
	return 0
}

// poolType maps a pool selector back to the reported memory type.
func poolType(low bool) MemType {
	if low {
		return TypeLow
	}
	return TypeHigh
}
