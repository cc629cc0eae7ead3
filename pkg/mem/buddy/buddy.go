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

// Package buddy implements the power-of-two block allocator ("memspace")
// backing one low or high memory pool of one NUMA node.
//
// A Memspace tracks machine pages by MPN only. Ranges are added piecemeal,
// decomposed into maximal naturally-aligned power-of-two blocks. Allocation
// rounds the requested page count up to a power of two, splitting larger
// blocks as needed; freeing coalesces a block with its buddy as long as the
// buddy is free and fully contained in the memspace.
package buddy

import (
	"fmt"
	"math/bits"
	"sync"

	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/mem/page"
)

const (
	// MaxOrder bounds the largest block a memspace hands out (2^18 pages, 1GB).
	MaxOrder = 18
)

var (
	log = logger.Get("buddy")
)

// Memspace is one buddy-managed pool of machine pages.
type Memspace struct {
	sync.Mutex
	name     string
	free     [MaxOrder + 1]map[page.MPN]struct{}
	alloc    map[page.MPN]int // allocated block order by start MPN
	inPool   map[page.MPN]int // free block order by start MPN
	numPages uint64
	numFree  uint64
}

// NewMemspace creates an empty memspace with the given diagnostic name.
func NewMemspace(name string) *Memspace {
	s := &Memspace{
		name:   name,
		alloc:  map[page.MPN]int{},
		inPool: map[page.MPN]int{},
	}
	for o := range s.free {
		s.free[o] = map[page.MPN]struct{}{}
	}
	return s
}

// Name returns the diagnostic name of the memspace.
func (s *Memspace) Name() string {
	return s.name
}

// AddRange adds the pages [start, start+numPages) to the memspace.
func (s *Memspace) AddRange(start page.MPN, numPages uint64) error {
	if numPages == 0 {
		return nil
	}

	s.Lock()
	defer s.Unlock()

	mpn, left := start, numPages
	for left > 0 {
		order := alignOrder(mpn, left)
		s.insertFree(mpn, order)
		mpn += page.MPN(uint64(1) << order)
		left -= uint64(1) << order
	}

	s.numPages += numPages
	s.numFree += numPages

	log.Debug("%s: added range %s +%d pages", s.name, start, numPages)
	return nil
}

// Allocate allocates a block of at least count pages, returning its start
// MPN and its actual (power-of-two rounded) size.
func (s *Memspace) Allocate(count uint64) (page.MPN, uint64, error) {
	return s.AllocateColor(count, -1, 1)
}

// AllocateColor allocates a block of at least count pages whose start MPN
// has the given cache color (start mod numColors == color). A negative
// color means any color. numColors must be a power of two.
func (s *Memspace) AllocateColor(count uint64, color, numColors int) (page.MPN, uint64, error) {
	order := sizeOrder(count)
	if order < 0 || order > MaxOrder {
		return page.InvalidMPN, 0, fmt.Errorf("%w: %d pages", ErrBadRange, count)
	}

	s.Lock()
	defer s.Unlock()

	for o := order; o <= MaxOrder; o++ {
		block, sub, ok := s.findBlock(o, order, color, numColors)
		if !ok {
			continue
		}

		s.removeFree(block, o)
		// Split down to the requested order, keeping the half that
		// contains the target sub-block.
		for o > order {
			o--
			half := uint64(1) << o
			lo, hi := block, block+page.MPN(half)
			if sub >= hi {
				s.insertFree(lo, o)
				block = hi
			} else {
				s.insertFree(hi, o)
				block = lo
			}
		}

		s.alloc[block] = order
		s.numFree -= uint64(1) << order
		return block, uint64(1) << order, nil
	}

	return page.InvalidMPN, 0, ErrNoBlock
}

// Free returns a previously allocated block to the memspace, returning the
// number of pages freed.
func (s *Memspace) Free(mpn page.MPN) (uint64, error) {
	s.Lock()
	defer s.Unlock()

	order, ok := s.alloc[mpn]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotAllocated, mpn)
	}
	delete(s.alloc, mpn)

	pages := uint64(1) << order
	s.numFree += pages

	// Coalesce with free buddies as far as possible.
	for order < MaxOrder {
		buddy := mpn ^ page.MPN(uint64(1)<<order)
		if o, ok := s.inPool[buddy]; !ok || o != order {
			break
		}
		s.removeFree(buddy, order)
		if buddy < mpn {
			mpn = buddy
		}
		order++
	}
	s.insertFree(mpn, order)

	return pages, nil
}

// LocSize returns the size in pages of the allocated block starting at mpn.
func (s *Memspace) LocSize(mpn page.MPN) (uint64, error) {
	s.Lock()
	defer s.Unlock()

	order, ok := s.alloc[mpn]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotAllocated, mpn)
	}
	return uint64(1) << order, nil
}

// NumFree returns the number of free pages in the memspace.
func (s *Memspace) NumFree() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.numFree
}

// NumPages returns the total number of pages in the memspace.
func (s *Memspace) NumPages() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.numPages
}

// OverheadPages estimates the bookkeeping overhead, in pages, for managing
// numPages pages. Callers carve this out of a new range before adding the
// remainder to the memspace.
func OverheadPages(numPages uint64) uint64 {
	// 8 bytes of block state per page, rounded up to full pages.
	return page.RoundToPages(numPages * 8)
}

// findBlock finds a free block of order o containing a sub-block of order
// subOrder whose start has the requested color. It returns the block, the
// chosen sub-block start, and whether one was found. The lowest suitable
// block is preferred to keep placement stable.
func (s *Memspace) findBlock(o, subOrder, color int, numColors int) (page.MPN, page.MPN, bool) {
	var (
		best    = page.InvalidMPN
		bestSub = page.InvalidMPN
	)

	for block := range s.free[o] {
		sub, ok := colorSub(block, o, subOrder, color, numColors)
		if !ok {
			continue
		}
		if best == page.InvalidMPN || block < best {
			best, bestSub = block, sub
		}
	}

	return best, bestSub, best != page.InvalidMPN
}

// colorSub returns the start of the first sub-block of order subOrder
// within a block of order o whose start MPN has the requested color.
func colorSub(block page.MPN, o, subOrder, color, numColors int) (page.MPN, bool) {
	if color < 0 {
		return block, true
	}

	size := uint64(1) << subOrder
	for sub := block; sub < block+page.MPN(uint64(1)<<o); sub += page.MPN(size) {
		if int(uint64(sub)&uint64(numColors-1)) == color {
			return sub, true
		}
	}
	return page.InvalidMPN, false
}

// insertFree adds a free block. Caller must hold the lock.
func (s *Memspace) insertFree(mpn page.MPN, order int) {
	s.free[order][mpn] = struct{}{}
	s.inPool[mpn] = order
}

// removeFree removes a free block. Caller must hold the lock.
func (s *Memspace) removeFree(mpn page.MPN, order int) {
	delete(s.free[order], mpn)
	delete(s.inPool, mpn)
}

// sizeOrder returns the smallest order whose block size covers count pages.
func sizeOrder(count uint64) int {
	if count == 0 {
		return -1
	}
	order := bits.Len64(count - 1)
	if count == 1 {
		order = 0
	}
	return order
}

// alignOrder returns the largest order usable for a block at mpn covering
// at most left pages, respecting natural alignment.
func alignOrder(mpn page.MPN, left uint64) int {
	order := bits.TrailingZeros64(uint64(mpn))
	if mpn == 0 {
		order = MaxOrder
	}
	if order > MaxOrder {
		order = MaxOrder
	}
	for (uint64(1) << order) > left {
		order--
	}
	return order
}
