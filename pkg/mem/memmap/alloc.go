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
	"context"
	"errors"
	"time"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// AllocPages allocates pages per the request, relaxing constraints in up
// to two retries when the exact request cannot be satisfied: first the
// memory type is widened to any, then node affinity is dropped. A request
// whose explicit node mask conflicts with affinity fails immediately; the
// conflict is a caller error that no relaxation can fix.
func (m *MemMap) AllocPages(in PolicyInput) (*PolicyOutput, error) {
	if in.NumPages == 0 {
		in.NumPages = 1
	}

	m.Lock()

	out, err := m.runPolicy(&in)

	if errors.Is(err, ErrNoPages) && in.Type != TypeAny {
		m.stats.TypeRetries++
		retry := in
		retry.Type = TypeAny
		out, err = m.runPolicy(&retry)
	}

	if errors.Is(err, ErrNoPages) && in.UseAffinity && len(m.nodeList) > 1 {
		m.stats.AffinityRetries++
		retry := in
		retry.Type = TypeAny
		retry.UseAffinity = false
		out, err = m.runPolicy(&retry)
	}

	free := m.numFreePages
	exhausted := err != nil && m.numFreePages < m.reservedLowPages
	m.Unlock()

	if err == nil {
		m.notifyFreePages(free)
		return out, nil
	}

	// Failures are routine under pressure while the scheduler reclaims;
	// only a genuinely exhausted machine is worth shouting about, and
	// even then not on every request.
	if exhausted && m.warnLimit.Allow() {
		log.Warn("out of memory: %s failed with %d pages free", &in, free)
	}

	return nil, err
}

// NiceAllocPages is AllocPages for callers that can wait: it backs off
// without trying when the scheduler reports memory is low, leaving the
// remaining free pages to allocations that cannot.
func (m *MemMap) NiceAllocPages(in PolicyInput) (*PolicyOutput, error) {
	if m.memoryLow != nil && m.memoryLow() {
		return nil, ErrMemoryLow
	}
	return m.AllocPages(in)
}

// AllocVMPage allocates one page backing the given guest physical page.
// The color is derived from the guest page number and world ID so a
// guest's pages spread deterministically over the cache.
func (m *MemMap) AllocVMPage(
	world page.WorldID, ppn page.PPN, mask page.NodeMask, useAffinity bool,
) (*PolicyOutput, error) {
	return m.AllocPages(PolicyInput{
		World:       world,
		PPN:         ppn,
		NumPages:    1,
		NodeMask:    mask,
		Color:       AnyColor,
		Type:        TypeAny,
		UseAffinity: useAffinity,
	})
}

// AllocKernelPage allocates one page of kernel overhead memory with the
// given color, or the next kernel color for AnyColor.
func (m *MemMap) AllocKernelPage(color int) (*PolicyOutput, error) {
	return m.AllocKernelPages(1, color, TypeAny)
}

// AllocKernelPages allocates contiguous kernel overhead pages.
func (m *MemMap) AllocKernelPages(numPages uint64, color int, memType MemType) (*PolicyOutput, error) {
	return m.AllocPages(PolicyInput{
		World:    page.KernelWorldID,
		PPN:      page.InvalidPPN,
		NumPages: numPages,
		Color:    color,
		Type:     memType,
	})
}

// AllocLowReservedPage allocates one page from the reserved-low pool for
// a DMA-constrained caller.
func (m *MemMap) AllocLowReservedPage() (*PolicyOutput, error) {
	return m.AllocKernelPages(1, AnyColor, TypeLowReserved)
}

// AllocPageWait allocates one page, polling until it succeeds, the
// context or timeout expires, or earlyExit reports the wait is moot. Used
// by swap-in and other paths that must eventually make progress but whose
// world may die or checkpoint while they wait.
func (m *MemMap) AllocPageWait(
	ctx context.Context,
	in PolicyInput,
	timeout time.Duration,
	earlyExit func() bool,
) (*PolicyOutput, error) {
	in.NumPages = 1
	deadline := time.Now().Add(timeout)

	for {
		out, err := m.AllocPages(in)
		if err == nil || !errors.Is(err, ErrNoPages) {
			return out, err
		}
		if earlyExit != nil && earlyExit() {
			return nil, ErrEarlyExit
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(allocWaitPoll)
	}
}

// FreePages returns a previously allocated block to its pool and reports
// how many pages were freed. Freeing an MPN that is not the start of a
// live allocation is a double free.
func (m *MemMap) FreePages(mpn page.MPN) (uint64, error) {
	m.Lock()

	rec, ok := m.owners[mpn]
	if !ok {
		m.Unlock()
		return 0, ErrDoubleFree
	}
	delete(m.owners, mpn)

	ms := rec.node.buddyHigh
	if rec.low {
		ms = rec.node.buddyLow
	}
	pages, err := ms.Free(mpn)
	if err != nil {
		// Owner record said allocated but the memspace disagrees;
		// accounting is corrupt for this block.
		m.Unlock()
		log.Error("free %s: owner/memspace disagree: %v", mpn, err)
		return 0, err
	}

	rec.node.numFreePages += pages
	m.numFreePages += pages
	if rec.low {
		rec.node.numFreeLowPages += pages
		m.numFreeLowPages += pages
	}
	if rec.world == page.KernelWorldID {
		m.kernelPages -= pages
	}

	m.updateNodeMasks(rec.node)
	m.validateState("free")

	free := m.numFreePages
	m.Unlock()

	m.notifyFreePages(free)
	return pages, nil
}

// notifyFreePages pushes a free-page count to the scheduler callback
// outside the MemMap lock.
func (m *MemMap) notifyFreePages(free uint64) {
	if m.freeCB != nil {
		m.freeCB(free)
	}
}
