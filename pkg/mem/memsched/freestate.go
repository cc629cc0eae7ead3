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

package memsched

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// FreeState classifies how much free memory the machine has left. It
// drives which reclamation mechanisms a reallocation round may use.
type FreeState int

const (
	// FreeHigh: plenty free, reclaim by ballooning only.
	FreeHigh FreeState = iota
	// FreeSoft: getting tight, balloon with swap as fallback.
	FreeSoft
	// FreeHard: tight, swap preferred over ballooning.
	FreeHard
	// FreeLow: critically low, swap aggressively and block allocators.
	FreeLow
	numFreeStates
)

// String returns a string representation of the free state.
func (fs FreeState) String() string {
	switch fs {
	case FreeHigh:
		return "high"
	case FreeSoft:
		return "soft"
	case FreeHard:
		return "hard"
	case FreeLow:
		return "low"
	}
	return "invalid"
}

// Default free-state thresholds in percent of managed memory, ordered
// high, soft, hard, low.
var defaultFreePcts = [numFreeStates]uint64{6, 4, 2, 1}

const (
	// memoryIsLowPoll is the poll granularity of MemoryIsLowWait.
	memoryIsLowPoll = time.Millisecond
	// reallocDelta bounds how far the free count may drift from its last
	// evaluation before the tracker re-walks the transition table.
	reallocDelta = uint64(page.PagesPerMB)
)

// transition is one row of the free-state transition table: the counts
// at which the state is left downward or upward, and the states entered.
// Adjacent rows deliberately disagree about the boundary between them,
// so a free count hovering there cannot flip the state back and forth.
type transition struct {
	lowPages  uint64
	lowState  FreeState
	highPages uint64
	highState FreeState
}

// freeTracker tracks the free-page count and the derived free state. It
// has its own small lock because memmap invokes UpdateFreePages on every
// allocation and free; the scheduler's main lock is far too contended and
// too coarse for that path. Most updates never even take this lock: they
// fall within the fast-path window published in fastLow/fastHigh, inside
// which no transition is possible.
type freeTracker struct {
	sync.Mutex
	state FreeState
	table [numFreeStates]transition
	// lowEntry is the configured low boundary; the Low row's lowPages
	// tightens to half the free count on entry and on every further
	// halving, and is restored to lowEntry on exit.
	lowEntry uint64

	free     atomic.Uint64
	fastLow  atomic.Uint64
	fastHigh atomic.Uint64

	// kick is signalled on any worsening transition
	kick func(fast bool)
}

// configure derives the transition table from managed size and percents.
func (ft *freeTracker) configure(managedPages uint64, pcts [numFreeStates]uint64) {
	ft.Lock()
	defer ft.Unlock()

	var t [numFreeStates]uint64
	for i := range t {
		t[i] = managedPages * pcts[i] / 100
	}
	ft.lowEntry = t[FreeLow]

	ft.table = [numFreeStates]transition{
		FreeHigh: {lowPages: t[FreeSoft], lowState: FreeSoft,
			highPages: math.MaxUint64, highState: FreeHigh},
		FreeSoft: {lowPages: t[FreeHard], lowState: FreeHard,
			highPages: t[FreeHigh], highState: FreeHigh},
		FreeHard: {lowPages: t[FreeLow], lowState: FreeLow,
			highPages: t[FreeSoft], highState: FreeSoft},
		FreeLow: {lowPages: t[FreeLow], lowState: FreeLow,
			highPages: t[FreeHard], highState: FreeHard},
	}

	// Degenerate window until the first reading arrives.
	ft.fastLow.Store(0)
	ft.fastHigh.Store(0)
}

// update records a new free count and handles state transitions. Called
// from the allocator on every allocation and free, so readings inside
// the published window return without locking or table walking.
func (ft *freeTracker) update(free uint64) {
	ft.free.Store(free)
	if free >= ft.fastLow.Load() && free < ft.fastHigh.Load() {
		return
	}

	ft.Lock()
	if free >= ft.fastLow.Load() && free < ft.fastHigh.Load() {
		// A racing update already moved the window over this reading.
		ft.Unlock()
		return
	}

	prev := ft.state
	row := ft.table[prev]
	next := prev
	dropped := false
	switch {
	case free < row.lowPages:
		next = row.lowState
		dropped = true
	case free >= row.highPages:
		next = row.highState
	}

	if dropped && next == FreeLow {
		// Each halving of free memory forces another pass, keeping the
		// scheduler responsive precisely when it matters most.
		ft.table[FreeLow].lowPages = free / 2
	} else if prev == FreeLow && next != FreeLow {
		ft.table[FreeLow].lowPages = ft.lowEntry
	}

	ft.state = next
	ft.retune(free)

	kick := ft.kick
	worsened := next > prev || (dropped && next == FreeLow)
	ft.Unlock()

	if next != prev {
		log.Info("free state %s -> %s (%d pages free)", prev, next, free)
	}
	if kick != nil && worsened {
		kick(next >= FreeHard)
	}
}

// retune publishes the fast-path window: the current row's boundaries,
// narrowed to within one realloc delta of the latest reading so a large
// drift re-walks the table even without crossing a boundary. Caller
// holds the lock.
func (ft *freeTracker) retune(free uint64) {
	row := ft.table[ft.state]
	lo, hi := row.lowPages, row.highPages
	if free > reallocDelta && lo < free-reallocDelta {
		lo = free - reallocDelta
	}
	if hi > free+reallocDelta {
		hi = free + reallocDelta
	}
	ft.fastLow.Store(lo)
	ft.fastHigh.Store(hi)
}

// currentState returns the current free state.
func (ft *freeTracker) currentState() FreeState {
	ft.Lock()
	defer ft.Unlock()
	return ft.state
}

// freeCount returns the latest free-page count.
func (ft *freeTracker) freeCount() uint64 {
	return ft.free.Load()
}

// UpdateFreePages is the allocator's free-page callback.
func (s *MemSched) UpdateFreePages(free uint64) {
	s.free.update(free)
}

// FreeState returns the current machine free state.
func (s *MemSched) FreeState() FreeState {
	return s.free.currentState()
}

// MemoryIsLow returns true while the machine is in the low free state.
// Nice allocators consult this to back off voluntarily.
func (s *MemSched) MemoryIsLow() bool {
	return s.free.currentState() == FreeLow
}

// MemoryIsLowWait blocks until the machine leaves the low free state,
// the timeout expires, or earlyExit reports the wait is moot. Waiters
// whose world may die or checkpoint pass an earlyExit so teardown is
// never stuck behind a memory-pressure wait.
func (s *MemSched) MemoryIsLowWait(timeout time.Duration, earlyExit func() bool) error {
	deadline := time.Now().Add(timeout)
	for s.MemoryIsLow() {
		if earlyExit != nil && earlyExit() {
			return ErrEarlyExit
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(memoryIsLowPoll)
	}
	return nil
}

// ShouldSwapBlock reports whether a client's page-allocating operation
// should block until its swap obligation is met. In the low state every
// client with a swap target blocks; in the hard state only clients
// meaningfully behind on swapping do.
func (s *MemSched) ShouldSwapBlock(world page.WorldID) bool {
	state := s.free.currentState()
	if state < FreeHard {
		return false
	}

	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[world]
	if !ok {
		return false
	}
	if c.swapTarget == 0 {
		return false
	}
	if state == FreeLow {
		return true
	}
	return c.swapTarget > c.usage.Swapped+maxSwapSlack
}
