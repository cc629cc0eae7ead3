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
	"context"
	"time"

	"github.com/virtmm/memkit/pkg/instrumentation/tracing"
)

// reallocLoop runs reallocation rounds: periodically, and immediately on
// a kick from a worsening free-state transition or a membership change.
func (s *MemSched) reallocLoop() {
	defer close(s.doneCh)

	timer := time.NewTimer(s.cfg.ReallocPeriod)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		case fast := <-s.reallocKick:
			if !fast {
				// Give a burst of membership changes a moment to settle.
				time.Sleep(10 * time.Millisecond)
			}
		}

		s.Realloc()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.ReallocPeriod)
	}
}

// balloonCmd is one enforcement command produced by a round.
type balloonCmd struct {
	driver     Driver
	balloon    uint64
	swap       uint64
	generation uint64
	hasSwap    bool
}

// Realloc runs one full reallocation round: resample usage, recompute
// proportional-share targets, convert them to allocations bounded by
// free memory, and hand every client its balloon and swap obligations.
func (s *MemSched) Realloc() {
	_, span := tracing.StartSpan(context.Background(), "memsched/realloc")
	defer span.End()

	// Pull fresh samples outside the lock; drivers may block briefly.
	s.Lock()
	drivers := make([]*Client, len(s.clientList))
	copy(drivers, s.clientList)
	s.Unlock()

	type sample struct {
		c *Client
		u Usage
	}
	samples := make([]sample, 0, len(drivers))
	for _, c := range drivers {
		if c.driver != nil {
			samples = append(samples, sample{c, c.driver.SampleUsage()})
		}
	}

	s.Lock()

	now := time.Now()
	for _, smp := range samples {
		if _, ok := s.clients[smp.c.world]; ok {
			smp.c.usage = smp.u
			smp.c.sampled = now
		}
	}

	s.generation++
	gen := s.generation

	clients := make([]*Client, 0, len(s.clientList))
	for _, c := range s.clientList {
		c.snapshot(now, s.cfg.UnresponsiveTimeout)
		clients = append(clients, c)
	}
	s.adjustMins(clients)

	pool := s.availableLocked()
	s.computeTargets(clients, pool)
	s.computeAllocs(clients)

	state := s.free.currentState()
	cmds := make([]balloonCmd, 0, len(clients))
	for _, c := range clients {
		cmd := s.commitClient(c, state, gen)
		if c.driver != nil {
			cmds = append(cmds, cmd)
		}
	}

	details.Debug("realloc gen %d: state=%s pool=%d clients=%d",
		gen, state, pool, len(clients))
	s.Unlock()

	for _, cmd := range cmds {
		cmd.driver.SetBalloonTarget(cmd.balloon)
		if cmd.hasSwap {
			cmd.driver.StartSwap(cmd.swap, cmd.generation)
		}
	}
}

// adjustMins scales unresponsive clients' guarantees down when the
// admitted min sum exceeds what is currently achievable, so the rest of
// the system is not starved waiting on a client that may never respond.
// Caller holds the lock.
func (s *MemSched) adjustMins(clients []*Client) {
	requested := uint64(0)
	for _, c := range clients {
		c.adjustedMin = c.size.Min
		requested += c.size.Min
	}

	achievable := s.availableLocked()
	if requested <= achievable {
		return
	}
	for _, c := range clients {
		if !c.responsive {
			c.adjustedMin = c.size.Min * achievable / requested
		}
	}
}

// computeTargets assigns every client a target within [min, max] such
// that targets sum to at most pool, proportionally fair by
// idle-adjusted pages-per-share. Caller holds the lock.
//
// Three phases: seed targets at current consumption, crudely resolve the
// aggregate surplus or deficit against the clients at the ends of the
// pages-per-share ordering, then equalize pairwise with a bounded binary
// search per pair.
func (s *MemSched) computeTargets(clients []*Client, pool uint64) {
	if len(clients) == 0 {
		return
	}

	total := uint64(0)
	for _, c := range clients {
		t := c.usage.Locked + c.usage.Swapped
		if t < c.minTarget() {
			t = c.minTarget()
		}
		if t > c.maxTarget() {
			t = c.maxTarget()
		}
		// No shares means no claim beyond the guarantee.
		if c.size.Shares == 0 && t > c.minTarget() {
			t = c.minTarget()
		}
		c.target = t
		total += t
	}

	// Crude pass: shave the deficit off the most expensive consumers, or
	// hand the surplus to the cheapest, one client at a time.
	for total > pool {
		c := s.extremePPS(clients, true)
		if c == nil {
			break
		}
		take := total - pool
		if room := c.target - c.minTarget(); take > room {
			take = room
		}
		c.target -= take
		total -= take
	}
	for total < pool {
		c := s.extremePPS(clients, false)
		if c == nil {
			break
		}
		give := pool - total
		if room := c.maxTarget() - c.target; give > room {
			give = room
		}
		c.target += give
		total += give
	}

	// Pairwise equalization.
	for round := 0; round < 2*len(clients); round++ {
		hi := s.extremePPS(clients, true)
		lo := s.extremePPS(clients, false)
		if hi == nil || lo == nil || hi == lo {
			break
		}
		if hi.pps <= lo.pps || hi.pps-lo.pps <= balanceThreshold {
			break
		}
		if !s.balancePair(hi, lo) {
			break
		}
	}
}

// extremePPS recomputes every client's pages-per-share and returns the
// most expensive adjustable client (highest, with room to shrink) or the
// cheapest (lowest, with room to grow and nonzero shares).
func (s *MemSched) extremePPS(clients []*Client, highest bool) *Client {
	var pick *Client
	for _, c := range clients {
		c.pps = s.clientPPS(c, c.target)
		if highest {
			if c.target <= c.minTarget() {
				continue
			}
			if pick == nil || c.pps > pick.pps {
				pick = c
			}
		} else {
			if c.size.Shares == 0 || c.target >= c.maxTarget() {
				continue
			}
			if pick == nil || c.pps < pick.pps {
				pick = c
			}
		}
	}
	return pick
}

// clientPPS computes the idle-adjusted pages-per-share a client would
// have at the given target. Idle pages are taxed by the configured idle
// cost, so hoarded-but-unused memory looks expensive and flows to
// clients that actively use theirs.
func (s *MemSched) clientPPS(c *Client, target uint64) uint64 {
	if target <= c.minTarget() {
		return ppsMin
	}
	if c.size.Shares == 0 {
		return ppsMax
	}

	consume := sub(target, c.shared)
	idle := sub(consume, c.touched)
	charged := consume + (s.cfg.IdleCost*idle)>>costScaleShift

	pps := charged * sharesInvMax / c.size.Shares
	if pps > ppsMax {
		return ppsMax
	}
	return pps
}

// balancePair binary-searches a transfer from hi to lo that minimizes
// their pages-per-share gap, and applies it if it is both meaningfully
// large and an actual improvement. Returns false when no further
// balancing is worthwhile.
func (s *MemSched) balancePair(hi, lo *Client) bool {
	maxMove := hi.target - hi.minTarget()
	if room := lo.maxTarget() - lo.target; room < maxMove {
		maxMove = room
	}
	if maxMove == 0 {
		return false
	}

	gapAt := func(move uint64) (uint64, bool) {
		h := s.clientPPS(hi, hi.target-move)
		l := s.clientPPS(lo, lo.target+move)
		if h >= l {
			return h - l, true
		}
		return l - h, false
	}

	origGap, _ := gapAt(0)

	// Start from a small proportional step and binary-search the move.
	low, high := uint64(0), maxMove
	move := hi.target * balanceDeltaPct / 100
	if move == 0 || move > maxMove {
		move = maxMove
	}

	bestMove, bestGap := uint64(0), origGap
	for i := 0; i < maxBalanceIter; i++ {
		gap, hiStillHigher := gapAt(move)
		if gap < bestGap {
			bestGap, bestMove = gap, move
		}
		if hiStillHigher {
			low = move
		} else {
			high = move
		}
		next := (low + high) / 2
		if next == move {
			break
		}
		move = next
	}

	// Revert when the search found nothing better, and skip moves too
	// small to matter.
	if bestGap >= origGap || bestMove < minTargetDelta {
		return false
	}

	hi.target -= bestMove
	lo.target += bestMove
	details.Debug("balance: %s -> %s, %d pages (gap %d -> %d)",
		hi, lo, bestMove, origGap, bestGap)
	return true
}

// computeAllocs turns targets into allocations. Decreases take effect
// eagerly; increases are prorated by the free memory actually available,
// so a round never promises pages the allocator does not have.
func (s *MemSched) computeAllocs(clients []*Client) {
	totalOwed := uint64(0)
	for _, c := range clients {
		if c.target <= c.alloc {
			c.alloc = c.target
		} else {
			totalOwed += c.target - c.alloc
		}
	}
	if totalOwed == 0 {
		return
	}

	totalFree := s.free.freeCount()
	for _, c := range clients {
		if c.target <= c.alloc {
			continue
		}
		owed := c.target - c.alloc
		grant := owed
		if totalFree < totalOwed {
			grant = owed * totalFree / totalOwed
		}
		c.alloc += grant
	}
}

// commitClient converts a client's allocation into balloon and swap
// obligations appropriate for the current free state, records them on
// the client, and returns the enforcement command.
//
// With memory high or soft the balloon does the work and swap only picks
// up what the balloon cannot hold. Hard or low flips the order: swap is
// immediate and authoritative, with a modest balloon bonus so the guest
// keeps releasing memory in the background.
func (s *MemSched) commitClient(c *Client, state FreeState, gen uint64) balloonCmd {
	if c.kind == KindUserworld {
		// No balloon; a userworld meets its allocation by swapping.
		c.balloonTarget = 0
		c.swapTarget = sub(c.usage.Swapped+c.usage.Locked, c.alloc)
		return balloonCmd{
			driver:     c.driver,
			swap:       c.swapTarget,
			generation: gen,
			hasSwap:    c.swapTarget > c.usage.Swapped,
		}
	}

	excess := sub(c.usage.Locked, c.alloc)

	var balloon, swap uint64
	switch {
	case excess == 0:
		// Room to grow: deflate the balloon by the headroom.
		room := sub(c.alloc, c.usage.Locked)
		balloon = sub(c.usage.Ballooned, room)
		swap = 0

	case state <= FreeSoft:
		balloon = c.usage.Ballooned + excess
		if balloon > c.size.BalloonMax {
			swap = c.usage.Swapped + (balloon - c.size.BalloonMax)
			balloon = c.size.BalloonMax
		}

	default:
		swap = c.usage.Swapped + excess
		balloon = c.usage.Ballooned + balloonBonus
		if balloon > c.size.BalloonMax {
			balloon = c.size.BalloonMax
		}
	}

	c.balloonTarget = balloon
	c.swapTarget = swap

	return balloonCmd{
		driver:     c.driver,
		balloon:    balloon,
		swap:       swap,
		generation: gen,
		hasSwap:    swap > c.usage.Swapped,
	}
}

// sub is saturating subtraction.
func sub(a, b uint64) uint64 {
	if a <= b {
		return 0
	}
	return a - b
}
