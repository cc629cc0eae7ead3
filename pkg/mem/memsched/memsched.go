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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/virtmm/memkit/pkg/mem/page"
)

const (
	// sharesInvMax caps the precomputed inverse-shares factor; beyond it
	// a client's shares are so few that its pages-per-share is saturated.
	sharesInvMax = 1000000
	// ppsMin and ppsMax bound the pages-per-share metric.
	ppsMin = uint64(0)
	ppsMax = uint64(1) << 62
	// costScaleShift is the fixed-point shift of the idle-cost factor.
	costScaleShift = 8
	// balanceThreshold is the pages-per-share gap below which a client
	// pair counts as balanced.
	balanceThreshold = page.PagesPerMB / 4
	// minTargetDelta is the smallest target adjustment worth making.
	minTargetDelta = uint64(page.PagesPerMB)
	// balloonBonus is extra balloon target granted when swapping leads,
	// so the balloon keeps draining in the background.
	balloonBonus = uint64(page.PagesPerMB)
	// maxSwapSlack is how far behind its swap target a client may lag
	// before allocations start blocking in the hard state.
	maxSwapSlack = uint64(page.PagesPerMB)
	// maxBalanceIter bounds the binary search of one pairwise balance.
	maxBalanceIter = 30
	// balanceDeltaPct is the initial transfer size of a pairwise
	// balance, in percent of the richer client's target.
	balanceDeltaPct = 5
)

// Config holds the scheduler configuration.
type Config struct {
	// SamplePeriod is how often client usage is resampled.
	SamplePeriod time.Duration `json:"samplePeriod"`
	// ReallocPeriod is the idle interval between reallocation rounds.
	ReallocPeriod time.Duration `json:"reallocPeriod"`
	// UnresponsiveTimeout is how stale a client's usage sample may be
	// before the client is treated as unresponsive.
	UnresponsiveTimeout time.Duration `json:"unresponsiveTimeout"`
	// IdleCost is the idle-page tax factor in 1/256 units. 256 charges
	// an idle page like an active one; higher punishes hoarding.
	IdleCost uint64 `json:"idleCost"`
	// FreePcts overrides the free-state thresholds, in percent of
	// managed memory, ordered high, soft, hard, low.
	FreePcts [numFreeStates]uint64 `json:"freePcts"`
	// PShareRate is the per-client page scan rate for sharing, in
	// pages per second. PShareRateTotal caps the machine-wide rate.
	PShareRate      uint64 `json:"pshareRate"`
	PShareRateTotal uint64 `json:"pshareRateTotal"`
}

// Default fills in defaults for unset values.
func (c *Config) Default() {
	if c.SamplePeriod == 0 {
		c.SamplePeriod = 10 * time.Second
	}
	if c.ReallocPeriod == 0 {
		c.ReallocPeriod = 15 * time.Second
	}
	if c.UnresponsiveTimeout == 0 {
		c.UnresponsiveTimeout = 15 * time.Second
	}
	if c.IdleCost == 0 {
		c.IdleCost = 192
	}
	zero := [numFreeStates]uint64{}
	if c.FreePcts == zero {
		c.FreePcts = defaultFreePcts
	}
	if c.PShareRate == 0 {
		c.PShareRate = 4 * page.PagesPerMB
	}
	if c.PShareRateTotal == 0 {
		c.PShareRateTotal = 64 * page.PagesPerMB
	}
}

// SwapInfo is the scheduler's view of system swap capacity. Admission
// consults it to bound guarantees by what swapping can ever reclaim;
// without one attached, admission trusts machine memory alone.
type SwapInfo interface {
	// Enabled returns true when swapping is operational.
	Enabled() bool
	// TotalSlots returns the number of page slots swap can hold.
	TotalSlots() uint64
}

// MemSched is the proportional-share memory scheduler. It admits clients
// against the schedulable pool, periodically reallocates machine memory
// between them based on shares and idle-adjusted working sets, and turns
// the resulting targets into balloon and swap obligations.
type MemSched struct {
	sync.Mutex
	cfg Config

	managedPages uint64
	overheadEst  uint64
	swap         SwapInfo

	root    *Group
	groups  map[string]*Group
	clients map[page.WorldID]*Client
	// clientList keeps registration order for stable iteration
	clientList []*Client

	free       freeTracker
	scans      *ScanLimiter
	generation uint64

	reallocKick chan bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	started     bool
}

// New creates a scheduler over a pool of managedPages schedulable pages.
func New(cfg Config, managedPages uint64) (*MemSched, error) {
	cfg.Default()
	if managedPages == 0 {
		return nil, fmt.Errorf("%w: zero managed pages", ErrInvalidSize)
	}

	s := &MemSched{
		cfg:          cfg,
		managedPages: managedPages,
		groups:       map[string]*Group{},
		clients:      map[page.WorldID]*Client{},
		reallocKick:  make(chan bool, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}

	s.root = &Group{name: RootGroupName}
	s.groups[RootGroupName] = s.root
	s.scans = newScanLimiter(cfg.PShareRate, cfg.PShareRateTotal)

	s.free.configure(managedPages, cfg.FreePcts)
	s.free.kick = s.kickRealloc

	log.Info("created: %d managed pages, realloc every %s", managedPages, cfg.ReallocPeriod)
	return s, nil
}

// Start launches the reallocation loop.
func (s *MemSched) Start() {
	s.Lock()
	if s.started {
		s.Unlock()
		return
	}
	s.started = true
	s.Unlock()

	go s.reallocLoop()
}

// Stop terminates the reallocation loop and waits for it to exit.
func (s *MemSched) Stop() {
	s.Lock()
	if !s.started {
		s.Unlock()
		return
	}
	s.started = false
	s.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// kickRealloc requests an out-of-band reallocation round. A fast kick
// (memory hard or low) never waits for the periodic timer.
func (s *MemSched) kickRealloc(fast bool) {
	select {
	case s.reallocKick <- fast:
	default:
	}
}

// RegisterClient admits and registers a new client in the named group.
// Admission reserves min pages plus current overhead up the group tree;
// it fails when the guaranteed reservations would exceed the schedulable
// pool, counting unresponsive clients' memory as unreclaimable.
func (s *MemSched) RegisterClient(
	world page.WorldID, name, group string, kind Kind, size MemSize, driver Driver,
) (*Client, error) {
	if err := size.Validate(); err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.clients[world]; ok {
		return nil, fmt.Errorf("%w: world %d", ErrAlreadyExists, world)
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}

	c := &Client{
		world:       world,
		name:        name,
		kind:        kind,
		size:        size,
		driver:      driver,
		sampled:     time.Now(),
		responsive:  true,
		adjustedMin: size.Min,
		target:      size.Min,
		alloc:       size.Min,
	}

	g.addClient(c)
	if err := s.admitLocked(g); err != nil {
		g.removeClient(c)
		g.recompute()
		return nil, err
	}

	s.clients[world] = c
	s.clientList = append(s.clientList, c)
	sort.Slice(s.clientList, func(i, j int) bool {
		return s.clientList[i].world < s.clientList[j].world
	})

	s.scans.add(c)
	log.Info("registered %s: min=%d max=%d shares=%d in group %q",
		c, size.Min, size.Max, size.Shares, group)

	s.kickRealloc(false)
	return c, nil
}

// UnregisterClient removes a client and releases its reservation.
func (s *MemSched) UnregisterClient(world page.WorldID) error {
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[world]
	if !ok {
		return fmt.Errorf("%w: world %d", ErrUnknownClient, world)
	}

	g := c.group
	g.removeClient(c)
	g.recompute()
	delete(s.clients, world)
	for i, cand := range s.clientList {
		if cand == c {
			s.clientList = append(s.clientList[:i], s.clientList[i+1:]...)
			break
		}
	}

	s.scans.remove(c)
	log.Info("unregistered %s", c)
	s.kickRealloc(false)
	return nil
}

// admitLocked recomputes reservations bottom-up from g and checks the
// result against the schedulable pool. Guarantees may additionally lean
// on other clients' auto-min pages up to the swap capacity that could
// reclaim them; maximums must fit machine memory plus full swap, or the
// guarantee could never be honored even by swapping everything out.
// Caller holds the lock.
func (s *MemSched) admitLocked(g *Group) error {
	if err := g.checkLimits(); err != nil {
		return err
	}
	g.recompute()

	avail := s.availableLocked()
	if s.root.baseEMin > avail+s.reclaimableAutoMin() {
		return fmt.Errorf("%w: need %d guaranteed pages, %d available",
			ErrAdmission, s.root.baseEMin, avail)
	}
	if s.swap != nil && s.root.baseEMax > avail+s.swapSlots() {
		return fmt.Errorf("%w: max %d pages unattainable with %d swap slots",
			ErrAdmission, s.root.baseEMax, s.swapSlots())
	}
	return nil
}

// swapSlots returns the swap capacity admission may count on.
func (s *MemSched) swapSlots() uint64 {
	if s.swap == nil || !s.swap.Enabled() {
		return 0
	}
	return s.swap.TotalSlots()
}

// reclaimableAutoMin returns the auto-min guarantees of already admitted
// clients, capped by swap capacity: those pages can be taken back by
// swapping them out, so admission may promise them again.
func (s *MemSched) reclaimableAutoMin() uint64 {
	if s.swap == nil {
		return 0
	}
	total := uint64(0)
	for _, c := range s.clientList {
		if c.size.AutoMin {
			total += c.size.Min
		}
	}
	if slots := s.swapSlots(); total > slots {
		total = slots
	}
	return total
}

// SetSwapInfo attaches the swap capacity source consulted by admission.
func (s *MemSched) SetSwapInfo(si SwapInfo) {
	s.Lock()
	defer s.Unlock()
	s.swap = si
}

// availableLocked returns the pages admission may hand out as
// guarantees. Unresponsive clients' locked memory cannot be reclaimed on
// demand, so anything they hold beyond their guarantee is subtracted.
func (s *MemSched) availableLocked() uint64 {
	avail := s.managedPages
	for _, c := range s.clientList {
		if c.responsive {
			continue
		}
		held := c.usage.Locked + c.usage.Overhead
		guaranteed := c.size.Min
		if held > guaranteed {
			stuck := held - guaranteed
			if stuck >= avail {
				return 0
			}
			avail -= stuck
		}
	}
	return avail
}

// SetUserOverhead updates the kernel overhead charged to a userworld
// client and re-runs admission for the change.
func (s *MemSched) SetUserOverhead(world page.WorldID, overheadPages uint64) error {
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[world]
	if !ok {
		return fmt.Errorf("%w: world %d", ErrUnknownClient, world)
	}
	if c.kind != KindUserworld {
		return fmt.Errorf("%w: world %d is not a userworld", ErrInvalidSize, world)
	}

	prev := c.usage.Overhead
	c.usage.Overhead = overheadPages
	if err := s.admitLocked(c.group); err != nil {
		c.usage.Overhead = prev
		c.group.recompute()
		return err
	}
	return nil
}

// AdmitUserMapped grows a userworld's guaranteed size to cover newly
// mapped pinned memory. Pinned userworld pages cannot be ballooned or
// swapped, so they are counted once, against the guarantee.
func (s *MemSched) AdmitUserMapped(world page.WorldID, minPages uint64) error {
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[world]
	if !ok {
		return fmt.Errorf("%w: world %d", ErrUnknownClient, world)
	}
	if minPages <= c.size.Min {
		return nil
	}
	if minPages > c.size.Max {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidSize, minPages, c.size.Max)
	}

	prev := c.size.Min
	c.size.Min = minPages
	if err := s.admitLocked(c.group); err != nil {
		c.size.Min = prev
		c.group.recompute()
		return err
	}
	return nil
}

// UpdateUsage records a fresh usage sample for a client. Drivers that
// push samples call this; the realloc loop also pulls via SampleUsage.
func (s *MemSched) UpdateUsage(world page.WorldID, usage Usage) error {
	s.Lock()
	defer s.Unlock()

	c, ok := s.clients[world]
	if !ok {
		return fmt.Errorf("%w: world %d", ErrUnknownClient, world)
	}
	c.usage = usage
	c.sampled = time.Now()
	return nil
}

// ManagedPages returns the size of the schedulable pool.
func (s *MemSched) ManagedPages() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.managedPages
}

// ReservedMinPages returns the admitted guaranteed-page total.
func (s *MemSched) ReservedMinPages() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.root.baseEMin
}

// TotalVMPagesUsed returns the machine pages currently backing VM
// clients, for capacity reporting.
func (s *MemSched) TotalVMPagesUsed() uint64 {
	s.Lock()
	defer s.Unlock()

	total := uint64(0)
	for _, c := range s.clientList {
		if c.kind == KindVM {
			total += c.usage.Locked
		}
	}
	return total
}

// Generation returns the current reallocation generation. Long-running
// reclamation passes compare it against the generation they started with
// and abort when the scheduler has moved on.
func (s *MemSched) Generation() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.generation
}
