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
	"fmt"
	"math/bits"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/virtmm/memkit/pkg/instrumentation/tracing"
	"github.com/virtmm/memkit/pkg/mem/buddy"
	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/page"
)

const (
	// minFreeHighPages is the floor below which high memory is no longer
	// recommended, so it is never starved completely.
	minFreeHighPages = 128
	// pages2MB is the number of pages in a 2MB large page.
	pages2MB = (2 << 20) / page.PageSize
	// allocWaitPoll is the poll granularity of waiting allocations.
	allocWaitPoll = time.Millisecond
)

// Config holds the allocator configuration.
type Config struct {
	// CacheSize is the last-level cache size in bytes.
	CacheSize uint64 `json:"cacheSize"`
	// CacheAssociativity is the last-level cache associativity.
	CacheAssociativity uint64 `json:"cacheAssociativity"`
	// ReservedLowPct is the percentage of low pages reserved for
	// DMA-constrained I/O.
	ReservedLowPct uint64 `json:"reservedLowPct"`
	// AllocHighThreshold is the free-low-page count above which low
	// memory is still recommended for type-agnostic allocations.
	AllocHighThreshold uint64 `json:"allocHighThreshold"`
}

// Default fills in defaults for unset values.
func (c *Config) Default() {
	if c.CacheSize == 0 {
		c.CacheSize = 1 << 20
	}
	if c.CacheAssociativity == 0 {
		c.CacheAssociativity = 16
	}
	if c.AllocHighThreshold == 0 {
		c.AllocHighThreshold = 8 * page.PagesPerMB
	}
}

// CriticalMemConsumer is one boot-time consumer of critical memory. The
// set of consumers is closed and known at build time: sharing-frame
// storage, allocator overhead, I/O-protection debug state.
type CriticalMemConsumer interface {
	// Name returns the consumer name for diagnostics.
	Name() string
	// CriticalPages returns how many pages the consumer needs for
	// managing the given number of newly admitted pages.
	CriticalPages(numPages uint64) uint64
	// AssignCriticalRange hands the consumer its carved-out region.
	AssignCriticalRange(r MPNRange)
}

// Stats holds cumulative allocator diagnostics.
type Stats struct {
	// Lookups counts policy runs.
	Lookups uint64
	// TypeRetries counts allocations that needed the type relaxed to any.
	TypeRetries uint64
	// AffinityRetries counts allocations that needed affinity disabled.
	AffinityRetries uint64
	// PolicyFailures counts policy runs that exhausted the search space.
	PolicyFailures uint64
}

// ownerRec records where an allocated block came from.
type ownerRec struct {
	node  *Node
	low   bool
	pages uint64
	world page.WorldID
}

// MemMap is the NUMA-aware buddy-style physical page allocator. It owns
// every machine page not reserved at boot, partitioned per node into low
// (<4GB) and high pools, and places allocations color- and type-aware
// with a deterministic fallback search.
//
// One coarse lock protects the summary counters, node masks and cursors;
// each buddy memspace locks internally.
type MemMap struct {
	sync.Mutex
	mem *machine.Memory
	cfg Config

	numColors int
	colorMask int

	nodes    map[page.NodeID]*Node
	nodeList []*Node
	topology map[page.NodeID][]MPNRange
	ranges   []MPNRange
	owners   map[page.MPN]ownerRec

	validNodes    page.NodeMask
	freeLowNodes  page.NodeMask
	freeHighNodes page.NodeMask
	freeResNodes  page.NodeMask

	nextNode        int
	nextKernelColor int

	totalPages       uint64
	numFreePages     uint64
	numFreeLowPages  uint64
	reservedLowPages uint64
	kernelPages      uint64

	stats    Stats
	critical []CriticalMemConsumer

	freeCB    func(freePages uint64)
	memoryLow func() bool
	affinity  func(page.WorldID) page.NodeMask

	warnLimit *rate.Limiter
}

// Option is an opaque option for New.
type Option func(*MemMap) error

// WithFreePagesCallback sets the callback invoked with the new free-page
// count after every allocation or free. The memory scheduler uses it to
// drive pressure-state transitions.
func WithFreePagesCallback(fn func(freePages uint64)) Option {
	return func(m *MemMap) error {
		m.freeCB = fn
		return nil
	}
}

// WithMemoryLowCheck sets the check consulted by nice allocations.
func WithMemoryLowCheck(fn func() bool) Option {
	return func(m *MemMap) error {
		m.memoryLow = fn
		return nil
	}
}

// WithAffinityProvider sets the source of per-world node affinity masks.
func WithAffinityProvider(fn func(page.WorldID) page.NodeMask) Option {
	return func(m *MemMap) error {
		m.affinity = fn
		return nil
	}
}

// WithCriticalMem registers the critical-memory consumers.
func WithCriticalMem(consumers ...CriticalMemConsumer) Option {
	return func(m *MemMap) error {
		m.critical = append(m.critical, consumers...)
		return nil
	}
}

// New creates an allocator over the given machine memory, firmware memory
// map and NUMA topology. Failure here is fatal to bringup: page-level
// accounting is load-bearing for everything else.
func New(
	cfg Config,
	mem *machine.Memory,
	firmware []MPNRange,
	topology map[page.NodeID][]MPNRange,
	options ...Option,
) (*MemMap, error) {
	cfg.Default()

	numColors := cfg.CacheSize / cfg.CacheAssociativity / page.PageSize
	if numColors == 0 || bits.OnesCount64(numColors) != 1 {
		return nil, fmt.Errorf("%w: cache geometry yields %d colors, not a power of two",
			ErrInvalidColor, numColors)
	}

	m := &MemMap{
		mem:       mem,
		cfg:       cfg,
		numColors: int(numColors),
		colorMask: int(numColors) - 1,
		nodes:     map[page.NodeID]*Node{},
		topology:  topology,
		owners:    map[page.MPN]ownerRec{},
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	nodeRanges, err := BuildNodeRanges(mem, firmware, topology, false)
	if err != nil {
		return nil, err
	}

	for node := range nodeRanges {
		n := newNode(node)
		m.nodes[node] = n
		m.nodeList = append(m.nodeList, n)
		m.validNodes = m.validNodes.Set(node)
	}
	sort.Slice(m.nodeList, func(i, j int) bool {
		return m.nodeList[i].id < m.nodeList[j].id
	})

	for node, ranges := range nodeRanges {
		for _, r := range ranges {
			if err := m.admitRange(m.nodes[node], r); err != nil {
				return nil, err
			}
		}
	}

	if m.lowNodeCount() < 1 {
		return nil, fmt.Errorf("%w: no node has usable pages below 4GB", ErrNoLowMemory)
	}

	m.proportionReservedLow()
	m.updateAllMasks()
	m.nextKernelColor = m.numColors / 2

	log.Info("initialized: %d nodes, %d colors, %d pages (%d low, %d reserved low, %d kernel)",
		len(m.nodeList), m.numColors, m.totalPages,
		m.lowPageCount(), m.reservedLowPages, m.kernelPages)

	return m, nil
}

// admitRange verifies bookkeeping carve-outs and feeds the remainder of a
// usable range into the owning node. Caller context is init or hot-add
// with the lock effectively private.
func (m *MemMap) admitRange(n *Node, r MPNRange) error {
	// Critical consumers first, then buddy overhead, both preferentially
	// 2MB-aligned from the end of the range so the bookkeeping area can
	// be mapped with large pages.
	for _, c := range m.critical {
		want := c.CriticalPages(r.NumPages)
		if want == 0 {
			continue
		}
		region := carveFromEnd(&r, want)
		if region.IsEmpty() {
			return fmt.Errorf("%w: range %s too small for critical memory (%s wants %d pages)",
				ErrInvalidMemMap, r, c.Name(), want)
		}
		c.AssignCriticalRange(region)
		m.kernelPages += region.NumPages
		m.totalPages += region.NumPages
		log.Info("critical mem: %d pages at %s for %s", region.NumPages, region.Start, c.Name())
	}

	ovhd := buddy.OverheadPages(r.NumPages)
	if ovhd >= r.NumPages {
		return fmt.Errorf("%w: range %s smaller than its own overhead", ErrInvalidMemMap, r)
	}
	region := carveFromEnd(&r, ovhd)
	m.kernelPages += region.NumPages
	m.totalPages += region.NumPages

	if err := n.addRange(r.Start, r.NumPages); err != nil {
		return err
	}

	m.totalPages += r.NumPages
	m.numFreePages += r.NumPages
	m.numFreeLowPages += lowPagesIn(r)
	m.ranges = append(m.ranges, MPNRange{Start: r.Start, NumPages: r.NumPages + region.NumPages})

	return nil
}

// HotAdd admits new physical memory at runtime: revalidates it, intersects
// it with the NUMA topology, carves out bookkeeping, adds the remainder to
// the per-node pools and re-proportions the reserved-low pool.
func (m *MemMap) HotAdd(start page.MPN, numPages uint64, verifyEvery bool) (err error) {
	_, span := tracing.StartSpan(context.Background(), "memmap/hot-add",
		tracing.WithAttributes(
			tracing.Attribute("start", start),
			tracing.Attribute("pages", int64(numPages))))
	defer func() { span.End(tracing.WithStatus(err)) }()

	m.Lock()
	defer m.Unlock()

	r := MPNRange{Start: start, NumPages: numPages}
	for _, known := range m.ranges {
		if known.Overlaps(r) {
			return fmt.Errorf("%w: %s overlaps %s", ErrRangeOverlap, r, known)
		}
	}

	good := m.mem.CheckPages(r.Start, r.NumPages, verifyEvery)
	if good < r.NumPages {
		log.Warn("hot-add %s: discarding %d bad pages", r, r.NumPages-good)
		r.NumPages = good
	}
	if r.IsEmpty() {
		return fmt.Errorf("%w: no usable pages in hot-added range", ErrInvalidMemMap)
	}

	var errs *multierror.Error
	admitted := uint64(0)
	for node, ranges := range m.topology {
		n, ok := m.nodes[node]
		if !ok {
			continue
		}
		for _, nr := range ranges {
			isect := r.Intersect(nr)
			if isect.IsEmpty() {
				continue
			}
			if err := m.admitRange(n, isect); err != nil {
				errs = multierror.Append(errs, err)
				continue
			}
			admitted += isect.NumPages
			log.Info("hot-add: node #%d gains %s", node, isect)
		}
	}

	if admitted == 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("%w: hot-added range %s matches no NUMA node", ErrInvalidMemMap, r))
	} else if admitted < r.NumPages {
		log.Warn("hot-add %s: %d pages outside NUMA ranges ignored", r, r.NumPages-admitted)
	}

	m.proportionReservedLow()
	m.updateAllMasks()
	m.notifyFreePagesLocked()

	return errs.ErrorOrNil()
}

// proportionReservedLow distributes the system-wide reserved-low pool
// across nodes in proportion to their low-page counts.
func (m *MemMap) proportionReservedLow() {
	total := uint64(0)
	for _, n := range m.nodeList {
		n.reservedLowPages = n.totalLowPages * m.cfg.ReservedLowPct / 100
		total += n.reservedLowPages
	}
	m.reservedLowPages = total
}

// updateNodeMasks refreshes the pre-filter masks for one node.
func (m *MemMap) updateNodeMasks(n *Node) {
	m.freeLowNodes = m.freeLowNodes.Clear(n.id)
	m.freeHighNodes = m.freeHighNodes.Clear(n.id)
	m.freeResNodes = m.freeResNodes.Clear(n.id)
	if n.hasFreeLow() {
		m.freeLowNodes = m.freeLowNodes.Set(n.id)
	}
	if n.hasFreeHigh() {
		m.freeHighNodes = m.freeHighNodes.Set(n.id)
	}
	if n.hasFreeRes() {
		m.freeResNodes = m.freeResNodes.Set(n.id)
	}
}

// updateAllMasks refreshes the pre-filter masks for every node.
func (m *MemMap) updateAllMasks() {
	for _, n := range m.nodeList {
		m.updateNodeMasks(n)
	}
}

// lowNodeCount returns the number of nodes with low memory.
func (m *MemMap) lowNodeCount() int {
	count := 0
	for _, n := range m.nodeList {
		if n.totalLowPages > 0 {
			count++
		}
	}
	return count
}

// lowPageCount returns the total number of low pages.
func (m *MemMap) lowPageCount() uint64 {
	total := uint64(0)
	for _, n := range m.nodeList {
		total += n.totalLowPages
	}
	return total
}

// notifyFreePagesLocked pushes the current free count to the scheduler
// callback. Caller holds the lock; the callback itself must only take the
// scheduler's free-state lock, never call back in.
func (m *MemMap) notifyFreePagesLocked() {
	m.notifyFreePages(m.numFreePages)
}

// SetFreePagesCallback sets the free-page callback after construction.
// The scheduler is created after the allocator it observes, so it hooks
// in here rather than through a construction option.
func (m *MemMap) SetFreePagesCallback(fn func(freePages uint64)) {
	m.Lock()
	defer m.Unlock()
	m.freeCB = fn
}

// SetMemoryLowCheck sets the nice-allocation pressure check.
func (m *MemMap) SetMemoryLowCheck(fn func() bool) {
	m.Lock()
	defer m.Unlock()
	m.memoryLow = fn
}

// SetAffinityProvider sets the per-world affinity source.
func (m *MemMap) SetAffinityProvider(fn func(page.WorldID) page.NodeMask) {
	m.Lock()
	defer m.Unlock()
	m.affinity = fn
}

// NumColors returns the number of cache colors.
func (m *MemMap) NumColors() int {
	return m.numColors
}

// TotalPages returns the number of pages the allocator accounts for.
func (m *MemMap) TotalPages() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.totalPages
}

// NumFreePages returns the current free-page summary count.
func (m *MemMap) NumFreePages() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.numFreePages
}

// FreeLowPages returns the current free low-page summary count.
func (m *MemMap) FreeLowPages() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.numFreeLowPages
}

// KernelPages returns the number of pages consumed by kernel bookkeeping.
func (m *MemMap) KernelPages() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.kernelPages
}

// ReservedLowPages returns the system-wide reserved-low watermark.
func (m *MemMap) ReservedLowPages() uint64 {
	m.Lock()
	defer m.Unlock()
	return m.reservedLowPages
}

// ValidNodes returns the mask of nodes with usable memory.
func (m *MemMap) ValidNodes() page.NodeMask {
	m.Lock()
	defer m.Unlock()
	return m.validNodes
}

// Nodes returns the allocator's nodes in increasing ID order.
func (m *MemMap) Nodes() []*Node {
	m.Lock()
	defer m.Unlock()
	return append([]*Node{}, m.nodeList...)
}

// GetStats returns a snapshot of the allocator diagnostics.
func (m *MemMap) GetStats() Stats {
	m.Lock()
	defer m.Unlock()
	return m.stats
}

// carveFromEnd removes pages from the end of r, preferring a 2MB-aligned
// region start, and returns the carved region. Returns an empty region if
// r is too small.
func carveFromEnd(r *MPNRange, pages uint64) MPNRange {
	if pages == 0 || pages >= r.NumPages {
		return MPNRange{}
	}

	start := r.End() - page.MPN(pages)
	aligned := start &^ page.MPN(pages2MB-1)
	if aligned >= r.Start && aligned+page.MPN(pages) <= r.End() {
		start = aligned
	}

	if start != r.End()-page.MPN(pages) {
		// Aligned carve leaves a tail after the region; give the tail
		// to the region too rather than fragmenting the range.
		pages = uint64(r.End() - start)
	}

	region := MPNRange{Start: start, NumPages: pages}
	r.NumPages = uint64(start - r.Start)
	return region
}

// lowPagesIn returns how many pages of r lie below the 4GB boundary.
func lowPagesIn(r MPNRange) uint64 {
	if r.Start >= page.LowMemLimitMPN {
		return 0
	}
	if r.End() <= page.LowMemLimitMPN {
		return r.NumPages
	}
	return uint64(page.LowMemLimitMPN - r.Start)
}
