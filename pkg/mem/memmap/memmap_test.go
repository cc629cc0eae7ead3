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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/page"
)

func newTestMap(
	t *testing.T,
	arenaPages uint64,
	reservedLowPct uint64,
	firmware []MPNRange,
	topology map[page.NodeID][]MPNRange,
	options ...Option,
) (*MemMap, *machine.Memory) {
	t.Helper()

	mem, err := machine.NewMemory(arenaPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	m, err := New(Config{ReservedLowPct: reservedLowPct}, mem, firmware, topology, options...)
	require.NoError(t, err)
	return m, mem
}

// oneNode is a single-node layout covering the whole arena.
func oneNode(arenaPages uint64) ([]MPNRange, map[page.NodeID][]MPNRange) {
	r := []MPNRange{{Start: 0, NumPages: arenaPages}}
	return r, map[page.NodeID][]MPNRange{0: r}
}

func TestNewAccounting(t *testing.T) {
	firmware, topology := oneNode(100000)
	m, _ := newTestMap(t, 100000, 10, firmware, topology)

	require.Equal(t, 16, m.NumColors())
	require.Equal(t, page.NewNodeMask(0), m.ValidNodes())
	require.Len(t, m.Nodes(), 1)

	// The bookkeeping carve-out comes off the end of the range,
	// 2MB-aligned, and is accounted as kernel memory.
	require.Equal(t, uint64(100000), m.TotalPages())
	require.Equal(t, uint64(672), m.KernelPages())
	require.Equal(t, uint64(99328), m.NumFreePages())
	require.Equal(t, uint64(99328), m.FreeLowPages())
	require.Equal(t, uint64(9932), m.ReservedLowPages())

	n := m.Nodes()[0]
	require.Equal(t, page.NodeID(0), n.ID())
	require.Equal(t, uint64(99328), n.FreePages())
}

func TestNewRejectsBadGeometry(t *testing.T) {
	mem, err := machine.NewMemory(1024)
	require.NoError(t, err)
	defer mem.Close()

	firmware, topology := oneNode(1024)

	// 3-way associativity does not yield a power-of-two color count.
	_, err = New(Config{CacheSize: 3 << 12, CacheAssociativity: 1}, mem, firmware, topology)
	require.ErrorIs(t, err, ErrInvalidColor)
}

func TestKernelColorSequence(t *testing.T) {
	firmware, topology := oneNode(100000)
	m, _ := newTestMap(t, 100000, 0, firmware, topology)

	// Kernel allocations without a color walk the shared cursor in
	// bit-reversed order, starting halfway through the colors.
	for _, want := range []int{8, 4, 12, 2, 10} {
		out, err := m.AllocKernelPage(AnyColor)
		require.NoError(t, err)
		require.Equal(t, want, out.Color)
		require.Equal(t, want, int(out.MPN)&(m.NumColors()-1))
	}
}

func TestVMPageColor(t *testing.T) {
	firmware, topology := oneNode(100000)
	m, _ := newTestMap(t, 100000, 0, firmware, topology)

	// A guest page's color derives from its guest page number and world.
	out, err := m.AllocVMPage(2, 30, 0, false)
	require.NoError(t, err)
	require.Equal(t, 0, out.Color)
	require.Equal(t, 0, int(out.MPN)&15)

	out, err = m.AllocVMPage(1, 5, 0, false)
	require.NoError(t, err)
	require.Equal(t, 6, out.Color)
	require.Equal(t, 6, int(out.MPN)&15)
}

func TestExplicitColorAndValidation(t *testing.T) {
	firmware, topology := oneNode(100000)
	m, _ := newTestMap(t, 100000, 0, firmware, topology)

	out, err := m.AllocKernelPages(1, 7, TypeAny)
	require.NoError(t, err)
	require.Equal(t, 7, out.Color)

	_, err = m.AllocKernelPages(1, 16, TypeAny)
	require.ErrorIs(t, err, ErrInvalidColor)

	_, err = m.AllocPages(PolicyInput{NumPages: 1, Color: AnyColor, Type: MemType(42)})
	require.ErrorIs(t, err, ErrInvalidType)

	_, err = m.AllocPages(PolicyInput{NumPages: 1, Color: AnyColor, NodeMask: page.NewNodeMask(3)})
	require.ErrorIs(t, err, ErrNoPages)
}

func TestReservedLowWatermark(t *testing.T) {
	firmware, topology := oneNode(4096)
	m, _ := newTestMap(t, 4096, 25, firmware, topology)

	require.Equal(t, uint64(3584), m.NumFreePages())
	require.Equal(t, uint64(896), m.ReservedLowPages())

	// Ordinary allocations stop at the reserved-low watermark, even
	// after the type is relaxed on retry.
	for {
		_, err := m.AllocKernelPages(1, AnyColor, TypeLow)
		if err != nil {
			require.ErrorIs(t, err, ErrNoPages)
			break
		}
	}
	require.Equal(t, uint64(896), m.FreeLowPages())

	_, err := m.AllocKernelPages(1, AnyColor, TypeAny)
	require.ErrorIs(t, err, ErrNoPages)

	// Only reserved-pool callers may dip below the watermark.
	out, err := m.AllocLowReservedPage()
	require.NoError(t, err)
	require.Equal(t, uint64(895), m.NumFreePages())

	stats := m.GetStats()
	require.NotZero(t, stats.TypeRetries)
	require.NotZero(t, stats.PolicyFailures)

	_, err = m.FreePages(out.MPN)
	require.NoError(t, err)
	require.Equal(t, uint64(896), m.NumFreePages())
}

func TestFreeAndDoubleFree(t *testing.T) {
	firmware, topology := oneNode(4096)
	m, _ := newTestMap(t, 4096, 0, firmware, topology)

	before := m.NumFreePages()
	out, err := m.AllocKernelPages(8, AnyColor, TypeAny)
	require.NoError(t, err)
	require.Equal(t, before-out.Pages, m.NumFreePages())

	pages, err := m.FreePages(out.MPN)
	require.NoError(t, err)
	require.Equal(t, out.Pages, pages)
	require.Equal(t, before, m.NumFreePages())

	_, err = m.FreePages(out.MPN)
	require.ErrorIs(t, err, ErrDoubleFree)
	_, err = m.FreePages(page.MPN(12345))
	require.ErrorIs(t, err, ErrDoubleFree)
}

func TestFreePagesCallback(t *testing.T) {
	firmware, topology := oneNode(4096)

	var reported []uint64
	m, _ := newTestMap(t, 4096, 0, firmware, topology)
	m.SetFreePagesCallback(func(free uint64) {
		reported = append(reported, free)
	})

	out, err := m.AllocKernelPage(AnyColor)
	require.NoError(t, err)
	_, err = m.FreePages(out.MPN)
	require.NoError(t, err)

	require.Equal(t, []uint64{3583, 3584}, reported)
}

// twoNodes is a two-node layout splitting the arena in half.
func twoNodes(arenaPages uint64) ([]MPNRange, map[page.NodeID][]MPNRange) {
	half := arenaPages / 2
	firmware := []MPNRange{{Start: 0, NumPages: arenaPages}}
	topology := map[page.NodeID][]MPNRange{
		0: {{Start: 0, NumPages: half}},
		1: {{Start: page.MPN(half), NumPages: half}},
	}
	return firmware, topology
}

func TestNodeRoundRobin(t *testing.T) {
	firmware, topology := twoNodes(4096)
	m, _ := newTestMap(t, 4096, 0, firmware, topology)

	require.Equal(t, page.NewNodeMask(0, 1), m.ValidNodes())

	// Unconstrained allocations rotate over the nodes.
	out1, err := m.AllocKernelPage(AnyColor)
	require.NoError(t, err)
	out2, err := m.AllocKernelPage(AnyColor)
	require.NoError(t, err)
	require.NotEqual(t, out1.Node, out2.Node)

	// An explicit node mask pins the allocation.
	for i := 0; i < 4; i++ {
		out, err := m.AllocPages(PolicyInput{
			NumPages: 1,
			NodeMask: page.NewNodeMask(1),
			Color:    AnyColor,
		})
		require.NoError(t, err)
		require.Equal(t, page.NodeID(1), out.Node)
	}
}

func TestAffinity(t *testing.T) {
	firmware, topology := twoNodes(4096)
	m, _ := newTestMap(t, 4096, 0, firmware, topology)
	m.SetAffinityProvider(func(w page.WorldID) page.NodeMask {
		if w == 7 {
			return page.NewNodeMask(1)
		}
		return 0
	})

	// Affinity steers the placement.
	out, err := m.AllocVMPage(7, 0, 0, true)
	require.NoError(t, err)
	require.Equal(t, page.NodeID(1), out.Node)

	// An explicit mask disjoint from affinity is a caller error and is
	// not retried.
	_, err = m.AllocVMPage(7, 0, page.NewNodeMask(0), true)
	require.ErrorIs(t, err, ErrNodeMaskConflict)
	require.Zero(t, m.GetStats().AffinityRetries)

	// Drain node 1, then an affine allocation falls back to node 0
	// after dropping affinity.
	for {
		_, err := m.AllocPages(PolicyInput{
			NumPages: 1,
			NodeMask: page.NewNodeMask(1),
			Color:    AnyColor,
			Type:     TypeLow,
		})
		if err != nil {
			break
		}
	}

	out, err = m.AllocVMPage(7, 1, 0, true)
	require.NoError(t, err)
	require.Equal(t, page.NodeID(0), out.Node)
	require.Equal(t, uint64(1), m.GetStats().AffinityRetries)
}

func TestHotAdd(t *testing.T) {
	firmware := []MPNRange{{Start: 0, NumPages: 2048}}
	topology := map[page.NodeID][]MPNRange{
		0: {{Start: 0, NumPages: 2048}, {Start: 4096, NumPages: 2048}},
	}
	m, _ := newTestMap(t, 8192, 0, firmware, topology)

	require.Equal(t, uint64(2048), m.TotalPages())
	require.Equal(t, uint64(1536), m.NumFreePages())

	// Known memory cannot be added again.
	err := m.HotAdd(0, 512, false)
	require.ErrorIs(t, err, ErrRangeOverlap)

	// Memory outside every NUMA range is rejected.
	err = m.HotAdd(7000, 512, false)
	require.ErrorIs(t, err, ErrInvalidMemMap)

	// A valid hot-add grows the pools and the bookkeeping carve.
	require.NoError(t, m.HotAdd(4096, 2048, false))
	require.Equal(t, uint64(4096), m.TotalPages())
	require.Equal(t, uint64(3072), m.NumFreePages())

	// Both 1GB-scale pools are usable: two maximal allocations land in
	// the original and the hot-added region respectively.
	out, err := m.AllocPages(PolicyInput{NumPages: 1024, Color: AnyColor})
	require.NoError(t, err)
	require.Equal(t, page.MPN(0), out.MPN)
	out, err = m.AllocPages(PolicyInput{NumPages: 1024, Color: AnyColor})
	require.NoError(t, err)
	require.Equal(t, page.MPN(4096), out.MPN)
}

func TestHotAddTrimsBadPages(t *testing.T) {
	firmware := []MPNRange{{Start: 0, NumPages: 2048}}
	topology := map[page.NodeID][]MPNRange{
		0: {{Start: 0, NumPages: 2048}, {Start: 4096, NumPages: 2048}},
	}
	m, mem := newTestMap(t, 8192, 0, firmware, topology)

	// Verification trims the hot-added range at the first bad page.
	mem.MarkBad(5120)
	require.NoError(t, m.HotAdd(4096, 2048, true))
	require.Equal(t, uint64(2048+1024), m.TotalPages())
	require.Equal(t, uint64(1536+512), m.NumFreePages())
}

type fakeConsumer struct {
	name     string
	perPages uint64
	assigned []MPNRange
}

func (c *fakeConsumer) Name() string { return c.name }
func (c *fakeConsumer) CriticalPages(numPages uint64) uint64 {
	return numPages / c.perPages
}
func (c *fakeConsumer) AssignCriticalRange(r MPNRange) {
	c.assigned = append(c.assigned, r)
}

func TestCriticalMem(t *testing.T) {
	firmware, topology := oneNode(2048)

	consumer := &fakeConsumer{name: "frames", perPages: 100}
	mem, err := machine.NewMemory(2048)
	require.NoError(t, err)
	defer mem.Close()

	m, err := New(Config{}, mem, firmware, topology, WithCriticalMem(consumer))
	require.NoError(t, err)

	// The consumer got its carve-out and it is accounted as kernel
	// memory along with the allocator overhead.
	require.Len(t, consumer.assigned, 1)
	require.Equal(t, MPNRange{Start: 1536, NumPages: 512}, consumer.assigned[0])
	require.Equal(t, uint64(2048), m.TotalPages())
	require.Equal(t, uint64(1024), m.KernelPages())
	require.Equal(t, uint64(1024), m.NumFreePages())
}

func TestAllocPageWait(t *testing.T) {
	firmware, topology := oneNode(2048)
	m, _ := newTestMap(t, 2048, 0, firmware, topology)

	in := PolicyInput{NumPages: 1, Color: AnyColor}

	out, err := m.AllocPageWait(context.Background(), in, time.Second, nil)
	require.NoError(t, err)

	// Drain the pools completely.
	var first *PolicyOutput
	for {
		blk, err := m.AllocPages(PolicyInput{NumPages: 1, Color: AnyColor})
		if err != nil {
			break
		}
		if first == nil {
			first = blk
		}
	}
	require.Zero(t, m.NumFreePages())

	_, err = m.AllocPageWait(context.Background(), in, 20*time.Millisecond, nil)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = m.AllocPageWait(context.Background(), in, time.Second,
		func() bool { return true })
	require.ErrorIs(t, err, ErrEarlyExit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.AllocPageWait(ctx, in, time.Second, nil)
	require.ErrorIs(t, err, context.Canceled)

	// Once pages are freed the wait succeeds again.
	_, err = m.FreePages(first.MPN)
	require.NoError(t, err)
	_, err = m.AllocPageWait(context.Background(), in, time.Second, nil)
	require.NoError(t, err)

	_, err = m.FreePages(out.MPN)
	require.NoError(t, err)
}

func TestNiceAllocPages(t *testing.T) {
	firmware, topology := oneNode(2048)
	m, _ := newTestMap(t, 2048, 0, firmware, topology)

	low := false
	m.SetMemoryLowCheck(func() bool { return low })

	_, err := m.NiceAllocPages(PolicyInput{NumPages: 1, Color: AnyColor})
	require.NoError(t, err)

	low = true
	_, err = m.NiceAllocPages(PolicyInput{NumPages: 1, Color: AnyColor})
	require.ErrorIs(t, err, ErrMemoryLow)
}

func TestBuildNodeRanges(t *testing.T) {
	mem, err := machine.NewMemory(1024)
	require.NoError(t, err)
	defer mem.Close()

	// Firmware pages not covered by any NUMA range are fatal.
	_, err = BuildNodeRanges(mem,
		[]MPNRange{{Start: 0, NumPages: 100}},
		map[page.NodeID][]MPNRange{0: {{Start: 0, NumPages: 50}}},
		false)
	require.ErrorIs(t, err, ErrInvalidMemMap)

	// A node left without a single usable page is fatal.
	_, err = BuildNodeRanges(mem,
		[]MPNRange{{Start: 0, NumPages: 100}},
		map[page.NodeID][]MPNRange{
			0: {{Start: 0, NumPages: 100}},
			1: {{Start: 200, NumPages: 100}},
		},
		false)
	require.ErrorIs(t, err, ErrInvalidMemMap)

	// Bad pages trim the tail of the affected range.
	mem.MarkBad(80)
	ranges, err := BuildNodeRanges(mem,
		[]MPNRange{{Start: 0, NumPages: 100}},
		map[page.NodeID][]MPNRange{0: {{Start: 0, NumPages: 100}}},
		true)
	require.NoError(t, err)
	require.Equal(t, []MPNRange{{Start: 0, NumPages: 80}}, ranges[0])
}

func TestMPNRange(t *testing.T) {
	r := MPNRange{Start: 10, NumPages: 20}
	require.Equal(t, page.MPN(30), r.End())
	require.False(t, r.IsEmpty())
	require.True(t, r.Contains(10))
	require.True(t, r.Contains(29))
	require.False(t, r.Contains(30))

	require.True(t, r.Overlaps(MPNRange{Start: 29, NumPages: 5}))
	require.False(t, r.Overlaps(MPNRange{Start: 30, NumPages: 5}))

	require.Equal(t, MPNRange{Start: 15, NumPages: 15},
		r.Intersect(MPNRange{Start: 15, NumPages: 100}))
	require.True(t, r.Intersect(MPNRange{Start: 40, NumPages: 5}).IsEmpty())
}
