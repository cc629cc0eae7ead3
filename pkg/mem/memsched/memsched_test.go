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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// fakeDriver records the enforcement commands a client receives.
type fakeDriver struct {
	sync.Mutex
	usage    Usage
	balloons []uint64
	swaps    []uint64
	swapGens []uint64
}

func (d *fakeDriver) SampleUsage() Usage {
	d.Lock()
	defer d.Unlock()
	return d.usage
}

func (d *fakeDriver) SetBalloonTarget(pages uint64) {
	d.Lock()
	defer d.Unlock()
	d.balloons = append(d.balloons, pages)
}

func (d *fakeDriver) StartSwap(target, generation uint64) {
	d.Lock()
	defer d.Unlock()
	d.swaps = append(d.swaps, target)
	d.swapGens = append(d.swapGens, generation)
}

func newTestSched(t *testing.T, managedPages uint64) *MemSched {
	t.Helper()

	s, err := New(Config{}, managedPages)
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, 0)
	require.ErrorIs(t, err, ErrInvalidSize)

	s := newTestSched(t, 100000)
	require.Equal(t, uint64(100000), s.ManagedPages())
	require.Equal(t, FreeHigh, s.FreeState())
}

func TestRegisterValidation(t *testing.T) {
	s := newTestSched(t, 100000)
	d := &fakeDriver{}

	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 10, Max: 0}, d)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 20, Max: 10}, d)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 10, BalloonMax: 20}, d)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = s.RegisterClient(1, "vm1", "nosuch", KindVM,
		MemSize{Max: 10}, d)
	require.ErrorIs(t, err, ErrUnknownGroup)

	c, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 10, Max: 100, Shares: 100}, d)
	require.NoError(t, err)
	require.Equal(t, page.WorldID(1), c.World())
	require.Equal(t, "vm1", c.Name())
	require.Equal(t, KindVM, c.Kind())

	_, err = s.RegisterClient(1, "vm1-again", RootGroupName, KindVM,
		MemSize{Max: 10}, d)
	require.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.UnregisterClient(1))
	require.ErrorIs(t, s.UnregisterClient(1), ErrUnknownClient)
}

func TestAdmission(t *testing.T) {
	s := newTestSched(t, 100000)
	d := &fakeDriver{}

	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 60000, Max: 80000, Shares: 100}, d)
	require.NoError(t, err)
	require.Equal(t, uint64(60000), s.ReservedMinPages())

	// A guarantee that does not fit is rejected, leaving the
	// reservation untouched.
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 50000, Max: 60000, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)
	require.Equal(t, uint64(60000), s.ReservedMinPages())

	// Filling the pool exactly is still admissible.
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 40000, Max: 60000, Shares: 100}, d)
	require.NoError(t, err)
	require.Equal(t, uint64(100000), s.ReservedMinPages())

	_, err = s.RegisterClient(3, "vm3", RootGroupName, KindVM,
		MemSize{Min: 1, Max: 10, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)
}

func TestGroups(t *testing.T) {
	s := newTestSched(t, 100000)
	d := &fakeDriver{}

	g, err := s.NewGroup(RootGroupName, "vms", 1000, 0)
	require.NoError(t, err)
	require.Equal(t, "vms", g.Name())

	_, err = s.NewGroup(RootGroupName, "vms", 0, 0)
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = s.NewGroup("nosuch", "other", 0, 0)
	require.ErrorIs(t, err, ErrUnknownGroup)

	// The group's min limit caps the guarantees of its members.
	_, err = s.RegisterClient(1, "vm1", "vms", KindVM,
		MemSize{Min: 2000, Max: 4000, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)

	_, err = s.RegisterClient(1, "vm1", "vms", KindVM,
		MemSize{Min: 500, Max: 4000, Shares: 100}, d)
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteGroup("vms"), ErrAdmission)
	require.NoError(t, s.UnregisterClient(1))
	require.NoError(t, s.DeleteGroup("vms"))
	require.Error(t, s.DeleteGroup(RootGroupName))
	require.ErrorIs(t, s.DeleteGroup("nosuch"), ErrUnknownGroup)
}

func TestUserworldAdmission(t *testing.T) {
	s := newTestSched(t, 100000)
	d := &fakeDriver{}

	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 20000, Max: 30000, Shares: 100}, d)
	require.NoError(t, err)
	_, err = s.RegisterClient(2, "mgmt", RootGroupName, KindUserworld,
		MemSize{Min: 1000, Max: 90000}, d)
	require.NoError(t, err)

	// Overhead charges admission; only userworlds carry it.
	require.ErrorIs(t, s.SetUserOverhead(1, 100), ErrInvalidSize)
	require.NoError(t, s.SetUserOverhead(2, 500))
	require.Equal(t, uint64(21500), s.ReservedMinPages())

	// An overhead that no longer fits is rolled back.
	err = s.SetUserOverhead(2, 79001)
	require.ErrorIs(t, err, ErrAdmission)
	require.Equal(t, uint64(21500), s.ReservedMinPages())

	// Pinned mappings grow the guarantee, within max and the pool.
	require.NoError(t, s.AdmitUserMapped(2, 50000))
	require.Equal(t, uint64(70500), s.ReservedMinPages())
	require.NoError(t, s.AdmitUserMapped(2, 40000)) // no shrink
	require.Equal(t, uint64(70500), s.ReservedMinPages())
	require.ErrorIs(t, s.AdmitUserMapped(2, 90001), ErrInvalidSize)
	err = s.AdmitUserMapped(2, 80000)
	require.ErrorIs(t, err, ErrAdmission)
	require.Equal(t, uint64(70500), s.ReservedMinPages())
}

func TestFreeStateTransitions(t *testing.T) {
	// Boundaries: high=6000, soft=4000, hard=2000, low=1000 pages.
	s := newTestSched(t, 100000)

	s.UpdateFreePages(10000)
	require.Equal(t, FreeHigh, s.FreeState())
	require.False(t, s.MemoryIsLow())

	s.UpdateFreePages(3500)
	require.Equal(t, FreeSoft, s.FreeState())

	// Between the soft and high boundaries the soft state holds; only
	// rising above the high boundary returns to high.
	s.UpdateFreePages(5000)
	require.Equal(t, FreeSoft, s.FreeState())
	s.UpdateFreePages(6500)
	require.Equal(t, FreeHigh, s.FreeState())

	// Transitions step one state per boundary crossing.
	s.UpdateFreePages(3500)
	require.Equal(t, FreeSoft, s.FreeState())
	s.UpdateFreePages(1500)
	require.Equal(t, FreeHard, s.FreeState())

	// Hard holds until free rises above the soft boundary.
	s.UpdateFreePages(3000)
	require.Equal(t, FreeHard, s.FreeState())
	s.UpdateFreePages(4500)
	require.Equal(t, FreeSoft, s.FreeState())

	s.UpdateFreePages(1500)
	require.Equal(t, FreeHard, s.FreeState())
	s.UpdateFreePages(800)
	require.Equal(t, FreeLow, s.FreeState())
	require.True(t, s.MemoryIsLow())

	// Entering low tightened the low boundary to half the entry count,
	// so decline re-arms the state only at every further halving.
	s.UpdateFreePages(600)
	require.Equal(t, FreeLow, s.FreeState())
	s.UpdateFreePages(300)
	require.Equal(t, FreeLow, s.FreeState())
	s.UpdateFreePages(250)
	require.Equal(t, FreeLow, s.FreeState())

	// Leaving low needs free back above the hard boundary and restores
	// the configured low boundary.
	s.UpdateFreePages(2500)
	require.Equal(t, FreeHard, s.FreeState())
	s.UpdateFreePages(4500)
	require.Equal(t, FreeSoft, s.FreeState())
	s.UpdateFreePages(6500)
	require.Equal(t, FreeHigh, s.FreeState())
	require.False(t, s.MemoryIsLow())
}

func TestMemoryIsLowWait(t *testing.T) {
	s := newTestSched(t, 100000)

	s.UpdateFreePages(3500)
	s.UpdateFreePages(1500)
	s.UpdateFreePages(500)
	require.True(t, s.MemoryIsLow())
	require.ErrorIs(t, s.MemoryIsLowWait(5*time.Millisecond, nil), ErrTimeout)

	// A waiter whose world is going away gives up immediately.
	require.ErrorIs(t, s.MemoryIsLowWait(time.Second,
		func() bool { return true }), ErrEarlyExit)

	s.UpdateFreePages(10000)
	require.NoError(t, s.MemoryIsLowWait(time.Second, nil))
}

func TestReallocProportional(t *testing.T) {
	s := newTestSched(t, 100000)

	d1 := &fakeDriver{usage: Usage{Locked: 50000, Mapped: 50000, TouchedPct: 100}}
	d2 := &fakeDriver{usage: Usage{Locked: 10000, Mapped: 10000, TouchedPct: 100}}

	c1, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 60000, Shares: 100, BalloonMax: 30000}, d1)
	require.NoError(t, err)
	c2, err := s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 60000, Shares: 100, BalloonMax: 30000}, d2)
	require.NoError(t, err)

	s.UpdateFreePages(40000)

	gen := s.Generation()
	s.Realloc()
	require.Equal(t, gen+1, s.Generation())

	// Equal shares with room on both sides settle on equal targets.
	require.Equal(t, uint64(50000), c1.Target())
	require.Equal(t, uint64(50000), c2.Target())
	require.Equal(t, uint64(60000), s.TotalVMPagesUsed())

	// Allocation increases are prorated by actually free memory, so the
	// overcommitted client gets a balloon obligation and nobody swaps.
	require.Empty(t, cmp.Diff([]uint64{30000}, d1.balloons))
	require.Empty(t, cmp.Diff([]uint64{0}, d2.balloons))
	require.Empty(t, d1.swaps)
	require.Empty(t, d2.swaps)
}

func TestReallocSwapsWhenHard(t *testing.T) {
	s := newTestSched(t, 100000)

	d := &fakeDriver{usage: Usage{Locked: 50000, Mapped: 50000, TouchedPct: 100}}
	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 60000, Shares: 100, BalloonMax: 5000}, d)
	require.NoError(t, err)

	s.UpdateFreePages(3500)
	s.UpdateFreePages(1500)
	require.Equal(t, FreeHard, s.FreeState())

	s.Realloc()

	// With memory hard, swap is authoritative and the balloon only gets
	// a modest bonus to keep draining in the background.
	require.Empty(t, cmp.Diff([]uint64{48500}, d.swaps))
	require.Empty(t, cmp.Diff([]uint64{s.Generation()}, d.swapGens))
	require.Empty(t, cmp.Diff([]uint64{uint64(page.PagesPerMB)}, d.balloons))

	// The client is far behind its swap obligation, so its allocations
	// should block.
	require.True(t, s.ShouldSwapBlock(1))
	require.False(t, s.ShouldSwapBlock(99))

	s.UpdateFreePages(10000)
	require.False(t, s.ShouldSwapBlock(1))

	// In the low state any client with a swap obligation blocks.
	s.UpdateFreePages(500)
	s.UpdateFreePages(400)
	require.Equal(t, FreeLow, s.FreeState())
	require.True(t, s.ShouldSwapBlock(1))
}

func TestReallocBalloonOverflow(t *testing.T) {
	s := newTestSched(t, 100000)

	d := &fakeDriver{usage: Usage{Locked: 50000, Mapped: 50000, TouchedPct: 100}}
	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 60000, Shares: 100, BalloonMax: 10000}, d)
	require.NoError(t, err)

	s.UpdateFreePages(3500)
	require.Equal(t, FreeSoft, s.FreeState())

	s.Realloc()

	// Soft state balloons first; what exceeds the balloon's capacity
	// spills over into swap.
	require.Empty(t, cmp.Diff([]uint64{10000}, d.balloons))
	require.Empty(t, cmp.Diff([]uint64{36500}, d.swaps))
}

func TestReallocUserworld(t *testing.T) {
	s := newTestSched(t, 100000)

	d := &fakeDriver{usage: Usage{Locked: 30000, Mapped: 30000, TouchedPct: 100}}
	_, err := s.RegisterClient(1, "mgmt", RootGroupName, KindUserworld,
		MemSize{Min: 10000, Max: 30000, Shares: 0}, d)
	require.NoError(t, err)

	s.UpdateFreePages(2000)
	s.Realloc()

	// Without shares the target collapses to the guarantee; a
	// userworld has no balloon and meets it purely by swapping.
	require.Empty(t, cmp.Diff([]uint64{0}, d.balloons))
	require.Empty(t, cmp.Diff([]uint64{20000}, d.swaps))
}

func TestUnresponsiveClient(t *testing.T) {
	s, err := New(Config{UnresponsiveTimeout: time.Nanosecond}, 100000)
	require.NoError(t, err)

	// No driver: the usage sample can only go stale.
	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 10000, Max: 40000, Shares: 100}, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateUsage(1, Usage{Locked: 30000, Mapped: 30000, TouchedPct: 100}))

	time.Sleep(2 * time.Millisecond)
	s.Realloc()

	// The unresponsive client's memory beyond its guarantee cannot be
	// reclaimed on demand, so admission stops counting it as available:
	// 100000 - (30000 - 10000) = 80000, of which 10000 is reserved.
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 70001, Max: 80000, Shares: 100}, &fakeDriver{})
	require.ErrorIs(t, err, ErrAdmission)

	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 70000, Max: 80000, Shares: 100}, &fakeDriver{})
	require.NoError(t, err)
}

// fakeSwap is a fixed-capacity swap backend description.
type fakeSwap struct {
	enabled bool
	slots   uint64
}

func (f *fakeSwap) Enabled() bool      { return f.enabled }
func (f *fakeSwap) TotalSlots() uint64 { return f.slots }

func TestSwapBoundedAdmission(t *testing.T) {
	s := newTestSched(t, 100000)
	s.SetSwapInfo(&fakeSwap{enabled: true, slots: 20000})
	d := &fakeDriver{}

	// A max is admissible only while machine memory plus full swap can
	// theoretically honor it.
	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 120000, Shares: 100}, d)
	require.NoError(t, err)
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 1, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)

	// Disabled swap contributes no slots.
	s = newTestSched(t, 100000)
	s.SetSwapInfo(&fakeSwap{slots: 20000})
	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 100001, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)
	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 100000, Shares: 100}, d)
	require.NoError(t, err)
}

func TestAutoMinReclaimable(t *testing.T) {
	s := newTestSched(t, 100000)
	s.SetSwapInfo(&fakeSwap{enabled: true, slots: 15000})
	d := &fakeDriver{}

	_, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 30000, Max: 31000, Shares: 100, AutoMin: true}, d)
	require.NoError(t, err)

	// vm1's automatically sized guarantee counts as reclaimable through
	// swap, so vm2's guarantee beyond bare machine memory still fits.
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 80000, Max: 84000, Shares: 100}, d)
	require.NoError(t, err)
	require.Equal(t, uint64(110000), s.ReservedMinPages())

	// The reclaimable pool is bounded by swap capacity.
	s = newTestSched(t, 100000)
	s.SetSwapInfo(&fakeSwap{enabled: true, slots: 9999})
	_, err = s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 30000, Max: 31000, Shares: 100, AutoMin: true}, d)
	require.NoError(t, err)
	_, err = s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 80000, Max: 84000, Shares: 100}, d)
	require.ErrorIs(t, err, ErrAdmission)
}

func TestUnresponsiveMinScaling(t *testing.T) {
	s, err := New(Config{UnresponsiveTimeout: time.Nanosecond}, 100000)
	require.NoError(t, err)

	d1 := &fakeDriver{usage: Usage{Locked: 40000, Mapped: 40000, TouchedPct: 100}}
	c1, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 40000, Max: 50000, Shares: 100}, d1)
	require.NoError(t, err)

	// No driver: the usage sample can only go stale.
	c2, err := s.RegisterClient(2, "vm2", RootGroupName, KindVM,
		MemSize{Min: 60000, Max: 90000, Shares: 100}, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpdateUsage(2, Usage{Locked: 90000, Mapped: 90000, TouchedPct: 100}))

	time.Sleep(2 * time.Millisecond)
	s.Realloc()

	// The stuck client holds 30000 pages beyond its guarantee, leaving
	// 70000 achievable against 100000 admitted. Its nominal guarantee
	// shrinks by the same ratio while the responsive client keeps its
	// full one.
	require.Equal(t, uint64(42000), c2.Target())
	require.Equal(t, uint64(40000), c1.Target())
}

func TestUpdateUsageUnknown(t *testing.T) {
	s := newTestSched(t, 100000)
	require.ErrorIs(t, s.UpdateUsage(1, Usage{}), ErrUnknownClient)
}

func TestScanLimiter(t *testing.T) {
	s, err := New(Config{PShareRate: 1000, PShareRateTotal: 4000}, 100000)
	require.NoError(t, err)

	c, err := s.RegisterClient(1, "vm1", RootGroupName, KindVM,
		MemSize{Min: 0, Max: 1000, Shares: 100}, &fakeDriver{})
	require.NoError(t, err)

	sl := s.ScanLimiter()

	// Within the burst the wait is immediate.
	require.NoError(t, sl.WaitScan(context.Background(), c, 10))

	// A cancelled context fails the wait.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, sl.WaitScan(ctx, c, 10))

	// A request over the configured burst can never be satisfied.
	s.UpdatePShareRates(10, 20)
	require.Error(t, sl.WaitScan(context.Background(), c, 100))
}

func TestStartStop(t *testing.T) {
	s := newTestSched(t, 100000)
	s.Start()
	s.Start() // idempotent
	s.Stop()
	s.Stop()
}
