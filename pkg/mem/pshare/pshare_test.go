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

package pshare

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/page"
)

func newTestShare(t *testing.T, numPages uint64, numNodes int) (*PShare, *machine.Memory) {
	t.Helper()

	mem, err := machine.NewMemory(numPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	p := New(Config{Enable: true, NumNodes: numNodes}, mem)
	require.True(t, p.Enabled())
	return p, mem
}

// fillPage writes recognizable distinct content into the given page.
func fillPage(t *testing.T, mem *machine.Memory, mpn page.MPN, seed byte) {
	t.Helper()

	data, err := mem.MapMPN(mpn)
	require.NoError(t, err)
	defer mem.Unmap(data)

	for i := range data {
		data[i] = seed + byte(i)
	}
}

func TestAddLookupRemove(t *testing.T) {
	p, mem := newTestShare(t, 64, 1)

	// Two pages with identical content, one with different content.
	fillPage(t, mem, 10, 0x11)
	fillPage(t, mem, 11, 0x11)
	fillPage(t, mem, 12, 0x22)

	key, err := p.HashPage(10, 0)
	require.NoError(t, err)
	key11, err := p.HashPage(11, 0)
	require.NoError(t, err)
	require.Equal(t, key, key11)
	key12, err := p.HashPage(12, 0)
	require.NoError(t, err)
	require.NotEqual(t, key, key12)

	// First add creates a singleton frame backed by the caller's page.
	shared, count, err := p.Add(key, 10)
	require.NoError(t, err)
	require.Equal(t, page.MPN(10), shared)
	require.Equal(t, uint32(1), count)

	// Second add of equal content shares the existing frame.
	shared, count, err = p.Add(key, 11)
	require.NoError(t, err)
	require.Equal(t, page.MPN(10), shared)
	require.Equal(t, uint32(2), count)

	gotKey, gotCount, err := p.LookupByMPN(10)
	require.NoError(t, err)
	require.Equal(t, key, gotKey)
	require.Equal(t, uint32(2), gotCount)

	gotMPN, gotCount, err := p.LookupByKey(key)
	require.NoError(t, err)
	require.Equal(t, page.MPN(10), gotMPN)
	require.Equal(t, uint32(2), gotCount)

	require.Equal(t, uint64(1), p.TotalShared())

	// A shared frame refuses RemoveIfUnshared.
	err = p.RemoveIfUnshared(key, 10)
	require.ErrorIs(t, err, ErrLimitExceeded)

	count, err = p.Remove(key, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)
	require.Equal(t, uint64(0), p.TotalShared())

	// Down to one reference RemoveIfUnshared succeeds and the frame is gone.
	err = p.RemoveIfUnshared(key, 10)
	require.NoError(t, err)

	_, _, err = p.LookupByKey(key)
	require.ErrorIs(t, err, ErrNotFound)
	_, _, err = p.LookupByMPN(10)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAddIfShared(t *testing.T) {
	p, mem := newTestShare(t, 64, 1)

	fillPage(t, mem, 5, 0x33)
	key, err := p.HashPage(5, 0)
	require.NoError(t, err)

	// No frame for the key yet, so the speculative add must not insert.
	_, _, hint, err := p.AddIfShared(key, 5)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, page.InvalidMPN, hint)

	_, count, err := p.Add(key, 5)
	require.NoError(t, err)
	require.Equal(t, uint32(1), count)

	fillPage(t, mem, 6, 0x33)
	shared, count, _, err := p.AddIfShared(key, 6)
	require.NoError(t, err)
	require.Equal(t, page.MPN(5), shared)
	require.Equal(t, uint32(2), count)
}

func TestHints(t *testing.T) {
	p, mem := newTestShare(t, 64, 1)

	fillPage(t, mem, 20, 0x44)
	key, err := p.HashPage(20, 0)
	require.NoError(t, err)

	const (
		owner = page.WorldID(7)
		ppn   = page.PPN(0x1234)
	)

	err = p.AddHint(key, 20, owner, ppn)
	require.NoError(t, err)

	hintKey, world, gotPPN, err := p.LookupHint(20)
	require.NoError(t, err)
	require.Equal(t, uint32(key), hintKey)
	require.Equal(t, owner, world)
	require.Equal(t, ppn, gotPPN)

	// A speculative add for the same key finds no Regular frame but
	// surfaces the matching hint for the caller to promote.
	fillPage(t, mem, 21, 0x44)
	_, _, hint, err := p.AddIfShared(key, 21)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, page.MPN(20), hint)

	// Removal is refused unless the claimed owner matches.
	err = p.RemoveHint(key, 20, owner+1, ppn)
	require.ErrorIs(t, err, ErrNotFound)
	err = p.RemoveHint(key, 20, owner, ppn+1)
	require.ErrorIs(t, err, ErrNotFound)

	err = p.RemoveHint(key, 20, owner, ppn)
	require.NoError(t, err)
	_, _, _, err = p.LookupHint(20)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDisabled(t *testing.T) {
	mem, err := machine.NewMemory(16)
	require.NoError(t, err)
	defer mem.Close()

	p := New(Config{Enable: false}, mem)
	require.False(t, p.Enabled())

	_, _, err = p.Add(0x42, 1)
	require.ErrorIs(t, err, ErrNotSupported)
	_, err = p.Remove(0x42, 1)
	require.ErrorIs(t, err, ErrNotSupported)
	_, _, err = p.LookupByKey(0x42)
	require.ErrorIs(t, err, ErrNotSupported)
	err = p.AddHint(0x42, 1, 1, 0)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestInvalidMPN(t *testing.T) {
	p, _ := newTestShare(t, 16, 1)

	_, _, err := p.Add(0x42, page.MPN(1000))
	require.ErrorIs(t, err, ErrInvalidMPN)
	_, _, err = p.Add(0x42, page.InvalidMPN)
	require.ErrorIs(t, err, ErrInvalidMPN)
	_, _, err = p.LookupByMPN(page.MPN(1000))
	require.ErrorIs(t, err, ErrInvalidMPN)
}

func TestZeroPreload(t *testing.T) {
	p, _ := newTestShare(t, 64, 2)

	// Pages 1 and 2 are freshly mapped, so all zeroes already.
	zeroes := map[page.NodeID]page.MPN{0: 1, 1: 2}
	require.NoError(t, p.PreloadZeroPages(zeroes))

	zero := make([]byte, page.PageSize)
	for node := page.NodeID(0); node < 2; node++ {
		key := p.HashToNodeHash(HashContent(zero), node)
		require.True(t, p.IsZeroKey(key))
		require.True(t, p.IsZeroMPN(zeroes[node]))
		require.Equal(t, zeroes[node], p.ZeroMPN(node))

		mpn, count, err := p.LookupByKey(key)
		require.NoError(t, err)
		require.Equal(t, zeroes[node], mpn)
		require.Equal(t, uint32(1), count)
	}

	require.False(t, p.IsZeroKey(0xdeadbeef))
	require.False(t, p.IsZeroMPN(page.MPN(3)))
	require.Equal(t, page.InvalidMPN, p.ZeroMPN(5))

	// Sharing a zero page bumps the preloaded frame.
	node0Key := p.HashToNodeHash(HashContent(zero), 0)
	shared, count, err := p.Add(node0Key, 10)
	require.NoError(t, err)
	require.Equal(t, page.MPN(1), shared)
	require.Equal(t, uint32(2), count)
}

func TestHashToNodeHash(t *testing.T) {
	single, _ := newTestShare(t, 16, 1)
	multi, _ := newTestShare(t, 16, 4)

	hash := HashContent([]byte("some page content"))

	// Single node systems use the raw hash.
	require.Equal(t, hash, single.HashToNodeHash(hash, 0))

	// Multi-node keys carry the node in the low bits, so identical
	// content gets distinct per-node keys.
	keys := map[uint64]page.NodeID{}
	for node := page.NodeID(0); node < 4; node++ {
		key := multi.HashToNodeHash(hash, node)
		require.Equal(t, uint64(node), key&((1<<lgMaxNodes)-1))
		keys[key] = node
	}
	require.Len(t, keys, 4)
}

func TestStats(t *testing.T) {
	p, mem := newTestShare(t, 64, 1)

	fillPage(t, mem, 1, 0x55)
	fillPage(t, mem, 2, 0x55)
	fillPage(t, mem, 3, 0x66)

	key, err := p.HashPage(1, 0)
	require.NoError(t, err)
	key3, err := p.HashPage(3, 0)
	require.NoError(t, err)

	_, _, err = p.Add(key, 1)
	require.NoError(t, err)
	_, _, err = p.Add(key, 2)
	require.NoError(t, err)
	_, _, err = p.Add(key3, 3)
	require.NoError(t, err)
	require.NoError(t, p.AddHint(key3+1, 4, 1, 0))

	p.ReportCollision(key, 1, 0)

	stats := p.GetStats()
	require.Equal(t, uint64(3), stats.PagesUsed)
	require.Equal(t, uint64(2), stats.PagesRegular)
	require.Equal(t, uint64(1), stats.PagesUnshared)
	require.Equal(t, uint64(1), stats.PagesHint)
	require.Equal(t, uint64(1), stats.Collisions)
	require.NotZero(t, stats.FramesVisited)
}
