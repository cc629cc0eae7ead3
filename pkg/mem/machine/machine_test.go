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

package machine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/virtmm/memkit/pkg/mem/page"
)

func newTestMemory(t *testing.T, numPages uint64) *Memory {
	t.Helper()

	mem, err := NewMemory(numPages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func TestNewMemory(t *testing.T) {
	_, err := NewMemory(0)
	require.Error(t, err)

	mem := newTestMemory(t, 16)
	require.Equal(t, uint64(16), mem.NumPages())
	require.True(t, mem.Contains(0))
	require.True(t, mem.Contains(15))
	require.False(t, mem.Contains(16))
	require.False(t, mem.Contains(page.InvalidMPN))
}

func TestMapMPN(t *testing.T) {
	mem := newTestMemory(t, 4)

	data, err := mem.MapMPN(2)
	require.NoError(t, err)
	require.Len(t, data, page.PageSize)
	data[0] = 0xaa
	mem.Unmap(data)

	// The same page maps to the same backing bytes.
	data, err = mem.MapMPN(2)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), data[0])
	mem.Unmap(data)

	// Other pages are untouched.
	data, err = mem.MapMPN(1)
	require.NoError(t, err)
	require.Equal(t, byte(0), data[0])
	mem.Unmap(data)

	_, err = mem.MapMPN(4)
	require.Error(t, err)
	_, err = mem.MapMPN(page.InvalidMPN)
	require.Error(t, err)
}

func TestCheckPage(t *testing.T) {
	mem := newTestMemory(t, 8)

	require.True(t, mem.CheckPage(3))

	// Verification leaves the page zeroed.
	data, err := mem.MapMPN(3)
	require.NoError(t, err)
	for _, b := range data {
		require.Equal(t, byte(0), b)
	}
	mem.Unmap(data)

	mem.MarkBad(5)
	require.True(t, mem.IsBad(5))
	require.False(t, mem.CheckPage(5))
	require.False(t, mem.CheckPage(8))
}

func TestCheckPagesEvery(t *testing.T) {
	mem := newTestMemory(t, 32)

	require.Equal(t, uint64(32), mem.CheckPages(0, 32, true))

	mem.MarkBad(20)
	require.Equal(t, uint64(20), mem.CheckPages(0, 32, true))
	require.Equal(t, uint64(10), mem.CheckPages(10, 20, true))
}

func TestCheckPagesSampled(t *testing.T) {
	mem := newTestMemory(t, 4*page.PagesPerMB)

	require.Equal(t, uint64(4*page.PagesPerMB), mem.CheckPages(0, 4*page.PagesPerMB, false))

	// A failure at a sampled page escalates to page granularity and
	// still reports a page-exact boundary.
	mem.MarkBad(page.MPN(2 * page.PagesPerMB))
	require.Equal(t, uint64(2*page.PagesPerMB), mem.CheckPages(0, 4*page.PagesPerMB, false))
}
