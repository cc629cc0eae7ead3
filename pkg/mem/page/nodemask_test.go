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

package page

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeMaskBasics(t *testing.T) {
	m := NewNodeMask(0, 2, 5)
	require.Equal(t, 3, m.Size())
	require.True(t, m.Contains(0, 2, 5))
	require.False(t, m.Contains(0, 1))
	require.True(t, m.ContainsAny(1, 2))
	require.False(t, m.ContainsAny(1, 3))

	m = m.Set(1).Clear(5)
	require.Equal(t, []NodeID{0, 1, 2}, m.Slice())

	o := NewNodeMask(2, 3)
	require.Equal(t, NewNodeMask(2), m.And(o))
	require.Equal(t, NewNodeMask(0, 1, 2, 3), m.Or(o))
	require.Equal(t, NewNodeMask(0, 1), m.AndNot(o))
}

func TestNodeMaskString(t *testing.T) {
	require.Equal(t, "nodes{}", NodeMask(0).String())
	require.Equal(t, "nodes{3}", NewNodeMask(3).String())
	require.Equal(t, "nodes{0-2,4,6-7}", NewNodeMask(0, 1, 2, 4, 6, 7).String())
}

func TestParseNodeMask(t *testing.T) {
	for str, want := range map[string]NodeMask{
		"0":       NewNodeMask(0),
		"1,3":     NewNodeMask(1, 3),
		"0-3":     NewNodeMask(0, 1, 2, 3),
		"0-2,5-6": NewNodeMask(0, 1, 2, 5, 6),
		"63":      NewNodeMask(63),
	} {
		m, err := ParseNodeMask(str)
		require.NoError(t, err, "mask %q", str)
		require.Equal(t, want, m, "mask %q", str)
	}

	for _, str := range []string{"", "x", "3-1", "64", "0-64", "1,"} {
		_, err := ParseNodeMask(str)
		require.ErrorIs(t, err, ErrInvalidNodeMask, "mask %q", str)
	}
}

func TestNodeMaskForeach(t *testing.T) {
	m := NewNodeMask(1, 9, 17, 42)

	var visited []NodeID
	m.Foreach(func(id NodeID) bool {
		visited = append(visited, id)
		return ForeachMore
	})
	require.Equal(t, []NodeID{1, 9, 17, 42}, visited)

	visited = nil
	m.Foreach(func(id NodeID) bool {
		visited = append(visited, id)
		return id < 9
	})
	require.Equal(t, []NodeID{1, 9}, visited)
}

func TestNodeMaskJSON(t *testing.T) {
	m := NewNodeMask(0, 1, 4)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.Equal(t, `"0-1,4"`, string(data))

	var parsed NodeMask
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.Equal(t, m, parsed)

	require.NoError(t, json.Unmarshal([]byte(`3`), &parsed))
	require.Equal(t, NodeMask(3), parsed)

	require.Error(t, json.Unmarshal([]byte(`"bad"`), &parsed))
}

func TestPageHelpers(t *testing.T) {
	require.True(t, MPN(0).IsValid())
	require.False(t, InvalidMPN.IsValid())
	require.True(t, PPN(0).IsValid())
	require.False(t, InvalidPPN.IsValid())

	require.True(t, MPN(0).IsLow())
	require.True(t, (LowMemLimitMPN - 1).IsLow())
	require.False(t, LowMemLimitMPN.IsLow())

	require.Equal(t, uint64(0x1000), MPN(1).Address())
	require.Equal(t, MPN(2), MPNForAddress(0x2fff))

	require.Equal(t, uint64(0), RoundToPages(0))
	require.Equal(t, uint64(1), RoundToPages(1))
	require.Equal(t, uint64(1), RoundToPages(PageSize))
	require.Equal(t, uint64(2), RoundToPages(PageSize+1))

	require.True(t, KernelWorldID.IsKernel())
	require.False(t, WorldID(7).IsKernel())
}
