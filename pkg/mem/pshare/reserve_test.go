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

	"github.com/virtmm/memkit/pkg/mem/memmap"
)

func TestFrameReserve(t *testing.T) {
	fr := NewFrameReserve()
	require.Equal(t, "pshare-frames", fr.Name())

	// 1024 pages of frames at 40 bytes each round up to 10 pages.
	require.Equal(t, uint64(10), fr.CriticalPages(1024))
	// A single page still needs one backing page.
	require.Equal(t, uint64(1), fr.CriticalPages(1))

	require.Equal(t, uint64(0), fr.ReservedPages())
	fr.AssignCriticalRange(memmap.MPNRange{Start: 100, NumPages: 10})
	fr.AssignCriticalRange(memmap.MPNRange{Start: 500, NumPages: 3})
	require.Equal(t, uint64(13), fr.ReservedPages())
}
