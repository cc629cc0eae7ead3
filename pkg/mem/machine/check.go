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
	"encoding/binary"
	"math/bits"

	"github.com/virtmm/memkit/pkg/mem/page"
)

const (
	checkPatternA = uint32(0x01234567)
	checkPatternB = uint32(0x89abcdef)
)

// checkWord returns the test pattern for the i'th 32-bit word of a page.
// Adjacent words get different base patterns and the rotation advances
// every other word, so neighboring cells never hold the same value.
func checkWord(i int) uint32 {
	if i&1 != 0 {
		return bits.RotateLeft32(checkPatternB, (i/2)&31)
	}
	return bits.RotateLeft32(checkPatternA, (i/2)&31)
}

// CheckPage writes the test patterns into every word of the page, reads
// them back, and returns true if all words verified. The page contents are
// zeroed afterwards.
func (m *Memory) CheckPage(mpn page.MPN) bool {
	data, err := m.MapMPN(mpn)
	if err != nil {
		return false
	}
	defer m.Unmap(data)

	if m.IsBad(mpn) {
		return false
	}

	for i := 0; i < page.PageSize/4; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], checkWord(i))
	}
	ok := true
	for i := 0; i < page.PageSize/4; i++ {
		if binary.LittleEndian.Uint32(data[i*4:]) != checkWord(i) {
			ok = false
			break
		}
	}
	for i := range data {
		data[i] = 0
	}
	return ok
}

// CheckPages verifies numPages pages starting at start and returns the
// number of leading pages that verified. With every set each page is
// tested word by word. Otherwise one page per megabyte is sampled and
// testing escalates to page granularity within the megabyte preceding a
// detected failure, so the returned boundary is always page-exact.
func (m *Memory) CheckPages(start page.MPN, numPages uint64, every bool) uint64 {
	if every || numPages <= page.PagesPerMB {
		return m.checkRange(start, numPages)
	}

	good := uint64(0)
	for good < numPages {
		n := uint64(page.PagesPerMB)
		if numPages-good < n {
			n = numPages - good
		}
		// Sample the first page of this megabyte.
		if !m.CheckPage(start + page.MPN(good)) {
			// Back off one megabyte and find the exact boundary.
			exact := uint64(0)
			if good > page.PagesPerMB {
				exact = good - page.PagesPerMB
			}
			return exact + m.checkRange(start+page.MPN(exact), numPages-exact)
		}
		good += n
	}
	return numPages
}

// checkRange tests pages one by one, returning the count of leading good
// pages.
func (m *Memory) checkRange(start page.MPN, numPages uint64) uint64 {
	for i := uint64(0); i < numPages; i++ {
		if !m.CheckPage(start + page.MPN(i)) {
			log.Warn("memory check failed at %s", start+page.MPN(i))
			return i
		}
	}
	return numPages
}
