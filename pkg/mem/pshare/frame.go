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
	"fmt"

	"github.com/virtmm/memkit/pkg/mem/page"
)

// FrameTag distinguishes the three states of a sharing frame.
type FrameTag uint8

const (
	// FrameInvalid marks a frame not participating in sharing.
	FrameInvalid FrameTag = iota
	// FrameRegular marks a reference-counted shared frame.
	FrameRegular
	// FrameHint marks a speculative, refcount-free index entry.
	FrameHint
)

// chainEnd terminates a hash chain.
const chainEnd = page.InvalidMPN

// frame is the per-machine-page sharing metadata. There is exactly one
// frame per page in the arena, addressed by MPN; only its tag and contents
// change over the page's lifetime.
//
// A Regular frame holds the full 64-bit node-hash key and a reference
// count that is >= 1 for as long as the frame is linked into a chain.
// A Hint frame holds only the low 32 bits of the key plus the owning
// world and the guest physical page it was taken for; it aliases freely
// and carries no count.
type frame struct {
	tag   FrameTag
	next  page.MPN
	key   uint64
	count uint32
	world page.WorldID
	ppn   page.PPN
}

func (f *frame) isRegular() bool { return f.tag == FrameRegular }
func (f *frame) isHint() bool    { return f.tag == FrameHint }
func (f *frame) isInvalid() bool { return f.tag == FrameInvalid }

// hintKey returns the partial key of a hint frame.
func (f *frame) hintKey() uint32 {
	return uint32(f.key)
}

// setRegular turns the frame into a Regular frame.
func (f *frame) setRegular(key uint64, count uint32) {
	f.tag = FrameRegular
	f.key = key
	f.count = count
	f.world = 0
	f.ppn = page.InvalidPPN
}

// setHint turns the frame into a Hint frame.
func (f *frame) setHint(key uint64, world page.WorldID, ppn page.PPN) {
	f.tag = FrameHint
	f.key = uint64(uint32(key))
	f.count = 0
	f.world = world
	f.ppn = ppn
}

// setInvalid resets the frame.
func (f *frame) setInvalid() {
	f.tag = FrameInvalid
	f.next = chainEnd
	f.key = 0
	f.count = 0
	f.world = 0
	f.ppn = page.InvalidPPN
}

// String returns a diagnostic representation of the frame.
func (f *frame) String() string {
	switch f.tag {
	case FrameRegular:
		return fmt.Sprintf("regular{key=%#x,count=%d}", f.key, f.count)
	case FrameHint:
		return fmt.Sprintf("hint{key32=%#x,world=%d,%s}", f.hintKey(), f.world, f.ppn)
	}
	return "invalid{}"
}
