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

import "fmt"

const (
	// PageShift is the number of address bits covered by one page.
	PageShift = 12
	// PageSize is the size of one machine page in bytes.
	PageSize = 1 << PageShift
	// PagesPerMB is the number of pages in one megabyte.
	PagesPerMB = (1 << 20) / PageSize
	// LowMemLimitMPN is the first MPN above the 4GB boundary. Pages below
	// it are 'low' memory, a scarce resource for DMA-limited devices.
	LowMemLimitMPN = MPN((4 << 30) / PageSize)
)

type (
	// MPN is a machine page number, identifying one physical page frame.
	MPN uint64
	// PPN is a guest-visible physical page number.
	PPN uint64
	// WorldID identifies a client (a VM world or the kernel itself).
	WorldID uint32
)

const (
	// InvalidMPN is the sentinel for 'no such machine page'.
	InvalidMPN = MPN(1<<64 - 1)
	// InvalidPPN is the sentinel for 'no such physical page'.
	InvalidPPN = PPN(1<<64 - 1)
	// KernelWorldID identifies kernel-owned allocations.
	KernelWorldID = WorldID(0)
)

const (
	// ForeachDone as a return value terminates iteration in a Foreach function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration in a Foreach function.
	ForeachMore = true
)

// IsValid returns true if the MPN is not the invalid sentinel.
func (m MPN) IsValid() bool {
	return m != InvalidMPN
}

// IsLow returns true if the page lies below the 4GB boundary.
func (m MPN) IsLow() bool {
	return m < LowMemLimitMPN
}

// Address returns the machine address of the first byte of the page.
func (m MPN) Address() uint64 {
	return uint64(m) << PageShift
}

// String returns a string representation of the MPN.
func (m MPN) String() string {
	if m == InvalidMPN {
		return "MPN<invalid>"
	}
	return fmt.Sprintf("MPN<%#x>", uint64(m))
}

// IsValid returns true if the PPN is not the invalid sentinel.
func (p PPN) IsValid() bool {
	return p != InvalidPPN
}

// String returns a string representation of the PPN.
func (p PPN) String() string {
	if p == InvalidPPN {
		return "PPN<invalid>"
	}
	return fmt.Sprintf("PPN<%#x>", uint64(p))
}

// IsKernel returns true for the kernel pseudo-world.
func (w WorldID) IsKernel() bool {
	return w == KernelWorldID
}

// MPNForAddress returns the MPN containing the given machine address.
func MPNForAddress(addr uint64) MPN {
	return MPN(addr >> PageShift)
}

// RoundToPages returns the number of pages needed to hold size bytes.
func RoundToPages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
