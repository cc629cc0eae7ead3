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

// Package machine models the machine memory the rest of the stack manages.
//
// A Memory is a flat, mmap-backed arena of machine pages addressed by MPN.
// It stands in for the real machine address space and for the kernel
// virtual-address mapping service: MapMPN hands out a short-lived []byte
// window onto one page, Unmap releases it. Callers must not hold a mapped
// page across operations that may mutate the arena.
package machine

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/mem/page"
)

var (
	log = logger.Get("machine")
)

// Memory is an arena of machine pages backed by anonymous mmap'd memory.
type Memory struct {
	sync.RWMutex
	data     []byte
	numPages uint64
	bad      map[page.MPN]struct{}
}

// NewMemory maps an arena covering the given number of machine pages.
func NewMemory(numPages uint64) (*Memory, error) {
	if numPages == 0 {
		return nil, fmt.Errorf("machine: cannot create empty memory arena")
	}

	size := int(numPages * page.PageSize)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("machine: failed to map %d pages: %w", numPages, err)
	}

	log.Info("mapped machine memory arena of %d pages (%d MB)",
		numPages, numPages/page.PagesPerMB)

	return &Memory{
		data:     data,
		numPages: numPages,
		bad:      map[page.MPN]struct{}{},
	}, nil
}

// Close unmaps the arena.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// NumPages returns the number of pages in the arena.
func (m *Memory) NumPages() uint64 {
	return m.numPages
}

// Contains returns true if the given MPN lies within the arena.
func (m *Memory) Contains(mpn page.MPN) bool {
	return mpn.IsValid() && uint64(mpn) < m.numPages
}

// MapMPN returns a byte window onto the given machine page.
func (m *Memory) MapMPN(mpn page.MPN) ([]byte, error) {
	if !m.Contains(mpn) {
		return nil, fmt.Errorf("machine: cannot map %s: out of range", mpn)
	}
	off := uint64(mpn) * page.PageSize
	return m.data[off : off+page.PageSize : off+page.PageSize], nil
}

// Unmap releases a window returned by MapMPN. It exists to keep the mapping
// discipline explicit at call sites.
func (m *Memory) Unmap([]byte) {}

// MarkBad marks a page so that verification of it fails. Used to model
// memory that does not hold the patterns written to it.
func (m *Memory) MarkBad(mpn page.MPN) {
	m.Lock()
	defer m.Unlock()
	m.bad[mpn] = struct{}{}
}

// IsBad returns true if the page has been marked bad.
func (m *Memory) IsBad(mpn page.MPN) bool {
	m.RLock()
	defer m.RUnlock()
	_, bad := m.bad[mpn]
	return bad
}
