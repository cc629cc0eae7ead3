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
	"math/bits"
	"sync"

	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/page"
)

var (
	log = logger.Get("pshare")
)

// PShare is the content-addressable page-sharing engine. One frame of
// sharing metadata overlays every machine page; Regular frames of equal
// content are found through a hash table whose chains are threaded through
// the frames themselves.
//
// One lock protects the chain heads, all frame contents and the
// statistics. This is a deliberate simplicity-over-scalability tradeoff;
// sharding by low-order hash bits is a known future option, not a
// correctness requirement.
type PShare struct {
	sync.Mutex
	enabled  bool
	mem      *machine.Memory
	frames   []frame
	chains   []page.MPN
	chainMsk uint64
	numNodes int
	zeroKey  []uint64
	zeroMPN  []page.MPN
	stats    Stats
}

// Config holds the page-sharing engine configuration.
type Config struct {
	// Enable turns the engine on.
	Enable bool `json:"enable"`
	// NumNodes is the number of NUMA nodes keys are salted with.
	NumNodes int `json:"-"`
}

// New creates a page-sharing engine over the given machine memory.
func New(cfg Config, mem *machine.Memory) *PShare {
	numPages := mem.NumPages()
	chainCount := uint64(1) << bits.Len64(numPages-1)

	p := &PShare{
		enabled:  cfg.Enable,
		mem:      mem,
		frames:   make([]frame, numPages),
		chains:   make([]page.MPN, chainCount),
		chainMsk: chainCount - 1,
		numNodes: max(cfg.NumNodes, 1),
		zeroKey:  make([]uint64, max(cfg.NumNodes, 1)),
		zeroMPN:  make([]page.MPN, max(cfg.NumNodes, 1)),
	}
	for i := range p.frames {
		p.frames[i].setInvalid()
	}
	for i := range p.chains {
		p.chains[i] = chainEnd
	}
	for i := range p.zeroMPN {
		p.zeroMPN[i] = page.InvalidMPN
	}

	log.Info("page sharing %s: %d frames, %d chains",
		map[bool]string{true: "enabled", false: "disabled"}[cfg.Enable],
		numPages, chainCount)

	return p
}

// Enabled returns true if page sharing is enabled.
func (p *PShare) Enabled() bool {
	p.Lock()
	defer p.Unlock()
	return p.enabled
}

// frameFor returns the frame for the given MPN.
func (p *PShare) frameFor(mpn page.MPN) (*frame, error) {
	if !mpn.IsValid() || uint64(mpn) >= uint64(len(p.frames)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMPN, mpn)
	}
	return &p.frames[mpn], nil
}

// walk searches the chain for key. With matchMPN set it matches the exact
// frame for mpn instead of the first key match. It returns the matched
// frame MPN, its predecessor in the chain (or invalid for the head), and
// the MPN of the first Hint frame whose partial key matches.
func (p *PShare) walk(key uint64, mpn page.MPN, matchMPN bool) (match, prev, hint page.MPN) {
	match, prev, hint = page.InvalidMPN, page.InvalidMPN, page.InvalidMPN

	cur := p.chains[key&p.chainMsk]
	last := page.InvalidMPN
	for cur != chainEnd {
		f := &p.frames[cur]
		p.stats.FramesVisited++

		if matchMPN {
			if cur == mpn {
				return cur, last, hint
			}
		} else if f.isRegular() && f.key == key {
			return cur, last, hint
		}

		if f.isHint() && f.hintKey() == uint32(key) && hint == page.InvalidMPN {
			hint = cur
		}

		last = cur
		cur = f.next
	}

	return page.InvalidMPN, last, hint
}

// addHead links the frame for mpn at the head of its chain.
func (p *PShare) addHead(key uint64, mpn page.MPN) {
	bucket := key & p.chainMsk
	p.frames[mpn].next = p.chains[bucket]
	p.chains[bucket] = mpn
}

// unlink removes the frame for mpn from its chain. prev is its predecessor
// (invalid if mpn is the chain head).
func (p *PShare) unlink(key uint64, mpn, prev page.MPN) {
	if prev == page.InvalidMPN {
		p.chains[key&p.chainMsk] = p.frames[mpn].next
	} else {
		p.frames[prev].next = p.frames[mpn].next
	}
	p.frames[mpn].next = chainEnd
}

// Add registers mpn under key. If a Regular frame for key already exists
// its count is incremented and its MPN returned; the caller's page is then
// a duplicate for the caller to reclaim. Otherwise mpn becomes a new
// singleton Regular frame with count 1.
func (p *PShare) Add(key uint64, mpn page.MPN) (page.MPN, uint32, error) {
	shared, count, _, err := p.addPage(key, mpn, false)
	return shared, count, err
}

// AddIfShared is like Add but fails with ErrNotFound instead of inserting
// when no Regular frame for key exists. It also surfaces the MPN of a
// colliding Hint frame, if any, so the caller can decide to promote it.
// A hint match is partial (32-bit); the caller must re-verify content.
func (p *PShare) AddIfShared(key uint64, mpn page.MPN) (page.MPN, uint32, page.MPN, error) {
	return p.addPage(key, mpn, true)
}

func (p *PShare) addPage(key uint64, mpn page.MPN, sharedOnly bool) (page.MPN, uint32, page.MPN, error) {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return page.InvalidMPN, 0, page.InvalidMPN, ErrNotSupported
	}
	if _, err := p.frameFor(mpn); err != nil {
		return page.InvalidMPN, 0, page.InvalidMPN, err
	}

	match, _, hint := p.walk(key, mpn, false)
	if match != page.InvalidMPN {
		f := &p.frames[match]
		f.count++
		p.stats.PagesUsed++
		if f.count == 2 {
			p.stats.PagesUnshared--
		}
		p.stats.noteHot(key, f.count)
		log.Debug("add %s key=%#x: shared with %s, count=%d", mpn, key, match, f.count)
		return match, f.count, hint, nil
	}

	if sharedOnly {
		return page.InvalidMPN, 0, hint, ErrNotFound
	}

	f := &p.frames[mpn]
	if !f.isInvalid() {
		return page.InvalidMPN, 0, hint, fmt.Errorf("%w: add %s over %s", ErrBadFrame, mpn, f)
	}
	f.setRegular(key, 1)
	p.addHead(key, mpn)
	p.stats.PagesUsed++
	p.stats.PagesRegular++
	p.stats.PagesUnshared++
	log.Debug("add %s key=%#x: new singleton frame", mpn, key)
	return mpn, 1, hint, nil
}

// Remove drops one reference to the Regular frame for mpn under key. When
// the count reaches zero the frame is unlinked and reset.
func (p *PShare) Remove(key uint64, mpn page.MPN) (uint32, error) {
	return p.removePage(key, mpn, false)
}

// RemoveIfUnshared is like Remove but fails with ErrLimitExceeded instead
// of decrementing when the current count is not exactly 1.
func (p *PShare) RemoveIfUnshared(key uint64, mpn page.MPN) error {
	_, err := p.removePage(key, mpn, true)
	return err
}

func (p *PShare) removePage(key uint64, mpn page.MPN, unsharedOnly bool) (uint32, error) {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return 0, ErrNotSupported
	}
	if _, err := p.frameFor(mpn); err != nil {
		return 0, err
	}

	match, prev, _ := p.walk(key, mpn, true)
	if match == page.InvalidMPN {
		return 0, fmt.Errorf("%w: remove %s key=%#x", ErrNotFound, mpn, key)
	}

	f := &p.frames[match]
	if !f.isRegular() {
		return 0, fmt.Errorf("%w: remove %s is %s", ErrBadFrame, mpn, f)
	}
	if unsharedOnly && f.count != 1 {
		return f.count, fmt.Errorf("%w: %s count=%d", ErrLimitExceeded, mpn, f.count)
	}

	f.count--
	p.stats.PagesUsed--
	count := f.count

	switch count {
	case 1:
		p.stats.PagesUnshared++
	case 0:
		p.unlink(key, match, prev)
		f.setInvalid()
		p.stats.PagesRegular--
		p.stats.PagesUnshared--
	}

	log.Debug("remove %s key=%#x: count=%d", mpn, key, count)
	return count, nil
}

// LookupByMPN returns the key and count of the Regular frame for mpn.
func (p *PShare) LookupByMPN(mpn page.MPN) (uint64, uint32, error) {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return 0, 0, ErrNotSupported
	}
	f, err := p.frameFor(mpn)
	if err != nil {
		return 0, 0, err
	}
	if !f.isRegular() {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotFound, mpn)
	}
	return f.key, f.count, nil
}

// LookupByKey returns the MPN and count of the Regular frame for key.
func (p *PShare) LookupByKey(key uint64) (page.MPN, uint32, error) {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return page.InvalidMPN, 0, ErrNotSupported
	}

	match, _, _ := p.walk(key, page.InvalidMPN, false)
	if match == page.InvalidMPN {
		return page.InvalidMPN, 0, fmt.Errorf("%w: key=%#x", ErrNotFound, key)
	}
	return match, p.frames[match].count, nil
}

// AddHint registers a speculative index entry for mpn. Hints alias freely,
// are never reference counted and may be discarded without warning.
func (p *PShare) AddHint(key uint64, mpn page.MPN, world page.WorldID, ppn page.PPN) error {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return ErrNotSupported
	}
	f, err := p.frameFor(mpn)
	if err != nil {
		return err
	}
	if !f.isInvalid() {
		return fmt.Errorf("%w: hint %s over %s", ErrBadFrame, mpn, f)
	}

	f.setHint(key, world, ppn)
	p.addHead(key, mpn)
	p.stats.PagesHint++
	return nil
}

// RemoveHint drops the hint for mpn if it is still owned by world/ppn.
// A stale hint (already recycled or re-owned) reports ErrNotFound.
func (p *PShare) RemoveHint(key uint64, mpn page.MPN, world page.WorldID, ppn page.PPN) error {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return ErrNotSupported
	}
	if _, err := p.frameFor(mpn); err != nil {
		return err
	}

	match, prev, _ := p.walk(key, mpn, true)
	if match == page.InvalidMPN {
		return fmt.Errorf("%w: hint %s", ErrNotFound, mpn)
	}

	f := &p.frames[match]
	if !f.isHint() || f.world != world || f.ppn != ppn {
		return fmt.Errorf("%w: hint %s owner mismatch", ErrNotFound, mpn)
	}

	p.unlink(key, match, prev)
	f.setInvalid()
	p.stats.PagesHint--
	return nil
}

// LookupHint returns the owner and back-reference of the hint for mpn.
func (p *PShare) LookupHint(mpn page.MPN) (uint32, page.WorldID, page.PPN, error) {
	p.Lock()
	defer p.Unlock()

	if !p.enabled {
		return 0, 0, page.InvalidPPN, ErrNotSupported
	}
	f, err := p.frameFor(mpn)
	if err != nil {
		return 0, 0, page.InvalidPPN, err
	}
	if !f.isHint() {
		return 0, 0, page.InvalidPPN, fmt.Errorf("%w: %s", ErrNotFound, mpn)
	}
	return f.hintKey(), f.world, f.ppn, nil
}

// ReportCollision records that two pages hashed to the same key with
// different content. Sharing state is left untouched; a 64-bit hash makes
// this astronomically rare but it must never corrupt the table.
func (p *PShare) ReportCollision(key uint64, world page.WorldID, ppn page.PPN) {
	p.Lock()
	defer p.Unlock()

	p.stats.Collisions++
	log.Warn("hash collision on key=%#x (world %d, %s)", key, world, ppn)
}

// TotalShared returns the number of machine pages saved by sharing: the
// sum of references to Regular frames beyond the first one each.
func (p *PShare) TotalShared() uint64 {
	p.Lock()
	defer p.Unlock()

	if p.stats.PagesUsed < p.stats.PagesRegular {
		return 0
	}
	return p.stats.PagesUsed - p.stats.PagesRegular
}
