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

// PreloadZeroPages inserts one permanent all-zero page per node, keyed by
// the zero-content hash. The zero page is overwhelmingly the most shared
// page in practice, so its key and MPN are recorded for O(1) answers from
// IsZeroKey and IsZeroMPN without a table walk.
//
// The caller provides one freshly allocated, zeroed page per node. The
// frames are ordinary Regular frames starting at count 1 and are never
// removed.
func (p *PShare) PreloadZeroPages(zeroMPNs map[page.NodeID]page.MPN) error {
	zero := make([]byte, page.PageSize)
	zeroHash := HashContent(zero)

	for node := 0; node < p.numNodes; node++ {
		mpn, ok := zeroMPNs[node]
		if !ok {
			return fmt.Errorf("%w: no zero page for node %d", ErrInvalidMPN, node)
		}

		key := p.HashToNodeHash(zeroHash, node)
		shared, count, err := p.Add(key, mpn)
		if err != nil {
			return fmt.Errorf("pshare: failed to preload zero page for node %d: %w", node, err)
		}
		if shared != mpn || count != 1 {
			return fmt.Errorf("%w: zero page for node %d already present", ErrBadFrame, node)
		}

		p.Lock()
		p.zeroKey[node] = key
		p.zeroMPN[node] = mpn
		p.Unlock()

		log.Info("preloaded zero page %s for node %d, key=%#x", mpn, node, key)
	}

	return nil
}

// IsZeroKey returns true if key is the zero-page key of some node.
func (p *PShare) IsZeroKey(key uint64) bool {
	p.Lock()
	defer p.Unlock()

	for node := 0; node < p.numNodes; node++ {
		if p.zeroMPN[node].IsValid() && p.zeroKey[node] == key {
			return true
		}
	}
	return false
}

// IsZeroMPN returns true if mpn is the preloaded zero page of some node.
func (p *PShare) IsZeroMPN(mpn page.MPN) bool {
	p.Lock()
	defer p.Unlock()

	for node := 0; node < p.numNodes; node++ {
		if p.zeroMPN[node] == mpn {
			return true
		}
	}
	return false
}

// ZeroMPN returns the preloaded zero page of the given node.
func (p *PShare) ZeroMPN(node page.NodeID) page.MPN {
	p.Lock()
	defer p.Unlock()

	if node < 0 || node >= p.numNodes {
		return page.InvalidMPN
	}
	return p.zeroMPN[node]
}
