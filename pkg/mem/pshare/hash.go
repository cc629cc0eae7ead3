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
	"github.com/cespare/xxhash/v2"

	"github.com/virtmm/memkit/pkg/mem/page"
)

const (
	// lgMaxNodes is the number of low key bits replaced by the node number
	// on multi-node systems.
	lgMaxNodes = 6
)

// HashContent returns the 64-bit content hash of raw page bytes.
func HashContent(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// HashToNodeHash converts a raw content hash into a sharing key for the
// given node. With more than one node the low key bits are replaced by the
// node number so identical pages on different nodes get distinct keys and
// are never shared across node boundaries. On a single-node system the
// hash passes through unchanged.
func (p *PShare) HashToNodeHash(hash uint64, node page.NodeID) uint64 {
	if p.numNodes <= 1 {
		return hash
	}
	return ((hash >> lgMaxNodes) << lgMaxNodes) | uint64(node)
}

// HashPage maps the page, hashes its content and returns the sharing key
// for the given node.
func (p *PShare) HashPage(mpn page.MPN, node page.NodeID) (uint64, error) {
	data, err := p.mem.MapMPN(mpn)
	if err != nil {
		return 0, err
	}
	defer p.mem.Unmap(data)

	return p.HashToNodeHash(HashContent(data), node), nil
}
