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

package memmap

import (
	logger "github.com/virtmm/memkit/pkg/log"
)

var (
	// our main logger instance
	log = logger.Get("memmap")
	// logger instance for more detailed policy-search traces
	details = logger.Get("memmap-details")
)

// DumpState logs the allocator state: global counters, per-node counters,
// masks and cursors.
func (m *MemMap) DumpState(header string) {
	m.Lock()
	defer m.Unlock()

	log.Info("%s", header)
	log.Info("  pages: total=%d free=%d freeLow=%d reservedLow=%d kernel=%d",
		m.totalPages, m.numFreePages, m.numFreeLowPages, m.reservedLowPages,
		m.kernelPages)
	log.Info("  colors: %d, nextKernelColor=%d, nextNode=%d",
		m.numColors, m.nextKernelColor, m.nextNode)
	log.Info("  masks: valid=%s freeLow=%s freeHigh=%s freeRes=%s",
		m.validNodes, m.freeLowNodes, m.freeHighNodes, m.freeResNodes)
	log.Info("  retries: type=%d affinity=%d, policy failures=%d",
		m.stats.TypeRetries, m.stats.AffinityRetries, m.stats.PolicyFailures)

	for _, n := range m.nodes {
		log.Info("  node #%d: total=%d low=%d free=%d freeLow=%d reservedLow=%d",
			n.id, n.totalPages, n.totalLowPages, n.numFreePages,
			n.numFreeLowPages, n.reservedLowPages)
	}
}

// validateState cross-checks global counters against per-node counters and
// logs any discrepancy. Buddy-internal counts may legitimately drift from
// the summary between lock acquisitions; the summary itself must stay
// internally consistent.
func (m *MemMap) validateState(where string) {
	if !log.DebugEnabled() {
		return
	}

	var free, freeLow uint64
	for _, n := range m.nodes {
		free += n.numFreePages
		freeLow += n.numFreeLowPages
		if n.numFreeLowPages > n.totalLowPages {
			log.Error("%s: node #%d freeLow %d > totalLow %d",
				where, n.id, n.numFreeLowPages, n.totalLowPages)
		}
		if n.numFreePages < n.numFreeLowPages {
			log.Error("%s: node #%d free %d < freeLow %d",
				where, n.id, n.numFreePages, n.numFreeLowPages)
		}
	}
	if free != m.numFreePages {
		log.Error("%s: summary free %d != per-node sum %d", where, m.numFreePages, free)
	}
	if freeLow != m.numFreeLowPages {
		log.Error("%s: summary freeLow %d != per-node sum %d", where, m.numFreeLowPages, freeLow)
	}
}
