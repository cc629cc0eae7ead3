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
	"strings"
)

const (
	// hotKeyCount is how many of the most-referenced keys are tracked.
	hotKeyCount = 8
)

// HotKey is one highly-shared key and its last observed reference count.
type HotKey struct {
	Key   uint64
	Count uint32
}

// Stats holds the engine's cumulative and instantaneous counters.
type Stats struct {
	// PagesUsed is the sum of all Regular frame reference counts.
	PagesUsed uint64
	// PagesRegular is the number of Regular frames currently linked.
	PagesRegular uint64
	// PagesUnshared is the number of Regular frames with count exactly 1.
	PagesUnshared uint64
	// PagesHint is the number of Hint frames currently linked.
	PagesHint uint64
	// FramesVisited counts chain-walk steps, for chain-length diagnostics.
	FramesVisited uint64
	// Collisions counts reported full-key content collisions.
	Collisions uint64
	// Hot tracks the most-referenced keys.
	Hot [hotKeyCount]HotKey
}

// noteHot updates the hot-key table with a new count for key.
func (s *Stats) noteHot(key uint64, count uint32) {
	coldest := 0
	for i := range s.Hot {
		if s.Hot[i].Key == key {
			s.Hot[i].Count = count
			return
		}
		if s.Hot[i].Count < s.Hot[coldest].Count {
			coldest = i
		}
	}
	if count > s.Hot[coldest].Count {
		s.Hot[coldest] = HotKey{Key: key, Count: count}
	}
}

// GetStats returns a snapshot of the engine statistics.
func (p *PShare) GetStats() Stats {
	p.Lock()
	defer p.Unlock()
	return p.stats
}

// DumpState logs a summary of the engine state.
func (p *PShare) DumpState(header string) {
	s := p.GetStats()

	log.Info("%s", header)
	log.Info("  used=%d regular=%d unshared=%d hints=%d saved=%d",
		s.PagesUsed, s.PagesRegular, s.PagesUnshared, s.PagesHint, p.TotalShared())
	log.Info("  visited=%d collisions=%d", s.FramesVisited, s.Collisions)

	hot := strings.Builder{}
	sep := ""
	for _, h := range s.Hot {
		if h.Count == 0 {
			continue
		}
		fmt.Fprintf(&hot, "%s%#x:%d", sep, h.Key, h.Count)
		sep = " "
	}
	if hot.Len() > 0 {
		log.Info("  hot keys: %s", hot.String())
	}
}
