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

package memsched

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// ScanLimiter paces the page-sharing scanners. Each client scanner is
// limited to the per-client rate, and all scanners together to the
// machine-wide rate; the effective per-client rate is recomputed as the
// client count changes so the total is honored with many clients.
type ScanLimiter struct {
	sync.Mutex
	perClient uint64
	total     uint64
	global    *rate.Limiter
	clients   map[*Client]*rate.Limiter
}

// newScanLimiter creates a limiter for the configured scan rates.
func newScanLimiter(perClient, total uint64) *ScanLimiter {
	return &ScanLimiter{
		perClient: perClient,
		total:     total,
		global:    rate.NewLimiter(rate.Limit(total), int(total)),
		clients:   map[*Client]*rate.Limiter{},
	}
}

// effectiveRate returns the per-client rate honoring the total cap.
func (sl *ScanLimiter) effectiveRate() uint64 {
	n := uint64(len(sl.clients))
	if n == 0 {
		return sl.perClient
	}
	if fair := sl.total / n; fair < sl.perClient {
		return fair
	}
	return sl.perClient
}

// add registers a client scanner.
func (sl *ScanLimiter) add(c *Client) {
	sl.Lock()
	defer sl.Unlock()
	eff := sl.perClient
	sl.clients[c] = rate.NewLimiter(rate.Limit(eff), int(eff))
	sl.rebalance()
}

// remove drops a client scanner.
func (sl *ScanLimiter) remove(c *Client) {
	sl.Lock()
	defer sl.Unlock()
	delete(sl.clients, c)
	sl.rebalance()
}

// rebalance resets every per-client limiter to the effective rate.
// Caller holds the lock.
func (sl *ScanLimiter) rebalance() {
	eff := sl.effectiveRate()
	for _, lim := range sl.clients {
		lim.SetLimit(rate.Limit(eff))
		lim.SetBurst(int(eff))
	}
}

// WaitScan blocks until the client may scan numPages more pages, or the
// context is cancelled.
func (sl *ScanLimiter) WaitScan(ctx context.Context, c *Client, numPages int) error {
	sl.Lock()
	lim := sl.clients[c]
	sl.Unlock()

	if lim != nil {
		if err := lim.WaitN(ctx, numPages); err != nil {
			return err
		}
	}
	return sl.global.WaitN(ctx, numPages)
}

// ScanLimiter returns the page-sharing scan limiter.
func (s *MemSched) ScanLimiter() *ScanLimiter {
	return s.scans
}

// UpdatePShareRates reconfigures the sharing scan rates at runtime.
func (s *MemSched) UpdatePShareRates(perClient, total uint64) {
	sl := s.scans
	sl.Lock()
	defer sl.Unlock()

	sl.perClient = perClient
	sl.total = total
	sl.global.SetLimit(rate.Limit(total))
	sl.global.SetBurst(int(total))
	sl.rebalance()

	log.Info("pshare scan rates: %d pages/s per client, %d pages/s total", perClient, total)
}
