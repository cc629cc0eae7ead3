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

package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/virtmm/memkit/pkg/metrics"
	"github.com/virtmm/memkit/pkg/mem/memmap"
	"github.com/virtmm/memkit/pkg/mem/memsched"
	"github.com/virtmm/memkit/pkg/mem/pshare"
)

// RegisterMemMap registers the allocator collector.
func RegisterMemMap(m *memmap.MemMap) error {
	return metrics.Register("allocator", &memmapCollector{m: m},
		metrics.WithGroup("mem"))
}

type memmapCollector struct {
	m *memmap.MemMap
}

var (
	mmTotalDesc = prometheus.NewDesc("memmap_total_pages",
		"Total machine pages under allocator control.", nil, nil)
	mmFreeDesc = prometheus.NewDesc("memmap_free_pages",
		"Currently free machine pages.", nil, nil)
	mmFreeLowDesc = prometheus.NewDesc("memmap_free_low_pages",
		"Currently free machine pages below the 4GB boundary.", nil, nil)
	mmKernelDesc = prometheus.NewDesc("memmap_kernel_pages",
		"Machine pages consumed by kernel bookkeeping.", nil, nil)
	mmLookupsDesc = prometheus.NewDesc("memmap_policy_lookups_total",
		"Placement policy runs.", nil, nil)
	mmTypeRetryDesc = prometheus.NewDesc("memmap_type_retries_total",
		"Allocations that needed the memory type relaxed.", nil, nil)
	mmAffRetryDesc = prometheus.NewDesc("memmap_affinity_retries_total",
		"Allocations that needed node affinity dropped.", nil, nil)
	mmFailDesc = prometheus.NewDesc("memmap_policy_failures_total",
		"Placement policy runs that found no pages.", nil, nil)
	mmNodeFreeDesc = prometheus.NewDesc("memmap_node_free_pages",
		"Currently free machine pages per node.", []string{"node"}, nil)
)

// Describe implements prometheus.Collector.
func (c *memmapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mmTotalDesc
	ch <- mmFreeDesc
	ch <- mmFreeLowDesc
	ch <- mmKernelDesc
	ch <- mmLookupsDesc
	ch <- mmTypeRetryDesc
	ch <- mmAffRetryDesc
	ch <- mmFailDesc
	ch <- mmNodeFreeDesc
}

// Collect implements prometheus.Collector.
func (c *memmapCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.m.GetStats()

	gauge := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(mmTotalDesc, c.m.TotalPages())
	gauge(mmFreeDesc, c.m.NumFreePages())
	gauge(mmFreeLowDesc, c.m.FreeLowPages())
	gauge(mmKernelDesc, c.m.KernelPages())
	counter(mmLookupsDesc, stats.Lookups)
	counter(mmTypeRetryDesc, stats.TypeRetries)
	counter(mmAffRetryDesc, stats.AffinityRetries)
	counter(mmFailDesc, stats.PolicyFailures)

	for _, n := range c.m.Nodes() {
		gauge(mmNodeFreeDesc, n.FreePages(), strconv.Itoa(n.ID()))
	}
}

// RegisterPShare registers the page-sharing collector.
func RegisterPShare(p *pshare.PShare) error {
	return metrics.Register("pshare", &pshareCollector{p: p},
		metrics.WithGroup("mem"))
}

type pshareCollector struct {
	p *pshare.PShare
}

var (
	psUsedDesc = prometheus.NewDesc("pshare_pages_used",
		"Hash table frames in use.", nil, nil)
	psRegularDesc = prometheus.NewDesc("pshare_pages_regular",
		"Distinct shared page contents.", nil, nil)
	psUnsharedDesc = prometheus.NewDesc("pshare_pages_unshared",
		"Shared pages with a single reference.", nil, nil)
	psHintDesc = prometheus.NewDesc("pshare_pages_hint",
		"Hint frames awaiting a sharing partner.", nil, nil)
	psSharedDesc = prometheus.NewDesc("pshare_total_shared",
		"Machine pages saved by sharing.", nil, nil)
	psVisitedDesc = prometheus.NewDesc("pshare_frames_visited_total",
		"Hash chain frames visited by lookups.", nil, nil)
	psCollisionsDesc = prometheus.NewDesc("pshare_collisions_total",
		"Full-key content collisions reported.", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *pshareCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- psUsedDesc
	ch <- psRegularDesc
	ch <- psUnsharedDesc
	ch <- psHintDesc
	ch <- psSharedDesc
	ch <- psVisitedDesc
	ch <- psCollisionsDesc
}

// Collect implements prometheus.Collector.
func (c *pshareCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.p.GetStats()

	ch <- prometheus.MustNewConstMetric(psUsedDesc, prometheus.GaugeValue, float64(stats.PagesUsed))
	ch <- prometheus.MustNewConstMetric(psRegularDesc, prometheus.GaugeValue, float64(stats.PagesRegular))
	ch <- prometheus.MustNewConstMetric(psUnsharedDesc, prometheus.GaugeValue, float64(stats.PagesUnshared))
	ch <- prometheus.MustNewConstMetric(psHintDesc, prometheus.GaugeValue, float64(stats.PagesHint))
	ch <- prometheus.MustNewConstMetric(psSharedDesc, prometheus.GaugeValue, float64(c.p.TotalShared()))
	ch <- prometheus.MustNewConstMetric(psVisitedDesc, prometheus.CounterValue, float64(stats.FramesVisited))
	ch <- prometheus.MustNewConstMetric(psCollisionsDesc, prometheus.CounterValue, float64(stats.Collisions))
}

// RegisterMemSched registers the scheduler collector.
func RegisterMemSched(s *memsched.MemSched) error {
	return metrics.Register("scheduler", &memschedCollector{s: s},
		metrics.WithGroup("mem"))
}

type memschedCollector struct {
	s *memsched.MemSched
}

var (
	msManagedDesc = prometheus.NewDesc("memsched_managed_pages",
		"Schedulable machine pages.", nil, nil)
	msReservedDesc = prometheus.NewDesc("memsched_reserved_min_pages",
		"Admitted guaranteed pages.", nil, nil)
	msVMUsedDesc = prometheus.NewDesc("memsched_vm_pages_used",
		"Machine pages backing VM clients.", nil, nil)
	msFreeStateDesc = prometheus.NewDesc("memsched_free_state",
		"Machine free-memory state (0=high 1=soft 2=hard 3=low).", nil, nil)
)

// Describe implements prometheus.Collector.
func (c *memschedCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- msManagedDesc
	ch <- msReservedDesc
	ch <- msVMUsedDesc
	ch <- msFreeStateDesc
}

// Collect implements prometheus.Collector.
func (c *memschedCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(msManagedDesc, prometheus.GaugeValue, float64(c.s.ManagedPages()))
	ch <- prometheus.MustNewConstMetric(msReservedDesc, prometheus.GaugeValue, float64(c.s.ReservedMinPages()))
	ch <- prometheus.MustNewConstMetric(msVMUsedDesc, prometheus.GaugeValue, float64(c.s.TotalVMPagesUsed()))
	ch <- prometheus.MustNewConstMetric(msFreeStateDesc, prometheus.GaugeValue, float64(c.s.FreeState()))
}
