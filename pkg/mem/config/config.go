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

// Package config holds the daemon-level configuration: the machine
// description plus the per-subsystem sections, loadable from YAML.
package config

import (
	"fmt"
	"math/bits"
	"os"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"

	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/mem/memmap"
	"github.com/virtmm/memkit/pkg/mem/memsched"
	"github.com/virtmm/memkit/pkg/mem/page"
	"github.com/virtmm/memkit/pkg/mem/pshare"
)

// our logger instance
var log = logger.Get("config")

// MemRange describes one contiguous memory range in the configuration.
type MemRange struct {
	// Start is the first machine page of the range.
	Start uint64 `json:"start"`
	// NumPages is the length of the range in pages.
	NumPages uint64 `json:"numPages"`
	// Node is the NUMA node owning the range.
	Node int `json:"node"`
}

// Machine describes the memory layout the daemon manages.
type Machine struct {
	// MemoryMB is the total simulated machine memory in megabytes.
	MemoryMB uint64 `json:"memoryMB"`
	// Ranges lists the usable memory ranges and their NUMA placement.
	// Empty means one node owning all memory.
	Ranges []MemRange `json:"ranges,omitempty"`
	// VerifyEvery makes boot-time verification touch every page instead
	// of sampling one page per megabyte.
	VerifyEvery bool `json:"verifyEvery"`
}

// Config is the full daemon configuration.
type Config struct {
	Machine  Machine        `json:"machine"`
	MemMap   memmap.Config  `json:"memmap"`
	PShare   pshare.Config  `json:"pshare"`
	MemSched memsched.Config `json:"memsched"`
	Log      logger.Config  `json:"log"`
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{
		Machine: Machine{
			MemoryMB: 512,
		},
		PShare: pshare.Config{
			Enable:   true,
			NumNodes: 1,
		},
	}
	cfg.MemMap.Default()
	cfg.MemSched.Default()
	return cfg
}

// Load reads and validates a configuration file, starting from defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info("loaded configuration from %q", path)
	return cfg, nil
}

// Validate checks the configuration for consistency, collecting every
// problem rather than bailing at the first.
func (cfg *Config) Validate() error {
	var errs *multierror.Error

	if cfg.Machine.MemoryMB == 0 {
		errs = multierror.Append(errs,
			fmt.Errorf("machine.memoryMB: must be nonzero"))
	}

	totalPages := cfg.Machine.MemoryMB * page.PagesPerMB
	for i, r := range cfg.Machine.Ranges {
		if r.NumPages == 0 {
			errs = multierror.Append(errs,
				fmt.Errorf("machine.ranges[%d]: zero pages", i))
		}
		if r.Start+r.NumPages > totalPages {
			errs = multierror.Append(errs,
				fmt.Errorf("machine.ranges[%d]: [%d, %d) beyond machine memory (%d pages)",
					i, r.Start, r.Start+r.NumPages, totalPages))
		}
		if r.Node < 0 || r.Node > page.MaxNodeID {
			errs = multierror.Append(errs,
				fmt.Errorf("machine.ranges[%d]: invalid node %d", i, r.Node))
		}
	}

	cfg.MemMap.Default()
	colors := cfg.MemMap.CacheSize / cfg.MemMap.CacheAssociativity / page.PageSize
	if colors == 0 || bits.OnesCount64(colors) != 1 {
		errs = multierror.Append(errs,
			fmt.Errorf("memmap: cache geometry yields %d colors, not a power of two", colors))
	}
	if cfg.MemMap.ReservedLowPct > 50 {
		errs = multierror.Append(errs,
			fmt.Errorf("memmap.reservedLowPct: %d over 50%%", cfg.MemMap.ReservedLowPct))
	}

	// The sharing engine salts hint keys per node; derive the node count
	// from the configured topology.
	nodes := map[int]struct{}{}
	for _, r := range cfg.Machine.Ranges {
		if r.Node >= 0 && r.Node <= page.MaxNodeID {
			nodes[r.Node] = struct{}{}
		}
	}
	if len(nodes) > cfg.PShare.NumNodes {
		cfg.PShare.NumNodes = len(nodes)
	}
	if cfg.PShare.NumNodes == 0 {
		cfg.PShare.NumNodes = 1
	}

	cfg.MemSched.Default()
	if cfg.MemSched.IdleCost > 4*(1<<8) {
		errs = multierror.Append(errs,
			fmt.Errorf("memsched.idleCost: %d over sane bound", cfg.MemSched.IdleCost))
	}

	return errs.ErrorOrNil()
}

// FirmwareRanges returns the configured (or default whole-machine)
// ranges as allocator input.
func (cfg *Config) FirmwareRanges() []memmap.MPNRange {
	if len(cfg.Machine.Ranges) == 0 {
		return []memmap.MPNRange{
			{Start: 0, NumPages: cfg.Machine.MemoryMB * page.PagesPerMB},
		}
	}
	ranges := make([]memmap.MPNRange, 0, len(cfg.Machine.Ranges))
	for _, r := range cfg.Machine.Ranges {
		ranges = append(ranges, memmap.MPNRange{
			Start:    page.MPN(r.Start),
			NumPages: r.NumPages,
		})
	}
	return ranges
}

// Topology returns the configured NUMA topology as allocator input.
func (cfg *Config) Topology() map[page.NodeID][]memmap.MPNRange {
	topology := map[page.NodeID][]memmap.MPNRange{}
	if len(cfg.Machine.Ranges) == 0 {
		topology[0] = []memmap.MPNRange{
			{Start: 0, NumPages: cfg.Machine.MemoryMB * page.PagesPerMB},
		}
		return topology
	}
	for _, r := range cfg.Machine.Ranges {
		node := page.NodeID(r.Node)
		topology[node] = append(topology[node], memmap.MPNRange{
			Start:    page.MPN(r.Start),
			NumPages: r.NumPages,
		})
	}
	return topology
}
