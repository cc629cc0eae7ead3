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

// memkitd is the machine memory management daemon: it owns the simulated
// machine memory, the page allocator, the page-sharing engine and the
// memory scheduler, and exposes them over HTTP for exercising and
// monitoring.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virtmm/memkit/pkg/healthz"
	"github.com/virtmm/memkit/pkg/instrumentation"
	logger "github.com/virtmm/memkit/pkg/log"
	"github.com/virtmm/memkit/pkg/mem/config"
	"github.com/virtmm/memkit/pkg/mem/machine"
	"github.com/virtmm/memkit/pkg/mem/memmap"
	"github.com/virtmm/memkit/pkg/mem/memsched"
	"github.com/virtmm/memkit/pkg/mem/page"
	"github.com/virtmm/memkit/pkg/mem/pshare"
	"github.com/virtmm/memkit/pkg/metrics/collectors"
	"github.com/virtmm/memkit/pkg/version"
)

// our logger instance
var log = logger.Default()

type daemon struct {
	cfg   *config.Config
	mem   *machine.Memory
	mm    *memmap.MemMap
	ps    *pshare.PShare
	sched *memsched.MemSched
}

func main() {
	var (
		configFile    = flag.String("config", "", "configuration file to load")
		httpEndpoint  = flag.String("http-endpoint", ":8891", "address for the HTTP server, empty to disable")
		metricsExport = flag.String("metrics-exporter", "prometheus", "metrics exporter (prometheus, otlp-http, otlp-grpc)")
		traceEndpoint = flag.String("tracing-collector", "", "tracing collector endpoint, empty to disable")
		traceSampling = flag.Int64("sampling-rate-per-million", 0, "traces to sample per million")
		reportPeriod  = flag.Duration("report-period", 30*time.Second, "reporting period of periodic exporters")
		printVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *printVersion {
		fmt.Printf("memkitd %s (build %s)\n", version.Version, version.Build)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load configuration: %v", err)
	}
	if err := logger.Configure(&cfg.Log); err != nil {
		log.Error("failed to configure logging: %v", err)
	}

	d, err := setup(cfg)
	if err != nil {
		log.Fatal("failed to set up memory subsystems: %v", err)
	}

	if err := instrumentation.Reconfigure(&instrumentation.Config{
		HTTPEndpoint:           *httpEndpoint,
		MetricsExporter:        *metricsExport,
		TracingCollector:       *traceEndpoint,
		SamplingRatePerMillion: *traceSampling,
		ReportPeriod:           *reportPeriod,
	}); err != nil {
		log.Fatal("failed to start instrumentation: %v", err)
	}

	mux := instrumentation.HTTPServer().GetMux()
	healthz.Setup(mux)
	d.setupCommands(mux)

	d.sched.Start()
	log.Info("memkitd %s up: %d pages in %d nodes",
		version.Version, d.mm.TotalPages(), len(d.mm.Nodes()))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			d.mm.DumpState("allocator state:")
			d.ps.DumpState("page sharing state:")
			d.sched.DumpState("scheduler state:")
			continue
		}
		log.Info("received %v, shutting down", sig)
		break
	}

	d.sched.Stop()
	instrumentation.Stop()
	if err := d.mem.Close(); err != nil {
		log.Error("failed to release machine memory: %v", err)
	}
}

// setup builds the memory subsystems in dependency order: the machine
// arena, the allocator over it, the sharing engine, and the scheduler
// observing the allocator.
func setup(cfg *config.Config) (*daemon, error) {
	mem, err := machine.NewMemory(cfg.Machine.MemoryMB * page.PagesPerMB)
	if err != nil {
		return nil, fmt.Errorf("failed to create machine memory: %w", err)
	}

	// With sharing on, frame-table backing is carved out of every range
	// before it enters the allocator pools.
	var opts []memmap.Option
	frames := pshare.NewFrameReserve()
	if cfg.PShare.Enable {
		opts = append(opts, memmap.WithCriticalMem(frames))
	}

	mm, err := memmap.New(cfg.MemMap, mem, cfg.FirmwareRanges(), cfg.Topology(), opts...)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}

	ps := pshare.New(cfg.PShare, mem)
	if ps.Enabled() {
		log.Info("reserved %d pages for sharing frames", frames.ReservedPages())
		if err := preloadZeroPages(mm, ps); err != nil {
			mem.Close()
			return nil, fmt.Errorf("failed to preload zero pages: %w", err)
		}
	}

	managed := mm.TotalPages() - mm.KernelPages()
	sched, err := memsched.New(cfg.MemSched, managed)
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	mm.SetFreePagesCallback(sched.UpdateFreePages)
	mm.SetMemoryLowCheck(sched.MemoryIsLow)
	sched.UpdateFreePages(mm.NumFreePages())

	if err := registerObservers(mm, ps, sched); err != nil {
		log.Error("failed to register collectors: %v", err)
	}

	return &daemon{cfg: cfg, mem: mem, mm: mm, ps: ps, sched: sched}, nil
}

// preloadZeroPages allocates and shares one all-zeroes page per node,
// each pinned to the node whose key salt it carries.
func preloadZeroPages(mm *memmap.MemMap, ps *pshare.PShare) error {
	zeroes := map[page.NodeID]page.MPN{}
	for _, n := range mm.Nodes() {
		out, err := mm.AllocPages(memmap.PolicyInput{
			World:    page.KernelWorldID,
			PPN:      page.InvalidPPN,
			NumPages: 1,
			NodeMask: page.NewNodeMask(n.ID()),
			Color:    memmap.AnyColor,
			Type:     memmap.TypeAny,
		})
		if err != nil {
			return err
		}
		zeroes[n.ID()] = out.MPN
	}
	return ps.PreloadZeroPages(zeroes)
}

// registerObservers wires up metrics and health checking.
func registerObservers(mm *memmap.MemMap, ps *pshare.PShare, sched *memsched.MemSched) error {
	if err := collectors.RegisterMemMap(mm); err != nil {
		return err
	}
	if err := collectors.RegisterPShare(ps); err != nil {
		return err
	}
	if err := collectors.RegisterMemSched(sched); err != nil {
		return err
	}

	healthz.RegisterHealthChecker("memmap", func() (healthz.Status, error) {
		if mm.NumFreePages() > mm.TotalPages() {
			return healthz.NonFunctional, fmt.Errorf("free pages exceed total")
		}
		return healthz.Healthy, nil
	})
	healthz.RegisterHealthChecker("memsched", func() (healthz.Status, error) {
		if sched.FreeState() == memsched.FreeLow {
			return healthz.Degraded, fmt.Errorf("machine memory critically low")
		}
		return healthz.Healthy, nil
	})

	return nil
}
