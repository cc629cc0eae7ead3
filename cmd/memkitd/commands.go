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

package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	xhttp "github.com/virtmm/memkit/pkg/http"
	"github.com/virtmm/memkit/pkg/instrumentation/tracing"
	"github.com/virtmm/memkit/pkg/mem/memsched"
	"github.com/virtmm/memkit/pkg/mem/page"
)

// world is one simulated client: the pages backing it and the balloon
// and swap state its driver reports back to the scheduler.
type world struct {
	sync.Mutex
	d       *daemon
	id      page.WorldID
	pages   []page.MPN
	balloon uint64
	swapped uint64
}

// worlds tracks the simulated clients of the command interface.
var (
	worldsLock sync.Mutex
	worlds     = map[page.WorldID]*world{}
)

// SampleUsage implements memsched.Driver.
func (w *world) SampleUsage() memsched.Usage {
	w.Lock()
	defer w.Unlock()
	return memsched.Usage{
		Locked:     uint64(len(w.pages)),
		Mapped:     uint64(len(w.pages)) + w.swapped,
		Swapped:    w.swapped,
		Ballooned:  w.balloon,
		TouchedPct: 100,
	}
}

// SetBalloonTarget implements memsched.Driver: inflating the balloon
// releases that many backing pages to the allocator.
func (w *world) SetBalloonTarget(pages uint64) {
	w.Lock()
	defer w.Unlock()

	for w.balloon < pages && len(w.pages) > 0 {
		mpn := w.pages[len(w.pages)-1]
		w.pages = w.pages[:len(w.pages)-1]
		if _, err := w.d.mm.FreePages(mpn); err != nil {
			log.Error("world %d: balloon free %s: %v", w.id, mpn, err)
		}
		w.balloon++
	}
	if pages < w.balloon {
		w.balloon = pages
	}
}

// StartSwap implements memsched.Driver: swapping out releases backing
// pages until the swap level reaches the target.
func (w *world) StartSwap(target uint64, generation uint64) {
	w.Lock()
	defer w.Unlock()

	for w.swapped < target && len(w.pages) > 0 {
		if w.d.sched.Generation() != generation {
			return
		}
		mpn := w.pages[len(w.pages)-1]
		w.pages = w.pages[:len(w.pages)-1]
		if _, err := w.d.mm.FreePages(mpn); err != nil {
			log.Error("world %d: swap free %s: %v", w.id, mpn, err)
		}
		w.swapped++
	}
}

// setupCommands registers the command endpoint on the shared mux.
func (d *daemon) setupCommands(mux *xhttp.ServeMux) {
	mux.HandleFunc("/command", d.serveCommand)
}

// serveCommand executes one text command per POST request.
func (d *daemon) serveCommand(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "POST a command", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, 4096))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cmd := strings.Fields(strings.TrimSpace(string(body)))
	if len(cmd) == 0 {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}

	ctx, span := tracing.StartSpan(req.Context(), "command",
		tracing.WithAttributes(tracing.Attribute("command", cmd[0])))
	_ = ctx

	reply, err := d.runCommand(cmd[0], cmd[1:])
	span.End(tracing.WithStatus(err))

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fmt.Fprintln(w, reply)
}

// runCommand dispatches one parsed command.
func (d *daemon) runCommand(verb string, args []string) (string, error) {
	switch verb {
	case "state":
		d.mm.DumpState("allocator state:")
		d.ps.DumpState("page sharing state:")
		d.sched.DumpState("scheduler state:")
		return fmt.Sprintf("free=%d/%d, state=%s",
			d.mm.NumFreePages(), d.mm.TotalPages(), d.sched.FreeState()), nil

	case "register":
		return d.cmdRegister(args)

	case "unregister":
		return d.cmdUnregister(args)

	case "alloc":
		return d.cmdAlloc(args)

	case "free":
		return d.cmdFree(args)

	case "realloc":
		d.sched.Realloc()
		return "ok", nil

	case "hotadd":
		return d.cmdHotAdd(args)
	}

	return "", fmt.Errorf("unknown command %q", verb)
}

// cmdRegister handles: register <world> <name> <minMB> <maxMB> <shares>
func (d *daemon) cmdRegister(args []string) (string, error) {
	if len(args) != 5 {
		return "", fmt.Errorf("usage: register <world> <name> <minMB> <maxMB> <shares>")
	}
	id, err := parseWorld(args[0])
	if err != nil {
		return "", err
	}
	minMB, err1 := strconv.ParseUint(args[2], 10, 64)
	maxMB, err2 := strconv.ParseUint(args[3], 10, 64)
	shares, err3 := strconv.ParseUint(args[4], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return "", fmt.Errorf("invalid numeric argument")
	}

	w := &world{d: d, id: id}
	_, err = d.sched.RegisterClient(id, args[1], memsched.RootGroupName,
		memsched.KindVM, memsched.MemSize{
			Min:        minMB * page.PagesPerMB,
			Max:        maxMB * page.PagesPerMB,
			Shares:     shares,
			BalloonMax: maxMB * page.PagesPerMB / 2,
		}, w)
	if err != nil {
		return "", err
	}

	worldsLock.Lock()
	worlds[id] = w
	worldsLock.Unlock()
	return "ok", nil
}

// cmdUnregister handles: unregister <world>
func (d *daemon) cmdUnregister(args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: unregister <world>")
	}
	id, err := parseWorld(args[0])
	if err != nil {
		return "", err
	}

	worldsLock.Lock()
	w := worlds[id]
	delete(worlds, id)
	worldsLock.Unlock()

	if w != nil {
		w.SetBalloonTarget(uint64(len(w.pages)) + w.balloon)
	}
	return "ok", d.sched.UnregisterClient(id)
}

// cmdAlloc handles: alloc <world> <numPages>
func (d *daemon) cmdAlloc(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: alloc <world> <numPages>")
	}
	id, err := parseWorld(args[0])
	if err != nil {
		return "", err
	}
	count, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", err
	}

	worldsLock.Lock()
	w := worlds[id]
	worldsLock.Unlock()
	if w == nil {
		return "", fmt.Errorf("unknown world %d", id)
	}

	w.Lock()
	defer w.Unlock()

	first := page.InvalidMPN
	for i := uint64(0); i < count; i++ {
		ppn := page.PPN(len(w.pages))
		out, err := d.mm.AllocVMPage(id, ppn, 0, false)
		if err != nil {
			return "", fmt.Errorf("allocated %d of %d pages: %w", i, count, err)
		}
		if first == page.InvalidMPN {
			first = out.MPN
		}
		w.pages = append(w.pages, out.MPN)
	}

	return fmt.Sprintf("allocated %d pages, first %s", count, first), nil
}

// cmdFree handles: free <world> <numPages>
func (d *daemon) cmdFree(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: free <world> <numPages>")
	}
	id, err := parseWorld(args[0])
	if err != nil {
		return "", err
	}
	count, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", err
	}

	worldsLock.Lock()
	w := worlds[id]
	worldsLock.Unlock()
	if w == nil {
		return "", fmt.Errorf("unknown world %d", id)
	}

	w.Lock()
	defer w.Unlock()

	freed := uint64(0)
	for freed < count && len(w.pages) > 0 {
		mpn := w.pages[len(w.pages)-1]
		w.pages = w.pages[:len(w.pages)-1]
		if _, err := d.mm.FreePages(mpn); err != nil {
			return "", err
		}
		freed++
	}

	return fmt.Sprintf("freed %d pages", freed), nil
}

// cmdHotAdd handles: hotadd <startMPN> <numPages>
func (d *daemon) cmdHotAdd(args []string) (string, error) {
	if len(args) != 2 {
		return "", fmt.Errorf("usage: hotadd <startMPN> <numPages>")
	}
	start, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return "", err
	}
	count, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return "", err
	}

	if err := d.mm.HotAdd(page.MPN(start), count, d.cfg.Machine.VerifyEvery); err != nil {
		return "", err
	}
	return "ok", nil
}

// parseWorld parses a world ID argument.
func parseWorld(arg string) (page.WorldID, error) {
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid world ID %q", arg)
	}
	return page.WorldID(id), nil
}
