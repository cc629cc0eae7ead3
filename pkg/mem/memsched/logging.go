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
	logger "github.com/virtmm/memkit/pkg/log"
)

var (
	// our main logger instance
	log = logger.Get("memsched")
	// logger instance for per-round reallocation traces
	details = logger.Get("memsched-details")
)

// DumpState logs the scheduler state: pool sizes, free state, admission
// tree and per-client targets.
func (s *MemSched) DumpState(header string) {
	s.Lock()
	defer s.Unlock()

	log.Info("%s", header)
	log.Info("  managed=%d reserved(min=%d max=%d) free-state=%s free=%d",
		s.managedPages, s.root.baseEMin, s.root.baseEMax,
		s.free.currentState(), s.free.freeCount())

	s.root.dump("  ")

	for _, c := range s.clientList {
		log.Info("  client %s: %s", c, c.dumpString())
	}
}

// dump logs one admission group and its children, indented.
func (g *Group) dump(indent string) {
	log.Info("%sgroup %q: emin=%d emax=%d limit(min=%d max=%d)",
		indent, g.name, g.baseEMin, g.baseEMax, g.limitMin, g.limitMax)
	for _, child := range g.children {
		child.dump(indent + "  ")
	}
}
