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

// Package memsched implements the proportional-share memory scheduler.
//
// Clients (VMs and userworld processes) are admitted against the pool of
// schedulable pages through a hierarchical group tree: a client's
// guaranteed minimum plus overhead must fit under every group limit on
// its path and within the pool at the root, or power-on fails up front
// rather than thrashing later.
//
// A periodic reallocation round samples each client's usage, estimates
// its working set, taxes idle pages and divides memory so that the
// idle-adjusted pages-per-share converge across clients. Targets become
// allocations bounded by actually free memory, and allocations become
// balloon and swap obligations whose mix depends on how tight free
// memory currently is. The allocator feeds free-page counts back on
// every allocation, so pressure transitions can trigger a round without
// waiting for the timer.
package memsched
