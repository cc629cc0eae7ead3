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

// Package pshare implements content-based sharing of machine pages.
//
// Every machine page has one sharing frame, addressed by its MPN. A frame
// is Invalid (not participating), Regular (a reference-counted shared
// page, keyed by a 64-bit content hash) or a Hint (a speculative,
// refcount-free entry carrying a 32-bit partial key and the identity of
// the client that planted it). Regular and Hint frames are threaded into
// singly linked hash chains; chain links are MPNs, so the table needs no
// separate node storage.
//
// The caller protocol follows copy-on-write deduplication: a VM memory
// layer hashes a candidate page (HashPage), then either registers it
// (Add) or probes for an existing match (AddIfShared). When a Regular
// frame for the key exists the caller remaps its guest page to the shared
// MPN and frees its own copy; the frame's count tracks the number of such
// mappings. A hint match is only a 32-bit indication; the caller must
// re-verify full page content before promoting it, as hints may alias.
//
// Keys are content hashes salted with the NUMA node number on multi-node
// systems (HashToNodeHash) so sharing never crosses node boundaries,
// which would defeat NUMA locality of the shared page.
package pshare
