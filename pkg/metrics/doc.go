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

// Package metrics is our registry of prometheus collectors. Subsystems
// register named collectors into groups; configuration selects which
// groups and collectors are enabled by glob patterns, and the enabled
// set is served over the shared HTTP mux and optionally republished
// through OpenTelemetry for OTLP export.
package metrics
