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

import "errors"

var (
	// ErrNotSupported is returned by every operation when sharing is
	// globally disabled.
	ErrNotSupported = errors.New("pshare: page sharing not enabled")
	// ErrNotFound is returned when no matching frame exists.
	ErrNotFound = errors.New("pshare: no matching frame")
	// ErrLimitExceeded is returned by RemoveIfUnshared when the frame is
	// still shared by more than one reference.
	ErrLimitExceeded = errors.New("pshare: page still shared")
	// ErrInvalidMPN is returned for MPNs outside the tracked arena.
	ErrInvalidMPN = errors.New("pshare: invalid MPN")
	// ErrBadFrame is returned when an operation finds a frame in an
	// unexpected state for the requested MPN.
	ErrBadFrame = errors.New("pshare: unexpected frame state")
)
