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

package buddy

import "errors"

var (
	// ErrNoBlock is returned when no free block satisfies a request.
	ErrNoBlock = errors.New("buddy: no suitable free block")
	// ErrNotAllocated is returned when freeing or sizing an MPN that does
	// not start a currently allocated block.
	ErrNotAllocated = errors.New("buddy: block not allocated")
	// ErrBadRange is returned for malformed ranges or sizes.
	ErrBadRange = errors.New("buddy: invalid range")
)
