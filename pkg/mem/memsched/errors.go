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

import "errors"

var (
	// ErrAdmission indicates a reservation that does not fit in the
	// schedulable pool. Expected at the capacity boundary; the caller
	// reports it as 'insufficient memory to power on'.
	ErrAdmission = errors.New("memsched: admission failed")
	// ErrUnknownClient indicates an operation on an unregistered world.
	ErrUnknownClient = errors.New("memsched: unknown client")
	// ErrUnknownGroup indicates an operation on an unknown admission group.
	ErrUnknownGroup = errors.New("memsched: unknown group")
	// ErrAlreadyExists indicates a duplicate client or group registration.
	ErrAlreadyExists = errors.New("memsched: already registered")
	// ErrInvalidSize indicates inconsistent admission parameters.
	ErrInvalidSize = errors.New("memsched: invalid memory size parameters")
	// ErrTimeout indicates a bounded wait that expired.
	ErrTimeout = errors.New("memsched: timed out")
	// ErrEarlyExit indicates a bounded wait cut short because the waiter
	// no longer needs the memory.
	ErrEarlyExit = errors.New("memsched: wait exited early")
	// ErrAborted indicates a blocking operation overtaken by a newer
	// reallocation round.
	ErrAborted = errors.New("memsched: aborted by newer reallocation")
)
