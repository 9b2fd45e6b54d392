// Copyright 2024 The gVisor Authors.
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

// Package rmerr contains resource manager status codes exported as error
// interface pointers. This allows callers to compare results with errors.Is
// after any amount of wrapping.
package rmerr

import (
	goerrors "errors"

	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors"
)

var (
	// AlreadyExists is returned when an insert targets a handle that is
	// already present.
	AlreadyExists = errors.New(nvgpu.NV_ERR_INSERT_DUPLICATE_NAME, "handle already exists")

	// InvalidObject is returned when a handle is not recognized for the
	// requested operation.
	InvalidObject = errors.New(nvgpu.NV_ERR_INVALID_OBJECT_HANDLE, "invalid object handle")

	// OperatingSystem is returned for class and flag combinations that are
	// not modeled, and by intentionally unimplemented operations.
	OperatingSystem = errors.New(nvgpu.NV_ERR_OPERATING_SYSTEM, "operation not modeled")

	// UnsupportedFunction is returned for unknown VID_HEAP_CONTROL functions.
	UnsupportedFunction = errors.New(nvgpu.NV_ERR_NOT_SUPPORTED, "unsupported function")

	// NoMemory is returned when the backing allocator cannot satisfy a
	// request.
	NoMemory = errors.New(nvgpu.NV_ERR_NO_MEMORY, "out of memory")

	// InvalidArgument is returned for malformed requests, e.g. zero sizes.
	InvalidArgument = errors.New(nvgpu.NV_ERR_INVALID_ARGUMENT, "invalid argument")

	// InvalidLimit is returned when a request does not fit the targeted
	// range.
	InvalidLimit = errors.New(nvgpu.NV_ERR_INVALID_LIMIT, "invalid limit")

	// InvalidState is returned by a resource manager that has been destroyed.
	InvalidState = errors.New(nvgpu.NV_ERR_INVALID_STATE, "invalid state")
)

var byStatus = map[nvgpu.Status]*errors.Error{
	AlreadyExists.Status():       AlreadyExists,
	InvalidObject.Status():       InvalidObject,
	OperatingSystem.Status():     OperatingSystem,
	UnsupportedFunction.Status(): UnsupportedFunction,
	NoMemory.Status():            NoMemory,
	InvalidArgument.Status():     InvalidArgument,
	InvalidLimit.Status():        InvalidLimit,
	InvalidState.Status():        InvalidState,
}

// ToStatus converts err to a resource manager status. A nil error is NV_OK;
// errors that do not wrap an *errors.Error are NV_ERR_GENERIC.
func ToStatus(err error) nvgpu.Status {
	if err == nil {
		return nvgpu.NV_OK
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Status()
	}
	return nvgpu.NV_ERR_GENERIC
}

// FromStatus returns the error for status s, or nil for NV_OK. Unknown
// statuses yield a fresh *errors.Error.
func FromStatus(s nvgpu.Status) error {
	if s == nvgpu.NV_OK {
		return nil
	}
	if e, ok := byStatus[s]; ok {
		return e
	}
	return errors.New(s, s.String())
}

// ByName returns the sentinel error with the given short name, as used in
// scenario scripts.
func ByName(name string) (error, bool) {
	e, ok := names[name]
	return e, ok
}

var names = map[string]error{
	"already_exists":       AlreadyExists,
	"invalid_object":       InvalidObject,
	"os_error":             OperatingSystem,
	"unsupported_function": UnsupportedFunction,
	"no_memory":            NoMemory,
	"invalid_argument":     InvalidArgument,
	"invalid_limit":        InvalidLimit,
	"invalid_state":        InvalidState,
}
