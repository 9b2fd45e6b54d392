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

// Package nvgpu contains the subset of the Nvidia resource manager ABI that
// the fake resource manager models: handles, class IDs, status codes and the
// flag bitfields of the allocation parameter structs.
package nvgpu

import (
	"fmt"
	"sort"
)

// Handle is NvHandle, from src/common/sdk/nvidia/inc/nvtypes.h.
type Handle uint32

// NV01_NULL_OBJECT is the invalid handle.
const NV01_NULL_OBJECT = Handle(0)

// String implements fmt.Stringer.String.
func (h Handle) String() string {
	return fmt.Sprintf("%#x", uint32(h))
}

// ClassID is a client-allocatable object class.
type ClassID uint32

// String implements fmt.Stringer.String.
func (c ClassID) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("%#08x", uint32(c))
}

// ClassName returns the symbolic name of c and whether it is known.
func ClassName(c ClassID) (string, bool) {
	name, ok := classNames[c]
	return name, ok
}

// ClassByName returns the class with the given symbolic name.
func ClassByName(name string) (ClassID, bool) {
	for c, n := range classNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Classes returns every class with a symbolic name, in ascending order.
func Classes() []ClassID {
	cs := make([]ClassID, 0, len(classNames))
	for c := range classNames {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i] < cs[j] })
	return cs
}
