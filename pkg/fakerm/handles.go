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

package fakerm

import (
	"mods.dev/mods/pkg/abi/nvgpu"
)

// aliasHandleTag is XORed into handles chosen by DupObject2, which keeps them
// visually distinct from handles chosen by callers.
const aliasHandleTag = 0xd0d00000

// handleAllocator generates handles for the two resource manager chosen
// namespaces: clients and duplicated objects. Both counters start at 1 and
// only grow.
//
// handleAllocator is not synchronized; callers serialize on RM.mu.
type handleAllocator struct {
	nextClient uint32
	nextAlias  uint32
}

func newHandleAllocator() handleAllocator {
	return handleAllocator{
		nextClient: 1,
		nextAlias:  1,
	}
}

// NextClientHandle returns a new client handle.
func (a *handleAllocator) NextClientHandle() nvgpu.Handle {
	h := a.nextClient
	a.nextClient++
	return nvgpu.Handle(h)
}

// NextAliasHandle returns a new handle for a duplicated object.
func (a *handleAllocator) NextAliasHandle() nvgpu.Handle {
	h := a.nextAlias
	a.nextAlias++
	return nvgpu.Handle(h ^ aliasHandleTag)
}

// sparseVAAllocator is a bump allocator for sparse virtual address space. It
// never reclaims released ranges.
type sparseVAAllocator struct {
	next uint64
}

// alloc returns the base of a new range of size bytes. ok is false if the
// range would wrap around the address space.
func (a *sparseVAAllocator) alloc(size uint64) (va uint64, ok bool) {
	va = a.next
	end := va + size
	if end < va {
		return 0, false
	}
	a.next = end
	return va, true
}
