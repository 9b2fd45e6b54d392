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
	"fmt"

	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/cleanup"
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/hostarch"
	"mods.dev/mods/pkg/log"
)

// AllocMemoryParams holds the arguments of AllocMemory.
type AllocMemoryParams struct {
	Client nvgpu.Handle
	Parent nvgpu.Handle
	Memory nvgpu.Handle
	Class  nvgpu.ClassID
	Flags  uint32

	// Address is set to the backing address of the allocation.
	Address uint64

	// Limit is the offset of the last byte of the requested allocation. It
	// is updated to the limit of the actual allocation.
	Limit uint64
}

// AllocMemory allocates memory of class p.Class. System memory is taken from
// the MemoryAllocator and mapped with the VirtualMapper. Local memory is
// modeled as a fixed preset region and is never allocated.
func (rm *RM) AllocMemory(p *AllocMemoryParams) error {
	return rm.metrics.observe("alloc_memory", rm.allocMemory(p))
}

func (rm *RM) allocMemory(p *AllocMemoryParams) error {
	if p.Memory == nvgpu.NV01_NULL_OBJECT {
		return fmt.Errorf("alloc memory with null handle: %w", rmerr.InvalidObject)
	}
	size := p.Limit + 1
	if size == 0 {
		return fmt.Errorf("alloc memory %v with limit %#x: %w", p.Memory, p.Limit, rmerr.InvalidLimit)
	}
	if err := rm.lockLive(); err != nil {
		return err
	}
	defer rm.mu.Unlock()

	switch p.Class {
	case nvgpu.NV01_MEMORY_SYSTEM:
		if nvgpu.NVOS02AllocNone(p.Flags) {
			p.Address = 0
			return nil
		}
		c := rm.client(p.Client)
		addr, _, err := rm.allocAndMapLocked(c, p.Memory, p.Parent, size, rm.pageSize, 0, 0, 0)
		if err != nil {
			return err
		}
		p.Address = addr
		p.Limit = size - 1
		return nil
	case nvgpu.NV01_MEMORY_LOCAL_USER, nvgpu.NV01_MEMORY_LOCAL_PRIVILEGED:
		p.Address = 0
		p.Limit = rm.localMemorySize - 1
		return nil
	default:
		return fmt.Errorf("alloc memory of %v: %w", p.Class, rmerr.OperatingSystem)
	}
}

// allocAndMapLocked allocates size bytes of backing store for hMemory and maps
// it, recording both. On failure the table and the collaborators are left as
// they were.
//
// Precondition: rm.mu must be locked.
func (rm *RM) allocAndMapLocked(c *clientTable, hMemory, hParent nvgpu.Handle, size, alignment uint64, attr, attr2, typ uint32) (addr, va uint64, err error) {
	if err := c.checkMemoryUnused(hMemory); err != nil {
		return 0, 0, err
	}
	addr, err = rm.memory.Allocate(size, alignment)
	if err != nil || addr == 0 {
		rm.warn.Warningf("fakerm: backing allocation of %#x bytes for %v:%v failed: %v", size, c.handle, hMemory, err)
		return 0, 0, fmt.Errorf("allocate %#x bytes for %v: %w", size, hMemory, rmerr.NoMemory)
	}
	// The closure must not see the zeroed results of an error return.
	backing := addr
	cu := cleanup.Make(func() { rm.memory.Release(backing) })
	defer cu.Clean()

	va, err = rm.mapper.CreateMapping(c.handle, hMemory, addr, size, attr, attr2, typ)
	if err != nil {
		rm.warn.Warningf("fakerm: mapping %#x bytes at %#x for %v:%v failed: %v", size, addr, c.handle, hMemory, err)
		return 0, 0, fmt.Errorf("map %#x bytes for %v: %w", size, hMemory, rmerr.NoMemory)
	}

	// Neither insert can fail after checkMemoryUnused.
	if err := c.addMemoryAllocation(hMemory, hParent, addr, size); err != nil {
		panic(fmt.Sprintf("fakerm: %v", err))
	}
	if err := c.addVirtualMapping(hMemory, hParent, va); err != nil {
		panic(fmt.Sprintf("fakerm: %v", err))
	}
	cu.Release()
	rm.metrics.allocated.WithLabelValues(kindMemory).Inc()
	rm.metrics.allocated.WithLabelValues(kindMapping).Inc()
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: allocated memory %v:%v (parent %v): addr=%#x va=%#x size=%#x", c.handle, hMemory, hParent, addr, va, size)
	}
	return addr, va, nil
}

// VidHeapParams holds the arguments of VidHeapControl.
type VidHeapParams struct {
	Client   nvgpu.Handle
	Parent   nvgpu.Handle
	Function uint32
	Memory   nvgpu.Handle

	Type  uint32
	Flags uint32
	Attr  uint32
	Attr2 uint32

	// Size is the requested size for NVOS32_FUNCTION_ALLOC_SIZE. It is
	// updated to the actual size for all functions.
	Size uint64

	// Height and Pitch give the size for
	// NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT.
	Height uint32
	Pitch  uint32

	// Alignment is the requested alignment. Zero means page alignment.
	Alignment uint64

	// Address is set to the backing address, or to the base of the range
	// for sparse reservations.
	Address uint64

	// Offset is set to the GPU virtual address.
	Offset uint64

	// Limit is set to the offset of the last byte of the allocation.
	Limit uint64
}

// VidHeapControl allocates video heap memory. NVOS32_FUNCTION_ALLOC_SIZE with
// NVOS32_ALLOC_FLAGS_SPARSE reserves sparse virtual address space; without
// it, and for NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT, backing store is
// allocated and mapped as in AllocMemory. Other functions fail with
// rmerr.UnsupportedFunction.
func (rm *RM) VidHeapControl(p *VidHeapParams) error {
	return rm.metrics.observe("vid_heap_control", rm.vidHeapControl(p))
}

func (rm *RM) vidHeapControl(p *VidHeapParams) error {
	var size uint64
	switch p.Function {
	case nvgpu.NVOS32_FUNCTION_ALLOC_SIZE:
		size = p.Size
	case nvgpu.NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT:
		size = uint64(p.Height) * uint64(p.Pitch)
	default:
		rm.warn.Warningf("fakerm: unsupported vid heap function %d", p.Function)
		return fmt.Errorf("vid heap function %d: %w", p.Function, rmerr.UnsupportedFunction)
	}
	if p.Memory == nvgpu.NV01_NULL_OBJECT {
		return fmt.Errorf("vid heap alloc with null handle: %w", rmerr.InvalidObject)
	}
	if size == 0 {
		return fmt.Errorf("vid heap alloc of %v with zero size: %w", p.Memory, rmerr.InvalidArgument)
	}
	alignment := p.Alignment
	if alignment == 0 {
		alignment = rm.pageSize
	}
	if !hostarch.IsPowerOfTwo(alignment) {
		return fmt.Errorf("vid heap alignment %#x: %w", alignment, rmerr.InvalidArgument)
	}

	if err := rm.lockLive(); err != nil {
		return err
	}
	defer rm.mu.Unlock()
	c := rm.client(p.Client)

	if p.Function == nvgpu.NVOS32_FUNCTION_ALLOC_SIZE && p.Flags&nvgpu.NVOS32_ALLOC_FLAGS_SPARSE != 0 {
		va, err := rm.reserveSparseLocked(c, p.Memory, p.Parent, size)
		if err != nil {
			return err
		}
		p.Address = va
		p.Offset = va
		p.Size = size
		p.Limit = size - 1
		return nil
	}

	addr, va, err := rm.allocAndMapLocked(c, p.Memory, p.Parent, size, alignment, p.Attr, p.Attr2, p.Type)
	if err != nil {
		return err
	}
	p.Address = addr
	p.Offset = va
	p.Size = size
	p.Limit = size - 1
	return nil
}

// reserveSparseLocked reserves size bytes of sparse VA space for hMemory and
// registers the range with the SparseMapper.
//
// Precondition: rm.mu must be locked.
func (rm *RM) reserveSparseLocked(c *clientTable, hMemory, hParent nvgpu.Handle, size uint64) (uint64, error) {
	va, err := c.reserveSparseVA(hMemory, hParent, size, &rm.sparseVA)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { c.removeSparseVA(hMemory) })
	defer cu.Clean()
	if err := rm.sparse.ReserveRange(va, size); err != nil {
		rm.warn.Warningf("fakerm: reserving sparse range [%#x, %#x) for %v:%v failed: %v", va, va+size, c.handle, hMemory, err)
		return 0, fmt.Errorf("reserve sparse range for %v: %w", hMemory, rmerr.NoMemory)
	}
	cu.Release()
	rm.metrics.allocated.WithLabelValues(kindSparseVA).Inc()
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: reserved sparse VA %v:%v (parent %v): [%#x, %#x)", c.handle, hMemory, hParent, va, va+size)
	}
	return va, nil
}
