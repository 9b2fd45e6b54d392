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
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/hostarch"
	"mods.dev/mods/pkg/log"
)

// MapMemoryDmaParams holds the arguments of MapMemoryDma.
type MapMemoryDmaParams struct {
	Client nvgpu.Handle
	Device nvgpu.Handle
	Dma    nvgpu.Handle
	Memory nvgpu.Handle

	// Offset and Length select the part of Memory to map.
	Offset uint64
	Length uint64
	Flags  uint32

	// DmaOffset is set to the GPU virtual address of the mapping. If Flags
	// contains NVOS46_FLAGS_DMA_OFFSET_FIXED and Dma is a sparse
	// reservation, it is also the requested address.
	DmaOffset uint64
}

// MapMemoryDma maps p.Memory, following at most one alias, for GPU access.
// If p.Dma names a sparse VA reservation, a sub-mapping is established inside
// it at a page-aligned address and recorded under (p.Dma, p.DmaOffset).
// Otherwise the existing virtual mapping of the memory is used, and created
// if the memory is unmapped.
func (rm *RM) MapMemoryDma(p *MapMemoryDmaParams) error {
	return rm.metrics.observe("map_memory_dma", rm.mapMemoryDma(p))
}

func (rm *RM) mapMemoryDma(p *MapMemoryDmaParams) error {
	if err := rm.lockLive(); err != nil {
		return err
	}
	defer rm.mu.Unlock()
	c := rm.client(p.Client)
	client, memory := rm.resolveLocked(c, p.Memory)

	if s, ok := c.sparseVAs[p.Dma]; ok {
		return rm.mapSparseLocked(c, p, &s, client, memory)
	}

	// The mapper is authoritative: a VirtualMapping record may outlive its
	// mapping after UnmapMemoryDma.
	if va, ok := rm.mapper.LookupVirtualAddress(client, memory); ok {
		p.DmaOffset = va + p.Offset
		return nil
	}
	pa, size, ok := rm.backingLocked(client, memory)
	if !ok {
		return fmt.Errorf("map memory %v:%v: %w", client, memory, rmerr.InvalidObject)
	}
	if size == 0 {
		size = p.Length
	}
	va, err := rm.mapper.CreateMapping(client, memory, pa, size, 0, 0, 0)
	if err != nil {
		rm.warn.Warningf("fakerm: mapping %v:%v failed: %v", client, memory, err)
		return fmt.Errorf("map memory %v:%v: %w", client, memory, rmerr.NoMemory)
	}
	if src, ok := rm.clients[client]; ok {
		if vm, ok := src.mappings[memory]; ok {
			vm.va = va
			src.mappings[memory] = vm
			if rm.log.IsLogging(log.Debug) {
				rm.log.Debugf("fakerm: remapped %v:%v at %#x", client, memory, va)
			}
		}
	}
	p.DmaOffset = va + p.Offset
	return nil
}

// Precondition: rm.mu must be locked.
func (rm *RM) mapSparseLocked(c *clientTable, p *MapMemoryDmaParams, s *sparseVA, client, memory nvgpu.Handle) error {
	if p.Length == 0 {
		return fmt.Errorf("sparse map of %v with zero length: %w", p.Memory, rmerr.InvalidArgument)
	}
	pa, memSize, ok := rm.backingLocked(client, memory)
	if !ok {
		return fmt.Errorf("sparse map of %v:%v: %w", client, memory, rmerr.InvalidObject)
	}
	memOff := hostarch.RoundDown(p.Offset, rm.pageSize)
	if memSize != 0 && memOff >= memSize {
		return fmt.Errorf("sparse map offset %#x beyond memory %v:%v of size %#x: %w", p.Offset, client, memory, memSize, rmerr.InvalidLimit)
	}
	length, ok := hostarch.RoundUp(p.Length, rm.pageSize)
	if !ok {
		return fmt.Errorf("sparse map length %#x: %w", p.Length, rmerr.InvalidLimit)
	}
	// Mappings are page-granular, so the last page of memory maps whole.
	if memEnd, _ := hostarch.RoundUp(memSize, rm.pageSize); memSize != 0 && length > memEnd-memOff {
		return fmt.Errorf("sparse map [%#x, +%#x) beyond memory %v:%v of size %#x: %w", memOff, length, client, memory, memSize, rmerr.InvalidLimit)
	}

	target := s.va + memOff
	if p.Flags&nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED != 0 {
		target = hostarch.RoundDown(p.DmaOffset, rm.pageSize)
	}
	end := s.va + s.size
	if target < s.va || target >= end || length > end-target {
		return fmt.Errorf("sparse map [%#x, +%#x) outside [%#x, %#x): %w", target, length, s.va, end, rmerr.InvalidLimit)
	}
	if t := c.sparseMappings[p.Dma]; t != nil && t.Has(sparseMapping{offset: target}) {
		return fmt.Errorf("sparse mapping %v+%#x: %w", p.Dma, target, rmerr.AlreadyExists)
	}

	if err := rm.sparse.EstablishSubMapping(target, pa+memOff, length); err != nil {
		rm.warn.Warningf("fakerm: sparse mapping of %v:%v at %#x failed: %v", client, memory, target, err)
		return fmt.Errorf("sparse map at %#x: %w", target, rmerr.InvalidArgument)
	}
	if err := c.addSparseMapping(p.Dma, sparseMapping{offset: target, length: length, memory: p.Memory}); err != nil {
		panic(fmt.Sprintf("fakerm: %v", err))
	}
	rm.metrics.allocated.WithLabelValues(kindSparseMapping).Inc()
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: mapped %v:%v into sparse VA %v:%v at %#x, length %#x", client, memory, c.handle, p.Dma, target, length)
	}
	p.DmaOffset = target
	return nil
}

// backingLocked returns the backing address and size of memory in client. The
// size is zero if only the VirtualMapper knows the memory.
//
// Precondition: rm.mu must be locked.
func (rm *RM) backingLocked(client, memory nvgpu.Handle) (addr, size uint64, ok bool) {
	if src, ok := rm.clients[client]; ok {
		if m, ok := src.memory[memory]; ok {
			return m.addr, m.size, true
		}
	}
	addr, ok = rm.mapper.LookupBackingAddress(client, memory)
	return addr, 0, ok
}

// UnmapMemoryDmaParams holds the arguments of UnmapMemoryDma.
type UnmapMemoryDmaParams struct {
	Client    nvgpu.Handle
	Device    nvgpu.Handle
	Dma       nvgpu.Handle
	Memory    nvgpu.Handle
	Flags     uint32
	DmaOffset uint64
}

// UnmapMemoryDma tears down the sparse sub-mapping recorded under (p.Dma,
// p.DmaOffset), if any, and destroys any plain virtual mapping at
// p.DmaOffset.
func (rm *RM) UnmapMemoryDma(p *UnmapMemoryDmaParams) error {
	if err := rm.lockLive(); err != nil {
		return rm.metrics.observe("unmap_memory_dma", err)
	}
	defer rm.mu.Unlock()
	if c, ok := rm.clients[p.Client]; ok {
		if m, ok := c.removeSparseMapping(p.Dma, p.DmaOffset); ok {
			immediate := p.Flags&nvgpu.NVOS47_FLAGS_DEFER_TLB_INVALIDATION == 0
			rm.sparse.TeardownSubMapping(m.offset, m.length, immediate)
			rm.metrics.freed.WithLabelValues(kindSparseMapping).Inc()
			if rm.log.IsLogging(log.Debug) {
				rm.log.Debugf("fakerm: unmapped %v:%v from sparse VA %v at %#x", p.Client, m.memory, p.Dma, m.offset)
			}
		}
	}
	rm.mapper.DestroyMapping(p.DmaOffset)
	return nil
}
