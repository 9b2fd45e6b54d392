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

package amodel

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"mods.dev/mods/pkg/hostarch"
)

// HostMemory is a backing store of anonymous host mappings. Each allocation
// is a separate mapping, so addresses may be dereferenced by the simulator.
type HostMemory struct {
	capacity uint64

	mu      sync.Mutex
	regions map[uint64]uint64
	inUse   uint64
}

// NewHostMemory returns a HostMemory that maps at most capacity bytes.
func NewHostMemory(capacity uint64) *HostMemory {
	return &HostMemory{
		capacity: capacity,
		regions:  make(map[uint64]uint64),
	}
}

// Allocate implements Allocator.Allocate.
func (h *HostMemory) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation: %w", ErrInvalid)
	}
	if alignment < hostarch.PageSize {
		alignment = hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(alignment) {
		return 0, fmt.Errorf("alignment %#x: %w", alignment, ErrInvalid)
	}
	size, ok := hostarch.RoundUp(size, hostarch.PageSize)
	if !ok {
		return 0, fmt.Errorf("allocating %#x bytes: %w", size, ErrInvalid)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse+size > h.capacity || h.inUse+size < h.inUse {
		return 0, fmt.Errorf("allocating %#x bytes with %#x of %#x in use: %w", size, h.inUse, h.capacity, ErrNoSpace)
	}

	// Over-allocate so that an aligned block fits, then trim the slack.
	length := size + alignment - hostarch.PageSize
	p, err := unix.MmapPtr(-1, 0, nil, uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("mmap of %#x bytes failed: %v: %w", length, err, ErrNoSpace)
	}
	start := uint64(uintptr(p))
	addr, _ := hostarch.RoundUp(start, alignment)
	if head := addr - start; head > 0 {
		unix.MunmapPtr(p, uintptr(head))
	}
	if tail := start + length - (addr + size); tail > 0 {
		unix.MunmapPtr(unsafe.Pointer(uintptr(addr+size)), uintptr(tail))
	}
	h.regions[addr] = size
	h.inUse += size
	return addr, nil
}

// Release implements Allocator.Release.
func (h *HostMemory) Release(addr uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.regions[addr]
	if !ok {
		return
	}
	delete(h.regions, addr)
	h.inUse -= size
	unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size))
}

// Slice returns the bytes of the allocation at addr.
//
// Preconditions: addr must have been returned by Allocate and not yet
// released.
func (h *HostMemory) Slice(addr uint64) []byte {
	h.mu.Lock()
	size := h.regions[addr]
	h.mu.Unlock()
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// InUse returns the number of bytes mapped.
func (h *HostMemory) InUse() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

// Close unmaps every allocation.
func (h *HostMemory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for addr, size := range h.regions {
		if err := unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size)); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.regions, addr)
	}
	h.inUse = 0
	return firstErr
}
