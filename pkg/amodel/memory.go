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

	"mods.dev/mods/pkg/hostarch"
)

// Memory is a simulated backing store. Addresses are handed out from
// [base, base+size) and never dereferenced.
type Memory struct {
	mu     sync.Mutex
	ranges *rangeAllocator
}

// NewMemory returns a Memory covering [base, base+size). base must be
// non-zero, since a zero address signals allocation failure to the resource
// manager.
func NewMemory(base, size uint64) (*Memory, error) {
	if base == 0 || size == 0 || base+size < base {
		return nil, fmt.Errorf("backing range [%#x, +%#x): %w", base, size, ErrInvalid)
	}
	return &Memory{ranges: newRangeAllocator(base, size)}, nil
}

// Allocate implements Allocator.Allocate.
func (m *Memory) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation: %w", ErrInvalid)
	}
	if alignment == 0 {
		alignment = 1
	}
	if !hostarch.IsPowerOfTwo(alignment) {
		return 0, fmt.Errorf("alignment %#x: %w", alignment, ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.ranges.alloc(size, alignment)
	if !ok {
		return 0, fmt.Errorf("allocating %#x bytes: %w", size, ErrNoSpace)
	}
	return addr, nil
}

// Release implements Allocator.Release.
func (m *Memory) Release(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges.release(addr)
}

// InUse returns the number of bytes allocated.
func (m *Memory) InUse() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranges.inUse
}

// Allocations returns the number of live allocations.
func (m *Memory) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ranges.used)
}
