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
	"github.com/google/btree"
	"mods.dev/mods/pkg/hostarch"
)

// extent is the half-open range [start, end).
type extent struct {
	start uint64
	end   uint64
}

func extentLess(a, b extent) bool {
	return a.start < b.start
}

// rangeAllocator is a first-fit allocator over a fixed range. Free extents
// are kept sorted by address and coalesced on release.
//
// rangeAllocator is not synchronized.
type rangeAllocator struct {
	free  *btree.BTreeG[extent]
	used  map[uint64]uint64
	inUse uint64
}

func newRangeAllocator(base, size uint64) *rangeAllocator {
	r := &rangeAllocator{
		free: btree.NewG[extent](8, extentLess),
		used: make(map[uint64]uint64),
	}
	r.free.ReplaceOrInsert(extent{start: base, end: base + size})
	return r
}

// alloc returns the lowest address of a free block of size bytes aligned to
// align, which must be a power of two.
func (r *rangeAllocator) alloc(size, align uint64) (uint64, bool) {
	var (
		found extent
		start uint64
		ok    bool
	)
	r.free.Ascend(func(e extent) bool {
		s, rok := hostarch.RoundUp(e.start, align)
		if !rok || s >= e.end || e.end-s < size {
			return true
		}
		found, start, ok = e, s, true
		return false
	})
	if !ok {
		return 0, false
	}
	r.free.Delete(found)
	if start > found.start {
		r.free.ReplaceOrInsert(extent{start: found.start, end: start})
	}
	if end := start + size; end < found.end {
		r.free.ReplaceOrInsert(extent{start: end, end: found.end})
	}
	r.used[start] = size
	r.inUse += size
	return start, true
}

// release frees the block at addr and returns its size.
func (r *rangeAllocator) release(addr uint64) (uint64, bool) {
	size, ok := r.used[addr]
	if !ok {
		return 0, false
	}
	delete(r.used, addr)
	r.inUse -= size

	e := extent{start: addr, end: addr + size}
	var prev, next extent
	var hasPrev, hasNext bool
	r.free.DescendLessOrEqual(extent{start: e.start}, func(p extent) bool {
		prev, hasPrev = p, p.end == e.start
		return false
	})
	r.free.AscendGreaterOrEqual(extent{start: e.end}, func(n extent) bool {
		next, hasNext = n, n.start == e.end
		return false
	})
	if hasPrev {
		r.free.Delete(prev)
		e.start = prev.start
	}
	if hasNext {
		r.free.Delete(next)
		e.end = next.end
	}
	r.free.ReplaceOrInsert(e)
	return size, true
}

// freeExtents returns the number of free extents.
func (r *rangeAllocator) freeExtents() int {
	return r.free.Len()
}
