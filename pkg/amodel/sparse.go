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

	"github.com/google/btree"
	"mods.dev/mods/pkg/hostarch"
)

type subMapping struct {
	va   uint64
	pa   uint64
	size uint64
}

func subMappingLess(a, b subMapping) bool {
	return a.va < b.va
}

// SparseStats holds SparseMMU counters.
type SparseStats struct {
	Ranges      int
	SubMappings int

	// Invalidations counts teardowns with immediate TLB invalidation;
	// DeferredInvalidations counts the rest.
	Invalidations         uint64
	DeferredInvalidations uint64
}

// SparseMMU is a simulated sparse address space. Ranges are reserved up
// front and populated with page-granular sub-mappings.
type SparseMMU struct {
	pageSize uint64

	mu       sync.Mutex
	ranges   *btree.BTreeG[extent]
	subs     *btree.BTreeG[subMapping]
	immed    uint64
	deferred uint64
}

// NewSparseMMU returns an empty SparseMMU.
func NewSparseMMU(pageSize uint64) *SparseMMU {
	return &SparseMMU{
		pageSize: pageSize,
		ranges:   btree.NewG[extent](8, extentLess),
		subs:     btree.NewG[subMapping](8, subMappingLess),
	}
}

// ReserveRange reserves [va, va+size).
func (s *SparseMMU) ReserveRange(va, size uint64) error {
	end := va + size
	if size == 0 || end < va {
		return fmt.Errorf("sparse range [%#x, +%#x): %w", va, size, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if overlaps(s.ranges, extent{start: va, end: end}) {
		return fmt.Errorf("sparse range [%#x, %#x): %w", va, end, ErrOverlap)
	}
	s.ranges.ReplaceOrInsert(extent{start: va, end: end})
	return nil
}

// overlaps returns true if e intersects any extent in t.
func overlaps(t *btree.BTreeG[extent], e extent) bool {
	hit := false
	t.DescendLessOrEqual(extent{start: e.start}, func(p extent) bool {
		hit = p.end > e.start
		return false
	})
	if hit {
		return true
	}
	t.AscendGreaterOrEqual(extent{start: e.start}, func(n extent) bool {
		hit = n.start < e.end
		return false
	})
	return hit
}

// EstablishSubMapping maps size bytes at pa to va. va must be page aligned
// and [va, va+size) must lie within a single reserved range and not overlap
// another sub-mapping.
func (s *SparseMMU) EstablishSubMapping(va, pa, size uint64) error {
	end := va + size
	if size == 0 || end < va || !hostarch.IsAligned(va, s.pageSize) {
		return fmt.Errorf("sub-mapping [%#x, +%#x): %w", va, size, ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inside := false
	s.ranges.DescendLessOrEqual(extent{start: va}, func(r extent) bool {
		inside = end <= r.end
		return false
	})
	if !inside {
		return fmt.Errorf("sub-mapping [%#x, %#x): %w", va, end, ErrNotReserved)
	}

	conflict := false
	s.subs.DescendLessOrEqual(subMapping{va: va}, func(p subMapping) bool {
		conflict = p.va+p.size > va
		return false
	})
	if !conflict {
		s.subs.AscendGreaterOrEqual(subMapping{va: va}, func(n subMapping) bool {
			conflict = n.va < end
			return false
		})
	}
	if conflict {
		return fmt.Errorf("sub-mapping [%#x, %#x): %w", va, end, ErrOverlap)
	}
	s.subs.ReplaceOrInsert(subMapping{va: va, pa: pa, size: size})
	return nil
}

// TeardownSubMapping removes the sub-mapping at va.
func (s *SparseMMU) TeardownSubMapping(va, size uint64, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs.Delete(subMapping{va: va}); !ok {
		return
	}
	if immediate {
		s.immed++
	} else {
		s.deferred++
	}
}

// ReleaseRange releases the range starting at va and every sub-mapping in
// it.
func (s *SparseMMU) ReleaseRange(va uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ranges.Delete(extent{start: va})
	if !ok {
		return
	}
	var stale []subMapping
	s.subs.AscendRange(subMapping{va: r.start}, subMapping{va: r.end}, func(m subMapping) bool {
		stale = append(stale, m)
		return true
	})
	for _, m := range stale {
		s.subs.Delete(m)
	}
}

// Translate returns the backing address for va.
func (s *SparseMMU) Translate(va uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		pa uint64
		ok bool
	)
	s.subs.DescendLessOrEqual(subMapping{va: va}, func(m subMapping) bool {
		if va < m.va+m.size {
			pa, ok = m.pa+(va-m.va), true
		}
		return false
	})
	return pa, ok
}

// Stats returns a snapshot of s's counters.
func (s *SparseMMU) Stats() SparseStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SparseStats{
		Ranges:                s.ranges.Len(),
		SubMappings:           s.subs.Len(),
		Invalidations:         s.immed,
		DeferredInvalidations: s.deferred,
	}
}
