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
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/hostarch"
)

// Key identifies memory by its owning client and memory handle.
type Key struct {
	Client nvgpu.Handle
	Memory nvgpu.Handle
}

// Mapping is a GPU virtual mapping of backing store.
type Mapping struct {
	Key   Key
	VA    uint64
	PA    uint64
	Size  uint64
	Attr  uint32
	Attr2 uint32
	Type  uint32
}

func mappingLess(a, b *Mapping) bool {
	return a.VA < b.VA
}

// MMU is a simulated GPU virtual address mapper. Virtual addresses are
// handed out by a bump allocator and are never reused, so a stale address
// can never name a newer mapping.
type MMU struct {
	pageSize uint64

	mu    sync.Mutex
	next  uint64
	end   uint64
	byKey map[Key]*Mapping
	byVA  *btree.BTreeG[*Mapping]
}

// NewMMU returns an MMU handing out addresses from [base, base+size).
func NewMMU(base, size, pageSize uint64) (*MMU, error) {
	if base == 0 || base+size < base || !hostarch.IsAligned(base, pageSize) {
		return nil, fmt.Errorf("VA range [%#x, +%#x): %w", base, size, ErrInvalid)
	}
	return &MMU{
		pageSize: pageSize,
		next:     base,
		end:      base + size,
		byKey:    make(map[Key]*Mapping),
		byVA:     btree.NewG[*Mapping](8, mappingLess),
	}, nil
}

// CreateMapping maps size bytes at addr for (client, memory) and returns the
// virtual address of the mapping.
func (m *MMU) CreateMapping(client, memory nvgpu.Handle, addr, size uint64, attr, attr2, typ uint32) (uint64, error) {
	key := Key{Client: client, Memory: memory}
	if size == 0 {
		return 0, fmt.Errorf("zero-sized mapping of %v: %w", key, ErrInvalid)
	}
	length, ok := hostarch.RoundUp(size, m.pageSize)
	if !ok {
		return 0, fmt.Errorf("mapping %#x bytes: %w", size, ErrInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; ok {
		return 0, fmt.Errorf("mapping of %v: %w", key, ErrExists)
	}
	if length > m.end-m.next {
		return 0, fmt.Errorf("mapping %#x bytes: %w", length, ErrNoSpace)
	}
	mp := &Mapping{
		Key:   key,
		VA:    m.next,
		PA:    addr,
		Size:  length,
		Attr:  attr,
		Attr2: attr2,
		Type:  typ,
	}
	m.next += length
	m.byKey[key] = mp
	m.byVA.ReplaceOrInsert(mp)
	return mp.VA, nil
}

// DestroyMapping removes the mapping starting at va, if any.
func (m *MMU) DestroyMapping(va uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byVA.Delete(&Mapping{VA: va})
	if !ok {
		return
	}
	delete(m.byKey, mp.Key)
}

// LookupBackingAddress returns the backing address mapped for (client,
// memory).
func (m *MMU) LookupBackingAddress(client, memory nvgpu.Handle) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byKey[Key{Client: client, Memory: memory}]
	if !ok {
		return 0, false
	}
	return mp.PA, true
}

// LookupVirtualAddress returns the virtual address mapped for (client,
// memory).
func (m *MMU) LookupVirtualAddress(client, memory nvgpu.Handle) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.byKey[Key{Client: client, Memory: memory}]
	if !ok {
		return 0, false
	}
	return mp.VA, true
}

// Translate returns the backing address for va.
func (m *MMU) Translate(va uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		pa uint64
		ok bool
	)
	m.byVA.DescendLessOrEqual(&Mapping{VA: va}, func(mp *Mapping) bool {
		if va < mp.VA+mp.Size {
			pa, ok = mp.PA+(va-mp.VA), true
		}
		return false
	})
	return pa, ok
}

// Len returns the number of live mappings.
func (m *MMU) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byVA.Len()
}
