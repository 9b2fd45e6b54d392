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
	"sort"

	"github.com/google/btree"
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
)

// memoryAllocation is a system memory allocation backed by the
// MemoryAllocator.
type memoryAllocation struct {
	parent nvgpu.Handle
	addr   uint64
	size   uint64
}

// virtualMapping is the GPU virtual address of a memory allocation.
type virtualMapping struct {
	parent nvgpu.Handle
	va     uint64
}

// sparseVA is a sparse virtual address reservation.
type sparseVA struct {
	parent nvgpu.Handle
	va     uint64
	size   uint64
}

// sparseMapping is a sub-mapping of memory into a sparse VA reservation.
type sparseMapping struct {
	// offset is the DMA offset of the mapping, which is also its virtual
	// address.
	offset uint64
	length uint64
	memory nvgpu.Handle
}

func sparseMappingLess(a, b sparseMapping) bool {
	return a.offset < b.offset
}

// dupObject is an alias of an object, possibly owned by another client.
type dupObject struct {
	client nvgpu.Handle
	object nvgpu.Handle
}

// Counts holds the sizes of a client's resource collections.
type Counts struct {
	Devices           int
	MemoryAllocations int
	VirtualMappings   int
	DuplicateObjects  int
	SparseVAs         int
	SparseMappings    int
}

// Total returns the number of resources held.
func (c Counts) Total() int {
	return c.Devices + c.MemoryAllocations + c.VirtualMappings + c.DuplicateObjects + c.SparseVAs + c.SparseMappings
}

// clientTable holds the resources owned by a single client handle.
//
// clientTable is not synchronized; callers serialize on RM.mu.
type clientTable struct {
	handle nvgpu.Handle

	devices   map[nvgpu.Handle]nvgpu.Handle // device to parent
	memory    map[nvgpu.Handle]memoryAllocation
	mappings  map[nvgpu.Handle]virtualMapping
	sparseVAs map[nvgpu.Handle]sparseVA
	dups      map[nvgpu.Handle]dupObject

	// sparseMappings maps sparse VA handles to the sub-mappings established
	// in them, ordered by DMA offset.
	sparseMappings map[nvgpu.Handle]*btree.BTreeG[sparseMapping]
	numSparse      int

	// children indexes records by parent handle. The value counts the
	// records naming the child, since a single handle may appear in more
	// than one collection.
	children map[nvgpu.Handle]map[nvgpu.Handle]int
}

func newClientTable(h nvgpu.Handle) *clientTable {
	return &clientTable{
		handle:         h,
		devices:        make(map[nvgpu.Handle]nvgpu.Handle),
		memory:         make(map[nvgpu.Handle]memoryAllocation),
		mappings:       make(map[nvgpu.Handle]virtualMapping),
		sparseVAs:      make(map[nvgpu.Handle]sparseVA),
		dups:           make(map[nvgpu.Handle]dupObject),
		sparseMappings: make(map[nvgpu.Handle]*btree.BTreeG[sparseMapping]),
		children:       make(map[nvgpu.Handle]map[nvgpu.Handle]int),
	}
}

func (c *clientTable) link(parent, child nvgpu.Handle) {
	if parent == nvgpu.NV01_NULL_OBJECT {
		return
	}
	cs := c.children[parent]
	if cs == nil {
		cs = make(map[nvgpu.Handle]int)
		c.children[parent] = cs
	}
	cs[child]++
}

func (c *clientTable) unlink(parent, child nvgpu.Handle) {
	cs := c.children[parent]
	if cs == nil {
		return
	}
	if cs[child]--; cs[child] <= 0 {
		delete(cs, child)
	}
	if len(cs) == 0 {
		delete(c.children, parent)
	}
}

// addDevice records device h under parent. Adding a known device is a no-op.
func (c *clientTable) addDevice(h, parent nvgpu.Handle) {
	if _, ok := c.devices[h]; ok {
		return
	}
	c.devices[h] = parent
	c.link(parent, h)
}

// checkMemoryUnused returns rmerr.AlreadyExists if h already names a memory
// allocation or a virtual mapping.
func (c *clientTable) checkMemoryUnused(h nvgpu.Handle) error {
	if _, ok := c.memory[h]; ok {
		return fmt.Errorf("memory allocation %v: %w", h, rmerr.AlreadyExists)
	}
	if _, ok := c.mappings[h]; ok {
		return fmt.Errorf("virtual mapping %v: %w", h, rmerr.AlreadyExists)
	}
	return nil
}

func (c *clientTable) addMemoryAllocation(h, parent nvgpu.Handle, addr, size uint64) error {
	if _, ok := c.memory[h]; ok {
		return fmt.Errorf("memory allocation %v: %w", h, rmerr.AlreadyExists)
	}
	c.memory[h] = memoryAllocation{parent: parent, addr: addr, size: size}
	c.link(parent, h)
	return nil
}

func (c *clientTable) addVirtualMapping(h, parent nvgpu.Handle, va uint64) error {
	if _, ok := c.mappings[h]; ok {
		return fmt.Errorf("virtual mapping %v: %w", h, rmerr.AlreadyExists)
	}
	c.mappings[h] = virtualMapping{parent: parent, va: va}
	c.link(parent, h)
	return nil
}

// reserveSparseVA records a sparse VA reservation of size bytes for h, taking
// its address from a. The cursor only advances on success.
func (c *clientTable) reserveSparseVA(h, parent nvgpu.Handle, size uint64, a *sparseVAAllocator) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("empty sparse VA %v: %w", h, rmerr.InvalidArgument)
	}
	if _, ok := c.sparseVAs[h]; ok {
		return 0, fmt.Errorf("sparse VA %v: %w", h, rmerr.AlreadyExists)
	}
	va, ok := a.alloc(size)
	if !ok {
		return 0, fmt.Errorf("sparse VA space exhausted for %#x bytes: %w", size, rmerr.NoMemory)
	}
	c.sparseVAs[h] = sparseVA{parent: parent, va: va, size: size}
	c.link(parent, h)
	return va, nil
}

// removeSparseVA drops the sparse VA reservation h, leaving its sub-mappings
// and any other records named h in place.
func (c *clientTable) removeSparseVA(h nvgpu.Handle) {
	if s, ok := c.sparseVAs[h]; ok {
		delete(c.sparseVAs, h)
		c.unlink(s.parent, h)
	}
}

func (c *clientTable) addSparseMapping(hDma nvgpu.Handle, m sparseMapping) error {
	t := c.sparseMappings[hDma]
	if t == nil {
		t = btree.NewG[sparseMapping](8, sparseMappingLess)
		c.sparseMappings[hDma] = t
	}
	if t.Has(m) {
		return fmt.Errorf("sparse mapping %v+%#x: %w", hDma, m.offset, rmerr.AlreadyExists)
	}
	t.ReplaceOrInsert(m)
	c.numSparse++
	return nil
}

// removeSparseMapping removes the sub-mapping of hDma at offset.
func (c *clientTable) removeSparseMapping(hDma nvgpu.Handle, offset uint64) (sparseMapping, bool) {
	t := c.sparseMappings[hDma]
	if t == nil {
		return sparseMapping{}, false
	}
	m, ok := t.Delete(sparseMapping{offset: offset})
	if !ok {
		return sparseMapping{}, false
	}
	c.numSparse--
	if t.Len() == 0 {
		delete(c.sparseMappings, hDma)
	}
	return m, true
}

// removeSparseMappingsOf removes every sub-mapping of memory h, in whichever
// reservation it was established.
func (c *clientTable) removeSparseMappingsOf(h nvgpu.Handle) []sparseMapping {
	var removed []sparseMapping
	for hDma, t := range c.sparseMappings {
		var offsets []uint64
		t.Ascend(func(m sparseMapping) bool {
			if m.memory == h {
				offsets = append(offsets, m.offset)
			}
			return true
		})
		for _, off := range offsets {
			if m, ok := c.removeSparseMapping(hDma, off); ok {
				removed = append(removed, m)
			}
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].offset < removed[j].offset })
	return removed
}

// addDup records h as an alias of object in client. It returns
// rmerr.AlreadyExists if h already names an alias.
func (c *clientTable) addDup(h, client, object nvgpu.Handle) error {
	if _, ok := c.dups[h]; ok {
		return fmt.Errorf("duplicate object %v: %w", h, rmerr.AlreadyExists)
	}
	c.dups[h] = dupObject{client: client, object: object}
	return nil
}

// removeDupsOf removes every alias of object in client and returns their
// handles.
func (c *clientTable) removeDupsOf(client, object nvgpu.Handle) []nvgpu.Handle {
	var removed []nvgpu.Handle
	for h, d := range c.dups {
		if d.client == client && d.object == object {
			delete(c.dups, h)
			removed = append(removed, h)
		}
	}
	return removed
}

// inUse returns true if any record is keyed by h.
func (c *clientTable) inUse(h nvgpu.Handle) bool {
	if _, ok := c.devices[h]; ok {
		return true
	}
	if _, ok := c.memory[h]; ok {
		return true
	}
	if _, ok := c.mappings[h]; ok {
		return true
	}
	if _, ok := c.sparseVAs[h]; ok {
		return true
	}
	if _, ok := c.dups[h]; ok {
		return true
	}
	_, ok := c.sparseMappings[h]
	return ok
}

// removed describes the records dropped by removeByHandle.
type removed struct {
	device         bool
	sparseMappings []sparseMapping
	sparseVA       *sparseVA
	memory         *memoryAllocation
	mapping        *virtualMapping
	dup            *dupObject
}

func (r *removed) empty() bool {
	return !r.device && len(r.sparseMappings) == 0 && r.sparseVA == nil && r.memory == nil && r.mapping == nil && r.dup == nil
}

// removeByHandle drops every record keyed by h. Records whose parent is h are
// left in place; see findChildrenOf.
func (c *clientTable) removeByHandle(h nvgpu.Handle) removed {
	var r removed
	if parent, ok := c.devices[h]; ok {
		delete(c.devices, h)
		c.unlink(parent, h)
		r.device = true
	}
	if t := c.sparseMappings[h]; t != nil {
		t.Ascend(func(m sparseMapping) bool {
			r.sparseMappings = append(r.sparseMappings, m)
			return true
		})
		c.numSparse -= t.Len()
		delete(c.sparseMappings, h)
	}
	if s, ok := c.sparseVAs[h]; ok {
		delete(c.sparseVAs, h)
		c.unlink(s.parent, h)
		r.sparseVA = &s
	}
	if m, ok := c.memory[h]; ok {
		delete(c.memory, h)
		c.unlink(m.parent, h)
		r.memory = &m
	}
	if m, ok := c.mappings[h]; ok {
		delete(c.mappings, h)
		c.unlink(m.parent, h)
		r.mapping = &m
	}
	if d, ok := c.dups[h]; ok {
		delete(c.dups, h)
		r.dup = &d
	}
	return r
}

// findChildrenOf returns the handles of records whose parent is h, in
// increasing order.
func (c *clientTable) findChildrenOf(h nvgpu.Handle) []nvgpu.Handle {
	cs := c.children[h]
	if len(cs) == 0 {
		return nil
	}
	hs := make([]nvgpu.Handle, 0, len(cs))
	for child := range cs {
		hs = append(hs, child)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

func (c *clientTable) counts() Counts {
	return Counts{
		Devices:           len(c.devices),
		MemoryAllocations: len(c.memory),
		VirtualMappings:   len(c.mappings),
		DuplicateObjects:  len(c.dups),
		SparseVAs:         len(c.sparseVAs),
		SparseMappings:    c.numSparse,
	}
}
