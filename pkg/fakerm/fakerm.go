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

// Package fakerm implements a software resource manager that emulates the
// object allocation semantics of the Nvidia GPU driver for architectural
// simulators. It tracks per-client handles, memory allocations, virtual
// mappings, sparse virtual address reservations and duplicated objects,
// enforces creation and destruction ordering, cascades frees from parents to
// children, and reports leaked resources at shutdown.
//
// Backing store, address translation and class-specific emulation are
// delegated to collaborators supplied in Options; see package amodel for
// simulated implementations.
//
// Lock ordering:
//
//   - RM.mu
//   - collaborator locks
package fakerm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/hostarch"
	"mods.dev/mods/pkg/log"
)

const (
	// DefaultSparseVABase is the first address handed out for sparse VA
	// reservations. It is kept far above the simulator's own address space.
	DefaultSparseVABase = 64 << 30

	// DefaultLocalMemorySize is the preset size reported for local memory
	// classes, which are never backed by the allocator.
	DefaultLocalMemorySize = 256 << 20
)

// MemoryAllocator provides backing store for system memory allocations.
type MemoryAllocator interface {
	// Allocate returns the address of size bytes aligned to alignment.
	Allocate(size, alignment uint64) (uint64, error)

	// Release frees memory returned by Allocate. Releasing an unknown
	// address is a no-op.
	Release(addr uint64)
}

// VirtualMapper translates between memory handles, backing addresses and GPU
// virtual addresses. Memory is identified by (client, memory) handle pairs.
type VirtualMapper interface {
	// CreateMapping maps size bytes of backing store at addr and returns the
	// GPU virtual address of the mapping.
	CreateMapping(client, memory nvgpu.Handle, addr, size uint64, attr, attr2, typ uint32) (uint64, error)

	// DestroyMapping removes the mapping at va. Destroying an unknown
	// mapping is a no-op.
	DestroyMapping(va uint64)

	// LookupBackingAddress returns the backing address of memory.
	LookupBackingAddress(client, memory nvgpu.Handle) (uint64, bool)

	// LookupVirtualAddress returns the GPU virtual address of memory.
	LookupVirtualAddress(client, memory nvgpu.Handle) (uint64, bool)
}

// SparseMapper manages sparse virtual address ranges and their
// discontiguous sub-mappings.
type SparseMapper interface {
	// ReserveRange reserves [va, va+size).
	ReserveRange(va, size uint64) error

	// EstablishSubMapping maps size bytes at pa to va, which must lie in a
	// reserved range.
	EstablishSubMapping(va, pa, size uint64) error

	// TeardownSubMapping removes the sub-mapping at va. If immediate is
	// true, TLB invalidation is not deferred.
	TeardownSubMapping(va, size uint64, immediate bool)

	// ReleaseRange releases the range starting at va along with any
	// sub-mappings still inside it.
	ReleaseRange(va uint64)
}

// ObjectAllocator performs class-specific emulation for classes the resource
// manager does not model itself.
type ObjectAllocator interface {
	AllocObject(parent, object nvgpu.Handle, class nvgpu.ClassID, params any) error
}

// Options holds arguments to New.
type Options struct {
	// Memory, Mapper, Sparse and Objects are the collaborators. All are
	// required.
	Memory  MemoryAllocator
	Mapper  VirtualMapper
	Sparse  SparseMapper
	Objects ObjectAllocator

	// SparseVABase is the base of the sparse VA bump allocator. If zero,
	// DefaultSparseVABase is used.
	SparseVABase uint64

	// PageSize is the platform page size. If zero, hostarch.PageSize is
	// used.
	PageSize uint64

	// LocalMemorySize is the preset size of local memory. If zero,
	// DefaultLocalMemorySize is used.
	LocalMemorySize uint64

	// Logger receives diagnostics. If nil, the global logger is used.
	Logger log.Logger
}

// RM is the resource manager facade. All methods are safe for concurrent use.
type RM struct {
	memory  MemoryAllocator
	mapper  VirtualMapper
	sparse  SparseMapper
	objects ObjectAllocator

	sparseVABase    uint64
	pageSize        uint64
	localMemorySize uint64

	log log.Logger
	// warn is used for warnings that untrusted callers can trigger at will.
	warn    log.Logger
	metrics *metrics

	mu sync.Mutex
	// These fields are protected by mu.
	handles   handleAllocator
	clients   map[nvgpu.Handle]*clientTable
	sparseVA  sparseVAAllocator
	destroyed bool
	final     *Report
}

// New returns a new, initialized RM.
func New(opts Options) (*RM, error) {
	if opts.Memory == nil || opts.Mapper == nil || opts.Sparse == nil || opts.Objects == nil {
		return nil, fmt.Errorf("fakerm: all collaborators must be provided")
	}
	rm := &RM{
		memory:          opts.Memory,
		mapper:          opts.Mapper,
		sparse:          opts.Sparse,
		objects:         opts.Objects,
		sparseVABase:    opts.SparseVABase,
		pageSize:        opts.PageSize,
		localMemorySize: opts.LocalMemorySize,
		log:             opts.Logger,
		metrics:         newMetrics(),
	}
	if rm.sparseVABase == 0 {
		rm.sparseVABase = DefaultSparseVABase
	}
	if rm.pageSize == 0 {
		rm.pageSize = hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(rm.pageSize) {
		return nil, fmt.Errorf("fakerm: page size %#x is not a power of two", rm.pageSize)
	}
	if rm.localMemorySize == 0 {
		rm.localMemorySize = DefaultLocalMemorySize
	}
	if rm.log == nil {
		rm.log = log.Log()
	}
	rm.warn = log.BurstRateLimitedLogger(rm.log, time.Second, 10)
	rm.reset()
	return rm, nil
}

// Precondition: rm.mu must be locked, or rm must not yet be shared.
func (rm *RM) reset() {
	rm.handles = newHandleAllocator()
	rm.clients = make(map[nvgpu.Handle]*clientTable)
	rm.sparseVA = sparseVAAllocator{next: rm.sparseVABase}
	rm.destroyed = false
	rm.final = nil
}

// Initialize makes a destroyed RM usable again with empty tables and fresh
// handle counters. It fails with rmerr.InvalidState if rm has not been
// destroyed; New returns an RM that is already initialized.
func (rm *RM) Initialize() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.destroyed {
		return fmt.Errorf("fakerm: initialize of live resource manager: %w", rmerr.InvalidState)
	}
	rm.reset()
	rm.log.Infof("fakerm: initialized")
	return nil
}

// PageSize returns the platform page size used by rm.
func (rm *RM) PageSize() uint64 {
	return rm.pageSize
}

// SparseVABase returns the base of the sparse VA allocator.
func (rm *RM) SparseVABase() uint64 {
	return rm.sparseVABase
}

// lockLive locks rm.mu and checks that rm has not been destroyed. On success
// the caller must unlock rm.mu.
func (rm *RM) lockLive() error {
	rm.mu.Lock()
	if rm.destroyed {
		rm.mu.Unlock()
		return rmerr.InvalidState
	}
	return nil
}

// client returns the table for h, creating it on first reference.
//
// Precondition: rm.mu must be locked.
func (rm *RM) client(h nvgpu.Handle) *clientTable {
	c := rm.clients[h]
	if c == nil {
		c = newClientTable(h)
		rm.clients[h] = c
		rm.metrics.allocated.WithLabelValues(kindClient).Inc()
	}
	return c
}

// clientHandles returns the handles of all clients in increasing order.
//
// Precondition: rm.mu must be locked.
func (rm *RM) clientHandles() []nvgpu.Handle {
	hs := make([]nvgpu.Handle, 0, len(rm.clients))
	for h := range rm.clients {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Counts returns the sizes of the resource collections of client h.
func (rm *RM) Counts(h nvgpu.Handle) (Counts, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	c, ok := rm.clients[h]
	if !ok {
		return Counts{}, false
	}
	return c.counts(), true
}

// Clients returns the handles of all known clients in increasing order.
func (rm *RM) Clients() []nvgpu.Handle {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.clientHandles()
}
