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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/amodel"
	"mods.dev/mods/pkg/errors/rmerr"
)

func TestAllocClasses(t *testing.T) {
	rm := newTestRM(t)
	for _, tc := range []struct {
		name   string
		parent nvgpu.Handle
		object nvgpu.Handle
		class  nvgpu.ClassID
		want   error
	}{
		{name: "device", parent: 1, object: 0x100, class: nvgpu.NV01_DEVICE_0},
		{name: "device again", parent: 1, object: 0x100, class: nvgpu.NV01_DEVICE_0},
		{name: "subdevice", parent: 0x100, object: 0x101, class: nvgpu.NV20_SUBDEVICE_0},
		{name: "vaspace", parent: 0x100, object: 0x102, class: nvgpu.FERMI_VASPACE_A},
		{name: "virtual memory", parent: 0x100, object: 0x103, class: nvgpu.NV01_MEMORY_VIRTUAL},
		{name: "channel", parent: 0x100, object: 0x104, class: nvgpu.AMPERE_CHANNEL_GPFIFO_A},
		{name: "compute", parent: 0x104, object: 0x105, class: nvgpu.AMPERE_COMPUTE_A},
		{name: "compute again", parent: 0x104, object: 0x105, class: nvgpu.AMPERE_COMPUTE_A, want: rmerr.AlreadyExists},
		{name: "unmodeled", parent: 0x104, object: 0x106, class: nvgpu.ClassID(0xbeef), want: rmerr.OperatingSystem},
		{name: "event", parent: 0x100, object: 0x107, class: nvgpu.NV01_EVENT_OS_EVENT, want: rmerr.OperatingSystem},
		{name: "null handle", parent: 0x100, object: nvgpu.NV01_NULL_OBJECT, class: nvgpu.NV01_DEVICE_0, want: rmerr.InvalidObject},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := rm.Alloc(1, tc.parent, tc.object, tc.class, nil); !errors.Is(err, tc.want) {
				t.Errorf("Alloc(%v) got err %v, want %v", tc.class, err, tc.want)
			}
		})
	}
	if diff := cmp.Diff(Counts{Devices: 1}, rm.mustCounts(t, 1)); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if got := rm.chip.Objects.Len(); got != 1 {
		t.Errorf("object allocator holds %d objects, want 1", got)
	}
}

func TestAllocRootClass(t *testing.T) {
	rm := newTestRM(t)
	if err := rm.Alloc(0, 0, 1, nvgpu.NV01_ROOT_CLIENT, nil); err != nil {
		t.Fatalf("Alloc of root client failed: %v", err)
	}
	if err := rm.Alloc(0, 0, 1, nvgpu.NV01_ROOT, nil); !errors.Is(err, rmerr.AlreadyExists) {
		t.Errorf("second Alloc of root got err %v, want %v", err, rmerr.AlreadyExists)
	}
	// AllocRoot never hands out a handle that is already a client.
	h, err := rm.AllocRoot()
	if err != nil {
		t.Fatalf("AllocRoot failed: %v", err)
	}
	if h != 2 {
		t.Errorf("AllocRoot got %v, want 0x2", h)
	}
	if diff := cmp.Diff([]nvgpu.Handle{1, 2}, rm.Clients()); diff != "" {
		t.Errorf("clients mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocMemoryClasses(t *testing.T) {
	rm := newTestRM(t)
	for _, tc := range []struct {
		name   string
		params AllocMemoryParams
		want   AllocMemoryParams
		err    error
	}{
		{
			name:   "query only",
			params: AllocMemoryParams{Client: 1, Memory: 0x200, Class: nvgpu.NV01_MEMORY_SYSTEM, Flags: nvgpu.NVOS02_FLAGS_ALLOC_NONE << nvgpu.NVOS02_FLAGS_ALLOC_SHIFT, Address: 0x1234, Limit: 0xfff},
			want:   AllocMemoryParams{Client: 1, Memory: 0x200, Class: nvgpu.NV01_MEMORY_SYSTEM, Flags: nvgpu.NVOS02_FLAGS_ALLOC_NONE << nvgpu.NVOS02_FLAGS_ALLOC_SHIFT, Limit: 0xfff},
		},
		{
			name:   "local user",
			params: AllocMemoryParams{Client: 1, Memory: 0x201, Class: nvgpu.NV01_MEMORY_LOCAL_USER, Limit: 0xfff},
			want:   AllocMemoryParams{Client: 1, Memory: 0x201, Class: nvgpu.NV01_MEMORY_LOCAL_USER, Limit: DefaultLocalMemorySize - 1},
		},
		{
			name:   "local privileged",
			params: AllocMemoryParams{Client: 1, Memory: 0x202, Class: nvgpu.NV01_MEMORY_LOCAL_PRIVILEGED},
			want:   AllocMemoryParams{Client: 1, Memory: 0x202, Class: nvgpu.NV01_MEMORY_LOCAL_PRIVILEGED, Limit: DefaultLocalMemorySize - 1},
		},
		{
			name:   "virtual",
			params: AllocMemoryParams{Client: 1, Memory: 0x203, Class: nvgpu.NV01_MEMORY_VIRTUAL, Limit: 0xfff},
			want:   AllocMemoryParams{Client: 1, Memory: 0x203, Class: nvgpu.NV01_MEMORY_VIRTUAL, Limit: 0xfff},
			err:    rmerr.OperatingSystem,
		},
		{
			name:   "null handle",
			params: AllocMemoryParams{Client: 1, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: 0xfff},
			want:   AllocMemoryParams{Client: 1, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: 0xfff},
			err:    rmerr.InvalidObject,
		},
		{
			name:   "limit overflow",
			params: AllocMemoryParams{Client: 1, Memory: 0x204, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: ^uint64(0)},
			want:   AllocMemoryParams{Client: 1, Memory: 0x204, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: ^uint64(0)},
			err:    rmerr.InvalidLimit,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.params
			if err := rm.AllocMemory(&p); !errors.Is(err, tc.err) {
				t.Fatalf("AllocMemory got err %v, want %v", err, tc.err)
			}
			if diff := cmp.Diff(tc.want, p); diff != "" {
				t.Errorf("params mismatch (-want +got):\n%s", diff)
			}
		})
	}
	if c, ok := rm.Counts(1); ok && c.Total() != 0 {
		t.Errorf("counts got %+v, want none", c)
	}
}

func TestVidHeapControl(t *testing.T) {
	rm := newTestRM(t)
	p := &VidHeapParams{Client: 1, Parent: 0x100, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x200, Size: 0x3000}
	if err := rm.VidHeapControl(p); err != nil {
		t.Fatalf("VidHeapControl failed: %v", err)
	}
	if p.Address == 0 || p.Offset == 0 || p.Limit != 0x2fff {
		t.Errorf("VidHeapControl got address %#x offset %#x limit %#x", p.Address, p.Offset, p.Limit)
	}
	if pa, ok := rm.chip.MMU.Translate(p.Offset + 0x2000); !ok || pa != p.Address+0x2000 {
		t.Errorf("Translate got (%#x, %t), want (%#x, true)", pa, ok, p.Address+0x2000)
	}

	tiled := &VidHeapParams{Client: 1, Parent: 0x100, Function: nvgpu.NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT, Memory: 0x201, Height: 4, Pitch: 0x400, Alignment: 0x10000}
	if err := rm.VidHeapControl(tiled); err != nil {
		t.Fatalf("tiled VidHeapControl failed: %v", err)
	}
	if tiled.Size != 0x1000 || tiled.Limit != 0xfff {
		t.Errorf("tiled VidHeapControl got size %#x limit %#x, want 0x1000 and 0xfff", tiled.Size, tiled.Limit)
	}
	if tiled.Address%0x10000 != 0 {
		t.Errorf("tiled VidHeapControl got address %#x, want 64K alignment", tiled.Address)
	}

	for _, tc := range []struct {
		name   string
		params VidHeapParams
		want   error
	}{
		{name: "info", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_INFO, Memory: 0x300}, want: rmerr.UnsupportedFunction},
		{name: "free", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_FREE, Memory: 0x200}, want: rmerr.UnsupportedFunction},
		{name: "zero size", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x300}, want: rmerr.InvalidArgument},
		{name: "zero pitch", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT, Memory: 0x300, Height: 4}, want: rmerr.InvalidArgument},
		{name: "bad alignment", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x300, Size: 0x1000, Alignment: 0x3000}, want: rmerr.InvalidArgument},
		{name: "duplicate", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x200, Size: 0x1000}, want: rmerr.AlreadyExists},
		{name: "duplicate sparse", params: VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x400, Flags: nvgpu.NVOS32_ALLOC_FLAGS_SPARSE, Size: 0x1000}, want: rmerr.AlreadyExists},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.name == "duplicate sparse" {
				rm.reserveSparse(t, 1, 0x100, 0x400, 0x1000)
			}
			p := tc.params
			if err := rm.VidHeapControl(&p); !errors.Is(err, tc.want) {
				t.Errorf("VidHeapControl got err %v, want %v", err, tc.want)
			}
		})
	}
	want := Counts{MemoryAllocations: 2, VirtualMappings: 2, SparseVAs: 1}
	if diff := cmp.Diff(want, rm.mustCounts(t, 1)); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
}

// Two sparse reservations of 4096 and 8192 bytes land at B and B+4096.
func TestVidHeapSparse(t *testing.T) {
	rm := newTestRM(t)
	first := rm.reserveSparse(t, 1, 0x100, 0x300, 4096)
	second := rm.reserveSparse(t, 1, 0x100, 0x301, 8192)
	if first != DefaultSparseVABase || second != DefaultSparseVABase+4096 {
		t.Errorf("sparse reservations got %#x, %#x; want %#x, %#x", first, second, uint64(DefaultSparseVABase), uint64(DefaultSparseVABase+4096))
	}
	// The cursor is shared by all clients.
	if third := rm.reserveSparse(t, 2, 0x100, 0x300, 4096); third != DefaultSparseVABase+3*4096 {
		t.Errorf("sparse reservation of second client got %#x, want %#x", third, uint64(DefaultSparseVABase+3*4096))
	}
	if diff := cmp.Diff(amodel.SparseStats{Ranges: 3}, rm.chip.Sparse.Stats()); diff != "" {
		t.Errorf("sparse stats mismatch (-want +got):\n%s", diff)
	}
}

func TestSparseMapUnmap(t *testing.T) {
	rm := newTestRM(t)
	rm.mustDevice(t, 1, 0x100)
	mem := rm.allocSystem(t, 1, 0x100, 0x200, 0x2000)
	base := rm.reserveSparse(t, 1, 0x100, 0x300, 0x10000)

	m := &MapMemoryDmaParams{Client: 1, Device: 0x100, Dma: 0x300, Memory: 0x200, Offset: 0x1010, Length: 0x800}
	if err := rm.MapMemoryDma(m); err != nil {
		t.Fatalf("MapMemoryDma failed: %v", err)
	}
	if m.DmaOffset != base+0x1000 {
		t.Errorf("MapMemoryDma got offset %#x, want %#x", m.DmaOffset, base+0x1000)
	}
	if pa, ok := rm.chip.Sparse.Translate(m.DmaOffset); !ok || pa != mem.Address+0x1000 {
		t.Errorf("Translate got (%#x, %t), want (%#x, true)", pa, ok, mem.Address+0x1000)
	}

	fixed := &MapMemoryDmaParams{Client: 1, Device: 0x100, Dma: 0x300, Memory: 0x200, Length: 0x1000, Flags: nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED, DmaOffset: base + 0x8000}
	if err := rm.MapMemoryDma(fixed); err != nil {
		t.Fatalf("fixed MapMemoryDma failed: %v", err)
	}
	if fixed.DmaOffset != base+0x8000 {
		t.Errorf("fixed MapMemoryDma got offset %#x, want %#x", fixed.DmaOffset, base+0x8000)
	}

	for _, tc := range []struct {
		name   string
		params MapMemoryDmaParams
		want   error
	}{
		{name: "same offset", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Offset: 0x1000, Length: 0x1000}, want: rmerr.AlreadyExists},
		{name: "beyond memory", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Offset: 0x2000, Length: 0x1000}, want: rmerr.InvalidLimit},
		{name: "past end of memory", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Offset: 0x1000, Length: 0x2000}, want: rmerr.InvalidLimit},
		{name: "larger than memory", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Length: 0x4000}, want: rmerr.InvalidLimit},
		{name: "beyond reservation", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Length: 0x2000, Flags: nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED, DmaOffset: base + 0xf000}, want: rmerr.InvalidLimit},
		{name: "fixed outside reservation", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200, Length: 0x1000, Flags: nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED, DmaOffset: base - 0x1000}, want: rmerr.InvalidLimit},
		{name: "zero length", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x200}, want: rmerr.InvalidArgument},
		{name: "unknown memory", params: MapMemoryDmaParams{Client: 1, Dma: 0x300, Memory: 0x999, Length: 0x1000}, want: rmerr.InvalidObject},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.params
			if err := rm.MapMemoryDma(&p); !errors.Is(err, tc.want) {
				t.Errorf("MapMemoryDma got err %v, want %v", err, tc.want)
			}
		})
	}
	if got := rm.mustCounts(t, 1).SparseMappings; got != 2 {
		t.Errorf("SparseMappings got %d, want 2", got)
	}

	u := &UnmapMemoryDmaParams{Client: 1, Device: 0x100, Dma: 0x300, Memory: 0x200, Flags: nvgpu.NVOS47_FLAGS_DEFER_TLB_INVALIDATION, DmaOffset: m.DmaOffset}
	if err := rm.UnmapMemoryDma(u); err != nil {
		t.Fatalf("UnmapMemoryDma failed: %v", err)
	}
	// Unmapping again is a no-op.
	if err := rm.UnmapMemoryDma(u); err != nil {
		t.Fatalf("second UnmapMemoryDma failed: %v", err)
	}
	if got := rm.mustCounts(t, 1).SparseMappings; got != 1 {
		t.Errorf("SparseMappings after unmap got %d, want 1", got)
	}
	if _, ok := rm.chip.Sparse.Translate(m.DmaOffset); ok {
		t.Errorf("Translate succeeded after unmap")
	}

	if err := rm.Free(1, 0, 0x100); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	want := amodel.SparseStats{Invalidations: 1, DeferredInvalidations: 1}
	if diff := cmp.Diff(want, rm.chip.Sparse.Stats()); diff != "" {
		t.Errorf("sparse stats mismatch (-want +got):\n%s", diff)
	}
	if !rm.Destroy() {
		t.Errorf("Destroy reported leaks: %v", rm.Report().Err())
	}
}

// importMapper knows the backing address of memory imported by the
// simulator before it is mapped.
type importMapper struct {
	*amodel.MMU
	imported map[[2]nvgpu.Handle]uint64
}

func (m importMapper) LookupBackingAddress(client, memory nvgpu.Handle) (uint64, bool) {
	if addr, ok := m.imported[[2]nvgpu.Handle{client, memory}]; ok {
		return addr, true
	}
	return m.MMU.LookupBackingAddress(client, memory)
}

func TestMapMemoryDmaMapperFallback(t *testing.T) {
	chip, err := amodel.NewChip(amodel.Config{})
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	imported, err := chip.Memory.Allocate(0x1000, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	mapper := importMapper{MMU: chip.MMU, imported: map[[2]nvgpu.Handle]uint64{{1, 0x201}: imported}}
	rm := newTestRMWith(t, chip, Options{Mapper: mapper})

	// Memory mapped by the simulator itself.
	addr, err := chip.Memory.Allocate(0x1000, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	va, err := chip.MMU.CreateMapping(1, 0x200, addr, 0x1000, 0, 0, 0)
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	p := &MapMemoryDmaParams{Client: 1, Memory: 0x200, Offset: 0x20, Length: 0x100}
	if err := rm.MapMemoryDma(p); err != nil {
		t.Fatalf("MapMemoryDma failed: %v", err)
	}
	if p.DmaOffset != va+0x20 {
		t.Errorf("MapMemoryDma got %#x, want %#x", p.DmaOffset, va+0x20)
	}

	// Imported memory is mapped on first use.
	p = &MapMemoryDmaParams{Client: 1, Memory: 0x201, Offset: 0x20, Length: 0x100}
	if err := rm.MapMemoryDma(p); err != nil {
		t.Fatalf("MapMemoryDma of imported memory failed: %v", err)
	}
	created, ok := chip.MMU.LookupVirtualAddress(1, 0x201)
	if !ok {
		t.Fatalf("MapMemoryDma did not create a mapping")
	}
	if p.DmaOffset != created+0x20 {
		t.Errorf("MapMemoryDma got %#x, want %#x", p.DmaOffset, created+0x20)
	}
	if pa, ok := chip.MMU.Translate(p.DmaOffset); !ok || pa != imported+0x20 {
		t.Errorf("Translate got (%#x, %t), want (%#x, true)", pa, ok, imported+0x20)
	}

	for _, off := range []uint64{va, created} {
		if err := rm.UnmapMemoryDma(&UnmapMemoryDmaParams{Client: 1, DmaOffset: off}); err != nil {
			t.Fatalf("UnmapMemoryDma failed: %v", err)
		}
	}
	if got := chip.MMU.Len(); got != 0 {
		t.Errorf("%d plain mappings survived UnmapMemoryDma", got)
	}
}

func TestMapMemoryDmaRemap(t *testing.T) {
	rm := newTestRM(t)
	rm.mustDevice(t, 1, 0x100)
	mem := rm.allocSystem(t, 1, 0x100, 0x200, 0x1000)

	p := &MapMemoryDmaParams{Client: 1, Device: 0x100, Memory: 0x200, Length: 0x1000}
	if err := rm.MapMemoryDma(p); err != nil {
		t.Fatalf("MapMemoryDma failed: %v", err)
	}
	first := p.DmaOffset
	if err := rm.UnmapMemoryDma(&UnmapMemoryDmaParams{Client: 1, Device: 0x100, Memory: 0x200, DmaOffset: first}); err != nil {
		t.Fatalf("UnmapMemoryDma failed: %v", err)
	}
	if _, ok := rm.chip.MMU.Translate(first); ok {
		t.Fatalf("Translate succeeded after unmap")
	}

	p = &MapMemoryDmaParams{Client: 1, Device: 0x100, Memory: 0x200, Length: 0x1000}
	if err := rm.MapMemoryDma(p); err != nil {
		t.Fatalf("second MapMemoryDma failed: %v", err)
	}
	if p.DmaOffset == first {
		t.Errorf("second MapMemoryDma returned the unmapped address %#x", first)
	}
	if pa, ok := rm.chip.MMU.Translate(p.DmaOffset); !ok || pa != mem.Address {
		t.Errorf("Translate got (%#x, %t), want (%#x, true)", pa, ok, mem.Address)
	}
	info, err := rm.LookupMemory(1, 0x200)
	if err != nil {
		t.Fatalf("LookupMemory failed: %v", err)
	}
	if info.VirtualAddress != p.DmaOffset {
		t.Errorf("LookupMemory got VA %#x, want %#x", info.VirtualAddress, p.DmaOffset)
	}

	if err := rm.Free(1, 0x100, 0x200); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if got := rm.chip.MMU.Len(); got != 0 {
		t.Errorf("MMU holds %d mappings after Free", got)
	}
}

func TestFreeMemoryTearsDownSubMappings(t *testing.T) {
	rm := newTestRM(t)
	rm.mustDevice(t, 1, 0x100)
	rm.mustDevice(t, 2, 0x100)
	rm.allocSystem(t, 1, 0x100, 0x200, 0x1000)
	base := rm.reserveSparse(t, 1, 0x100, 0x300, 0x10000)
	other := rm.reserveSparse(t, 2, 0x100, 0x300, 0x10000)
	if err := rm.DupObject(2, 0x100, 0x400, 1, 0x200); err != nil {
		t.Fatalf("DupObject failed: %v", err)
	}

	direct := &MapMemoryDmaParams{Client: 1, Device: 0x100, Dma: 0x300, Memory: 0x200, Length: 0x1000}
	if err := rm.MapMemoryDma(direct); err != nil {
		t.Fatalf("MapMemoryDma failed: %v", err)
	}
	aliased := &MapMemoryDmaParams{Client: 2, Device: 0x100, Dma: 0x300, Memory: 0x400, Length: 0x1000}
	if err := rm.MapMemoryDma(aliased); err != nil {
		t.Fatalf("MapMemoryDma through alias failed: %v", err)
	}
	if direct.DmaOffset != base || aliased.DmaOffset != other {
		t.Fatalf("MapMemoryDma got %#x, %#x; want %#x, %#x", direct.DmaOffset, aliased.DmaOffset, base, other)
	}

	if err := rm.Free(1, 0x100, 0x200); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	for _, va := range []uint64{base, other} {
		if pa, ok := rm.chip.Sparse.Translate(va); ok {
			t.Errorf("sparse VA %#x still translates to %#x after its memory was freed", va, pa)
		}
	}
	if diff := cmp.Diff(Counts{Devices: 1, SparseVAs: 1}, rm.mustCounts(t, 1)); diff != "" {
		t.Errorf("client 1 counts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Counts{Devices: 1, SparseVAs: 1}, rm.mustCounts(t, 2)); diff != "" {
		t.Errorf("client 2 counts mismatch (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(rm.metrics.freed.WithLabelValues(kindSparseMapping)); got != 2 {
		t.Errorf("freed sparse mappings got %v, want 2", got)
	}
}

func TestNotModeled(t *testing.T) {
	rm := newTestRM(t)
	_, getErr := rm.ConfigGet(1, 0x100, 0)
	_, setErr := rm.ConfigSet(1, 0x100, 0, 1)
	for name, err := range map[string]error{
		"AllocEvent":      rm.AllocEvent(1, 0x100, 0x500, nvgpu.NV01_EVENT_OS_EVENT, 0),
		"AllocContextDma": rm.AllocContextDma(1, 0x500, 0x2, 0, 0x200, 0, 0xfff),
		"BindContextDma":  rm.BindContextDma(1, 0x600, 0x500),
		"IdleChannels":    rm.IdleChannels(1, 0x100, 0x600, 0, 0),
		"Control":         rm.Control(1, 0x100, 0x801, nil),
		"ConfigGet":       getErr,
		"ConfigSet":       setErr,
	} {
		if !errors.Is(err, rmerr.OperatingSystem) {
			t.Errorf("%s got err %v, want %v", name, err, rmerr.OperatingSystem)
		}
	}
	if got := rm.Clients(); len(got) != 0 {
		t.Errorf("pass-through operations created clients %v", got)
	}
}

func TestDestroyed(t *testing.T) {
	rm := newTestRM(t)
	rm.mustDevice(t, 1, 0x100)
	if err := rm.Free(1, 0, 0x100); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if !rm.Destroy() {
		t.Fatalf("Destroy reported leaks: %v", rm.Report().Err())
	}
	_, rootErr := rm.AllocRoot()
	_, dupErr := rm.DupObject2(1, 0, 2, 0x300)
	_, lookupErr := rm.LookupMemory(1, 0x200)
	for name, err := range map[string]error{
		"AllocRoot":      rootErr,
		"Alloc":          rm.Alloc(1, 1, 0x100, nvgpu.NV01_DEVICE_0, nil),
		"AllocMemory":    rm.AllocMemory(&AllocMemoryParams{Client: 1, Memory: 0x200, Class: nvgpu.NV01_MEMORY_SYSTEM}),
		"VidHeapControl": rm.VidHeapControl(&VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x200, Size: 0x1000}),
		"Free":           rm.Free(1, 0, 0x100),
		"DupObject":      rm.DupObject(1, 0, 0x500, 2, 0x300),
		"DupObject2":     dupErr,
		"MapMemoryDma":   rm.MapMemoryDma(&MapMemoryDmaParams{Client: 1, Memory: 0x200}),
		"UnmapMemoryDma": rm.UnmapMemoryDma(&UnmapMemoryDmaParams{Client: 1}),
		"LookupMemory":   lookupErr,
		"Control":        rm.Control(1, 0x100, 0, nil),
	} {
		if !errors.Is(err, rmerr.InvalidState) {
			t.Errorf("%s after Destroy got err %v, want %v", name, err, rmerr.InvalidState)
		}
	}
	if !rm.Destroy() {
		t.Errorf("second Destroy changed its result")
	}

	if err := rm.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := rm.Initialize(); !errors.Is(err, rmerr.InvalidState) {
		t.Errorf("Initialize of live resource manager got err %v, want %v", err, rmerr.InvalidState)
	}
	if rm.Report() != nil {
		t.Errorf("Report survived Initialize")
	}
	h, err := rm.AllocRoot()
	if err != nil {
		t.Fatalf("AllocRoot after Initialize failed: %v", err)
	}
	if h != 1 {
		t.Errorf("AllocRoot after Initialize got %v, want 0x1", h)
	}
}

type failingMapper struct {
	*amodel.MMU
}

func (failingMapper) CreateMapping(client, memory nvgpu.Handle, addr, size uint64, attr, attr2, typ uint32) (uint64, error) {
	return 0, amodel.ErrNoSpace
}

func TestAllocRollback(t *testing.T) {
	chip, err := amodel.NewChip(amodel.Config{})
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	rm := newTestRMWith(t, chip, Options{Mapper: failingMapper{chip.MMU}})
	for i := 0; i < 3; i++ {
		p := &AllocMemoryParams{Client: 1, Parent: 0x100, Memory: nvgpu.Handle(0x200 + i), Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: 0xfff}
		if err := rm.AllocMemory(p); !errors.Is(err, rmerr.NoMemory) {
			t.Errorf("AllocMemory(%v) with failing mapper got err %v, want %v", p.Memory, err, rmerr.NoMemory)
		}
	}
	mem := chip.Memory.(*amodel.Memory)
	if got := mem.Allocations(); got != 0 {
		t.Errorf("backing store holds %d allocations after rollback", got)
	}
	if got := mem.InUse(); got != 0 {
		t.Errorf("backing store has %#x bytes in use after rollback", got)
	}
	if diff := cmp.Diff(Counts{}, rm.mustCounts(t, 1)); diff != "" {
		t.Errorf("counts after rollback mismatch (-want +got):\n%s", diff)
	}

	// A range the sparse mapper already holds makes the reservation fail.
	if err := chip.Sparse.ReserveRange(DefaultSparseVABase, 0x1000); err != nil {
		t.Fatalf("ReserveRange failed: %v", err)
	}
	v := &VidHeapParams{Client: 1, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x300, Flags: nvgpu.NVOS32_ALLOC_FLAGS_SPARSE, Size: 0x1000}
	if err := rm.VidHeapControl(v); !errors.Is(err, rmerr.NoMemory) {
		t.Errorf("sparse VidHeapControl got err %v, want %v", err, rmerr.NoMemory)
	}
	if diff := cmp.Diff(Counts{}, rm.mustCounts(t, 1)); diff != "" {
		t.Errorf("counts after sparse rollback mismatch (-want +got):\n%s", diff)
	}
	// The handle is usable once the conflict is gone.
	if err := rm.VidHeapControl(v); err != nil {
		t.Errorf("retried sparse VidHeapControl failed: %v", err)
	}
}

func TestAllocNoMemory(t *testing.T) {
	chip, err := amodel.NewChip(amodel.Config{BackingSize: 0x1000})
	if err != nil {
		t.Fatalf("NewChip failed: %v", err)
	}
	rm := newTestRMWith(t, chip, Options{})
	rm.allocSystem(t, 1, 0, 0x200, 0x1000)
	p := &AllocMemoryParams{Client: 1, Memory: 0x201, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: 0xfff}
	if err := rm.AllocMemory(p); !errors.Is(err, rmerr.NoMemory) {
		t.Errorf("AllocMemory on full backing store got err %v, want %v", err, rmerr.NoMemory)
	}
	if got := testutil.ToFloat64(rm.metrics.errors.WithLabelValues("alloc_memory", nvgpu.NV_ERR_NO_MEMORY.String())); got != 1 {
		t.Errorf("alloc_memory error count got %v, want 1", got)
	}
}

func TestMetrics(t *testing.T) {
	rm := newTestRM(t)
	rm.mustDevice(t, 1, 0x100)
	rm.allocSystem(t, 1, 0x100, 0x200, 0x1000)
	rm.allocSystem(t, 1, 0x100, 0x201, 0x1000)
	rm.reserveSparse(t, 1, 0x100, 0x300, 0x1000)
	if err := rm.Free(1, 0, 0x201); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	rm.Audit()

	for _, tc := range []struct {
		name string
		got  float64
		want float64
	}{
		{"allocated devices", testutil.ToFloat64(rm.metrics.allocated.WithLabelValues(kindDevice)), 1},
		{"allocated memory", testutil.ToFloat64(rm.metrics.allocated.WithLabelValues(kindMemory)), 2},
		{"allocated sparse VAs", testutil.ToFloat64(rm.metrics.allocated.WithLabelValues(kindSparseVA)), 1},
		{"freed memory", testutil.ToFloat64(rm.metrics.freed.WithLabelValues(kindMemory)), 1},
		{"freed mappings", testutil.ToFloat64(rm.metrics.freed.WithLabelValues(kindMapping)), 1},
		{"leaked memory", testutil.ToFloat64(rm.metrics.leaked.WithLabelValues(LeakMemoryAllocations)), 1},
		{"leaked sparse VAs", testutil.ToFloat64(rm.metrics.leaked.WithLabelValues(LeakSparseVAs)), 1},
		{"leaked duplicates", testutil.ToFloat64(rm.metrics.leaked.WithLabelValues(LeakDuplicateObjects)), 0},
	} {
		if tc.got != tc.want {
			t.Errorf("%s got %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	mfs, err := rm.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	want := []string{"fakerm_leaked_objects", "fakerm_objects_allocated_total", "fakerm_objects_freed_total"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("metric families mismatch (-want +got):\n%s", diff)
	}
}

func TestConcurrentClients(t *testing.T) {
	rm := newTestRM(t)
	const (
		clients = 16
		allocs  = 32
	)
	handles := make([]nvgpu.Handle, clients)
	var g errgroup.Group
	for i := 0; i < clients; i++ {
		i := i
		g.Go(func() error {
			h, err := rm.AllocRoot()
			if err != nil {
				return err
			}
			handles[i] = h
			if err := rm.Alloc(h, h, 0x100, nvgpu.NV01_DEVICE_0, nil); err != nil {
				return err
			}
			if err := rm.VidHeapControl(&VidHeapParams{Client: h, Parent: 0x100, Function: nvgpu.NVOS32_FUNCTION_ALLOC_SIZE, Memory: 0x300, Flags: nvgpu.NVOS32_ALLOC_FLAGS_SPARSE, Size: 0x100000}); err != nil {
				return err
			}
			for j := 0; j < allocs; j++ {
				hMemory := nvgpu.Handle(0x1000 + j)
				p := &AllocMemoryParams{Client: h, Parent: 0x100, Memory: hMemory, Class: nvgpu.NV01_MEMORY_SYSTEM, Limit: 0xfff}
				if err := rm.AllocMemory(p); err != nil {
					return err
				}
				m := &MapMemoryDmaParams{Client: h, Device: 0x100, Dma: 0x300, Memory: hMemory, Length: 0x1000, Flags: nvgpu.NVOS46_FLAGS_DMA_OFFSET_FIXED}
				if err := rm.mapFixed(m, uint64(j)*0x1000); err != nil {
					return err
				}
				if j%2 == 0 {
					if err := rm.Free(h, 0x100, hMemory); err != nil {
						return err
					}
				}
			}
			return rm.Free(h, 0, 0x100)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	seen := make(map[nvgpu.Handle]bool)
	for _, h := range handles {
		if seen[h] {
			t.Errorf("client handle %v handed out twice", h)
		}
		seen[h] = true
	}
	if !rm.Destroy() {
		t.Errorf("Destroy reported leaks: %v", rm.Report().Err())
	}
	// Freeing memory leaves its sparse mappings in place; they go with the
	// reservation.
	if diff := cmp.Diff(amodel.SparseStats{Invalidations: clients * allocs}, rm.chip.Sparse.Stats()); diff != "" {
		t.Errorf("sparse stats mismatch (-want +got):\n%s", diff)
	}
}

// mapFixed maps m at offset bytes into the sparse reservation m.Dma.
func (rm *testRM) mapFixed(m *MapMemoryDmaParams, offset uint64) error {
	rm.mu.Lock()
	c := rm.clients[m.Client]
	s := c.sparseVAs[m.Dma]
	rm.mu.Unlock()
	m.DmaOffset = s.va + offset
	return rm.MapMemoryDma(m)
}

func TestHandlingOf(t *testing.T) {
	for class, want := range map[nvgpu.ClassID]ClassHandling{
		nvgpu.NV01_ROOT:               RootClass,
		nvgpu.NV01_ROOT_CLIENT:        RootClass,
		nvgpu.NV01_DEVICE_0:           DeviceClass,
		nvgpu.GF100_SUBDEVICE_MASTER:  NoOp,
		nvgpu.HOPPER_CHANNEL_GPFIFO_A: NoOp,
		nvgpu.NV01_EVENT_OS_EVENT:     PassThrough,
		nvgpu.HOPPER_COMPUTE_A:        Dispatched,
	} {
		if got := HandlingOf(class); got != want {
			t.Errorf("HandlingOf(%v) got %v, want %v", class, got, want)
		}
	}
}
