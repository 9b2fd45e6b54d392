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
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
)

func TestHandleAllocator(t *testing.T) {
	a := newHandleAllocator()
	var clients, aliases []nvgpu.Handle
	for i := 0; i < 3; i++ {
		clients = append(clients, a.NextClientHandle())
		aliases = append(aliases, a.NextAliasHandle())
	}
	if diff := cmp.Diff([]nvgpu.Handle{1, 2, 3}, clients); diff != "" {
		t.Errorf("client handles mismatch (-want +got):\n%s", diff)
	}
	want := []nvgpu.Handle{1 ^ aliasHandleTag, 2 ^ aliasHandleTag, 3 ^ aliasHandleTag}
	if diff := cmp.Diff(want, aliases); diff != "" {
		t.Errorf("alias handles mismatch (-want +got):\n%s", diff)
	}
}

// Two reservations of 4096 and 8192 bytes land at B and B+4096.
func TestReserveSparseVA(t *testing.T) {
	a := sparseVAAllocator{next: DefaultSparseVABase}
	c := newClientTable(1)
	first, err := c.reserveSparseVA(0x300, 0x100, 4096, &a)
	if err != nil {
		t.Fatalf("reserveSparseVA failed: %v", err)
	}
	second, err := c.reserveSparseVA(0x301, 0x100, 8192, &a)
	if err != nil {
		t.Fatalf("reserveSparseVA failed: %v", err)
	}
	if first != DefaultSparseVABase || second != DefaultSparseVABase+4096 {
		t.Errorf("reservations got %#x, %#x; want %#x, %#x", first, second, uint64(DefaultSparseVABase), uint64(DefaultSparseVABase+4096))
	}
}

func TestReserveSparseVAMonotonic(t *testing.T) {
	a := sparseVAAllocator{next: DefaultSparseVABase}
	c := newClientTable(1)
	sizes := []uint64{1, 4096, 3, 1 << 20, 0x1234, 4096}
	var prev, prevSize uint64
	for i, size := range sizes {
		va, err := c.reserveSparseVA(nvgpu.Handle(0x400+i), 0x100, size, &a)
		if err != nil {
			t.Fatalf("reserveSparseVA(%#x) failed: %v", size, err)
		}
		if i > 0 && va < prev+prevSize {
			t.Errorf("reservation %d at %#x overlaps previous [%#x, %#x)", i, va, prev, prev+prevSize)
		}
		prev, prevSize = va, size
	}

	// Failed reservations do not advance the cursor.
	next := a.next
	if _, err := c.reserveSparseVA(0x400, 0x100, 4096, &a); !errors.Is(err, rmerr.AlreadyExists) {
		t.Errorf("duplicate reserveSparseVA got err %v, want %v", err, rmerr.AlreadyExists)
	}
	if _, err := c.reserveSparseVA(0x500, 0x100, 0, &a); !errors.Is(err, rmerr.InvalidArgument) {
		t.Errorf("empty reserveSparseVA got err %v, want %v", err, rmerr.InvalidArgument)
	}
	if a.next != next {
		t.Errorf("cursor moved from %#x to %#x on failure", next, a.next)
	}

	a.next = ^uint64(0) - 10
	if _, err := c.reserveSparseVA(0x501, 0x100, 4096, &a); !errors.Is(err, rmerr.NoMemory) {
		t.Errorf("wrapping reserveSparseVA got err %v, want %v", err, rmerr.NoMemory)
	}
}
