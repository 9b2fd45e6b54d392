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

// Package amodel provides simulated collaborators for the fake resource
// manager: a backing store allocator, a GPU virtual address mapper, a sparse
// address space mapper and a class dispatcher. Together they stand in for
// the architectural model of a GPU.
package amodel

import (
	"errors"
	"fmt"

	"mods.dev/mods/pkg/hostarch"
)

var (
	// ErrNoSpace is returned when an allocation does not fit.
	ErrNoSpace = errors.New("address space exhausted")

	// ErrExists is returned when a mapping or range is already present.
	ErrExists = errors.New("already exists")

	// ErrOverlap is returned when a range overlaps an existing one.
	ErrOverlap = errors.New("range overlaps existing range")

	// ErrNotReserved is returned when a sub-mapping falls outside every
	// reserved range.
	ErrNotReserved = errors.New("range not reserved")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid argument")
)

// Defaults for Config.
const (
	DefaultBackingBase = 1 << 32
	DefaultBackingSize = 1 << 30
	DefaultVABase      = 512 << 20
	DefaultVASize      = (64 << 30) - DefaultVABase
)

// Allocator is a backing store allocator.
type Allocator interface {
	Allocate(size, alignment uint64) (uint64, error)
	Release(addr uint64)
}

// Config configures a Chip.
type Config struct {
	// PageSize is the page size used for mapping granularity.
	PageSize uint64

	// Host selects real host memory as the backing store. BackingBase is
	// ignored in that case.
	Host bool

	// BackingBase and BackingSize describe the simulated backing store.
	BackingBase uint64
	BackingSize uint64

	// VABase and VASize describe the GPU virtual address space handed out
	// by the MMU.
	VABase uint64
	VASize uint64
}

// Chip bundles the collaborators of a simulated GPU.
type Chip struct {
	Memory  Allocator
	MMU     *MMU
	Sparse  *SparseMMU
	Objects *Objects

	host *HostMemory
}

// NewChip returns a Chip configured by cfg. Zero fields take their defaults.
func NewChip(cfg Config) (*Chip, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = hostarch.PageSize
	}
	if !hostarch.IsPowerOfTwo(cfg.PageSize) {
		return nil, fmt.Errorf("page size %#x: %w", cfg.PageSize, ErrInvalid)
	}
	if cfg.BackingBase == 0 {
		cfg.BackingBase = DefaultBackingBase
	}
	if cfg.BackingSize == 0 {
		cfg.BackingSize = DefaultBackingSize
	}
	if cfg.VABase == 0 {
		cfg.VABase = DefaultVABase
	}
	if cfg.VASize == 0 {
		cfg.VASize = DefaultVASize
	}

	mmu, err := NewMMU(cfg.VABase, cfg.VASize, cfg.PageSize)
	if err != nil {
		return nil, err
	}
	c := &Chip{
		MMU:     mmu,
		Sparse:  NewSparseMMU(cfg.PageSize),
		Objects: NewObjects(),
	}
	if cfg.Host {
		c.host = NewHostMemory(cfg.BackingSize)
		c.Memory = c.host
	} else {
		mem, err := NewMemory(cfg.BackingBase, cfg.BackingSize)
		if err != nil {
			return nil, err
		}
		c.Memory = mem
	}
	return c, nil
}

// Close releases host resources held by c.
func (c *Chip) Close() error {
	if c.host != nil {
		return c.host.Close()
	}
	return nil
}
