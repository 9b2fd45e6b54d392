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

	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
	"mods.dev/mods/pkg/log"
)

// DupObject records hObject in hClient as an alias of hObjectSrc in
// hClientSrc. It fails with rmerr.AlreadyExists if hObject already names an
// alias in hClient.
func (rm *RM) DupObject(hClient, hParent, hObject, hClientSrc, hObjectSrc nvgpu.Handle) error {
	return rm.metrics.observe("dup_object", rm.dupObject(hClient, hParent, hObject, hClientSrc, hObjectSrc))
}

func (rm *RM) dupObject(hClient, hParent, hObject, hClientSrc, hObjectSrc nvgpu.Handle) error {
	if hObject == nvgpu.NV01_NULL_OBJECT {
		return fmt.Errorf("dup object with null handle: %w", rmerr.InvalidObject)
	}
	if err := rm.lockLive(); err != nil {
		return err
	}
	defer rm.mu.Unlock()
	return rm.dupLocked(rm.client(hClient), hObject, hClientSrc, hObjectSrc)
}

// DupObject2 is like DupObject, but chooses the alias handle itself and
// returns it.
func (rm *RM) DupObject2(hClient, hParent, hClientSrc, hObjectSrc nvgpu.Handle) (nvgpu.Handle, error) {
	h, err := rm.dupObject2(hClient, hParent, hClientSrc, hObjectSrc)
	return h, rm.metrics.observe("dup_object2", err)
}

func (rm *RM) dupObject2(hClient, hParent, hClientSrc, hObjectSrc nvgpu.Handle) (nvgpu.Handle, error) {
	if err := rm.lockLive(); err != nil {
		return 0, err
	}
	defer rm.mu.Unlock()
	c := rm.client(hClient)
	h := rm.handles.NextAliasHandle()
	for c.inUse(h) {
		h = rm.handles.NextAliasHandle()
	}
	if err := rm.dupLocked(c, h, hClientSrc, hObjectSrc); err != nil {
		return 0, err
	}
	return h, nil
}

// Precondition: rm.mu must be locked.
func (rm *RM) dupLocked(c *clientTable, hObject, hClientSrc, hObjectSrc nvgpu.Handle) error {
	if err := c.addDup(hObject, hClientSrc, hObjectSrc); err != nil {
		return err
	}
	rm.metrics.allocated.WithLabelValues(kindDuplicate).Inc()
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: duplicated %v:%v as %v:%v", hClientSrc, hObjectSrc, c.handle, hObject)
	}
	return nil
}

// resolveLocked follows at most one alias from hObject in c and returns the
// client and object it names.
//
// Precondition: rm.mu must be locked.
func (rm *RM) resolveLocked(c *clientTable, hObject nvgpu.Handle) (nvgpu.Handle, nvgpu.Handle) {
	if d, ok := c.dups[hObject]; ok {
		return d.client, d.object
	}
	return c.handle, hObject
}

// MemoryInfo describes a memory allocation.
type MemoryInfo struct {
	// Client and Memory name the allocation after alias resolution.
	Client nvgpu.Handle
	Memory nvgpu.Handle

	Address uint64
	Size    uint64

	// VirtualAddress is the GPU virtual address of the allocation. It is
	// valid only if Mapped is true.
	VirtualAddress uint64
	Mapped         bool
}

// LookupMemory returns the memory allocation named by hMemory in hClient,
// following at most one alias. It fails with rmerr.InvalidObject if hMemory
// does not resolve to a live allocation.
func (rm *RM) LookupMemory(hClient, hMemory nvgpu.Handle) (MemoryInfo, error) {
	if err := rm.lockLive(); err != nil {
		return MemoryInfo{}, err
	}
	defer rm.mu.Unlock()
	c, ok := rm.clients[hClient]
	if !ok {
		return MemoryInfo{}, fmt.Errorf("client %v: %w", hClient, rmerr.InvalidObject)
	}
	client, memory := rm.resolveLocked(c, hMemory)
	src, ok := rm.clients[client]
	if !ok {
		return MemoryInfo{}, fmt.Errorf("memory %v:%v: %w", client, memory, rmerr.InvalidObject)
	}
	m, ok := src.memory[memory]
	if !ok {
		return MemoryInfo{}, fmt.Errorf("memory %v:%v: %w", client, memory, rmerr.InvalidObject)
	}
	info := MemoryInfo{
		Client:  client,
		Memory:  memory,
		Address: m.addr,
		Size:    m.size,
	}
	if vm, ok := src.mappings[memory]; ok {
		info.VirtualAddress = vm.va
		info.Mapped = true
	}
	return info, nil
}
