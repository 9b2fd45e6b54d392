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

// ClassHandling describes how Alloc treats an object class.
type ClassHandling int

// Possible values for ClassHandling.
const (
	// Dispatched classes are forwarded to the ObjectAllocator.
	Dispatched ClassHandling = iota
	// RootClass allocations create a client.
	RootClass
	// DeviceClass allocations are recorded as devices.
	DeviceClass
	// NoOp classes succeed without recording anything.
	NoOp
	// PassThrough classes are not modeled and fail with
	// rmerr.OperatingSystem.
	PassThrough
)

// String implements fmt.Stringer.String.
func (h ClassHandling) String() string {
	switch h {
	case Dispatched:
		return "dispatched"
	case RootClass:
		return "root"
	case DeviceClass:
		return "device"
	case NoOp:
		return "no-op"
	case PassThrough:
		return "pass-through"
	default:
		return fmt.Sprintf("ClassHandling(%d)", int(h))
	}
}

// HandlingOf returns how Alloc treats class.
func HandlingOf(class nvgpu.ClassID) ClassHandling {
	switch class {
	case nvgpu.NV01_ROOT, nvgpu.NV01_ROOT_NON_PRIV, nvgpu.NV01_ROOT_CLIENT:
		return RootClass
	case nvgpu.NV01_DEVICE_0:
		return DeviceClass
	case nvgpu.NV20_SUBDEVICE_0, nvgpu.GF100_SUBDEVICE_MASTER,
		nvgpu.NV01_MEMORY_VIRTUAL, nvgpu.FERMI_VASPACE_A, nvgpu.FERMI_CONTEXT_SHARE_A, nvgpu.KEPLER_CHANNEL_GROUP_A,
		nvgpu.VOLTA_CHANNEL_GPFIFO_A, nvgpu.TURING_CHANNEL_GPFIFO_A, nvgpu.AMPERE_CHANNEL_GPFIFO_A, nvgpu.HOPPER_CHANNEL_GPFIFO_A:
		return NoOp
	case nvgpu.NV01_EVENT_OS_EVENT:
		return PassThrough
	default:
		return Dispatched
	}
}

// AllocRoot creates a new client and returns its handle.
func (rm *RM) AllocRoot() (nvgpu.Handle, error) {
	if err := rm.lockLive(); err != nil {
		return 0, rm.metrics.observe("alloc_root", err)
	}
	defer rm.mu.Unlock()
	h := rm.handles.NextClientHandle()
	// Clients may also be created under caller-chosen handles, by Alloc of
	// a root class or by first reference.
	for rm.clients[h] != nil || h == nvgpu.NV01_NULL_OBJECT {
		h = rm.handles.NextClientHandle()
	}
	rm.client(h)
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: allocated client %v", h)
	}
	return h, nil
}

// Alloc allocates an object of the given class. Root classes create a client
// with handle hObject, device classes are recorded in hClient's device set,
// and classes whose behavior is irrelevant to the simulator succeed without
// side effects. Every other class is forwarded to the ObjectAllocator.
func (rm *RM) Alloc(hClient, hParent, hObject nvgpu.Handle, class nvgpu.ClassID, params any) error {
	return rm.metrics.observe("alloc", rm.alloc(hClient, hParent, hObject, class, params))
}

func (rm *RM) alloc(hClient, hParent, hObject nvgpu.Handle, class nvgpu.ClassID, params any) error {
	if hObject == nvgpu.NV01_NULL_OBJECT {
		return fmt.Errorf("alloc of %v with null handle: %w", class, rmerr.InvalidObject)
	}
	if err := rm.lockLive(); err != nil {
		return err
	}
	switch HandlingOf(class) {
	case RootClass:
		defer rm.mu.Unlock()
		if rm.clients[hObject] != nil {
			return fmt.Errorf("client %v: %w", hObject, rmerr.AlreadyExists)
		}
		rm.client(hObject)
		if rm.log.IsLogging(log.Debug) {
			rm.log.Debugf("fakerm: allocated client %v with class %v", hObject, class)
		}
		return nil
	case DeviceClass:
		defer rm.mu.Unlock()
		c := rm.client(hClient)
		if _, ok := c.devices[hObject]; !ok {
			rm.metrics.allocated.WithLabelValues(kindDevice).Inc()
		}
		c.addDevice(hObject, hParent)
		if rm.log.IsLogging(log.Debug) {
			rm.log.Debugf("fakerm: added device %v:%v", hClient, hObject)
		}
		return nil
	case NoOp:
		rm.mu.Unlock()
		return nil
	case PassThrough:
		rm.mu.Unlock()
		return fmt.Errorf("alloc of %v: %w", class, rmerr.OperatingSystem)
	}
	rm.mu.Unlock()

	// The object allocator does not touch the tables.
	if err := rm.objects.AllocObject(hParent, hObject, class, params); err != nil {
		rm.warn.Warningf("fakerm: allocation of %v:%v with class %v failed: %v", hClient, hObject, class, err)
		return fmt.Errorf("alloc of %v: %w", class, err)
	}
	return nil
}

// The following operations are accepted for interface compatibility but are
// not modeled. Each fails with rmerr.OperatingSystem.

// AllocEvent allocates an OS event object.
func (rm *RM) AllocEvent(hClient, hParent, hObject nvgpu.Handle, class nvgpu.ClassID, notifyIndex uint32) error {
	return rm.notModeled("alloc_event")
}

// AllocContextDma allocates a context DMA object.
func (rm *RM) AllocContextDma(hClient, hObject nvgpu.Handle, class nvgpu.ClassID, flags uint32, hMemory nvgpu.Handle, offset, limit uint64) error {
	return rm.notModeled("alloc_context_dma")
}

// BindContextDma binds a context DMA object to a channel.
func (rm *RM) BindContextDma(hClient, hChannel, hCtxDma nvgpu.Handle) error {
	return rm.notModeled("bind_context_dma")
}

// IdleChannels waits for the given channels to become idle.
func (rm *RM) IdleChannels(hClient, hDevice, hChannel nvgpu.Handle, flags, timeout uint32) error {
	return rm.notModeled("idle_channels")
}

// Control issues an RM control command.
func (rm *RM) Control(hClient, hObject nvgpu.Handle, cmd uint32, params []byte) error {
	return rm.notModeled("control")
}

// ConfigGet reads a device configuration index.
func (rm *RM) ConfigGet(hClient, hDevice nvgpu.Handle, index uint32) (uint32, error) {
	return 0, rm.notModeled("config_get")
}

// ConfigSet writes a device configuration index and returns the previous
// value.
func (rm *RM) ConfigSet(hClient, hDevice nvgpu.Handle, index, value uint32) (uint32, error) {
	return 0, rm.notModeled("config_set")
}

func (rm *RM) notModeled(op string) error {
	rm.mu.Lock()
	destroyed := rm.destroyed
	rm.mu.Unlock()
	if destroyed {
		return rm.metrics.observe(op, rmerr.InvalidState)
	}
	if rm.log.IsLogging(log.Debug) {
		rm.log.Debugf("fakerm: %s is not modeled", op)
	}
	return rm.metrics.observe(op, fmt.Errorf("%s: %w", op, rmerr.OperatingSystem))
}
