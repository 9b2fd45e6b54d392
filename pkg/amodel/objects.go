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

	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/errors/rmerr"
)

// modeledClasses are the engine classes the simulator can instantiate.
var modeledClasses = map[nvgpu.ClassID]struct{}{
	nvgpu.VOLTA_USERMODE_A:  {},
	nvgpu.TURING_USERMODE_A: {},
	nvgpu.HOPPER_USERMODE_A: {},
	nvgpu.VOLTA_COMPUTE_A:   {},
	nvgpu.TURING_COMPUTE_A:  {},
	nvgpu.AMPERE_COMPUTE_A:  {},
	nvgpu.AMPERE_COMPUTE_B:  {},
	nvgpu.ADA_COMPUTE_A:     {},
	nvgpu.HOPPER_COMPUTE_A:  {},
	nvgpu.VOLTA_DMA_COPY_A:  {},
	nvgpu.TURING_DMA_COPY_A: {},
	nvgpu.AMPERE_DMA_COPY_A: {},
	nvgpu.AMPERE_DMA_COPY_B: {},
	nvgpu.HOPPER_DMA_COPY_A: {},
}

// IsModeled returns true if Objects can instantiate class.
func IsModeled(class nvgpu.ClassID) bool {
	_, ok := modeledClasses[class]
	return ok
}

// Object is an engine object instantiated by Objects.
type Object struct {
	Parent nvgpu.Handle
	Handle nvgpu.Handle
	Class  nvgpu.ClassID
}

// Objects is a class dispatcher that instantiates engine objects.
type Objects struct {
	mu      sync.Mutex
	objects map[[2]nvgpu.Handle]Object
}

// NewObjects returns an empty Objects.
func NewObjects() *Objects {
	return &Objects{objects: make(map[[2]nvgpu.Handle]Object)}
}

// AllocObject instantiates object under parent. Unmodeled classes fail with
// rmerr.OperatingSystem.
func (o *Objects) AllocObject(parent, object nvgpu.Handle, class nvgpu.ClassID, params any) error {
	if !IsModeled(class) {
		return fmt.Errorf("class %v is not modeled: %w", class, rmerr.OperatingSystem)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	key := [2]nvgpu.Handle{parent, object}
	if _, ok := o.objects[key]; ok {
		return fmt.Errorf("object %v:%v: %w", parent, object, rmerr.AlreadyExists)
	}
	o.objects[key] = Object{Parent: parent, Handle: object, Class: class}
	return nil
}

// Lookup returns the object instantiated as object under parent.
func (o *Objects) Lookup(parent, object nvgpu.Handle) (Object, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[[2]nvgpu.Handle{parent, object}]
	return obj, ok
}

// Len returns the number of instantiated objects.
func (o *Objects) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.objects)
}
