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

package nvgpu

// Bitfields in NVOS02_PARAMETERS.flags (NV_ESC_RM_ALLOC_MEMORY), from
// src/common/sdk/nvidia/inc/nvos.h.
const (
	NVOS02_FLAGS_ALLOC_SHIFT = 16
	NVOS02_FLAGS_ALLOC_MASK  = 0x3
	NVOS02_FLAGS_ALLOC_NONE  = 0x00000001

	NVOS02_FLAGS_MAPPING_SHIFT  = 30
	NVOS02_FLAGS_MAPPING_MASK   = 0x3
	NVOS02_FLAGS_MAPPING_NO_MAP = 0x00000001
)

// NVOS02AllocNone returns true if flags requests a query-only allocation.
func NVOS02AllocNone(flags uint32) bool {
	return (flags>>NVOS02_FLAGS_ALLOC_SHIFT)&NVOS02_FLAGS_ALLOC_MASK == NVOS02_FLAGS_ALLOC_NONE
}

// Possible values for NVOS32_PARAMETERS.function (NV_ESC_RM_VID_HEAP_CONTROL):
const (
	NVOS32_FUNCTION_ALLOC_SIZE               = 2
	NVOS32_FUNCTION_FREE                     = 3
	NVOS32_FUNCTION_INFO                     = 4
	NVOS32_FUNCTION_ALLOC_TILED_PITCH_HEIGHT = 5
)

// Flags in NVOS32_PARAMETERS.data.AllocSize.flags:
const (
	NVOS32_ALLOC_FLAGS_VIRTUAL = 0x00080000
	NVOS32_ALLOC_FLAGS_SPARSE  = 0x00100000
)

// Bitfields in NVOS46_PARAMETERS.flags (NV_ESC_RM_MAP_MEMORY_DMA):
const (
	NVOS46_FLAGS_DMA_OFFSET_FIXED = 0x00000100
	NVOS46_FLAGS_DMA_UNICAST      = 0x00010000
)

// Bitfields in NVOS47_PARAMETERS.flags (NV_ESC_RM_UNMAP_MEMORY_DMA):
const (
	NVOS47_FLAGS_DEFER_TLB_INVALIDATION = 0x00000001
)
