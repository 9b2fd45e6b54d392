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

// Class handles, from src/nvidia/generated/g_allclasses.h.
const (
	NV01_ROOT                    = 0x00000000
	NV01_ROOT_NON_PRIV           = 0x00000001
	NV01_MEMORY_SYSTEM           = 0x0000003e
	NV01_MEMORY_LOCAL_PRIVILEGED = 0x0000003f
	NV01_MEMORY_LOCAL_USER       = 0x00000040
	NV01_ROOT_CLIENT             = 0x00000041
	NV01_MEMORY_VIRTUAL          = 0x00000070
	NV01_EVENT_OS_EVENT          = 0x00000079
	NV01_DEVICE_0                = 0x00000080
	NV20_SUBDEVICE_0             = 0x00002080
	GF100_SUBDEVICE_MASTER       = 0x000090e6
	FERMI_CONTEXT_SHARE_A        = 0x00009067
	FERMI_VASPACE_A              = 0x000090f1
	KEPLER_CHANNEL_GROUP_A       = 0x0000a06c
	VOLTA_USERMODE_A             = 0x0000c361
	VOLTA_CHANNEL_GPFIFO_A       = 0x0000c36f
	TURING_USERMODE_A            = 0x0000c461
	TURING_CHANNEL_GPFIFO_A      = 0x0000c46f
	AMPERE_CHANNEL_GPFIFO_A      = 0x0000c56f
	TURING_DMA_COPY_A            = 0x0000c5b5
	TURING_COMPUTE_A             = 0x0000c5c0
	HOPPER_USERMODE_A            = 0x0000c661
	AMPERE_DMA_COPY_A            = 0x0000c6b5
	AMPERE_COMPUTE_A             = 0x0000c6c0
	AMPERE_DMA_COPY_B            = 0x0000c7b5
	AMPERE_COMPUTE_B             = 0x0000c7c0
	HOPPER_DMA_COPY_A            = 0x0000c8b5
	ADA_COMPUTE_A                = 0x0000c9c0
	HOPPER_CHANNEL_GPFIFO_A      = 0x0000c86f
	HOPPER_COMPUTE_A             = 0x0000cbc0
)

// Class handles for older generations that are not supported by the open source
// driver. Volta was the last such generation. These are defined in files under
// src/common/sdk/nvidia/inc/class/.
const (
	VOLTA_COMPUTE_A  = 0x0000c3c0
	VOLTA_DMA_COPY_A = 0x0000c3b5
)

var classNames = map[ClassID]string{
	NV01_ROOT:                    "NV01_ROOT",
	NV01_ROOT_NON_PRIV:           "NV01_ROOT_NON_PRIV",
	NV01_MEMORY_SYSTEM:           "NV01_MEMORY_SYSTEM",
	NV01_MEMORY_LOCAL_PRIVILEGED: "NV01_MEMORY_LOCAL_PRIVILEGED",
	NV01_MEMORY_LOCAL_USER:       "NV01_MEMORY_LOCAL_USER",
	NV01_ROOT_CLIENT:             "NV01_ROOT_CLIENT",
	NV01_MEMORY_VIRTUAL:          "NV01_MEMORY_VIRTUAL",
	NV01_EVENT_OS_EVENT:          "NV01_EVENT_OS_EVENT",
	NV01_DEVICE_0:                "NV01_DEVICE_0",
	NV20_SUBDEVICE_0:             "NV20_SUBDEVICE_0",
	GF100_SUBDEVICE_MASTER:       "GF100_SUBDEVICE_MASTER",
	FERMI_CONTEXT_SHARE_A:        "FERMI_CONTEXT_SHARE_A",
	FERMI_VASPACE_A:              "FERMI_VASPACE_A",
	KEPLER_CHANNEL_GROUP_A:       "KEPLER_CHANNEL_GROUP_A",
	VOLTA_USERMODE_A:             "VOLTA_USERMODE_A",
	VOLTA_CHANNEL_GPFIFO_A:       "VOLTA_CHANNEL_GPFIFO_A",
	TURING_USERMODE_A:            "TURING_USERMODE_A",
	TURING_CHANNEL_GPFIFO_A:      "TURING_CHANNEL_GPFIFO_A",
	AMPERE_CHANNEL_GPFIFO_A:      "AMPERE_CHANNEL_GPFIFO_A",
	TURING_DMA_COPY_A:            "TURING_DMA_COPY_A",
	TURING_COMPUTE_A:             "TURING_COMPUTE_A",
	HOPPER_USERMODE_A:            "HOPPER_USERMODE_A",
	AMPERE_DMA_COPY_A:            "AMPERE_DMA_COPY_A",
	AMPERE_COMPUTE_A:             "AMPERE_COMPUTE_A",
	AMPERE_DMA_COPY_B:            "AMPERE_DMA_COPY_B",
	AMPERE_COMPUTE_B:             "AMPERE_COMPUTE_B",
	HOPPER_DMA_COPY_A:            "HOPPER_DMA_COPY_A",
	ADA_COMPUTE_A:                "ADA_COMPUTE_A",
	HOPPER_CHANNEL_GPFIFO_A:      "HOPPER_CHANNEL_GPFIFO_A",
	HOPPER_COMPUTE_A:             "HOPPER_COMPUTE_A",
	VOLTA_COMPUTE_A:              "VOLTA_COMPUTE_A",
	VOLTA_DMA_COPY_A:             "VOLTA_DMA_COPY_A",
}
