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

import (
	"fmt"
)

// Status is NV_STATUS, from src/common/sdk/nvidia/inc/nvstatus.h.
type Status uint32

// Status codes, from src/common/sdk/nvidia/inc/nvstatuscodes.h.
const (
	NV_OK                        = Status(0x00000000)
	NV_ERR_INSERT_DUPLICATE_NAME = Status(0x00000019)
	NV_ERR_INVALID_ADDRESS       = Status(0x0000001e)
	NV_ERR_INVALID_ARGUMENT      = Status(0x0000001f)
	NV_ERR_INVALID_CLASS         = Status(0x00000022)
	NV_ERR_INVALID_LIMIT         = Status(0x0000002e)
	NV_ERR_INVALID_OBJECT_HANDLE = Status(0x00000033)
	NV_ERR_INVALID_STATE         = Status(0x00000040)
	NV_ERR_NO_MEMORY             = Status(0x00000051)
	NV_ERR_NOT_SUPPORTED         = Status(0x00000056)
	NV_ERR_OPERATING_SYSTEM      = Status(0x00000059)
	NV_ERR_GENERIC               = Status(0x0000ffff)
)

var statusNames = map[Status]string{
	NV_OK:                        "NV_OK",
	NV_ERR_INSERT_DUPLICATE_NAME: "NV_ERR_INSERT_DUPLICATE_NAME",
	NV_ERR_INVALID_ADDRESS:       "NV_ERR_INVALID_ADDRESS",
	NV_ERR_INVALID_ARGUMENT:      "NV_ERR_INVALID_ARGUMENT",
	NV_ERR_INVALID_CLASS:         "NV_ERR_INVALID_CLASS",
	NV_ERR_INVALID_LIMIT:         "NV_ERR_INVALID_LIMIT",
	NV_ERR_INVALID_OBJECT_HANDLE: "NV_ERR_INVALID_OBJECT_HANDLE",
	NV_ERR_INVALID_STATE:         "NV_ERR_INVALID_STATE",
	NV_ERR_NO_MEMORY:             "NV_ERR_NO_MEMORY",
	NV_ERR_NOT_SUPPORTED:         "NV_ERR_NOT_SUPPORTED",
	NV_ERR_OPERATING_SYSTEM:      "NV_ERR_OPERATING_SYSTEM",
	NV_ERR_GENERIC:               "NV_ERR_GENERIC",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("NV_STATUS(%#x)", uint32(s))
}
