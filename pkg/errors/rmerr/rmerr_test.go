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

package rmerr

import (
	"errors"
	"fmt"
	"testing"

	"mods.dev/mods/pkg/abi/nvgpu"
)

func TestToStatus(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want nvgpu.Status
	}{
		{name: "nil", err: nil, want: nvgpu.NV_OK},
		{name: "sentinel", err: AlreadyExists, want: nvgpu.NV_ERR_INSERT_DUPLICATE_NAME},
		{name: "wrapped", err: fmt.Errorf("alloc memory 0x2: %w", NoMemory), want: nvgpu.NV_ERR_NO_MEMORY},
		{name: "foreign", err: errors.New("boom"), want: nvgpu.NV_ERR_GENERIC},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := ToStatus(tc.err); got != tc.want {
				t.Errorf("ToStatus(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestFromStatusRoundTrip(t *testing.T) {
	for status, want := range byStatus {
		if got := FromStatus(status); got != error(want) {
			t.Errorf("FromStatus(%v) = %v, want %v", status, got, want)
		}
	}
	if err := FromStatus(nvgpu.NV_OK); err != nil {
		t.Errorf("FromStatus(NV_OK) = %v, want nil", err)
	}
	if got := ToStatus(FromStatus(nvgpu.NV_ERR_INVALID_CLASS)); got != nvgpu.NV_ERR_INVALID_CLASS {
		t.Errorf("unknown status did not round trip: got %v", got)
	}
}

func TestByName(t *testing.T) {
	err, ok := ByName("already_exists")
	if !ok || !errors.Is(err, AlreadyExists) {
		t.Errorf("ByName(already_exists) = %v, %t", err, ok)
	}
	if _, ok := ByName("bogus"); ok {
		t.Errorf("ByName(bogus) succeeded")
	}
}
