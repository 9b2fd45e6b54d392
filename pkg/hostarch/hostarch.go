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

// Package hostarch contains platform page size definitions and rounding
// helpers shared by the resource manager and its simulated collaborators.
package hostarch

const (
	// PageShift is the binary log of the default page size.
	PageShift = 12

	// PageSize is the default page size.
	PageSize = 1 << PageShift
)

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// RoundDown returns addr rounded down to a multiple of align, which must be a
// power of two.
func RoundDown(addr, align uint64) uint64 {
	return addr &^ (align - 1)
}

// RoundUp returns addr rounded up to a multiple of align, which must be a
// power of two. ok is true iff rounding up did not wrap around.
func RoundUp(addr, align uint64) (rounded uint64, ok bool) {
	rounded = RoundDown(addr+align-1, align)
	ok = rounded >= addr
	return
}

// IsAligned returns true if addr is a multiple of align.
func IsAligned(addr, align uint64) bool {
	return addr&(align-1) == 0
}
