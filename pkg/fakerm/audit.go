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

	"go.uber.org/multierr"
	"mods.dev/mods/pkg/abi/nvgpu"
)

// Leak kinds, as named in audit diagnostics.
const (
	LeakDevices           = "devices"
	LeakMemoryAllocations = "memory allocations"
	LeakVirtualMappings   = "virtual mappings"
	LeakDuplicateObjects  = "duplicate objects"
	LeakSparseVAs         = "sparse VAs"
	LeakSparseMappings    = "sparse mappings"
)

// Leak is a non-empty resource collection found by the audit.
type Leak struct {
	Client nvgpu.Handle
	Kind   string
	Count  int
}

// String implements fmt.Stringer.String.
func (l Leak) String() string {
	return fmt.Sprintf("client %v leaked %d %s", l.Client, l.Count, l.Kind)
}

// Report is the result of a shutdown audit.
type Report struct {
	// Leaks is ordered by client handle, then by kind in the order of the
	// Leak constants.
	Leaks []Leak
}

// Clean returns true if no resources were leaked.
func (r *Report) Clean() bool {
	return len(r.Leaks) == 0
}

// Err returns an error describing every leak, or nil if r is clean.
func (r *Report) Err() error {
	var err error
	for _, l := range r.Leaks {
		err = multierr.Append(err, fmt.Errorf("%v", l))
	}
	return err
}

// Audit checks every client for resources that are still held. Each leak is
// logged as a warning and exported through the fakerm_leaked_objects gauge.
// Audit does not modify the tables.
func (rm *RM) Audit() *Report {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.final != nil {
		return rm.final
	}
	return rm.auditLocked()
}

// Precondition: rm.mu must be locked.
func (rm *RM) auditLocked() *Report {
	r := &Report{}
	totals := make(map[string]int)
	for _, h := range rm.clientHandles() {
		counts := rm.clients[h].counts()
		for _, k := range []struct {
			kind  string
			count int
		}{
			{LeakDevices, counts.Devices},
			{LeakMemoryAllocations, counts.MemoryAllocations},
			{LeakVirtualMappings, counts.VirtualMappings},
			{LeakDuplicateObjects, counts.DuplicateObjects},
			{LeakSparseVAs, counts.SparseVAs},
			{LeakSparseMappings, counts.SparseMappings},
		} {
			totals[k.kind] += k.count
			if k.count == 0 {
				continue
			}
			l := Leak{Client: h, Kind: k.kind, Count: k.count}
			rm.log.Warningf("fakerm: %v", l)
			r.Leaks = append(r.Leaks, l)
		}
	}
	for _, kind := range []string{LeakDevices, LeakMemoryAllocations, LeakVirtualMappings, LeakDuplicateObjects, LeakSparseVAs, LeakSparseMappings} {
		rm.metrics.leaked.WithLabelValues(kind).Set(float64(totals[kind]))
	}
	return r
}

// Destroy audits rm for leaked resources and shuts it down. It returns true
// if shutdown was clean. Leaks are reported but never prevent shutdown.
// After Destroy every operation fails with rmerr.InvalidState; further calls
// to Destroy return the result of the first.
func (rm *RM) Destroy() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if !rm.destroyed {
		rm.final = rm.auditLocked()
		rm.destroyed = true
		if rm.final.Clean() {
			rm.log.Infof("fakerm: clean shutdown")
		} else {
			rm.log.Warningf("fakerm: shutdown with %d leaked resource kinds", len(rm.final.Leaks))
		}
	}
	return rm.final.Clean()
}

// Report returns the report produced by Destroy, or nil if rm is live.
func (rm *RM) Report() *Report {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.final
}
