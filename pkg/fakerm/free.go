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
	"mods.dev/mods/pkg/abi/nvgpu"
	"mods.dev/mods/pkg/log"
)

// Free frees hObject in hClient along with every resource recorded under it,
// transitively. Sparse mappings are torn down first, then the sparse VA
// reservation, the backing store and the virtual mapping. Aliases held by
// hObject and aliases in any client that point to (hClient, hObject) are
// removed; resources that the aliasing clients built on those aliases are
// not. The exception is sparse sub-mappings of freed memory, which are torn
// down whether they name the memory itself or one of the swept aliases.
//
// Freeing an unknown handle is a no-op.
func (rm *RM) Free(hClient, hParent, hObject nvgpu.Handle) error {
	if err := rm.lockLive(); err != nil {
		return rm.metrics.observe("free", err)
	}
	releases := rm.freeLocked(hClient, hParent, hObject)
	rm.mu.Unlock()
	for _, release := range releases {
		release()
	}
	return nil
}

type freeWork struct {
	parent nvgpu.Handle
	object nvgpu.Handle
}

// freeLocked removes hObject and its descendants from hClient's table. It
// returns functions that release the corresponding collaborator state, which
// must be called after rm.mu is unlocked.
//
// Precondition: rm.mu must be locked.
func (rm *RM) freeLocked(hClient, hParent, hObject nvgpu.Handle) []func() {
	c, ok := rm.clients[hClient]
	if !ok {
		rm.log.Infof("fakerm: freeing object %v of unknown client %v", hObject, hClient)
		return nil
	}

	var releases []func()
	work := []freeWork{{parent: hParent, object: hObject}}
	visited := make(map[nvgpu.Handle]struct{})
	for len(work) > 0 {
		w := work[len(work)-1]
		work = work[:len(work)-1]
		if _, ok := visited[w.object]; ok {
			continue
		}
		visited[w.object] = struct{}{}

		r := c.removeByHandle(w.object)
		if r.memory != nil {
			// Sub-mappings must not outlive the backing store they map.
			r.sparseMappings = append(r.sparseMappings, c.removeSparseMappingsOf(w.object)...)
		}

		aliases := 0
		for _, other := range rm.clients {
			swept := other.removeDupsOf(hClient, w.object)
			aliases += len(swept)
			if r.memory == nil {
				continue
			}
			for _, alias := range swept {
				stale := removed{sparseMappings: other.removeSparseMappingsOf(alias)}
				releases = rm.appendReleases(releases, &stale)
				rm.metrics.recordFree(&stale)
			}
		}
		releases = rm.appendReleases(releases, &r)
		rm.metrics.recordFree(&r)
		if aliases > 0 {
			rm.metrics.freed.WithLabelValues(kindDuplicate).Add(float64(aliases))
		}

		children := c.findChildrenOf(w.object)
		if r.empty() && aliases == 0 && len(children) == 0 {
			if w.object == hObject {
				rm.log.Infof("fakerm: freeing object with unknown handle %v:%v", hClient, hObject)
			}
			continue
		}
		if rm.log.IsLogging(log.Debug) {
			rm.log.Debugf("fakerm: freed %v:%v (parent %v), %d aliases, %d children", hClient, w.object, w.parent, aliases, len(children))
		}
		// Push in reverse so that children are freed in increasing handle
		// order.
		for i := len(children) - 1; i >= 0; i-- {
			work = append(work, freeWork{parent: w.object, object: children[i]})
		}
	}
	return releases
}

// appendReleases appends to releases the collaborator calls that undo the
// records in r, in the order sparse mappings, sparse VA, backing store,
// virtual mapping.
func (rm *RM) appendReleases(releases []func(), r *removed) []func() {
	for _, m := range r.sparseMappings {
		m := m
		releases = append(releases, func() { rm.sparse.TeardownSubMapping(m.offset, m.length, true) })
	}
	if s := r.sparseVA; s != nil {
		va := s.va
		releases = append(releases, func() { rm.sparse.ReleaseRange(va) })
	}
	if m := r.memory; m != nil {
		addr := m.addr
		releases = append(releases, func() { rm.memory.Release(addr) })
	}
	if m := r.mapping; m != nil {
		va := m.va
		releases = append(releases, func() { rm.mapper.DestroyMapping(va) })
	}
	return releases
}
