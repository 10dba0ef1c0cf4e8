// Copyright 2024 The pranaOS Authors.
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

// Package mm ties the memory core together into address spaces: a region
// set over a page directory, with mapping, protection and fault handling
// on top of the vmobject layer.
//
// Lock order: mappingMu precedes every directory and object lock. Read
// faults and faults on shared regions hold mappingMu for reading; write
// faults on private regions take it for writing, since breaking
// copy-on-write rebinds the backing page and a concurrent install of the
// old frame would leave a stale translation. Fork also takes it for
// writing, so clones never interleave with faults.
package mm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pagetables"
	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
	"github.com/calebrwalk5/pranaOS/pkg/vmobject"
)

const regionSetDegree = 8

// Region is one mapped span of an address space. Regions never overlap
// and are never merged; unmapping or protecting part of one splits it.
type Region struct {
	vr  memarch.VirtualRange
	obj vmobject.VMObject

	// off is the page index into obj that vr.Base translates to.
	off uint64

	// perms is the current effective access; maxPerms bounds what
	// Protect may later grant and is fixed at creation.
	perms    memarch.AccessType
	maxPerms memarch.AccessType

	// shared marks write-through mappings of the unified cache. Private
	// regions copy on write instead.
	shared bool

	name string
}

// Range returns the span the region covers.
func (r *Region) Range() memarch.VirtualRange {
	return r.vr
}

// Perms returns the region's current effective access.
func (r *Region) Perms() memarch.AccessType {
	return r.perms
}

// Name returns the region's debug label.
func (r *Region) Name() string {
	return r.name
}

// String implements fmt.Stringer.String in the style of
// /proc/pid/maps.
func (r *Region) String() string {
	kind := "private"
	if r.shared {
		kind = "shared"
	}
	name := r.name
	if name == "" {
		name = "anonymous"
	}
	return fmt.Sprintf("%v %v %s %s", r.vr, r.perms, kind, name)
}

// pageFor returns the object page index backing va, which must lie in
// the region.
func (r *Region) pageFor(va memarch.VirtualAddress) uint64 {
	return r.off + uint64(va-r.vr.Base)/memarch.PageSize
}

// installPerms returns the access to grant an installed entry. Private
// mappings install without write on read faults, so the first write
// still faults and runs the copy-on-write break.
func (r *Region) installPerms(write bool) memarch.AccessType {
	perms := r.perms
	if !write && !r.shared {
		perms.Write = false
	}
	return perms
}

// slice returns a sub-region over rest, which must lie inside r, sharing
// the backing object with a fresh reference.
func (r *Region) slice(rest memarch.VirtualRange) *Region {
	r.obj.IncRef()
	return &Region{
		vr:       rest,
		obj:      r.obj,
		off:      r.off + uint64(rest.Base-r.vr.Base)/memarch.PageSize,
		perms:    r.perms,
		maxPerms: r.maxPerms,
		shared:   r.shared,
		name:     r.name,
	}
}

func regionLess(a, b *Region) bool {
	return a.vr.Base < b.vr.Base
}

// AddressSpace is one userspace view of memory: an ordered region set
// over an owned page directory.
type AddressSpace struct {
	mf *pgalloc.MemoryFile

	// mappingMu guards regions and serializes faults against Fork,
	// MMap, MUnmap, Protect and Destroy.
	mappingMu sync.RWMutex
	regions   *btree.BTreeG[*Region]
	pd        *pagetables.PageDirectory
}

// NewAddressSpace returns an empty address space drawing frames from mf.
func NewAddressSpace(mf *pgalloc.MemoryFile) (*AddressSpace, error) {
	s := &AddressSpace{
		mf:      mf,
		regions: btree.NewG(regionSetDegree, regionLess),
	}
	pd, binder, err := pagetables.TryCreateForUserspace(pagetables.CreateOpts{
		Allocator: pagetables.NewFrameAllocator(mf),
	})
	if err != nil {
		return nil, err
	}
	s.pd = pd
	binder.Bind(s)
	return s, nil
}

// Directory returns the space's page directory. The space keeps its own
// reference; callers that need the directory to outlive the space must
// IncRef.
func (s *AddressSpace) Directory() *pagetables.PageDirectory {
	return s.pd
}

// Fork returns a duplicate of the space. Shared regions keep referencing
// the unified cache; private regions clone copy-on-write, and the
// parent's writable private entries are downgraded so parent-side writes
// fault and copy too. The child starts with no entries installed and
// faults its pages back in.
func (s *AddressSpace) Fork(ctx context.Context) (*AddressSpace, error) {
	s.mappingMu.Lock()
	defer s.mappingMu.Unlock()

	child := &AddressSpace{
		mf:      s.mf,
		regions: btree.NewG(regionSetDegree, regionLess),
	}
	pd, binder, err := pagetables.TryCreateForUserspace(pagetables.CreateOpts{
		Allocator: pagetables.NewFrameAllocator(s.mf),
		Parent:    s.pd.RangeAllocator(),
	})
	if err != nil {
		return nil, err
	}
	child.pd = pd
	binder.Bind(child)

	var cloneErr error
	s.regions.Ascend(func(r *Region) bool {
		var obj vmobject.VMObject
		if r.shared {
			// Both spaces keep writing through the same object.
			r.obj.IncRef()
			obj = r.obj
		} else {
			var err error
			obj, err = r.obj.TryClone(ctx)
			if err != nil {
				cloneErr = err
				return false
			}
		}
		child.regions.ReplaceOrInsert(&Region{
			vr:       r.vr,
			obj:      obj,
			off:      r.off,
			perms:    r.perms,
			maxPerms: r.maxPerms,
			shared:   r.shared,
			name:     r.name,
		})
		if !r.shared && r.perms.Write {
			s.writeProtectLocked(r)
		}
		return true
	})
	if cloneErr != nil {
		// The child was never published, so it can be torn down inline.
		child.regions.Ascend(func(r *Region) bool {
			r.obj.DecRef()
			return true
		})
		pd.DecRef()
		return nil, cloneErr
	}
	return child, nil
}

// writeProtectLocked strips write from every installed entry of r so the
// next parent-side write faults and breaks copy-on-write.
func (s *AddressSpace) writeProtectLocked(r *Region) {
	opts := pagetables.MapOpts{
		Access: memarch.AccessType{Read: r.perms.Read, Execute: r.perms.Execute},
		User:   true,
	}
	for va := r.vr.Base; va < r.vr.End(); va += memarch.PageSize {
		s.pd.Protect(va, opts)
	}
}

// Destroy tears the space down: every region drops its object reference
// and the page directory goes with them. The directory must not be
// active on any core.
func (s *AddressSpace) Destroy() {
	s.mappingMu.Lock()
	defer s.mappingMu.Unlock()
	s.regions.Ascend(func(r *Region) bool {
		r.obj.DecRef()
		return true
	})
	s.regions.Clear(false)
	s.pd.DecRef()
}

// String renders the region set, one region per line in ascending
// address order.
func (s *AddressSpace) String() string {
	s.mappingMu.RLock()
	defer s.mappingMu.RUnlock()
	var b strings.Builder
	s.regions.Ascend(func(r *Region) bool {
		fmt.Fprintln(&b, r)
		return true
	})
	return b.String()
}

// findRegionLocked returns the region containing va, or nil.
func (s *AddressSpace) findRegionLocked(va memarch.VirtualAddress) *Region {
	var found *Region
	pivot := &Region{vr: memarch.VirtualRange{Base: va}}
	s.regions.DescendLessOrEqual(pivot, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.vr.Contains(va) {
		return nil
	}
	return found
}

// overlappingRegionsLocked returns the regions intersecting ar in
// ascending order. The btree itself must not be mutated while iterating,
// so mutating callers work from this snapshot.
func (s *AddressSpace) overlappingRegionsLocked(ar memarch.VirtualRange) []*Region {
	var hit []*Region
	pivot := &Region{vr: memarch.VirtualRange{Base: ar.Base}}
	s.regions.DescendLessOrEqual(pivot, func(r *Region) bool {
		// Only the closest region starting at or below ar.Base can reach
		// into ar from the left.
		if r.vr.Base < ar.Base && r.vr.Overlaps(ar) {
			hit = append(hit, r)
		}
		return false
	})
	s.regions.AscendGreaterOrEqual(pivot, func(r *Region) bool {
		if r.vr.Base >= ar.End() {
			return false
		}
		hit = append(hit, r)
		return true
	})
	return hit
}
