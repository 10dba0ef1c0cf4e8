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

package mm

import (
	"context"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pagetables"
	"github.com/calebrwalk5/pranaOS/pkg/vmobject"
)

// MMapOpts specifies a new mapping.
type MMapOpts struct {
	// Length is the requested size in bytes. It is rounded up to a page
	// multiple and must not be zero.
	Length uint64

	// Inode, if set, backs the mapping with file content; otherwise the
	// mapping is anonymous and zero-filled.
	Inode vmobject.Inode

	// Offset is the byte offset into the file. It must be page-aligned,
	// and the window [Offset, Offset+Length) must lie within the file.
	// Ignored for anonymous mappings.
	Offset uint64

	// Addr is a placement hint. With Fixed set it is binding: the
	// mapping lands exactly there or the call fails. Fixed mappings
	// never evict what is already in the way.
	Addr  memarch.VirtualAddress
	Fixed bool

	// Randomized draws a random base from the allocator instead of the
	// lowest fit.
	Randomized bool

	// Perms is the initial access. MaxPerms bounds what Protect may
	// later grant and must be a superset of Perms.
	Perms    memarch.AccessType
	MaxPerms memarch.AccessType

	// Private maps copy-on-write instead of write-through.
	Private bool

	// Precommit populates and installs every page before MMap returns.
	Precommit bool

	// Name labels the region in dumps.
	Name string
}

// MMap creates a mapping and returns its range.
func (s *AddressSpace) MMap(ctx context.Context, opts MMapOpts) (memarch.VirtualRange, error) {
	if opts.Length == 0 {
		return memarch.VirtualRange{}, posixerr.EINVAL
	}
	length, ok := memarch.PageRoundUp(uintptr(opts.Length))
	if !ok {
		return memarch.VirtualRange{}, posixerr.ENOMEM
	}
	if opts.Inode != nil {
		// Offset alignment keeps file pages and virtual pages congruent.
		if !memarch.PageAligned(uintptr(opts.Offset)) {
			return memarch.VirtualRange{}, posixerr.EINVAL
		}
		if opts.Offset+uint64(length) < opts.Offset {
			return memarch.VirtualRange{}, posixerr.ENOMEM
		}
	} else {
		opts.Offset = 0
	}
	if opts.Fixed && !opts.Addr.IsPageAligned() {
		return memarch.VirtualRange{}, posixerr.EINVAL
	}
	if !opts.MaxPerms.SupersetOf(opts.Perms) {
		return memarch.VirtualRange{}, posixerr.EACCES
	}

	obj, off, err := s.objectFor(&opts, length)
	if err != nil {
		return memarch.VirtualRange{}, err
	}

	s.mappingMu.Lock()
	defer s.mappingMu.Unlock()
	vr, err := s.placeLocked(&opts, length)
	if err != nil {
		obj.DecRef()
		return memarch.VirtualRange{}, err
	}
	r := &Region{
		vr:       vr,
		obj:      obj,
		off:      off,
		perms:    opts.Perms,
		maxPerms: opts.MaxPerms,
		shared:   !opts.Private,
		name:     opts.Name,
	}
	s.regions.ReplaceOrInsert(r)
	if opts.Precommit {
		if err := s.precommitLocked(ctx, r); err != nil {
			s.removeRegionPieceLocked(r, r.vr)
			return memarch.VirtualRange{}, err
		}
	}
	return vr, nil
}

// objectFor creates or adopts the backing object for opts, returning it
// with the page offset of the mapped window.
func (s *AddressSpace) objectFor(opts *MMapOpts, length uintptr) (vmobject.VMObject, uint64, error) {
	if opts.Inode == nil {
		obj, err := vmobject.TryCreateAnonymous(s.mf, uint64(length))
		if err != nil {
			return nil, 0, err
		}
		return obj, 0, nil
	}
	var obj vmobject.VMObject
	var err error
	if opts.Private {
		obj, err = vmobject.TryCreateWithInode(s.mf, opts.Inode)
	} else {
		obj, err = vmobject.SharedFor(s.mf, opts.Inode)
	}
	if err != nil {
		return nil, 0, err
	}
	off := opts.Offset / memarch.PageSize
	if off+uint64(length)/memarch.PageSize > obj.Pages() {
		obj.DecRef()
		return nil, 0, posixerr.EINVAL
	}
	return obj, off, nil
}

// placeLocked reserves the virtual range for a new mapping.
func (s *AddressSpace) placeLocked(opts *MMapOpts, length uintptr) (memarch.VirtualRange, error) {
	ralloc := s.pd.RangeAllocator()
	switch {
	case opts.Fixed:
		if _, ok := opts.Addr.AddLength(uint64(length)); !ok {
			return memarch.VirtualRange{}, posixerr.ENOMEM
		}
		if !ralloc.Contains(memarch.VirtualRange{Base: opts.Addr, Size: length}) {
			return memarch.VirtualRange{}, posixerr.ENOMEM
		}
		vr, err := ralloc.AllocateSpecific(opts.Addr, length)
		if err != nil {
			// In span but not free: a live mapping is in the way.
			return memarch.VirtualRange{}, posixerr.EEXIST
		}
		return vr, nil
	case opts.Randomized:
		return ralloc.AllocateRandomized(length, memarch.PageSize)
	case opts.Addr != 0:
		if vr, err := ralloc.AllocateSpecific(opts.Addr.RoundDown(), length); err == nil {
			return vr, nil
		}
		return ralloc.AllocateAnywhere(length, memarch.PageSize)
	default:
		return ralloc.AllocateAnywhere(length, memarch.PageSize)
	}
}

// precommitLocked populates and installs every page of r. A mapping
// being created cannot carry copy-on-write marks yet, so entries take
// the region's full permissions.
func (s *AddressSpace) precommitLocked(ctx context.Context, r *Region) error {
	for va := r.vr.Base; va < r.vr.End(); va += memarch.PageSize {
		pa, err := r.obj.RequirePage(ctx, r.pageFor(va), false)
		if err != nil {
			return err
		}
		if err := s.pd.Map(va, pa, pagetables.MapOpts{Access: r.perms, User: true}); err != nil {
			return err
		}
	}
	return nil
}

// MUnmap removes every mapping intersecting [addr, addr+length).
// Unmapped gaps inside the range are fine; partially covered regions are
// split and their remainder stays mapped.
func (s *AddressSpace) MUnmap(ctx context.Context, addr memarch.VirtualAddress, length uint64) error {
	if !addr.IsPageAligned() {
		return posixerr.EINVAL
	}
	if length == 0 {
		return posixerr.EINVAL
	}
	la, ok := memarch.PageRoundUp(uintptr(length))
	if !ok {
		return posixerr.EINVAL
	}
	if _, ok := addr.AddLength(uint64(la)); !ok {
		return posixerr.EINVAL
	}
	ar := memarch.VirtualRange{Base: addr, Size: la}

	s.mappingMu.Lock()
	defer s.mappingMu.Unlock()
	for _, r := range s.overlappingRegionsLocked(ar) {
		s.removeRegionPieceLocked(r, r.vr.Intersect(ar))
	}
	return nil
}

// removeRegionPieceLocked unmaps piece of r, which must lie inside it.
// The leftovers, if any, go back into the region set as slices of r.
func (s *AddressSpace) removeRegionPieceLocked(r *Region, piece memarch.VirtualRange) {
	// Installed entries go first so no translation survives the object
	// reference drop.
	for va := piece.Base; va < piece.End(); va += memarch.PageSize {
		s.pd.Unmap(va)
	}
	s.regions.Delete(r)
	for _, rest := range r.vr.Carve(piece) {
		s.regions.ReplaceOrInsert(r.slice(rest))
	}
	r.obj.DecRef()
	s.pd.RangeAllocator().Deallocate(piece)
}

// Protect changes the effective permissions of every page in
// [addr, addr+length) to perms. The range must be fully mapped (ENOMEM
// on any gap) and perms must stay within each region's creation-time
// maximum (EACCES above it). As on Linux, regions before the failing
// point keep the new permissions.
func (s *AddressSpace) Protect(addr memarch.VirtualAddress, length uint64, perms memarch.AccessType) error {
	if !addr.IsPageAligned() {
		return posixerr.EINVAL
	}
	if length == 0 {
		return nil
	}
	la, ok := memarch.PageRoundUp(uintptr(length))
	if !ok {
		return posixerr.ENOMEM
	}
	if _, ok := addr.AddLength(uint64(la)); !ok {
		return posixerr.ENOMEM
	}
	ar := memarch.VirtualRange{Base: addr, Size: la}
	effective := perms.Effective()

	s.mappingMu.Lock()
	defer s.mappingMu.Unlock()
	expected := ar.Base
	for _, r := range s.overlappingRegionsLocked(ar) {
		if r.vr.Base > expected {
			return posixerr.ENOMEM
		}
		// Checked before touching this region, so a rejected walk leaves
		// every earlier region already changed.
		if !r.maxPerms.SupersetOf(effective) {
			return posixerr.EACCES
		}
		piece := r.vr.Intersect(ar)
		s.protectRegionPieceLocked(r, piece, effective)
		expected = piece.End()
	}
	if expected < ar.End() {
		return posixerr.ENOMEM
	}
	return nil
}

// protectRegionPieceLocked applies perms to piece of r, splitting the
// region if the piece is a strict subrange.
func (s *AddressSpace) protectRegionPieceLocked(r *Region, piece memarch.VirtualRange, perms memarch.AccessType) {
	if piece == r.vr {
		r.perms = perms
	} else {
		s.regions.Delete(r)
		rp := r.slice(piece)
		rp.perms = perms
		s.regions.ReplaceOrInsert(rp)
		for _, rest := range r.vr.Carve(piece) {
			s.regions.ReplaceOrInsert(r.slice(rest))
		}
		r.obj.DecRef()
	}
	// Installed entries are invalidated rather than rewritten: the next
	// access faults and reinstalls under the new permissions, with
	// copy-on-write handling intact.
	for va := piece.Base; va < piece.End(); va += memarch.PageSize {
		s.pd.Unmap(va)
	}
}
