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

// Package rangealloc tracks the free virtual address space of one address
// space (or one scoped sub-region of it) and hands out VirtualRanges.
//
// The free set is an ordered set of disjoint, non-adjacent ranges: freed
// space is coalesced with its neighbors immediately, so the set stays
// minimal and first-fit scans stay short. Each Allocator serializes on its
// own lock; critical sections only manipulate the tree and never block, so
// contention on one address space never delays another.
package rangealloc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/log"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/rand"
)

// randomizedAllocationAttempts bounds how many random bases
// AllocateRandomized proposes before falling back to first-fit. The
// fallback keeps randomized allocation deterministic in the worst case: a
// heavily fragmented space degrades to AllocateAnywhere instead of
// spinning.
const randomizedAllocationAttempts = 16

const freeSetDegree = 8

func rangeLess(a, b memarch.VirtualRange) bool {
	return a.Base < b.Base
}

// Allocator tracks the free ranges of one span of virtual address space.
type Allocator struct {
	// total is the whole managed span. It never changes.
	total memarch.VirtualRange

	// mu protects free.
	mu sync.Mutex

	// free holds the currently unallocated ranges, keyed by base. Entries
	// are pairwise disjoint, non-adjacent and contained in total.
	free *btree.BTreeG[memarch.VirtualRange]
}

// New returns an Allocator managing [base, base+size), all of it initially
// free. The span must be page-aligned, non-empty and must not wrap the
// address width; a malformed span is a kernel bug and panics.
func New(base memarch.VirtualAddress, size uintptr) *Allocator {
	total := memarch.VirtualRange{Base: base, Size: size}
	if size == 0 || !total.IsPageAligned() {
		panic(fmt.Sprintf("rangealloc: malformed total range %v", total))
	}
	if _, ok := base.AddLength(uint64(size)); !ok {
		panic(fmt.Sprintf("rangealloc: total range %v wraps the address width", total))
	}
	free := btree.NewG(freeSetDegree, rangeLess)
	free.ReplaceOrInsert(total)
	return &Allocator{total: total, free: free}
}

// NewFromParent returns an independent Allocator whose free state is a
// snapshot of parent's at the time of the call. Used when duplicating an
// address space.
func NewFromParent(parent *Allocator) *Allocator {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	return &Allocator{total: parent.total, free: parent.free.Clone()}
}

// TotalRange returns the whole managed span.
func (a *Allocator) TotalRange() memarch.VirtualRange {
	return a.total
}

// Contains returns true iff r lies entirely within the managed span. It
// makes no claim about whether r is currently free or allocated.
func (a *Allocator) Contains(r memarch.VirtualRange) bool {
	return a.total.ContainsRange(r)
}

// AllocateAnywhere returns the first free range of size bytes whose base is
// a multiple of alignment, scanning in ascending base order. size is
// rounded up to whole pages; a zero alignment means the page size. Returns
// ENOMEM if no free range fits.
func (a *Allocator) AllocateAnywhere(size, alignment uintptr) (memarch.VirtualRange, error) {
	size, err := allocationSize(size)
	if err != nil {
		return memarch.VirtualRange{}, err
	}
	alignment = allocationAlignment(alignment)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateAnywhereLocked(size, alignment)
}

func (a *Allocator) allocateAnywhereLocked(size, alignment uintptr) (memarch.VirtualRange, error) {
	var (
		host  memarch.VirtualRange
		taken memarch.VirtualRange
		found bool
	)
	a.free.Ascend(func(r memarch.VirtualRange) bool {
		base, ok := r.Base.AlignUp(alignment)
		if !ok {
			return true
		}
		end, ok := base.AddLength(uint64(size))
		if !ok || end > r.End() {
			return true
		}
		host = r
		taken = memarch.VirtualRange{Base: base, Size: size}
		found = true
		return false
	})
	if !found {
		log.Warningf("rangealloc: out of virtual ranges in %v: size=%#x alignment=%#x free entries=%d", a.total, size, alignment, a.free.Len())
		return memarch.VirtualRange{}, posixerr.ENOMEM
	}
	a.takeLocked(host, taken)
	return taken, nil
}

// AllocateSpecific allocates exactly [base, base+size). The request must
// lie entirely within a single free entry; ENOMEM if any byte of it is
// already allocated or falls outside the managed span. base must be
// page-aligned, size is rounded up to whole pages.
func (a *Allocator) AllocateSpecific(base memarch.VirtualAddress, size uintptr) (memarch.VirtualRange, error) {
	size, err := allocationSize(size)
	if err != nil {
		return memarch.VirtualRange{}, err
	}
	if !base.IsPageAligned() {
		panic(fmt.Sprintf("rangealloc: AllocateSpecific with unaligned base %#x", uintptr(base)))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateSpecificLocked(base, size)
}

func (a *Allocator) allocateSpecificLocked(base memarch.VirtualAddress, size uintptr) (memarch.VirtualRange, error) {
	if _, ok := base.AddLength(uint64(size)); !ok {
		return memarch.VirtualRange{}, posixerr.ENOMEM
	}
	taken := memarch.VirtualRange{Base: base, Size: size}
	if !a.total.ContainsRange(taken) {
		return memarch.VirtualRange{}, posixerr.ENOMEM
	}
	host, ok := a.precedingLocked(base)
	if !ok || !host.ContainsRange(taken) {
		return memarch.VirtualRange{}, posixerr.ENOMEM
	}
	a.takeLocked(host, taken)
	return taken, nil
}

// AllocateRandomized behaves like AllocateAnywhere but proposes up to
// randomizedAllocationAttempts random aligned bases within the managed
// span first. If every proposal lands on allocated space it falls back to
// first-fit, so the call fails only when AllocateAnywhere would.
func (a *Allocator) AllocateRandomized(size, alignment uintptr) (memarch.VirtualRange, error) {
	size, err := allocationSize(size)
	if err != nil {
		return memarch.VirtualRange{}, err
	}
	alignment = allocationAlignment(alignment)

	// Entropy is drawn before taking the lock; critical sections must not
	// reach into the host for randomness.
	var bases [randomizedAllocationAttempts]memarch.VirtualAddress
	for i := range bases {
		off := rand.Uint64Below(uint64(a.total.Size))
		bases[i] = (a.total.Base + memarch.VirtualAddress(off)).AlignDown(alignment)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, base := range bases {
		if base < a.total.Base {
			continue
		}
		if vr, err := a.allocateSpecificLocked(base, size); err == nil {
			return vr, nil
		}
	}
	return a.allocateAnywhereLocked(size, alignment)
}

// Deallocate returns r to the free set, merging it with a free neighbor
// that ends exactly at r's base and/or one that starts exactly at r's end.
// Freeing a malformed range, a range outside the managed span, or a range
// any part of which is already free is a kernel bug and panics.
func (a *Allocator) Deallocate(r memarch.VirtualRange) {
	if r.Size == 0 || !r.IsPageAligned() {
		panic(fmt.Sprintf("rangealloc: deallocating malformed range %v", r))
	}
	if !a.total.ContainsRange(r) {
		panic(fmt.Sprintf("rangealloc: deallocating %v outside %v", r, a.total))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := r
	if prev, ok := a.precedingLocked(r.Base); ok {
		if prev.End() > r.Base {
			panic(fmt.Sprintf("rangealloc: double free of %v (overlaps free entry %v)", r, prev))
		}
		if prev.End() == r.Base {
			a.free.Delete(prev)
			merged = memarch.VirtualRange{Base: prev.Base, Size: prev.Size + merged.Size}
		}
	}
	if next, ok := a.followingLocked(r.Base); ok {
		if next.Base < r.End() {
			panic(fmt.Sprintf("rangealloc: double free of %v (overlaps free entry %v)", r, next))
		}
		if next.Base == merged.End() {
			a.free.Delete(next)
			merged.Size += next.Size
		}
	}
	a.free.ReplaceOrInsert(merged)
}

// String implements fmt.Stringer.String.
func (a *Allocator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Allocator(%v): free:", a.total)
	a.free.Ascend(func(r memarch.VirtualRange) bool {
		fmt.Fprintf(&sb, " %v", r)
		return true
	})
	return sb.String()
}

// Dump logs the free set at debug level.
func (a *Allocator) Dump() {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("%s", a.String())
}

// takeLocked removes taken from the free entry host that contains it,
// reinserting whatever remains of host on either side.
func (a *Allocator) takeLocked(host, taken memarch.VirtualRange) {
	a.free.Delete(host)
	for _, piece := range host.Carve(taken) {
		a.free.ReplaceOrInsert(piece)
	}
}

// precedingLocked returns the free entry with the greatest base not
// exceeding base.
func (a *Allocator) precedingLocked(base memarch.VirtualAddress) (memarch.VirtualRange, bool) {
	var (
		out   memarch.VirtualRange
		found bool
	)
	a.free.DescendLessOrEqual(memarch.VirtualRange{Base: base}, func(r memarch.VirtualRange) bool {
		out = r
		found = true
		return false
	})
	return out, found
}

// followingLocked returns the free entry with the least base not below
// base.
func (a *Allocator) followingLocked(base memarch.VirtualAddress) (memarch.VirtualRange, bool) {
	var (
		out   memarch.VirtualRange
		found bool
	)
	a.free.AscendGreaterOrEqual(memarch.VirtualRange{Base: base}, func(r memarch.VirtualRange) bool {
		out = r
		found = true
		return false
	})
	return out, found
}

func allocationSize(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, posixerr.EINVAL
	}
	rounded, ok := memarch.PageRoundUp(size)
	if !ok {
		return 0, posixerr.EINVAL
	}
	return rounded, nil
}

func allocationAlignment(alignment uintptr) uintptr {
	if alignment == 0 {
		return memarch.PageSize
	}
	if alignment&(alignment-1) != 0 || alignment&memarch.PageMask != 0 {
		panic(fmt.Sprintf("rangealloc: invalid alignment %#x", alignment))
	}
	return alignment
}
