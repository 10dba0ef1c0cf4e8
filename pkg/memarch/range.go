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

package memarch

import (
	"fmt"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
)

// VirtualRange describes a contiguous span of virtual addresses. It is an
// immutable value: operations return new ranges and never mutate the
// receiver. Two ranges are equal iff their bases and sizes are equal.
type VirtualRange struct {
	Base VirtualAddress
	Size uintptr
}

// End returns the first address past the range.
func (vr VirtualRange) End() VirtualAddress {
	return vr.Base + VirtualAddress(vr.Size)
}

// String implements fmt.Stringer.String.
func (vr VirtualRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(vr.Base), uintptr(vr.End()))
}

// Contains returns true iff addr lies within the range.
func (vr VirtualRange) Contains(addr VirtualAddress) bool {
	return vr.Base <= addr && addr < vr.End()
}

// ContainsRange returns true iff other lies entirely within the range.
func (vr VirtualRange) ContainsRange(other VirtualRange) bool {
	return vr.Base <= other.Base && other.End() <= vr.End()
}

// Overlaps returns true iff the two ranges share at least one address.
func (vr VirtualRange) Overlaps(other VirtualRange) bool {
	return vr.Base < other.End() && other.Base < vr.End()
}

// IsPageAligned returns true iff both the base and the size are multiples of
// the page size.
func (vr VirtualRange) IsPageAligned() bool {
	return vr.Base.IsPageAligned() && PageAligned(vr.Size)
}

// Carve subtracts taken, an inner sub-range, from vr and returns the
// remainder in ascending order: the piece left of taken (if any), then the
// piece right of it. Carving the whole range returns nothing.
//
// Callers must pass a page-sized-multiple taken that lies within vr;
// violating either is a kernel bug and panics.
func (vr VirtualRange) Carve(taken VirtualRange) []VirtualRange {
	if !PageAligned(taken.Size) {
		panic(fmt.Sprintf("memarch: carving non-page-multiple size %#x from %v", taken.Size, vr))
	}
	if !vr.ContainsRange(taken) {
		panic(fmt.Sprintf("memarch: carving %v, which lies outside %v", taken, vr))
	}
	if taken == vr {
		return nil
	}
	pieces := make([]VirtualRange, 0, 2)
	if taken.Base > vr.Base {
		pieces = append(pieces, VirtualRange{vr.Base, uintptr(taken.Base - vr.Base)})
	}
	if taken.End() < vr.End() {
		pieces = append(pieces, VirtualRange{taken.End(), uintptr(vr.End() - taken.End())})
	}
	return pieces
}

// Intersect returns the overlapping sub-range of vr and other. The caller
// must already know the ranges overlap; intersecting disjoint ranges is a
// kernel bug and panics.
func (vr VirtualRange) Intersect(other VirtualRange) VirtualRange {
	if !vr.Overlaps(other) {
		panic(fmt.Sprintf("memarch: intersecting disjoint ranges %v and %v", vr, other))
	}
	newBase := max(vr.Base, other.Base)
	newEnd := min(vr.End(), other.End())
	return VirtualRange{newBase, uintptr(newEnd - newBase)}
}

// ExpandToPageBoundaries normalizes an arbitrary byte address and length
// into a page-aligned VirtualRange: addr is rounded down to its page
// boundary and addr+size up to the next one. Returns EINVAL if rounding
// size up would wrap the address width, if addr+size itself overflows, or
// if rounding that sum up would wrap.
func ExpandToPageBoundaries(addr VirtualAddress, size uintptr) (VirtualRange, error) {
	if _, ok := PageRoundUp(size); !ok {
		return VirtualRange{}, posixerr.EINVAL
	}
	end, ok := addr.AddLength(uint64(size))
	if !ok {
		return VirtualRange{}, posixerr.EINVAL
	}
	end, ok = end.RoundUp()
	if !ok {
		return VirtualRange{}, posixerr.EINVAL
	}
	base := addr.RoundDown()
	return VirtualRange{base, uintptr(end - base)}, nil
}
