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

// VirtualAddress represents an address in a virtual address space.
type VirtualAddress uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (v VirtualAddress) RoundDown() VirtualAddress {
	return v &^ VirtualAddress(PageMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v VirtualAddress) RoundUp() (addr VirtualAddress, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into its containing page.
func (v VirtualAddress) PageOffset() uintptr {
	return uintptr(v & PageMask)
}

// IsPageAligned returns true iff v is a multiple of the page size.
func (v VirtualAddress) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength returns v plus length. ok is true iff the sum did not wrap the
// address width.
func (v VirtualAddress) AddLength(length uint64) (end VirtualAddress, ok bool) {
	end = v + VirtualAddress(length)
	ok = end >= v
	return
}

// AlignUp returns the smallest multiple of alignment that is not less than
// v. alignment must be a power of two. ok is true iff rounding up did not
// wrap the address width.
func (v VirtualAddress) AlignUp(alignment uintptr) (addr VirtualAddress, ok bool) {
	mask := VirtualAddress(alignment - 1)
	addr = (v + mask) &^ mask
	ok = addr >= v
	return
}

// AlignDown returns the largest multiple of alignment that is not greater
// than v. alignment must be a power of two.
func (v VirtualAddress) AlignDown(alignment uintptr) VirtualAddress {
	return v &^ VirtualAddress(alignment-1)
}

// PhysicalAddress represents the address of a physical frame. The memory
// core obtains frames from the physical allocator and never dereferences
// physical addresses directly.
type PhysicalAddress uintptr

// RoundDown returns the address rounded down to the nearest page boundary.
func (p PhysicalAddress) RoundDown() PhysicalAddress {
	return p &^ PhysicalAddress(PageMask)
}

// IsPageAligned returns true iff p is a multiple of the page size.
func (p PhysicalAddress) IsPageAligned() bool {
	return p&PageMask == 0
}

// PageIndex returns the index of the frame holding p.
func (p PhysicalAddress) PageIndex() uint64 {
	return uint64(p >> PageShift)
}
