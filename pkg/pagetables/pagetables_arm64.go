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

//go:build arm64

package pagetables

// Geometry of the four-level VMSAv8-64 translation tree with a 4 KiB
// granule.
const (
	entriesPerPage = 512

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	pteMask = (entriesPerPage - 1) << pteShift
	pmdMask = (entriesPerPage - 1) << pmdShift
	pudMask = (entriesPerPage - 1) << pudShift
	pgdMask = (entriesPerPage - 1) << pgdShift
)

const (
	ttbrASIDOffset = 48
	ttbrASIDMask   = 0xff
)

// PTEs is one translation table: a frame-sized array of descriptors.
type PTEs [entriesPerPage]PTE

// TTBR0 returns the translation-table base register image that runs a
// core's lower address range on this directory, tagged with asid.
func (pd *PageDirectory) TTBR0(asid uint16) uint64 {
	return uint64(pd.rootPhysical) | (uint64(asid&ttbrASIDMask) << ttbrASIDOffset)
}
