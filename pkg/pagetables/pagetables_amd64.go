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

//go:build amd64

package pagetables

// Geometry of the four-level x86-64 translation tree with 4 KiB pages.
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

const cr3NoFlushBit = 1 << 63

// PTEs is one translation table: a frame-sized array of entries.
type PTEs [entriesPerPage]PTE

// CR3 returns the control-register image that runs a core on this
// directory. noFlush asks the CPU to keep TLB entries across the load.
func (pd *PageDirectory) CR3(noFlush bool) uint64 {
	v := uint64(pd.rootPhysical)
	if noFlush {
		v |= cr3NoFlushBit
	}
	return v
}
