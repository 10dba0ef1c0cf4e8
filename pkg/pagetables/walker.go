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

package pagetables

import (
	"fmt"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
)

// Both supported architectures translate through four levels with a 4 KiB
// granule, so the walk itself is architecture-independent; only the entry
// encodings (pte_amd64.go, pte_arm64.go) differ.
const levelsBelowRoot = 3

func pgdIndex(va memarch.VirtualAddress) uintptr { return (uintptr(va) & pgdMask) >> pgdShift }
func pudIndex(va memarch.VirtualAddress) uintptr { return (uintptr(va) & pudMask) >> pudShift }
func pmdIndex(va memarch.VirtualAddress) uintptr { return (uintptr(va) & pmdMask) >> pmdShift }
func pteIndex(va memarch.VirtualAddress) uintptr { return (uintptr(va) & pteMask) >> pteShift }

// Map installs a translation from the page at va to the frame at pa,
// overwriting any existing translation for that page (copy-on-write
// rebinds rely on the overwrite). An empty access type clears the entry.
// Growing the translation tree can fail with ENOMEM; the tree is left
// consistent and the failure is recoverable.
//
// va and pa must be page-aligned; anything else is a kernel bug and
// panics.
func (pd *PageDirectory) Map(va memarch.VirtualAddress, pa memarch.PhysicalAddress, opts MapOpts) error {
	pd.checkActive()
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		panic(fmt.Sprintf("pagetables: mapping unaligned %#x -> %#x", uintptr(va), uintptr(pa)))
	}
	leaf, err := pd.leafTableFor(va, true)
	if err != nil {
		return err
	}
	pd.mapMu.Lock()
	leaf[pteIndex(va)].Set(pa, opts)
	pd.mapMu.Unlock()
	pd.invalidatePage(va)
	return nil
}

// Unmap removes the translation for the page at va, returning whether one
// existed. Leaf tables stay in place for reuse; they are released only at
// destruction.
func (pd *PageDirectory) Unmap(va memarch.VirtualAddress) bool {
	pd.checkActive()
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("pagetables: unmapping unaligned %#x", uintptr(va)))
	}
	leaf, _ := pd.leafTableFor(va, false)
	if leaf == nil {
		return false
	}
	pd.mapMu.Lock()
	entry := &leaf[pteIndex(va)]
	present := entry.Valid()
	entry.Clear()
	pd.mapMu.Unlock()
	if present {
		pd.invalidatePage(va)
	}
	return present
}

// Protect rewrites the options on the existing translation for the page
// at va, keeping its frame binding, and returns whether a translation
// existed.
func (pd *PageDirectory) Protect(va memarch.VirtualAddress, opts MapOpts) bool {
	pd.checkActive()
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("pagetables: protecting unaligned %#x", uintptr(va)))
	}
	leaf, _ := pd.leafTableFor(va, false)
	if leaf == nil {
		return false
	}
	pd.mapMu.Lock()
	entry := &leaf[pteIndex(va)]
	if !entry.Valid() {
		pd.mapMu.Unlock()
		return false
	}
	entry.Set(entry.Address(), opts)
	pd.mapMu.Unlock()
	pd.invalidatePage(va)
	return true
}

// Translate walks the tree for va, returning the backing physical address
// (with va's page offset applied) and the mapping options. Entry words are
// read atomically, so Translate takes neither directory lock; a
// translation being concurrently rewritten is observed either before or
// after the rewrite, never torn.
func (pd *PageDirectory) Translate(va memarch.VirtualAddress) (memarch.PhysicalAddress, MapOpts, bool) {
	pd.checkActive()
	pgdEntry := &pd.root[pgdIndex(va)]
	if !pgdEntry.Valid() {
		return 0, MapOpts{}, false
	}
	pudTable := pd.alloc.LookupPTEs(pgdEntry.Address())
	pudEntry := &pudTable[pudIndex(va)]
	if !pudEntry.Valid() {
		return 0, MapOpts{}, false
	}
	pmdTable := pd.alloc.LookupPTEs(pudEntry.Address())
	pmdEntry := &pmdTable[pmdIndex(va)]
	if !pmdEntry.Valid() {
		return 0, MapOpts{}, false
	}
	leaf := pd.alloc.LookupPTEs(pmdEntry.Address())
	pte := &leaf[pteIndex(va)]
	if !pte.Valid() {
		return 0, MapOpts{}, false
	}
	return pte.Address() + memarch.PhysicalAddress(va.PageOffset()), pte.Opts(), true
}

// leafTableFor returns the leaf table covering va, consulting the cache
// first. With allocate set, missing levels are built and the new leaf
// recorded in the cache; without it, a missing leaf returns nil. A leaf
// recorded in the cache is always linked into the live tree.
func (pd *PageDirectory) leafTableFor(va memarch.VirtualAddress, allocate bool) (*PTEs, error) {
	key := va.AlignDown(pmdSize)
	pd.tablesMu.Lock()
	defer pd.tablesMu.Unlock()
	if frame, ok := pd.leafTables[key]; ok {
		return pd.alloc.LookupPTEs(frame), nil
	}
	if !allocate {
		return nil, nil
	}
	pgdEntry := &pd.root[pgdIndex(va)]
	pudTable, err := pd.nextTableLocked(pgdEntry)
	if err != nil {
		return nil, err
	}
	pudEntry := &pudTable[pudIndex(va)]
	pmdTable, err := pd.nextTableLocked(pudEntry)
	if err != nil {
		return nil, err
	}
	pmdEntry := &pmdTable[pmdIndex(va)]
	leaf, err := pd.nextTableLocked(pmdEntry)
	if err != nil {
		return nil, err
	}
	pd.leafTables[key] = pd.alloc.PhysicalFor(leaf)
	return leaf, nil
}

// nextTableLocked descends through entry, allocating and linking the
// next-level table if the entry is clear. On ENOMEM any levels already
// built stay linked and are reclaimed at destruction.
func (pd *PageDirectory) nextTableLocked(entry *PTE) (*PTEs, error) {
	if entry.Valid() {
		return pd.alloc.LookupPTEs(entry.Address()), nil
	}
	table, err := pd.alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	entry.setTable(pd.alloc.PhysicalFor(table))
	return table, nil
}
