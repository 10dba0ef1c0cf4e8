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

// Package pagetables implements hardware page directories: the
// per-address-space translation trees that map virtual pages to physical
// frames, on the architectures the kernel supports.
//
// Lock ordering: a directory carries two locks. tablesMu guards growth of
// the translation tree and the leaf-table cache; mapMu serializes rewrites
// of individual entries. They are never held at the same time, so nested
// mapping operations cannot deadlock and no lock needs to be reentrant.
// Entry words themselves are read and written atomically, which keeps
// Translate safe without taking either lock.
package pagetables

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/rangealloc"
)

// MapOpts are options to PageDirectory.Map.
type MapOpts struct {
	// Access is the set of permitted access kinds.
	Access memarch.AccessType

	// User marks the page reachable from user mode. Kernel mappings leave
	// it clear.
	User bool

	// Global marks the translation as surviving an address-space switch.
	Global bool
}

// Invalidator receives TLB maintenance requests. The kernel's CPU layer
// implements it; tests substitute recorders.
type Invalidator interface {
	// InvalidatePage retires any cached translation of va in the space
	// rooted at root.
	InvalidatePage(root memarch.PhysicalAddress, va memarch.VirtualAddress)

	// InvalidateAll retires every cached translation of the space rooted
	// at root.
	InvalidateAll(root memarch.PhysicalAddress)
}

// Space is an opaque reference to the address space owning a directory.
// The concrete type lives above this package; a directory carries the
// reference only so fault dispatch can get from a translation root back to
// the owning space.
type Space any

type directoryState int32

const (
	stateUninitialized directoryState = iota
	stateActive
	stateDestroyed
)

// PageDirectory owns the translation tree of one address space. A
// directory is created active and registered; destruction releases its
// frames and unregisters it. There is no way back from destroyed.
type PageDirectory struct {
	refs  atomic.Int64
	state atomic.Int32

	// active counts cores currently running on this directory.
	active atomic.Int64

	// alloc supplies and reclaims translation-table frames.
	alloc Allocator

	// inv receives TLB maintenance requests; may be nil.
	inv Invalidator

	// ranges tracks the free virtual ranges of this space.
	ranges *rangealloc.Allocator

	// root is the top-level translation table, fixed at creation.
	root         *PTEs
	rootPhysical memarch.PhysicalAddress

	// kernel marks the kernel's own directory, which is never destroyed.
	kernel bool

	// owner is set once through the SpaceBinder minted at creation.
	owner atomic.Value

	// mapMu serializes rewrites of individual translation entries.
	mapMu sync.Mutex

	// tablesMu guards tree growth and leafTables. Never held together
	// with mapMu.
	tablesMu sync.Mutex

	// leafTables caches, per directory-entry-aligned region, the frame of
	// the leaf table covering that region. It only grows; leaf tables are
	// released in one sweep at destruction.
	leafTables map[memarch.VirtualAddress]memarch.PhysicalAddress
}

// SpaceBinder authorizes binding one directory to its owning address
// space. Binders are minted only when a directory is created and handed to
// the creator; no other caller can construct a usable one.
type SpaceBinder struct {
	pd *PageDirectory
}

// Bind records owner as the address space of the directory this binder was
// minted for. The binder is single use: binding through a zero SpaceBinder
// or binding twice is a kernel bug and panics. Bind is called during space
// construction, before the directory is shared.
func (b SpaceBinder) Bind(owner Space) {
	if b.pd == nil {
		panic("pagetables: Bind through a zero SpaceBinder")
	}
	if b.pd.owner.Load() != nil {
		panic("pagetables: directory already bound to an address space")
	}
	b.pd.owner.Store(owner)
}

// Owner returns the address space bound to this directory, or nil if none
// has been bound.
func (pd *PageDirectory) Owner() Space {
	return pd.owner.Load()
}

// CreateOpts provides options to TryCreateForUserspace and
// MustCreateKernel.
type CreateOpts struct {
	// Allocator supplies translation-table frames. Required.
	Allocator Allocator

	// Parent, when non-nil, seeds the new directory's range allocator
	// with a snapshot of an existing space's free ranges. Used for
	// address-space duplication.
	Parent *rangealloc.Allocator

	// Invalidator receives TLB maintenance requests. Optional.
	Invalidator Invalidator
}

// TryCreateForUserspace creates and registers a directory for a userspace
// address space, returning it with one reference held and the SpaceBinder
// that lets the caller bind the owning space. Fails with ENOMEM when no
// frame is available for the top-level table; that is a recoverable
// condition, surfaced to the caller.
func TryCreateForUserspace(opts CreateOpts) (*PageDirectory, SpaceBinder, error) {
	pd, err := newDirectory(opts, false)
	if err != nil {
		return nil, SpaceBinder{}, err
	}
	return pd, SpaceBinder{pd: pd}, nil
}

var (
	kernelMu  sync.Mutex
	kernelDir *PageDirectory
)

// MustCreateKernel creates and registers the kernel's own directory. The
// kernel cannot run without its translation tables, so any failure here
// panics. Calling it twice is a kernel bug and panics.
func MustCreateKernel(opts CreateOpts) *PageDirectory {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	if kernelDir != nil {
		panic("pagetables: kernel page directory already created")
	}
	pd, err := newDirectory(opts, true)
	if err != nil {
		panic(fmt.Sprintf("pagetables: creating the kernel page directory: %v", err))
	}
	kernelDir = pd
	return pd
}

// Kernel returns the kernel's page directory, or nil before
// MustCreateKernel has run.
func Kernel() *PageDirectory {
	kernelMu.Lock()
	defer kernelMu.Unlock()
	return kernelDir
}

func newDirectory(opts CreateOpts, kernel bool) (*PageDirectory, error) {
	if opts.Allocator == nil {
		panic("pagetables: CreateOpts.Allocator is required")
	}
	root, err := opts.Allocator.NewPTEs()
	if err != nil {
		return nil, err
	}
	var ranges *rangealloc.Allocator
	switch {
	case kernel:
		ranges = rangealloc.New(memarch.KernelBase, uintptr(memarch.KernelCeiling-memarch.KernelBase))
	case opts.Parent != nil:
		ranges = rangealloc.NewFromParent(opts.Parent)
	default:
		ranges = rangealloc.New(memarch.UserspaceBase, uintptr(memarch.UserspaceCeiling-memarch.UserspaceBase))
	}
	pd := &PageDirectory{
		alloc:        opts.Allocator,
		inv:          opts.Invalidator,
		ranges:       ranges,
		root:         root,
		rootPhysical: opts.Allocator.PhysicalFor(root),
		kernel:       kernel,
		leafTables:   make(map[memarch.VirtualAddress]memarch.PhysicalAddress),
	}
	pd.refs.Store(1)
	pd.state.Store(int32(stateActive))
	register(pd)
	return pd, nil
}

// registry maps live translation roots to their directories. Fault
// dispatch arrives holding only the root value the faulting CPU was
// running with. Entries are non-owning: lookup takes a new reference and
// fails once the directory's last reference is gone.
var registry = struct {
	mu   sync.Mutex
	dirs map[memarch.PhysicalAddress]*PageDirectory
}{
	dirs: make(map[memarch.PhysicalAddress]*PageDirectory),
}

func register(pd *PageDirectory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if prev := registry.dirs[pd.rootPhysical]; prev != nil {
		panic(fmt.Sprintf("pagetables: translation root %#x registered twice", uintptr(pd.rootPhysical)))
	}
	registry.dirs[pd.rootPhysical] = pd
}

func unregister(pd *PageDirectory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.dirs, pd.rootPhysical)
}

// FindByCR3 returns the live directory whose translation root equals root,
// with a new reference held, or nil if no live directory matches. The name
// keeps the x86 register mnemonic on every architecture; on ARM the root
// is the TTBR0 frame address.
func FindByCR3(root memarch.PhysicalAddress) *PageDirectory {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	pd := registry.dirs[root]
	if pd == nil || !pd.TryIncRef() {
		return nil
	}
	return pd
}

// IncRef takes a reference on the directory. Taking a reference on a
// released directory is a kernel bug and panics.
func (pd *PageDirectory) IncRef() {
	if v := pd.refs.Add(1); v <= 1 {
		panic("pagetables: IncRef on a released PageDirectory")
	}
}

// TryIncRef takes a reference unless the count has already reached zero.
// Registry lookups racing destruction use it instead of IncRef.
func (pd *PageDirectory) TryIncRef() bool {
	for {
		v := pd.refs.Load()
		if v <= 0 {
			return false
		}
		if pd.refs.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRef drops a reference, destroying the directory when the last one is
// dropped. The kernel's directory must never lose its last reference.
func (pd *PageDirectory) DecRef() {
	v := pd.refs.Add(-1)
	switch {
	case v < 0:
		panic("pagetables: DecRef on a released PageDirectory")
	case v == 0:
		if pd.kernel {
			panic("pagetables: the kernel page directory lost its last reference")
		}
		pd.destroy()
	}
}

// Activate pins the directory as loaded on a core and returns the
// translation root value to program into the core.
func (pd *PageDirectory) Activate() memarch.PhysicalAddress {
	pd.checkActive()
	pd.IncRef()
	pd.active.Add(1)
	return pd.rootPhysical
}

// Deactivate releases the pin taken by Activate after a core has switched
// away from the directory.
func (pd *PageDirectory) Deactivate() {
	if pd.active.Add(-1) < 0 {
		panic("pagetables: Deactivate without a matching Activate")
	}
	pd.DecRef()
}

// RootPhysical returns the physical address of the top-level translation
// table: the value a CPU is given to run on this directory.
func (pd *PageDirectory) RootPhysical() memarch.PhysicalAddress {
	return pd.rootPhysical
}

// RangeAllocator returns the virtual range allocator owned by this
// directory.
func (pd *PageDirectory) RangeAllocator() *rangealloc.Allocator {
	return pd.ranges
}

// destroy releases every translation frame and unregisters the directory.
// Only DecRef calls it; the last reference cannot be dropped while a core
// still has the directory loaded.
func (pd *PageDirectory) destroy() {
	if a := pd.active.Load(); a != 0 {
		panic(fmt.Sprintf("pagetables: destroying a directory still loaded on %d cores", a))
	}
	if !pd.state.CompareAndSwap(int32(stateActive), int32(stateDestroyed)) {
		panic("pagetables: destroying a PageDirectory twice")
	}
	unregister(pd)
	if pd.inv != nil {
		pd.inv.InvalidateAll(pd.rootPhysical)
	}
	pd.tablesMu.Lock()
	defer pd.tablesMu.Unlock()
	pd.freeTreeLocked(pd.root, levelsBelowRoot)
	pd.root = nil
	pd.leafTables = nil
}

// freeTreeLocked releases table and, for levels above the leaves, every
// table reachable from it.
func (pd *PageDirectory) freeTreeLocked(table *PTEs, level int) {
	if level > 0 {
		for i := range table {
			entry := &table[i]
			if !entry.Valid() {
				continue
			}
			pd.freeTreeLocked(pd.alloc.LookupPTEs(entry.Address()), level-1)
		}
	}
	pd.alloc.FreePTEs(table)
}

func (pd *PageDirectory) checkActive() {
	if directoryState(pd.state.Load()) != stateActive {
		panic("pagetables: using an uninitialized or destroyed PageDirectory")
	}
}

func (pd *PageDirectory) invalidatePage(va memarch.VirtualAddress) {
	if pd.inv != nil {
		pd.inv.InvalidatePage(pd.rootPhysical, va)
	}
}
