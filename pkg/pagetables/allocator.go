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
	"sync"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
)

// Allocator supplies the physical frames that hold translation tables.
type Allocator interface {
	// NewPTEs returns a zeroed table in a freshly allocated frame.
	// Returns ENOMEM when no frame is available; directory construction
	// and tree growth surface that to their callers.
	NewPTEs() (*PTEs, error)

	// PhysicalFor returns the frame address of a table from NewPTEs.
	PhysicalFor(ptes *PTEs) memarch.PhysicalAddress

	// LookupPTEs returns the table held in the given frame.
	LookupPTEs(physical memarch.PhysicalAddress) *PTEs

	// FreePTEs releases a table's frame.
	FreePTEs(ptes *PTEs)
}

// FrameAllocator is an Allocator drawing frames from a pgalloc.MemoryFile.
// It is safe for concurrent use: lock-free translation walks look up
// tables while tree growth registers new ones.
type FrameAllocator struct {
	file *pgalloc.MemoryFile

	mu sync.Mutex

	// ptesForFrame and frameForPTEs hold both directions of the
	// frame-to-table binding for every live table.
	ptesForFrame map[memarch.PhysicalAddress]*PTEs
	frameForPTEs map[*PTEs]memarch.PhysicalAddress
}

// NewFrameAllocator returns a FrameAllocator backed by file.
func NewFrameAllocator(file *pgalloc.MemoryFile) *FrameAllocator {
	return &FrameAllocator{
		file:         file,
		ptesForFrame: make(map[memarch.PhysicalAddress]*PTEs),
		frameForPTEs: make(map[*PTEs]memarch.PhysicalAddress),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, error) {
	pa, err := a.file.AllocateFrame()
	if err != nil {
		return nil, err
	}
	ptes := tableForBytes(a.file.FrameBytes(pa))
	a.mu.Lock()
	a.ptesForFrame[pa] = ptes
	a.frameForPTEs[ptes] = pa
	a.mu.Unlock()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *FrameAllocator) PhysicalFor(ptes *PTEs) memarch.PhysicalAddress {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa, ok := a.frameForPTEs[ptes]
	if !ok {
		panic("pagetables: PhysicalFor on an unknown table")
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical memarch.PhysicalAddress) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptes, ok := a.ptesForFrame[physical]
	if !ok {
		panic(fmt.Sprintf("pagetables: no table in frame %#x", uintptr(physical)))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	pa, ok := a.frameForPTEs[ptes]
	if !ok {
		a.mu.Unlock()
		panic("pagetables: FreePTEs on an unknown table")
	}
	delete(a.frameForPTEs, ptes)
	delete(a.ptesForFrame, pa)
	a.mu.Unlock()
	a.file.DecRefFrame(pa)
}
