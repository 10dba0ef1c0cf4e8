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

// Package pgalloc implements the physical frame store that backs the memory
// core: page directories draw their translation frames from it and VM
// objects draw the frames that hold mapped content.
//
// Physical memory is simulated by a memfd mapped into the process. Every
// store claims a disjoint window of the physical address space, so a
// memarch.PhysicalAddress identifies one frame globally; the page
// directory registry relies on that when it keys directories by their
// translation root. Frames carry reference counts so that copy-on-write
// sharing and shared file mappings can hold one frame from several
// owners.
package pgalloc

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/calebrwalk5/pranaOS/pkg/bitmap"
	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/memutil"
)

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Name is the debug name of the backing memfd. Empty means "pranaos-frames".
	Name string
}

// MemoryFile is a frame store. Frames are PageSize units, identified by the
// physical address of their first byte.
type MemoryFile struct {
	opts MemoryFileOpts

	// file is the backing memfd.
	file *os.File

	// mem is the live mapping of the whole file.
	mem []byte

	// base is the first address of the store's physical window. Windows
	// never overlap, like the banks they stand in for.
	base memarch.PhysicalAddress

	// totalFrames is fixed at creation.
	totalFrames uint64

	// mu protects the fields below.
	mu sync.Mutex

	// used tracks which frames are allocated.
	used bitmap.Bitmap

	// refs holds the reference count of every frame; zero means free.
	refs []int32

	// freeFrames counts zeroes in used.
	freeFrames uint64
}

// NewMemoryFile creates a frame store holding totalSize bytes of physical
// memory, rounded up to whole frames.
func NewMemoryFile(totalSize uint64, opts MemoryFileOpts) (*MemoryFile, error) {
	if totalSize == 0 {
		return nil, posixerr.EINVAL
	}
	size, ok := memarch.PageRoundUp(uintptr(totalSize))
	if !ok {
		return nil, posixerr.EINVAL
	}
	name := opts.Name
	if name == "" {
		name = "pranaos-frames"
	}
	fd, err := memutil.CreateMemFD(name, 0)
	if err != nil {
		return nil, fmt.Errorf("error creating memfd: %v", err)
	}
	file := os.NewFile(uintptr(fd), name)
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("error sizing %s to %d bytes: %v", name, size, err)
	}
	mem, err := memutil.MapShared(file.Fd(), uint64(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error mapping %s: %v", name, err)
	}
	frames := uint64(size / memarch.PageSize)
	return &MemoryFile{
		opts:        opts,
		file:        file,
		mem:         mem,
		base:        memarch.PhysicalAddress(windowEnd.Add(uint64(size)) - uint64(size)),
		totalFrames: frames,
		used:        bitmap.New(uint32(frames)),
		refs:        make([]int32, frames),
		freeFrames:  frames,
	}, nil
}

// windowEnd is the high-water mark of claimed physical windows. Windows are
// never reclaimed; physical banks do not move.
var windowEnd atomic.Uint64

// Destroy releases the backing memory. No frame may be referenced once
// Destroy has been called.
func (f *MemoryFile) Destroy() {
	memutil.Unmap(f.mem)
	f.file.Close()
	f.mem = nil
}

// Base returns the first physical address of the store's window.
func (f *MemoryFile) Base() memarch.PhysicalAddress {
	return f.base
}

// TotalFrames returns the fixed frame capacity.
func (f *MemoryFile) TotalFrames() uint64 {
	return f.totalFrames
}

// FreeFrames returns the number of currently unallocated frames.
func (f *MemoryFile) FreeFrames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeFrames
}

// AllocateFrame returns a zero-filled frame with a reference count of one.
// Returns ENOMEM when no frame is free.
func (f *MemoryFile) AllocateFrame() (memarch.PhysicalAddress, error) {
	f.mu.Lock()
	frame, ok := f.used.FirstZero(0)
	if !ok || uint64(frame) >= f.totalFrames {
		f.mu.Unlock()
		return 0, posixerr.ENOMEM
	}
	f.used.Add(frame)
	f.refs[frame] = 1
	f.freeFrames--
	f.mu.Unlock()

	pa := f.base + memarch.PhysicalAddress(uintptr(frame)<<memarch.PageShift)
	clear(f.frameView(pa))
	return pa, nil
}

// IncRefFrame takes an additional reference on an allocated frame.
func (f *MemoryFile) IncRefFrame(pa memarch.PhysicalAddress) {
	frame := f.frameIndex(pa)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[frame] <= 0 {
		panic(fmt.Sprintf("pgalloc: IncRefFrame on free frame %#x", uintptr(pa)))
	}
	f.refs[frame]++
}

// DecRefFrame drops a reference on an allocated frame, returning it to the
// free set when the last reference is dropped.
func (f *MemoryFile) DecRefFrame(pa memarch.PhysicalAddress) {
	frame := f.frameIndex(pa)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs[frame] <= 0 {
		panic(fmt.Sprintf("pgalloc: DecRefFrame on free frame %#x", uintptr(pa)))
	}
	f.refs[frame]--
	if f.refs[frame] == 0 {
		f.used.Remove(uint32(frame))
		f.freeFrames++
	}
}

// FrameRefCount returns the current reference count of an allocated frame.
// Copy-on-write uses this to detect sole ownership.
func (f *MemoryFile) FrameRefCount(pa memarch.PhysicalAddress) int32 {
	frame := f.frameIndex(pa)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[frame]
}

// FrameBytes returns the live contents of an allocated frame. The slice
// aliases the frame itself; stores through it are stores to "physical
// memory".
func (f *MemoryFile) FrameBytes(pa memarch.PhysicalAddress) []byte {
	frame := f.frameIndex(pa)
	f.mu.Lock()
	allocated := f.refs[frame] > 0
	f.mu.Unlock()
	if !allocated {
		panic(fmt.Sprintf("pgalloc: FrameBytes on free frame %#x", uintptr(pa)))
	}
	return f.frameView(pa)
}

// String implements fmt.Stringer.String.
func (f *MemoryFile) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("MemoryFile(%d/%d frames free)", f.freeFrames, f.totalFrames)
}

func (f *MemoryFile) frameIndex(pa memarch.PhysicalAddress) uint64 {
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("pgalloc: unaligned frame address %#x", uintptr(pa)))
	}
	if pa < f.base {
		panic(fmt.Sprintf("pgalloc: frame address %#x outside the store", uintptr(pa)))
	}
	frame := uint64(pa-f.base) >> memarch.PageShift
	if frame >= f.totalFrames {
		panic(fmt.Sprintf("pgalloc: frame address %#x outside the store", uintptr(pa)))
	}
	return frame
}

func (f *MemoryFile) frameView(pa memarch.PhysicalAddress) []byte {
	off := uintptr(pa - f.base)
	return f.mem[off : off+memarch.PageSize : off+memarch.PageSize]
}
