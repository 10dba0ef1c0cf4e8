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

// Package vmobject provides the memory objects that back mapped virtual
// ranges. An object owns the physical frames holding its content and hands
// them out to the mapping layer on fault.
//
// Three variants exist. AnonymousVMObject supplies zero-filled memory and
// clones copy-on-write. InodeVMObject is the unified cache for a file:
// every non-private mapping of one inode shares a single object, so a
// frame populated through any mapping is visible to all of them.
// PrivateInodeVMObject backs private file mappings; a clone shares the
// frames resident so far, and the first write fault through either side
// copies just the touched page.
//
// Page population may block in inode I/O. Objects therefore serialize
// population per page internally, and callers must not hold any page
// directory lock across RequirePage. Cloning an object and faulting
// through it are serialized by the owning address space.
package vmobject

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/calebrwalk5/pranaOS/pkg/bitmap"
	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
)

// Inode is the slice of the filesystem layer the memory core reads
// through.
type Inode interface {
	// ID distinguishes inodes. Objects created for the same ID share
	// frames through the unified cache.
	ID() uint64

	// Size returns the current size of the file in bytes.
	Size() uint64

	// ReadPage copies page index page of the file into dst, which is
	// exactly one page long. Bytes past the end of the file read as
	// zero. ReadPage may block.
	ReadPage(ctx context.Context, page uint64, dst []byte) error
}

// VMObject is the content backing a mapped virtual range.
//
// All implementations are reference counted; callers must hold a
// reference across every call. RequirePage may block and must be called
// without any page directory lock held.
type VMObject interface {
	// Size returns the object's size in bytes, fixed at creation.
	Size() uint64

	// Pages returns the number of pages the object spans.
	Pages() uint64

	// TryClone returns the object backing a duplicate of a mapping of
	// this object. Shared objects return themselves with a fresh
	// reference; private objects return a copy-on-write sibling.
	// Returns ENOMEM if the clone cannot be built.
	TryClone(ctx context.Context) (VMObject, error)

	// RequirePage returns the frame backing page, populating it on
	// first access. A write through a page marked copy-on-write rebinds
	// only this object's page to a private frame. Returns ENOMEM if a
	// frame cannot be allocated. Calling RequirePage with a page index
	// outside the object is a kernel bug and panics.
	RequirePage(ctx context.Context, page uint64, write bool) (memarch.PhysicalAddress, error)

	// ResidentPage returns the frame currently backing page, if one has
	// been populated.
	ResidentPage(page uint64) (memarch.PhysicalAddress, bool)

	// IncRef adds a reference.
	IncRef()

	// DecRef drops a reference. The last reference returns every
	// resident frame to the store.
	DecRef()
}

// object is the state shared by every VMObject implementation. A nil
// inode means pages populate as fresh zero-filled frames.
type object struct {
	file  *pgalloc.MemoryFile
	inode Inode

	// size and pages are fixed at creation. For inode-backed objects,
	// size is a snapshot of the inode size and is never re-synchronized.
	size  uint64
	pages uint64

	refs atomic.Int64

	// mu guards frames and cow. It is never held across a blocking
	// populate; the page-granular flight below covers that window.
	mu     sync.Mutex
	frames map[uint64]memarch.PhysicalAddress
	cow    bitmap.Bitmap

	// flight collapses concurrent faults on one page into a single
	// population or copy.
	flight singleflight.Group
}

// init prepares the object with one reference and no resident frames.
func (o *object) init(mf *pgalloc.MemoryFile, inode Inode, size uint64) error {
	if size == 0 {
		return posixerr.EINVAL
	}
	rounded, ok := memarch.PageRoundUp(uintptr(size))
	if !ok {
		return posixerr.EINVAL
	}
	pages := uint64(rounded / memarch.PageSize)
	if pages > math.MaxUint32 {
		// Copy-on-write marks index pages with 32 bits.
		return posixerr.EINVAL
	}
	o.file = mf
	o.inode = inode
	o.size = size
	o.pages = pages
	o.frames = make(map[uint64]memarch.PhysicalAddress)
	o.cow = bitmap.New(uint32(pages))
	o.refs.Store(1)
	return nil
}

// Size returns the object's size in bytes.
func (o *object) Size() uint64 {
	return o.size
}

// Pages returns the number of pages the object spans.
func (o *object) Pages() uint64 {
	return o.pages
}

// IncRef adds a reference.
func (o *object) IncRef() {
	if o.refs.Add(1) <= 1 {
		panic("vmobject: IncRef on released object")
	}
}

// tryIncRef adds a reference unless the count already reached zero.
func (o *object) tryIncRef() bool {
	for {
		refs := o.refs.Load()
		if refs <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

// decRef drops a reference, invoking destroy when the last one goes.
func (o *object) decRef(destroy func()) {
	switch refs := o.refs.Add(-1); {
	case refs < 0:
		panic("vmobject: DecRef on released object")
	case refs == 0:
		destroy()
	}
}

// release returns every resident frame to the store. Runs once, when the
// last reference drops.
func (o *object) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, pa := range o.frames {
		o.file.DecRefFrame(pa)
	}
	o.frames = nil
}

// ResidentPage returns the frame currently backing page, if one has been
// populated.
func (o *object) ResidentPage(page uint64) (memarch.PhysicalAddress, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pa, ok := o.frames[page]
	return pa, ok
}

// RequirePage returns the frame backing page, populating or privatizing
// it as needed. write reports whether the faulting access is a write.
func (o *object) RequirePage(ctx context.Context, page uint64, write bool) (memarch.PhysicalAddress, error) {
	if page >= o.pages {
		panic(fmt.Sprintf("vmobject: page %d outside object of %d pages", page, o.pages))
	}
	o.mu.Lock()
	pa, resident := o.frames[page]
	if resident && !(write && o.cow.Contains(uint32(page))) {
		o.mu.Unlock()
		return pa, nil
	}
	o.mu.Unlock()

	// Population can block in inode I/O and a copy-on-write break moves
	// a page of bytes, so concurrent faults on one page collapse into a
	// single execution here.
	v, err, _ := o.flight.Do(strconv.FormatUint(page, 16), func() (any, error) {
		return o.faultSlow(ctx, page, write)
	})
	if err != nil {
		return 0, err
	}
	return v.(memarch.PhysicalAddress), nil
}

// faultSlow resolves a fault that missed the resident fast path. The
// state is re-read under the lock: a flight joined late may find the work
// already done.
func (o *object) faultSlow(ctx context.Context, page uint64, write bool) (memarch.PhysicalAddress, error) {
	o.mu.Lock()
	pa, resident := o.frames[page]
	if resident {
		if !(write && o.cow.Contains(uint32(page))) {
			o.mu.Unlock()
			return pa, nil
		}
		pa, err := o.privatizeLocked(page, pa)
		o.mu.Unlock()
		return pa, err
	}
	o.mu.Unlock()
	return o.populate(ctx, page)
}

// privatizeLocked breaks copy-on-write for page, currently backed by
// shared. The caller holds o.mu.
func (o *object) privatizeLocked(page uint64, shared memarch.PhysicalAddress) (memarch.PhysicalAddress, error) {
	if o.file.FrameRefCount(shared) == 1 {
		// Every other holder already released the frame; take sole
		// ownership in place.
		o.cow.Remove(uint32(page))
		return shared, nil
	}
	private, err := o.file.AllocateFrame()
	if err != nil {
		return 0, err
	}
	copy(o.file.FrameBytes(private), o.file.FrameBytes(shared))
	o.frames[page] = private
	o.cow.Remove(uint32(page))
	o.file.DecRefFrame(shared)
	return private, nil
}

// populate brings page resident for the first time. No lock is held
// while the inode read runs; the flight in RequirePage keeps this the
// only populator for the page.
func (o *object) populate(ctx context.Context, page uint64) (memarch.PhysicalAddress, error) {
	pa, err := o.file.AllocateFrame()
	if err != nil {
		return 0, err
	}
	if o.inode != nil {
		if err := o.inode.ReadPage(ctx, page, o.file.FrameBytes(pa)); err != nil {
			o.file.DecRefFrame(pa)
			return 0, err
		}
	}
	o.mu.Lock()
	o.frames[page] = pa
	o.mu.Unlock()
	return pa, nil
}

// shareFramesCOW copies the resident frame table into the freshly built
// clone, adding a frame reference per page and marking the page
// copy-on-write on both sides.
func (o *object) shareFramesCOW(clone *object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for page, pa := range o.frames {
		o.file.IncRefFrame(pa)
		clone.frames[page] = pa
		o.cow.Add(uint32(page))
		clone.cow.Add(uint32(page))
	}
}
