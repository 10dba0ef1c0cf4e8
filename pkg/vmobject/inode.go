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

package vmobject

import (
	"context"
	"sync"

	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
)

// InodeVMObject is the unified cache object for one inode. Every
// non-private mapping of the inode shares it, so a page populated through
// any mapping is visible to all of them. Writes land in the shared
// frames.
type InodeVMObject struct {
	object
}

// cacheKey identifies an inode within one frame store.
type cacheKey struct {
	file *pgalloc.MemoryFile
	id   uint64
}

// sharedCache holds the live unified cache objects. Entries are
// non-owning: lookup takes a new reference and fails once the object's
// last reference is gone, at which point the entry is removed.
var sharedCache = struct {
	mu      sync.Mutex
	objects map[cacheKey]*InodeVMObject
}{
	objects: make(map[cacheKey]*InodeVMObject),
}

// SharedFor returns the unified cache object for inode, creating it on
// first use. The object's size is a snapshot of the inode size at
// creation and is never re-synchronized. Returns EINVAL for an empty
// inode.
func SharedFor(mf *pgalloc.MemoryFile, inode Inode) (*InodeVMObject, error) {
	key := cacheKey{mf, inode.ID()}
	sharedCache.mu.Lock()
	defer sharedCache.mu.Unlock()
	if o := sharedCache.objects[key]; o != nil && o.tryIncRef() {
		return o, nil
	}
	o := &InodeVMObject{}
	if err := o.init(mf, inode, inode.Size()); err != nil {
		return nil, err
	}
	sharedCache.objects[key] = o
	return o, nil
}

// Inode returns the inode the object reads through.
func (o *InodeVMObject) Inode() Inode {
	return o.inode
}

// TryClone returns the same object with a fresh reference: shared
// mappings of one inode stay shared across address-space duplication.
func (o *InodeVMObject) TryClone(ctx context.Context) (VMObject, error) {
	o.IncRef()
	return o, nil
}

// DecRef drops a reference. The last reference removes the cache entry
// and returns the resident frames.
func (o *InodeVMObject) DecRef() {
	o.decRef(func() {
		key := cacheKey{o.file, o.inode.ID()}
		sharedCache.mu.Lock()
		if sharedCache.objects[key] == o {
			delete(sharedCache.objects, key)
		}
		sharedCache.mu.Unlock()
		o.release()
	})
}

var _ VMObject = (*InodeVMObject)(nil)

// PrivateInodeVMObject backs a private mapping of an inode. Pages
// populate by reading through the inode, but the frames belong to this
// object alone, so writes never reach the unified cache. Cloning shares
// the frames resident so far, copy-on-write.
type PrivateInodeVMObject struct {
	object
}

// TryCreateWithInode returns a private object over inode with no frames
// resident. The size is a snapshot of the inode size at creation.
func TryCreateWithInode(mf *pgalloc.MemoryFile, inode Inode) (*PrivateInodeVMObject, error) {
	o := &PrivateInodeVMObject{}
	if err := o.init(mf, inode, inode.Size()); err != nil {
		return nil, err
	}
	return o, nil
}

// Inode returns the inode the object reads through.
func (o *PrivateInodeVMObject) Inode() Inode {
	return o.inode
}

// TryClone returns a sibling referencing the exact frames populated so
// far, both sides marked copy-on-write for them. The first write fault
// through either side allocates a private frame, copies the bytes, and
// rebinds only the faulting side; until then both observe identical
// content. The clone keeps the original's size snapshot even if the
// inode has since grown.
func (o *PrivateInodeVMObject) TryClone(ctx context.Context) (VMObject, error) {
	clone := &PrivateInodeVMObject{}
	if err := clone.init(o.file, o.inode, o.size); err != nil {
		return nil, err
	}
	o.shareFramesCOW(&clone.object)
	return clone, nil
}

// DecRef drops a reference.
func (o *PrivateInodeVMObject) DecRef() {
	o.decRef(o.release)
}

var _ VMObject = (*PrivateInodeVMObject)(nil)
