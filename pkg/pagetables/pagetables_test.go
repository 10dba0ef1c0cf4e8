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
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
)

const testFrames = 256

func testEnv(t *testing.T) (*pgalloc.MemoryFile, *FrameAllocator) {
	t.Helper()
	f, err := pgalloc.NewMemoryFile(testFrames*memarch.PageSize, pgalloc.MemoryFileOpts{Name: "pagetables-test"})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(f.Destroy)
	return f, NewFrameAllocator(f)
}

func newTestDirectory(t *testing.T, alloc Allocator) *PageDirectory {
	t.Helper()
	pd, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	t.Cleanup(func() {
		if directoryState(pd.state.Load()) == stateActive {
			pd.DecRef()
		}
	})
	return pd
}

func mustAllocFrame(t *testing.T, f *pgalloc.MemoryFile) memarch.PhysicalAddress {
	t.Helper()
	pa, err := f.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame failed: %v", err)
	}
	return pa
}

type mapping struct {
	va   memarch.VirtualAddress
	pa   memarch.PhysicalAddress
	opts MapOpts
}

func checkMappings(t *testing.T, pd *PageDirectory, mappings []mapping) {
	t.Helper()
	for _, m := range mappings {
		pa, opts, ok := pd.Translate(m.va)
		if !ok {
			t.Errorf("Translate(%#x): no translation", uintptr(m.va))
			continue
		}
		if pa != m.pa || opts != m.opts {
			t.Errorf("Translate(%#x): got (%#x, %+v), want (%#x, %+v)", uintptr(m.va), uintptr(pa), opts, uintptr(m.pa), m.opts)
		}
	}
}

func TestMapTranslate(t *testing.T) {
	f, alloc := testEnv(t)
	pd := newTestDirectory(t, alloc)
	frame1 := mustAllocFrame(t, f)
	frame2 := mustAllocFrame(t, f)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}
	ro := MapOpts{Access: memarch.Read, User: true}

	if err := pd.Map(0x400000, frame1, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	far := memarch.VirtualAddress(1<<33 + 0x5000)
	if err := pd.Map(far, frame2, ro); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	checkMappings(t, pd, []mapping{
		{0x400000, frame1, rw},
		{far, frame2, ro},
	})

	// Offsets within the page carry through.
	if pa, _, ok := pd.Translate(0x400123); !ok || pa != frame1+0x123 {
		t.Errorf("Translate(0x400123): got (%#x, %t), want (%#x, true)", uintptr(pa), ok, uintptr(frame1+0x123))
	}
	if _, _, ok := pd.Translate(0x999000); ok {
		t.Errorf("Translate of an unmapped page succeeded")
	}

	// Mapping the same page again rebinds it; copy-on-write depends on
	// this.
	if err := pd.Map(0x400000, frame2, rw); err != nil {
		t.Fatalf("Map (rebind) failed: %v", err)
	}
	checkMappings(t, pd, []mapping{{0x400000, frame2, rw}})
}

func TestUnmap(t *testing.T) {
	f, alloc := testEnv(t)
	pd := newTestDirectory(t, alloc)
	frame := mustAllocFrame(t, f)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}

	if err := pd.Map(0x400000, frame, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !pd.Unmap(0x400000) {
		t.Errorf("Unmap of a mapped page returned false")
	}
	if _, _, ok := pd.Translate(0x400000); ok {
		t.Errorf("Translate after Unmap succeeded")
	}
	if pd.Unmap(0x400000) {
		t.Errorf("second Unmap returned true")
	}
	if pd.Unmap(1 << 40) {
		t.Errorf("Unmap in a region with no tables returned true")
	}
}

func TestProtect(t *testing.T) {
	f, alloc := testEnv(t)
	pd := newTestDirectory(t, alloc)
	frame := mustAllocFrame(t, f)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}
	ro := MapOpts{Access: memarch.Read, User: true}

	if err := pd.Map(0x400000, frame, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if !pd.Protect(0x400000, ro) {
		t.Fatalf("Protect of a mapped page returned false")
	}
	checkMappings(t, pd, []mapping{{0x400000, frame, ro}})
	if pd.Protect(0x500000, ro) {
		t.Errorf("Protect of an unmapped page returned true")
	}
}

func TestLeafTableLifecycle(t *testing.T) {
	f, alloc := testEnv(t)
	free0 := f.FreeFrames()
	pd := newTestDirectory(t, alloc)
	frame := mustAllocFrame(t, f)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}
	free1 := f.FreeFrames()
	if want := free0 - 2; free1 != want {
		t.Fatalf("after create: %d frames free, want %d", free1, want)
	}

	// The first mapping in a fresh region builds three levels below the
	// root.
	if err := pd.Map(0x400000, frame, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got, want := f.FreeFrames(), free1-3; got != want {
		t.Errorf("after first map: %d frames free, want %d", got, want)
	}

	// A second page under the same leaf table reuses it.
	if err := pd.Map(0x401000, frame, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if got, want := f.FreeFrames(), free1-3; got != want {
		t.Errorf("after second map: %d frames free, want %d", got, want)
	}

	// Unmapping keeps the tables; the cache only grows.
	pd.Unmap(0x400000)
	pd.Unmap(0x401000)
	if got, want := f.FreeFrames(), free1-3; got != want {
		t.Errorf("after unmap: %d frames free, want %d", got, want)
	}

	// Destruction releases the whole tree. Only the payload frame stays
	// allocated.
	pd.DecRef()
	if got, want := f.FreeFrames(), free0-1; got != want {
		t.Errorf("after destroy: %d frames free, want %d", got, want)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	_, alloc := testEnv(t)
	pd1 := newTestDirectory(t, alloc)
	pd2, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	root1, root2 := pd1.RootPhysical(), pd2.RootPhysical()

	for _, tc := range []struct {
		root memarch.PhysicalAddress
		want *PageDirectory
	}{
		{root1, pd1},
		{root2, pd2},
	} {
		got := FindByCR3(tc.root)
		if got != tc.want {
			t.Fatalf("FindByCR3(%#x): got %p, want %p", uintptr(tc.root), got, tc.want)
		}
		got.DecRef()
	}

	// Destruction removes exactly the destroyed directory's entry.
	pd2.DecRef()
	if got := FindByCR3(root2); got != nil {
		t.Errorf("FindByCR3 after destroy: got %p, want nil", got)
	}
	if got := FindByCR3(root1); got != pd1 {
		t.Errorf("FindByCR3(%#x): got %p, want %p", uintptr(root1), got, pd1)
	} else {
		got.DecRef()
	}
	if got := FindByCR3(0xdead000); got != nil {
		t.Errorf("FindByCR3 of an unknown root: got %p, want nil", got)
	}
}

func TestReferenceContract(t *testing.T) {
	_, alloc := testEnv(t)
	pd, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	if !pd.TryIncRef() {
		t.Fatalf("TryIncRef on a live directory failed")
	}
	pd.DecRef()
	pd.DecRef()
	if pd.TryIncRef() {
		t.Errorf("TryIncRef on a destroyed directory succeeded")
	}
	mustPanic(t, "IncRef after release", pd.IncRef)
	mustPanic(t, "DecRef after release", pd.DecRef)
	mustPanic(t, "Map on a destroyed directory", func() {
		pd.Map(0x400000, 0x1000, MapOpts{Access: memarch.Read})
	})
}

func TestActivatePinsDirectory(t *testing.T) {
	_, alloc := testEnv(t)
	pd, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	root := pd.Activate()
	if root != pd.RootPhysical() {
		t.Errorf("Activate: got root %#x, want %#x", uintptr(root), uintptr(pd.RootPhysical()))
	}

	// The owner drops its reference while a core still runs on the
	// directory; the pin keeps it alive and visible.
	pd.DecRef()
	if got := FindByCR3(root); got != pd {
		t.Fatalf("FindByCR3 while active: got %p, want %p", got, pd)
	} else {
		got.DecRef()
	}
	pd.Deactivate()
	if got := FindByCR3(root); got != nil {
		t.Errorf("FindByCR3 after deactivation released the directory: got %p, want nil", got)
	}
}

func TestTableExhaustion(t *testing.T) {
	f, err := pgalloc.NewMemoryFile(2*memarch.PageSize, pgalloc.MemoryFileOpts{Name: "pagetables-oom"})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(f.Destroy)
	alloc := NewFrameAllocator(f)
	pd, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	t.Cleanup(pd.DecRef)

	// Growing three levels with one frame left fails recoverably.
	err = pd.Map(0x400000, 0x1000, MapOpts{Access: memarch.ReadWrite, User: true})
	if !posixerr.Equals(posixerr.ENOMEM, err) {
		t.Fatalf("Map with exhausted frames: got %v, want ENOMEM", err)
	}
	if _, _, ok := pd.Translate(0x400000); ok {
		t.Errorf("Translate after failed Map succeeded")
	}

	// Directory creation itself also fails recoverably.
	if _, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc}); !posixerr.Equals(posixerr.ENOMEM, err) {
		t.Errorf("TryCreateForUserspace with exhausted frames: got %v, want ENOMEM", err)
	}
}

type fakeSpace struct {
	name string
}

func TestSpaceBinder(t *testing.T) {
	_, alloc := testEnv(t)
	pd, binder, err := TryCreateForUserspace(CreateOpts{Allocator: alloc})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	t.Cleanup(pd.DecRef)
	if owner := pd.Owner(); owner != nil {
		t.Fatalf("Owner before binding: got %v, want nil", owner)
	}
	owner := &fakeSpace{name: "init"}
	binder.Bind(owner)
	if got := pd.Owner(); got != Space(owner) {
		t.Errorf("Owner: got %v, want %v", got, owner)
	}
	mustPanic(t, "zero binder", func() {
		var zero SpaceBinder
		zero.Bind(owner)
	})
	mustPanic(t, "second bind", func() {
		binder.Bind(&fakeSpace{name: "imposter"})
	})
}

func TestKernelDirectory(t *testing.T) {
	if Kernel() == nil {
		// The kernel's frame store lives for the whole process, like the
		// directory it backs.
		kf, err := pgalloc.NewMemoryFile(testFrames*memarch.PageSize, pgalloc.MemoryFileOpts{Name: "kernel-frames"})
		if err != nil {
			t.Fatalf("NewMemoryFile failed: %v", err)
		}
		MustCreateKernel(CreateOpts{Allocator: NewFrameAllocator(kf)})
	}
	kd := Kernel()
	if kd == nil {
		t.Fatalf("Kernel returned nil after MustCreateKernel")
	}
	want := memarch.VirtualRange{Base: memarch.KernelBase, Size: uintptr(memarch.KernelCeiling - memarch.KernelBase)}
	if got := kd.RangeAllocator().TotalRange(); got != want {
		t.Errorf("kernel range: got %v, want %v", got, want)
	}
	if got := FindByCR3(kd.RootPhysical()); got != kd {
		t.Errorf("FindByCR3(kernel root): got %p, want %p", got, kd)
	} else {
		got.DecRef()
	}

	// Kernel-half addresses exercise index extraction with the high bits
	// set.
	va, err := kd.RangeAllocator().AllocateAnywhere(memarch.PageSize, 0)
	if err != nil {
		t.Fatalf("AllocateAnywhere in the kernel space failed: %v", err)
	}
	opts := MapOpts{Access: memarch.ReadWrite, Global: true}
	if err := kd.Map(va.Base, 0x1000, opts); err != nil {
		t.Fatalf("Map in the kernel space failed: %v", err)
	}
	checkMappings(t, kd, []mapping{{va.Base, 0x1000, opts}})

	mustPanic(t, "second kernel directory", func() {
		MustCreateKernel(CreateOpts{})
	})
}

func TestConcurrentMapTranslate(t *testing.T) {
	f, alloc := testEnv(t)
	pd := newTestDirectory(t, alloc)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}

	// All goroutines hammer the same 2 MiB region, so they contend on one
	// leaf table.
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		base := memarch.VirtualAddress(0x400000 + i*16*memarch.PageSize)
		g.Go(func() error {
			for j := 0; j < 16; j++ {
				va := base + memarch.VirtualAddress(j*memarch.PageSize)
				frame, err := f.AllocateFrame()
				if err != nil {
					return err
				}
				if err := pd.Map(va, frame, rw); err != nil {
					return err
				}
				pa, _, ok := pd.Translate(va)
				if !ok || pa != frame {
					return fmt.Errorf("Translate(%#x): got (%#x, %t), want (%#x, true)", uintptr(va), uintptr(pa), ok, uintptr(frame))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

type recordingInvalidator struct {
	pages []memarch.VirtualAddress
	roots []memarch.PhysicalAddress
	all   []memarch.PhysicalAddress
}

func (r *recordingInvalidator) InvalidatePage(root memarch.PhysicalAddress, va memarch.VirtualAddress) {
	r.roots = append(r.roots, root)
	r.pages = append(r.pages, va)
}

func (r *recordingInvalidator) InvalidateAll(root memarch.PhysicalAddress) {
	r.all = append(r.all, root)
}

func TestInvalidatorHook(t *testing.T) {
	f, alloc := testEnv(t)
	inv := &recordingInvalidator{}
	pd, _, err := TryCreateForUserspace(CreateOpts{Allocator: alloc, Invalidator: inv})
	if err != nil {
		t.Fatalf("TryCreateForUserspace failed: %v", err)
	}
	root := pd.RootPhysical()
	frame := mustAllocFrame(t, f)
	rw := MapOpts{Access: memarch.ReadWrite, User: true}

	if err := pd.Map(0x400000, frame, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pd.Protect(0x400000, MapOpts{Access: memarch.Read, User: true})
	pd.Unmap(0x400000)
	// Misses fire no maintenance.
	pd.Unmap(0x500000)
	pd.Protect(0x500000, rw)

	want := []memarch.VirtualAddress{0x400000, 0x400000, 0x400000}
	if len(inv.pages) != len(want) {
		t.Fatalf("got %d page invalidations %v, want %d", len(inv.pages), inv.pages, len(want))
	}
	for i, va := range want {
		if inv.pages[i] != va {
			t.Errorf("invalidation %d: got %#x, want %#x", i, uintptr(inv.pages[i]), uintptr(va))
		}
		if inv.roots[i] != root {
			t.Errorf("invalidation %d: got root %#x, want %#x", i, uintptr(inv.roots[i]), uintptr(root))
		}
	}
	if len(inv.all) != 0 {
		t.Errorf("InvalidateAll fired before destruction: %v", inv.all)
	}

	pd.DecRef()
	if len(inv.all) != 1 || inv.all[0] != root {
		t.Errorf("destruction fired InvalidateAll %v, want [%#x]", inv.all, uintptr(root))
	}
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	f()
}
