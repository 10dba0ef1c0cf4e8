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

// Package memutil provides utilities for working with shared memory files,
// notably the mapping that backs the physical frame store.
package memutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapShared maps length bytes of fd read-write shared and returns the
// mapping as a slice. The mapping stays valid until Unmap.
func MapShared(fd uintptr, length uint64) ([]byte, error) {
	addr, _, errno := unix.RawSyscall6(unix.SYS_MMAP, 0, uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, fd, 0)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

// Unmap releases a mapping returned by MapShared. The slice must not be
// used afterwards.
func Unmap(view []byte) error {
	ptr := unsafe.SliceData(view)
	if _, _, errno := unix.RawSyscall6(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(ptr)), uintptr(cap(view)), 0, 0, 0, 0); errno != 0 {
		return errno
	}
	return nil
}
