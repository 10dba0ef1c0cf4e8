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

package memarch

import "golang.org/x/sys/unix"

const (
	// PageShift is the binary log of the system page size.
	// 4K pages: 2^12 = 4096
	PageShift = 12

	// UserspaceBase is the lowest virtual address handed to userspace.
	// The first 64 KiB are kept unmapped so null and near-null
	// dereferences always fault.
	UserspaceBase VirtualAddress = 0x10000

	// UserspaceCeiling is the first virtual address past the userspace
	// window: the top of the 48-bit TTBR0 region.
	UserspaceCeiling VirtualAddress = 1 << 48

	// KernelBase is the bottom of the kernel's virtual window, at the
	// start of the TTBR1 region.
	KernelBase VirtualAddress = 0xffff_0000_0000_0000

	// KernelCeiling is the first virtual address past the kernel window.
	KernelCeiling VirtualAddress = 0xffff_ffff_8000_0000
)

func init() {
	// Make sure the page size is 4K on arm64 platform.
	if size := unix.Getpagesize(); size != PageSize {
		panic("Only 4K page size is supported on arm64!")
	}
}
