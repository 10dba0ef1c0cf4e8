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

// Package memarch defines the address types, range arithmetic and
// architecture-dependent constants shared by the memory core.
//
// The per-architecture layout (page size, table geometry, user and kernel
// address windows) is selected at build time by the memarch_*.go files;
// nothing in this package branches on the architecture at runtime.
package memarch

const (
	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask for the offset bits within a page.
	PageMask = PageSize - 1
)

// PageRoundDown returns x rounded down to the nearest page boundary.
func PageRoundDown(x uintptr) uintptr {
	return x &^ PageMask
}

// PageRoundUp returns x rounded up to the nearest page boundary. ok is false
// iff rounding up would wrap the address width.
func PageRoundUp(x uintptr) (val uintptr, ok bool) {
	val = PageRoundDown(x + PageMask)
	ok = val >= x
	return
}

// PageAligned returns true iff x is a multiple of the page size.
func PageAligned(x uintptr) bool {
	return x&PageMask == 0
}
