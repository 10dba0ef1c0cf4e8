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
	"unsafe"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
)

func init() {
	if unsafe.Sizeof(PTEs{}) != memarch.PageSize {
		panic("pagetables: a translation table must fill exactly one frame")
	}
}

// tableForBytes reinterprets a frame's contents as a translation table.
// b must be a whole frame from the backing MemoryFile; frames are
// page-aligned by construction.
func tableForBytes(b []byte) *PTEs {
	return (*PTEs)(unsafe.Pointer(&b[0]))
}
