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

//go:build amd64

package pagetables

import (
	"sync/atomic"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
)

// Bits in x86-64 translation entries.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100

	executeDisable = 1 << 63
	optionMask     = executeDisable | 0xfff
)

// PTE is a single translation entry, written and read atomically.
type PTE uintptr

// Clear resets the entry.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// Valid returns true iff the entry holds a translation.
func (p *PTE) Valid() bool {
	return atomic.LoadUintptr((*uintptr)(p))&present != 0
}

// Opts decodes the entry's mapping options.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUintptr((*uintptr)(p))
	return MapOpts{
		Access: memarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		User:   v&user != 0,
		Global: v&global != 0,
	}
}

// Set points the entry at the frame at addr with the given options. An
// empty access type clears the entry instead.
func (p *PTE) Set(addr memarch.PhysicalAddress, opts MapOpts) {
	if !opts.Access.Any() {
		p.Clear()
		return
	}
	v := (uintptr(addr) &^ uintptr(optionMask)) | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.Access.Execute {
		v |= executeDisable
	}
	if opts.Access.Write {
		v |= writable | dirty
	}
	atomic.StoreUintptr((*uintptr)(p), v)
}

// setTable points the entry at the next-level table at addr. Intermediate
// entries stay maximally permissive; the leaf entry decides access.
func (p *PTE) setTable(addr memarch.PhysicalAddress) {
	v := (uintptr(addr) &^ uintptr(optionMask)) | present | user | writable | accessed | dirty
	atomic.StoreUintptr((*uintptr)(p), v)
}

// Address extracts the physical address held in the entry.
func (p *PTE) Address() memarch.PhysicalAddress {
	return memarch.PhysicalAddress(atomic.LoadUintptr((*uintptr)(p)) &^ uintptr(optionMask))
}
