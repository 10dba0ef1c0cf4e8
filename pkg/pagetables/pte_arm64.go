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

package pagetables

import (
	"sync/atomic"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
)

// Bits in VMSAv8-64 translation descriptors with a 4 KiB granule.
const (
	typeTable = 0x3 << 0
	typePage  = 0x3 << 0
	pteValid  = 0x1 << 0

	user     = 0x1 << 6 // AP[1]
	readOnly = 0x1 << 7 // AP[2]
	shared   = 0x3 << 8
	accessed = 0x1 << 10
	nG       = 0x1 << 11
	dbm      = 0x1 << 51
	pxn      = 0x1 << 53
	xn       = 0x1 << 54

	mtNormal = 0x4 << 2

	// addrMask selects the output-address bits of a descriptor.
	addrMask = 0x0000fffffffff000
)

// PTE is a single translation descriptor, written and read atomically.
type PTE uintptr

// Clear resets the descriptor.
func (p *PTE) Clear() {
	atomic.StoreUintptr((*uintptr)(p), 0)
}

// Valid returns true iff the descriptor holds a translation.
func (p *PTE) Valid() bool {
	return atomic.LoadUintptr((*uintptr)(p))&pteValid != 0
}

// Opts decodes the descriptor's mapping options.
func (p *PTE) Opts() MapOpts {
	v := atomic.LoadUintptr((*uintptr)(p))
	isUser := v&user != 0
	execute := v&xn == 0
	if !isUser {
		execute = v&pxn == 0
	}
	return MapOpts{
		Access: memarch.AccessType{
			Read:    v&pteValid != 0,
			Write:   v&readOnly == 0,
			Execute: execute,
		},
		User:   isUser,
		Global: v&nG == 0,
	}
}

// Set points the descriptor at the frame at addr with the given options.
// An empty access type clears the descriptor instead.
func (p *PTE) Set(addr memarch.PhysicalAddress, opts MapOpts) {
	if !opts.Access.Any() {
		p.Clear()
		return
	}
	v := (uintptr(addr) & addrMask) | typePage | accessed | shared | mtNormal
	if opts.User {
		// User mappings are never privileged-executable.
		v |= user | pxn
		if !opts.Access.Execute {
			v |= xn
		}
	} else {
		// Supervisor mappings are never user-executable.
		v |= xn
		if !opts.Access.Execute {
			v |= pxn
		}
	}
	if opts.Access.Write {
		v |= dbm
	} else {
		v |= readOnly
	}
	if !opts.Global {
		v |= nG
	}
	atomic.StoreUintptr((*uintptr)(p), v)
}

// setTable points the descriptor at the next-level table at addr.
func (p *PTE) setTable(addr memarch.PhysicalAddress) {
	v := (uintptr(addr) & addrMask) | typeTable
	atomic.StoreUintptr((*uintptr)(p), v)
}

// Address extracts the output address held in the descriptor.
func (p *PTE) Address() memarch.PhysicalAddress {
	return memarch.PhysicalAddress(atomic.LoadUintptr((*uintptr)(p)) & addrMask)
}
