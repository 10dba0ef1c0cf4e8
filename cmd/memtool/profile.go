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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/calebrwalk5/pranaOS/pkg/mm"
	"github.com/calebrwalk5/pranaOS/pkg/pgalloc"
	"github.com/calebrwalk5/pranaOS/pkg/vmobject"
)

// profile describes the simulated machine a command builds up front.
type profile struct {
	// MemoryFrames sizes the physical store, in page frames.
	MemoryFrames uint64 `toml:"memory_frames"`

	// Regions seed the address space in file order.
	Regions []regionSpec `toml:"region"`
}

// regionSpec is one [[region]] entry of a machine profile.
type regionSpec struct {
	Name       string `toml:"name"`
	Pages      uint64 `toml:"pages"`
	Perms      string `toml:"perms"`
	Private    bool   `toml:"private"`
	Precommit  bool   `toml:"precommit"`
	Randomized bool   `toml:"randomized"`
	Addr       string `toml:"addr"`
	Fixed      bool   `toml:"fixed"`

	// File backs the region with the named host file instead of
	// anonymous memory. With Pages unset the whole file is mapped.
	File string `toml:"file"`
}

// builtRegion is a regionSpec after mapping.
type builtRegion struct {
	spec  regionSpec
	vr    memarch.VirtualRange
	perms memarch.AccessType
}

// sampleProfile stands in when no -profile is given: a text segment, a
// heap and a stack, the way a freshly exec'd process looks.
func sampleProfile() *profile {
	return &profile{
		MemoryFrames: 1024,
		Regions: []regionSpec{
			{Name: "text", Pages: 4, Perms: "r-x", Private: true},
			{Name: "heap", Pages: 16, Perms: "rw-", Private: true},
			{Name: "stack", Pages: 8, Perms: "rw-", Private: true, Randomized: true},
		},
	}
}

func loadProfile(path string) (*profile, error) {
	if path == "" {
		return sampleProfile(), nil
	}
	prof := new(profile)
	if _, err := toml.DecodeFile(path, prof); err != nil {
		return nil, err
	}
	if prof.MemoryFrames == 0 {
		prof.MemoryFrames = 1024
	}
	return prof, nil
}

// build assembles the machine: a physical store and one address space
// laid out per the profile.
func (p *profile) build(ctx context.Context) (*pgalloc.MemoryFile, *mm.AddressSpace, []builtRegion, error) {
	mf, err := pgalloc.NewMemoryFile(p.MemoryFrames*memarch.PageSize, pgalloc.MemoryFileOpts{Name: "memtool"})
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := mm.NewAddressSpace(mf)
	if err != nil {
		return nil, nil, nil, err
	}
	built := make([]builtRegion, 0, len(p.Regions))
	for i := range p.Regions {
		r := &p.Regions[i]
		vr, perms, err := r.mapInto(ctx, s)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mapping region %q: %v", r.Name, err)
		}
		built = append(built, builtRegion{spec: *r, vr: vr, perms: perms})
	}
	return mf, s, built, nil
}

func (r *regionSpec) mapInto(ctx context.Context, s *mm.AddressSpace) (memarch.VirtualRange, memarch.AccessType, error) {
	perms, err := parsePerms(r.Perms)
	if err != nil {
		return memarch.VirtualRange{}, memarch.NoAccess, err
	}
	opts := mm.MMapOpts{
		Length:     r.Pages * memarch.PageSize,
		Fixed:      r.Fixed,
		Randomized: r.Randomized,
		Perms:      perms,
		MaxPerms:   memarch.AnyAccess,
		Private:    r.Private,
		Precommit:  r.Precommit,
		Name:       r.Name,
	}
	if r.Addr != "" {
		base, err := parseAddr(r.Addr)
		if err != nil {
			return memarch.VirtualRange{}, memarch.NoAccess, err
		}
		opts.Addr = base
	}
	if r.File != "" {
		inode, err := openFileInode(r.File)
		if err != nil {
			return memarch.VirtualRange{}, memarch.NoAccess, err
		}
		opts.Inode = inode
		if opts.Length == 0 {
			length, ok := memarch.PageRoundUp(uintptr(inode.Size()))
			if !ok {
				return memarch.VirtualRange{}, memarch.NoAccess, fmt.Errorf("file %q too large to map", r.File)
			}
			opts.Length = uint64(length)
		}
	}
	vr, err := s.MMap(ctx, opts)
	if err != nil {
		return memarch.VirtualRange{}, memarch.NoAccess, err
	}
	return vr, perms, nil
}

// parsePerms reads "rwx" notation; '-' placeholders are allowed, an
// empty spec means read-write.
func parsePerms(s string) (memarch.AccessType, error) {
	if s == "" {
		return memarch.ReadWrite, nil
	}
	var at memarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return memarch.NoAccess, fmt.Errorf("bad permission spec %q", s)
		}
	}
	return at, nil
}

func parseAddr(s string) (memarch.VirtualAddress, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %v", s, err)
	}
	return memarch.VirtualAddress(v), nil
}

// fileInode adapts a host file to the inode interface. Identities are
// process local; every open gets a fresh one.
type fileInode struct {
	id   uint64
	f    *os.File
	size uint64
}

var _ vmobject.Inode = (*fileInode)(nil)

var nextInodeID atomic.Uint64

func openFileInode(path string) (*fileInode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileInode{id: nextInodeID.Add(1), f: f, size: uint64(st.Size())}, nil
}

func (i *fileInode) ID() uint64 {
	return i.id
}

func (i *fileInode) Size() uint64 {
	return i.size
}

func (i *fileInode) ReadPage(ctx context.Context, page uint64, dst []byte) error {
	clear(dst)
	if _, err := i.f.ReadAt(dst, int64(page*memarch.PageSize)); err != nil && err != io.EOF {
		return err
	}
	// A short read at the tail leaves the rest zero, which is what a
	// partial final page should look like.
	return nil
}
