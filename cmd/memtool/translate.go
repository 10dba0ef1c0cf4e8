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
	"flag"
	"fmt"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/google/subcommands"
)

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct {
	addr  string
	write bool
}

// Name implements subcommands.Command.Name.
func (*translateCmd) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*translateCmd) Synopsis() string {
	return "fault one address and print its translation"
}

// Usage implements subcommands.Command.Usage.
func (*translateCmd) Usage() string {
	return `translate [-addr 0x...] [-write]: build the machine profile, fault the
given address (the first region's base by default) and print the physical
address and permissions the directory now holds for it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *translateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "", "virtual address to translate, in hex")
	f.BoolVar(&c.write, "write", false, "take a write fault instead of a read fault")
}

// Execute implements subcommands.Command.Execute.
func (c *translateCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	prof := args[0].(*profile)
	_, s, built, err := prof.build(ctx)
	if err != nil {
		fatalf("building machine: %v", err)
	}

	var va memarch.VirtualAddress
	if c.addr != "" {
		va, err = parseAddr(c.addr)
		if err != nil {
			fatalf("parsing -addr: %v", err)
		}
	} else {
		if len(built) == 0 {
			fatalf("profile has no regions and no -addr was given")
		}
		va = built[0].vr.Base
	}

	at := memarch.Read
	if c.write {
		at = memarch.Write
	}
	if err := s.HandleFault(ctx, va, at); err != nil {
		fatalf("fault at %#x (%v): %v", va, at, err)
	}
	pa, opts, ok := s.Directory().Translate(va)
	if !ok {
		fatalf("no translation for %#x after fault", va)
	}
	fmt.Printf("%#x -> %#x (%v, user=%v)\n", va, pa, opts.Access, opts.User)
	return subcommands.ExitSuccess
}
