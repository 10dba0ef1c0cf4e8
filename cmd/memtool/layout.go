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

	"github.com/google/subcommands"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct {
	fork bool
}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string {
	return "build the profile's address space and print its regions"
}

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string {
	return `layout [-fork]: build the machine profile's address space and print it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *layoutCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.fork, "fork", false, "also fork the space and print the child's regions")
}

// Execute implements subcommands.Command.Execute.
func (c *layoutCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	prof := args[0].(*profile)
	mf, s, _, err := prof.build(ctx)
	if err != nil {
		fatalf("building machine: %v", err)
	}
	fmt.Printf("store: %v\n", mf)
	fmt.Printf("root:  %#x\n", s.Directory().RootPhysical())
	fmt.Print(s)
	if c.fork {
		child, err := s.Fork(ctx)
		if err != nil {
			fatalf("forking: %v", err)
		}
		fmt.Printf("child root: %#x\n", child.Directory().RootPhysical())
		fmt.Print(child)
	}
	return subcommands.ExitSuccess
}
