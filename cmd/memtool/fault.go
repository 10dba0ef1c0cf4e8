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
	"runtime"
	"sync/atomic"
	"time"

	"github.com/calebrwalk5/pranaOS/pkg/memarch"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// faultCmd implements subcommands.Command for the "fault" command.
type faultCmd struct {
	workers int
	writes  bool
	rounds  int
}

// Name implements subcommands.Command.Name.
func (*faultCmd) Name() string {
	return "fault"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*faultCmd) Synopsis() string {
	return "fault every page of the profile from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*faultCmd) Usage() string {
	return `fault [-workers N] [-writes] [-rounds N]: build the machine profile and
have N workers fault every mapped page, reporting the population that results.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *faultCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.workers, "workers", runtime.GOMAXPROCS(0), "number of concurrent faulting workers")
	f.BoolVar(&c.writes, "writes", false, "take write faults on writable regions instead of read faults")
	f.IntVar(&c.rounds, "rounds", 1, "number of full sweeps each worker performs")
}

// target is one page a worker will fault on.
type target struct {
	va memarch.VirtualAddress
	at memarch.AccessType
}

// Execute implements subcommands.Command.Execute.
func (c *faultCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	prof := args[0].(*profile)
	mf, s, built, err := prof.build(ctx)
	if err != nil {
		fatalf("building machine: %v", err)
	}

	var targets []target
	for _, br := range built {
		at := memarch.Read
		if c.writes && br.perms.Write {
			at = memarch.Write
		}
		if !br.perms.SupersetOf(at) {
			continue
		}
		for va := br.vr.Base; va < br.vr.End(); va += memarch.PageSize {
			targets = append(targets, target{va: va, at: at})
		}
	}
	if len(targets) == 0 {
		fatalf("profile has no faultable pages")
	}

	freeBefore := mf.FreeFrames()
	var faults atomic.Uint64
	start := time.Now()
	var eg errgroup.Group
	for i := 0; i < c.workers; i++ {
		eg.Go(func() error {
			for round := 0; round < c.rounds; round++ {
				for _, tg := range targets {
					if err := s.HandleFault(ctx, tg.va, tg.at); err != nil {
						return fmt.Errorf("fault at %#x (%v): %v", tg.va, tg.at, err)
					}
					faults.Add(1)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		fatalf("fault storm: %v", err)
	}
	elapsed := time.Since(start)

	installed := 0
	for _, tg := range targets {
		if _, _, ok := s.Directory().Translate(tg.va); ok {
			installed++
		}
	}
	consumed := freeBefore - mf.FreeFrames()

	fmt.Printf("workers:   %d\n", c.workers)
	fmt.Printf("faults:    %d in %v\n", faults.Load(), elapsed)
	fmt.Printf("pages:     %d targeted, %d installed\n", len(targets), installed)
	fmt.Printf("frames:    %d consumed, %d/%d free\n", consumed, mf.FreeFrames(), mf.TotalFrames())
	return subcommands.ExitSuccess
}
