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

// memtool builds simulated machines out of the memory core and pokes at
// them: lay out an address space from a profile, drive fault storms,
// walk translations.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"

	"github.com/calebrwalk5/pranaOS/pkg/log"
	"github.com/calebrwalk5/pranaOS/pkg/memarch"
)

var (
	debug       = flag.Bool("debug", false, "enable debug logging.")
	logFormat   = flag.String("log-format", "text", "log format: text or json.")
	logFile     = flag.String("log-file", "", "also write logs to this file.")
	profilePath = flag.String("profile", "", "TOML machine profile; a built-in sample is used when empty.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(layoutCmd), "")
	subcommands.Register(new(faultCmd), "")
	subcommands.Register(new(translateCmd), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	emitters := log.MultiEmitter{newEmitter(*logFormat, os.Stderr)}
	if f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND); err != nil {
		fatalf("opening log file %q: %v", *logFile, err)
	} else if f != nil {
		emitters = append(emitters, newEmitter(*logFormat, f))
	}
	if len(emitters) == 1 {
		// The singular emitter skips the fan-out loop.
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if *debug {
		log.SetLevel(log.Debug)
	}
	// Stray output from the stdlib logger lands in our stream.
	log.CopyStandardLogTo(log.Warning)

	prof, err := loadProfile(*profilePath)
	if err != nil {
		fatalf("loading machine profile: %v", err)
	}
	log.Debugf("memtool on %s/%s, page size %#x", runtime.GOOS, runtime.GOARCH, memarch.PageSize)

	os.Exit(int(subcommands.Execute(context.Background(), prof)))
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	}
	fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "memtool: "+format+"\n", args...)
	os.Exit(128)
}
