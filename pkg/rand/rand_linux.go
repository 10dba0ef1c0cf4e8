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

//go:build linux

// Package rand implements a cryptographically secure pseudorandom number
// generator, used by the memory core for address-space layout randomization.
package rand

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"
)

// reader implements an io.Reader that returns pseudorandom bytes.
type reader struct{}

// Read implements io.Reader.Read.
func (reader) Read(p []byte) (int, error) {
	return unix.Getrandom(p, 0)
}

// Reader is the default reader.
var Reader io.Reader = reader{}

// Read reads from the default reader.
func Read(b []byte) (int, error) {
	return io.ReadFull(Reader, b)
}

// Uint64 returns a random uint64. An entropy failure panics: the kernel
// cannot meaningfully continue without its randomness source.
func Uint64() uint64 {
	var b [8]byte
	if _, err := Read(b[:]); err != nil {
		panic("rand: failed to read random bytes: " + err.Error())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Uint64Below returns a random uint64 in [0, n). n must be positive.
func Uint64Below(n uint64) uint64 {
	if n == 0 {
		panic("rand: Uint64Below called with zero bound")
	}
	// Reject values in the truncated tail so results stay uniform.
	max := ^uint64(0) - ^uint64(0)%n
	for {
		if v := Uint64(); v < max {
			return v % n
		}
	}
}
