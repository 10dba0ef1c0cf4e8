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

package memarch

import (
	"math"
	"testing"
)

func TestAddrRounding(t *testing.T) {
	if got := VirtualAddress(0x1fff).RoundDown(); got != 0x1000 {
		t.Errorf("RoundDown got %#x want 0x1000", got)
	}
	if got, ok := VirtualAddress(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp got %#x, %v want 0x2000, true", got, ok)
	}
	if got, ok := VirtualAddress(0x2000).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp of aligned got %#x, %v want 0x2000, true", got, ok)
	}
	if _, ok := VirtualAddress(math.MaxUint64 - 0x10).RoundUp(); ok {
		t.Errorf("RoundUp near the top of the address width should wrap")
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := VirtualAddress(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength got %#x, %v want 0x3000, true", end, ok)
	}
	if _, ok := VirtualAddress(math.MaxUint64).AddLength(1); ok {
		t.Errorf("AddLength overflow should report !ok")
	}
}

func TestAccessType(t *testing.T) {
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("ReadWrite.String got %q want %q", got, "rw-")
	}
	if !AnyAccess.SupersetOf(ReadExecute) {
		t.Errorf("AnyAccess should be a superset of ReadExecute")
	}
	if Read.SupersetOf(ReadWrite) {
		t.Errorf("Read should not be a superset of ReadWrite")
	}
	if got := Write.Effective(); !got.Read || !got.Write {
		t.Errorf("Write.Effective got %v, should imply read", got)
	}
	if NoAccess.Any() {
		t.Errorf("NoAccess.Any got true")
	}
}
