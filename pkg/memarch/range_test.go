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

	"github.com/google/go-cmp/cmp"

	"github.com/calebrwalk5/pranaOS/pkg/errors/posixerr"
)

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s should have panicked", name)
		}
	}()
	f()
}

func TestCarve(t *testing.T) {
	r := VirtualRange{0x10000, 0x10000}
	for _, tc := range []struct {
		name  string
		taken VirtualRange
		want  []VirtualRange
	}{
		{
			name:  "whole range leaves nothing",
			taken: VirtualRange{0x10000, 0x10000},
			want:  nil,
		},
		{
			name:  "front leaves right piece",
			taken: VirtualRange{0x10000, 0x4000},
			want:  []VirtualRange{{0x14000, 0xc000}},
		},
		{
			name:  "back leaves left piece",
			taken: VirtualRange{0x1c000, 0x4000},
			want:  []VirtualRange{{0x10000, 0xc000}},
		},
		{
			name:  "middle leaves both pieces",
			taken: VirtualRange{0x14000, 0x2000},
			want:  []VirtualRange{{0x10000, 0x4000}, {0x16000, 0xa000}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Carve(tc.taken)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Carve(%v) mismatch (-want +got):\n%s", tc.taken, diff)
			}
		})
	}
}

func TestCarveSizesSum(t *testing.T) {
	// For any strictly interior carve, the pieces' sizes sum to the
	// difference of the range sizes.
	r := VirtualRange{0x100000, 0x40000}
	s := VirtualRange{0x110000, 0x8000}
	pieces := r.Carve(s)
	if len(pieces) != 2 {
		t.Fatalf("Carve got %d pieces want 2", len(pieces))
	}
	if got, want := pieces[0].Size+pieces[1].Size, r.Size-s.Size; got != want {
		t.Errorf("piece sizes sum to %#x want %#x", got, want)
	}
	if pieces[0].End() != s.Base || pieces[1].Base != s.End() {
		t.Errorf("pieces %v, %v do not bound %v", pieces[0], pieces[1], s)
	}
}

func TestCarveContractViolations(t *testing.T) {
	r := VirtualRange{0x10000, 0x10000}
	mustPanic(t, "Carve with unaligned size", func() {
		r.Carve(VirtualRange{0x10000, 0x123})
	})
	mustPanic(t, "Carve outside the range", func() {
		r.Carve(VirtualRange{0x8000, 0x1000})
	})
}

func TestIntersect(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b VirtualRange
		want VirtualRange
	}{
		{
			name: "partial overlap",
			a:    VirtualRange{0x1000, 0x3000},
			b:    VirtualRange{0x2000, 0x4000},
			want: VirtualRange{0x2000, 0x2000},
		},
		{
			name: "contained",
			a:    VirtualRange{0x1000, 0x10000},
			b:    VirtualRange{0x3000, 0x1000},
			want: VirtualRange{0x3000, 0x1000},
		},
		{
			name: "identical",
			a:    VirtualRange{0x5000, 0x2000},
			b:    VirtualRange{0x5000, 0x2000},
			want: VirtualRange{0x5000, 0x2000},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Intersect(tc.b); got != tc.want {
				t.Errorf("Intersect got %v want %v", got, tc.want)
			}
			// Intersection commutes.
			if got := tc.b.Intersect(tc.a); got != tc.want {
				t.Errorf("reversed Intersect got %v want %v", got, tc.want)
			}
		})
	}

	mustPanic(t, "Intersect of disjoint ranges", func() {
		VirtualRange{0x1000, 0x1000}.Intersect(VirtualRange{0x3000, 0x1000})
	})
	mustPanic(t, "Intersect of touching ranges", func() {
		VirtualRange{0x1000, 0x1000}.Intersect(VirtualRange{0x2000, 0x1000})
	})
}

func TestExpandToPageBoundaries(t *testing.T) {
	for _, tc := range []struct {
		name string
		addr VirtualAddress
		size uintptr
		want VirtualRange
	}{
		{"already aligned", 0x2000, 0x3000, VirtualRange{0x2000, 0x3000}},
		{"unaligned base", 0x2123, 0x1000, VirtualRange{0x2000, 0x2000}},
		{"unaligned both", 0x2fff, 0x2, VirtualRange{0x2000, 0x2000}},
		{"empty on aligned base", 0x4000, 0, VirtualRange{0x4000, 0}},
		{"empty on unaligned base", 0x4001, 0, VirtualRange{0x4000, 0x1000}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExpandToPageBoundaries(tc.addr, tc.size)
			if err != nil {
				t.Fatalf("ExpandToPageBoundaries(%#x, %#x) got err %v want nil", tc.addr, tc.size, err)
			}
			if got != tc.want {
				t.Errorf("ExpandToPageBoundaries(%#x, %#x) got %v want %v", tc.addr, tc.size, got, tc.want)
			}
		})
	}
}

func TestExpandToPageBoundariesOverflow(t *testing.T) {
	const maxAddr = VirtualAddress(math.MaxUint64)
	for _, tc := range []struct {
		name string
		addr VirtualAddress
		size uintptr
	}{
		{"size rounds past the width", 0, math.MaxUint64},
		{"sum overflows", maxAddr - 0x1000, 0x2000},
		{"rounded sum wraps", maxAddr - 0x1000, 0xfff},
		{"sum lands past the top page", 0x1000, math.MaxUint64 - 0xfff},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ExpandToPageBoundaries(tc.addr, tc.size); err != posixerr.EINVAL {
				t.Errorf("ExpandToPageBoundaries(%#x, %#x) got err %v want EINVAL", tc.addr, tc.size, err)
			}
		})
	}
}

func TestRangePredicates(t *testing.T) {
	r := VirtualRange{0x1000, 0x2000}
	if !r.Contains(0x1000) || !r.Contains(0x2fff) {
		t.Errorf("Contains rejected interior addresses of %v", r)
	}
	if r.Contains(0x3000) || r.Contains(0xfff) {
		t.Errorf("Contains accepted exterior addresses of %v", r)
	}
	if !r.ContainsRange(VirtualRange{0x1000, 0x2000}) {
		t.Errorf("ContainsRange rejected the range itself")
	}
	if r.ContainsRange(VirtualRange{0x2000, 0x2000}) {
		t.Errorf("ContainsRange accepted a range extending past the end")
	}
	if !r.Overlaps(VirtualRange{0x2fff, 0x1000}) {
		t.Errorf("Overlaps rejected an overlapping range")
	}
	if r.Overlaps(VirtualRange{0x3000, 0x1000}) {
		t.Errorf("Overlaps accepted a touching range")
	}
	if !r.IsPageAligned() {
		t.Errorf("IsPageAligned rejected %v", r)
	}
	if (VirtualRange{0x1001, 0x2000}).IsPageAligned() {
		t.Errorf("IsPageAligned accepted an unaligned base")
	}
}
