// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/tdshim/testing/match"
)

func TestIntersect(t *testing.T) {
	tcs := []struct {
		name  string
		left  GuestPhysicalRegion
		right GuestPhysicalRegion
		want  GuestPhysicalRegion
	}{
		{
			name:  "non-overlapping left < right",
			left:  GuestPhysicalRegion{Start: 0, Length: 10},
			right: GuestPhysicalRegion{Start: 10, Length: 10},
			want:  GuestPhysicalRegion{},
		},
		{
			name:  "non-overlapping right < left",
			left:  GuestPhysicalRegion{Start: 10, Length: 10},
			right: GuestPhysicalRegion{Start: 0, Length: 10},
			want:  GuestPhysicalRegion{},
		},
		{
			name:  "overlapping left < right",
			left:  GuestPhysicalRegion{Start: 0, Length: 11},
			right: GuestPhysicalRegion{Start: 10, Length: 10},
			want:  GuestPhysicalRegion{Start: 10, Length: 1},
		},
		{
			name:  "contained",
			left:  GuestPhysicalRegion{Start: 0, Length: 100},
			right: GuestPhysicalRegion{Start: 10, Length: 10},
			want:  GuestPhysicalRegion{Start: 10, Length: 10},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.left.Intersect(tc.right)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("%v.Intersect(%v) returned diff (-want +got):\n%s", tc.left, tc.right, diff)
			}
		})
	}
}

func TestRegion(t *testing.T) {
	r := Range(0x1000, 0x3000)
	if r.Length != 0x2000 || r.Pages() != 2 || !r.PageAligned() || !r.Below4GiB() {
		t.Errorf("Range(0x1000, 0x3000) = %v, pages %d", r, r.Pages())
	}
	if got := Range(0x3000, 0x1000); !got.Empty() {
		t.Errorf("Range(0x3000, 0x1000) = %v, want empty", got)
	}
	if got := (GuestPhysicalRegion{Start: 0xfff00000, Length: 0x200000}); got.Below4GiB() {
		t.Errorf("%v.Below4GiB() = true, want false", got)
	}
	if got := r.String(); got != "[0x1000, 0x3000)" {
		t.Errorf("String() = %q", got)
	}
	if got := SizeToPages(0x1001); got != 2 {
		t.Errorf("SizeToPages(0x1001) = %d, want 2", got)
	}
}

func TestRangeSet(t *testing.T) {
	tcs := []struct {
		name string
		add  []GuestPhysicalRegion
		want []GuestPhysicalRegion
	}{
		{
			name: "disjoint unsorted",
			add:  []GuestPhysicalRegion{Range(0x5000, 0x6000), Range(0x1000, 0x2000)},
			want: []GuestPhysicalRegion{Range(0x1000, 0x2000), Range(0x5000, 0x6000)},
		},
		{
			name: "adjacent merge",
			add:  []GuestPhysicalRegion{Range(0x1000, 0x2000), Range(0x2000, 0x3000)},
			want: []GuestPhysicalRegion{Range(0x1000, 0x3000)},
		},
		{
			name: "bridge",
			add:  []GuestPhysicalRegion{Range(0x1000, 0x2000), Range(0x4000, 0x5000), Range(0x1800, 0x4800)},
			want: []GuestPhysicalRegion{Range(0x1000, 0x5000)},
		},
		{
			name: "empty ignored",
			add:  []GuestPhysicalRegion{{Start: 0x1000}},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			s := NewRangeSet(tc.add...)
			if diff := cmp.Diff(s.Regions(), tc.want); diff != "" {
				t.Errorf("Regions() diff (-got +want): %s", diff)
			}
		})
	}

	s := NewRangeSet(Range(0x1000, 0x3000), Range(0x5000, 0x6000))
	if !s.Contains(Range(0x1000, 0x2000)) || !s.Contains(Range(0x2000, 0x3000)) {
		t.Error("Contains() = false for covered region")
	}
	if s.Contains(Range(0x2000, 0x5800)) {
		t.Error("Contains() = true for region spanning a gap")
	}
	if s.Contains(Range(0, 0x1000)) {
		t.Error("Contains() = true for region before the set")
	}
	if diff := cmp.Diff(s.Missing(Range(0, 0x7000)), []GuestPhysicalRegion{
		Range(0, 0x1000), Range(0x3000, 0x5000), Range(0x6000, 0x7000)}); diff != "" {
		t.Errorf("Missing() diff (-got +want): %s", diff)
	}
	if got := s.Size(); got != 0x3000 {
		t.Errorf("Size() = 0x%x, want 0x3000", got)
	}
}

func TestSparse(t *testing.T) {
	m := NewSparse(0x10000)
	if err := Write(m, 0xffe, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got, err := Read(m, 0xffc, 8)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0, 0, 1, 2, 3, 4, 0, 0}) {
		t.Errorf("Read() = %v", got)
	}
	if m.ResidentPages() != 2 {
		t.Errorf("ResidentPages() = %d, want 2", m.ResidentPages())
	}
	if err := WriteUint64(m, 0x2000, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if v, err := ReadUint64(m, 0x2000); err != nil || v != 0x1122334455667788 {
		t.Errorf("ReadUint64() = 0x%x, %v", v, err)
	}
	if _, err := Read(m, 0xfffc, 8); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Read(past end) = %v, want ErrOutOfRange", err)
	}
	if err := Zero(m, Range(0xfff, 0x1001)); err != nil {
		t.Fatal(err)
	}
	got, _ = Read(m, 0xffc, 8)
	if !bytes.Equal(got, []byte{0, 0, 1, 0, 0, 4, 0, 0}) {
		t.Errorf("Read() after Zero = %v", got)
	}
	if err := Zero(m, Range(0x4000, 0x8000)); err != nil {
		t.Fatal(err)
	}
	if m.ResidentPages() != 3 {
		t.Errorf("ResidentPages() after zeroing unwritten pages = %d, want 3", m.ResidentPages())
	}
}

func TestGuarded(t *testing.T) {
	g := NewGuarded(NewSparse(0x100000), Range(0xf0000, 0x100000))
	if err := Write(g, 0xf0000, []byte{1}); err != nil {
		t.Errorf("Write(private) = %v, want nil", err)
	}
	if err := Write(g, 0x1000, []byte{1}); !errors.Is(err, ErrUnaccepted) {
		t.Errorf("Write(unaccepted) = %v, want ErrUnaccepted", err)
	}
	if _, err := Read(g, 0xeffff, 2); !match.Error(err, "[0xeffff, 0xf0000)") {
		t.Errorf("Read(straddling) = %v, want unaccepted gap", err)
	}
	if err := g.Accept(Range(0x1000, 0x3000)); err != nil {
		t.Fatal(err)
	}
	if err := Write(g, 0x1000, []byte{1}); err != nil {
		t.Errorf("Write(accepted) = %v, want nil", err)
	}
	if err := g.Accept(Range(0x2000, 0x4000)); !match.Error(err, "already accepted") {
		t.Errorf("Accept(twice) = %v, want already accepted", err)
	}
	if err := g.Accept(GuestPhysicalRegion{Start: 0x10, Length: 0x1000}); !match.Error(err, "unaligned") {
		t.Errorf("Accept(unaligned) = %v, want unaligned", err)
	}
	if !g.Accepted(Range(0x1000, 0x3000)) || g.Accepted(Range(0x3000, 0x4000)) {
		t.Errorf("Accepted() mismatch, regions %v", g.AcceptedRegions())
	}
}
