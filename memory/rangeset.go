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
	"github.com/google/tdshim/ovmf/abi"
	"golang.org/x/exp/slices"
)

// RangeSet is a set of addresses stored as sorted, non-overlapping, non-adjacent regions.
// The zero value is an empty set.
type RangeSet struct {
	regions []GuestPhysicalRegion
}

// NewRangeSet returns a set holding the union of the given regions.
func NewRangeSet(regions ...GuestPhysicalRegion) *RangeSet {
	s := &RangeSet{}
	for _, r := range regions {
		s.Add(r)
	}
	return s
}

// Add inserts the region, merging it with any region it overlaps or touches.
func (s *RangeSet) Add(r GuestPhysicalRegion) {
	if r.Empty() {
		return
	}
	// First region that ends at or after r starts can merge with r.
	lo, _ := slices.BinarySearchFunc(s.regions, r.Start, func(e GuestPhysicalRegion, start abi.EFIPhysicalAddress) int {
		if e.End() < start {
			return -1
		}
		return 1
	})
	hi := lo
	start, end := r.Start, r.End()
	for hi < len(s.regions) && s.regions[hi].Start <= end {
		start = min(start, s.regions[hi].Start)
		end = max(end, s.regions[hi].End())
		hi++
	}
	s.regions = slices.Replace(s.regions, lo, hi, Range(start, end))
}

// Contains reports whether every address of r is in the set.
func (s *RangeSet) Contains(r GuestPhysicalRegion) bool {
	if r.Empty() {
		return true
	}
	i, found := slices.BinarySearchFunc(s.regions, r, Compare)
	if !found {
		i--
	}
	if i < 0 {
		return false
	}
	return s.regions[i].Contains(r)
}

// Overlaps reports whether any address of r is in the set.
func (s *RangeSet) Overlaps(r GuestPhysicalRegion) bool {
	for _, e := range s.regions {
		if !e.Intersect(r).Empty() {
			return true
		}
	}
	return false
}

// Missing returns the parts of r that are not in the set, in address order.
func (s *RangeSet) Missing(r GuestPhysicalRegion) []GuestPhysicalRegion {
	var result []GuestPhysicalRegion
	cursor := r.Start
	for _, e := range s.regions {
		overlap := e.Intersect(r)
		if overlap.Empty() {
			continue
		}
		if overlap.Start > cursor {
			result = append(result, Range(cursor, overlap.Start))
		}
		cursor = overlap.End()
	}
	if cursor < r.End() {
		result = append(result, Range(cursor, r.End()))
	}
	return result
}

// Regions returns a copy of the set's regions in address order.
func (s *RangeSet) Regions() []GuestPhysicalRegion {
	return slices.Clone(s.regions)
}

// Size returns the number of bytes in the set.
func (s *RangeSet) Size() uint64 {
	var total uint64
	for _, e := range s.regions {
		total += e.Length
	}
	return total
}
