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

// Package memory models guest-physical memory as seen by the shim: address ranges, sets of
// ranges, and byte-addressable backing stores that refuse access to pages not yet accepted.
package memory

import (
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
)

const (
	// PageSize is the granule of acceptance and allocation.
	PageSize = abi.PageSize
	// Base4GiB is the first address above the 32-bit physical address space.
	Base4GiB abi.EFIPhysicalAddress = 0x100000000
)

// GuestPhysicalRegion represents a half-open region [Start, Start+Length) of a guest VM's memory.
type GuestPhysicalRegion struct {
	Start  abi.EFIPhysicalAddress
	Length uint64
}

// Range returns the region [from, to). An inverted range is empty.
func Range(from, to abi.EFIPhysicalAddress) GuestPhysicalRegion {
	if to <= from {
		return GuestPhysicalRegion{}
	}
	return GuestPhysicalRegion{Start: from, Length: uint64(to) - uint64(from)}
}

// Compare orders regions by start address.
func Compare(a, b GuestPhysicalRegion) int {
	if a.Start < b.Start {
		return -1
	}
	if a.Start == b.Start {
		return 0
	}
	return 1
}

// End returns the first address past the region.
func (gpr GuestPhysicalRegion) End() abi.EFIPhysicalAddress {
	return abi.EFIPhysicalAddress(uint64(gpr.Start) + gpr.Length)
}

// Empty reports whether the region covers no bytes.
func (gpr GuestPhysicalRegion) Empty() bool {
	return gpr.Length == 0
}

// Contains reports whether other lies entirely inside gpr. The empty region is contained by all.
func (gpr GuestPhysicalRegion) Contains(other GuestPhysicalRegion) bool {
	if other.Empty() {
		return true
	}
	return other.Start >= gpr.Start && other.End() <= gpr.End()
}

// Below4GiB reports whether the region ends at or below 4GiB.
func (gpr GuestPhysicalRegion) Below4GiB() bool {
	return gpr.End() <= Base4GiB
}

// PageAligned reports whether both ends of the region fall on page boundaries.
func (gpr GuestPhysicalRegion) PageAligned() bool {
	return uint64(gpr.Start)%PageSize == 0 && gpr.Length%PageSize == 0
}

// Pages returns the number of pages the region spans, rounding up.
func (gpr GuestPhysicalRegion) Pages() uint64 {
	return SizeToPages(gpr.Length)
}

// Intersect returns the overlap of two regions, or the empty region.
func (gpr GuestPhysicalRegion) Intersect(other GuestPhysicalRegion) GuestPhysicalRegion {
	if (gpr.Start >= other.End()) || (other.Start >= gpr.End()) {
		return GuestPhysicalRegion{}
	}
	start := max(gpr.Start, other.Start)
	end := min(gpr.End(), other.End())
	if end == start { // Only allow a single representation of zero.
		return GuestPhysicalRegion{}
	}
	return GuestPhysicalRegion{
		Start:  start,
		Length: uint64(end - start),
	}
}

func (gpr GuestPhysicalRegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uint64(gpr.Start), uint64(gpr.End()))
}

// SizeToPages rounds a byte count up to whole pages.
func SizeToPages(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// PagesToSize returns the byte count of a number of pages.
func PagesToSize(pages uint64) uint64 {
	return pages * PageSize
}
