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

// Package hob decodes hand-off block (HOB) lists handed over by the hypervisor and builds new
// HOB lists in guest memory for the next boot stage.
package hob

import (
	"errors"

	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
)

var (
	// ErrCorrupted is returned when a HOB list is structurally invalid.
	ErrCorrupted = errors.New("corrupted HOB list")
	// ErrOutOfResources is returned when the free memory of a list cannot fit a request.
	ErrOutOfResources = errors.New("out of HOB list memory")
	// ErrNotFound is returned when no record matches a search.
	ErrNotFound = errors.New("HOB not found")
)

// Record is one decoded HOB. The concrete type is one of *Handoff, *MemoryAllocation,
// *ResourceDescriptor, *GUIDExtension, *FirmwareVolume, *CPU, *Unused or *Unknown.
type Record interface {
	// Offset is the record's position from the start of the list.
	Offset() uint64
	HobType() uint16
	HobLength() uint16
	isRecord()
}

type position struct {
	offset    uint64
	hobType   uint16
	hobLength uint16
}

func (p position) Offset() uint64    { return p.offset }
func (p position) HobType() uint16   { return p.hobType }
func (p position) HobLength() uint16 { return p.hobLength }
func (position) isRecord()           {}

// Handoff is the phase hand-off information table.
type Handoff struct {
	position
	abi.EFIHOBHandoffInfoTable
}

// MemoryAllocation describes memory that is in use.
type MemoryAllocation struct {
	position
	abi.EFIHOBMemoryAllocation
}

// Region returns the allocated range.
func (m *MemoryAllocation) Region() memory.GuestPhysicalRegion {
	return memory.GuestPhysicalRegion{Start: m.AllocDescriptor.MemoryBaseAddress, Length: m.AllocDescriptor.MemoryLength}
}

// ResourceDescriptor describes a range of the physical address space.
type ResourceDescriptor struct {
	position
	abi.EFIHOBResourceDescriptor
}

// Region returns the described range.
func (r *ResourceDescriptor) Region() memory.GuestPhysicalRegion {
	return memory.GuestPhysicalRegion{Start: r.PhysicalStart, Length: r.ResourceLength}
}

// GUIDExtension is named data. Data aliases the decoded list.
type GUIDExtension struct {
	position
	abi.EFIHOBGUID
}

// FirmwareVolume points at a firmware volume.
type FirmwareVolume struct {
	position
	abi.EFIHOBFirmwareVolume
}

// CPU holds the processor address space widths.
type CPU struct {
	position
	abi.EFIHOBCPU
}

// Unused is a record consumers skip.
type Unused struct {
	position
}

// Unknown is a record of a type this package does not interpret. Data covers the whole record.
type Unknown struct {
	position
	Data []byte
}

// Select returns the records of type T in list order.
func Select[T Record](records []Record) []T {
	var result []T
	for _, r := range records {
		if t, ok := r.(T); ok {
			result = append(result, t)
		}
	}
	return result
}

// First returns the first record of type T.
func First[T Record](records []Record) (T, error) {
	for _, r := range records {
		if t, ok := r.(T); ok {
			return t, nil
		}
	}
	var zero T
	return zero, ErrNotFound
}

// FindGUID returns the first GUID extension record with the given name.
func FindGUID(records []Record, guid abi.EFIGUID) (*GUIDExtension, error) {
	for _, g := range Select[*GUIDExtension](records) {
		if g.GUID == guid {
			return g, nil
		}
	}
	return nil, ErrNotFound
}
