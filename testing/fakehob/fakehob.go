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

// Package fakehob builds input HOB lists the way a hypervisor would hand them over.
package fakehob

import (
	"bytes"

	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

// Builder accumulates records after a handoff table. Methods panic on encoding failures since
// the inputs are test fixtures.
type Builder struct {
	buf bytes.Buffer
}

// New starts a list whose handoff table claims [0, top) and no free memory.
func New(top abi.EFIPhysicalAddress) *Builder {
	b := &Builder{}
	phit := &abi.EFIHOBHandoffInfoTable{
		Header:       abi.EFIHOBGenericHeader{HobType: abi.EFIHOBTypeHandoff, HobLength: abi.SizeOfEFIHOBHandoffInfoTable},
		Version:      abi.EFIHOBHandoffTableVersion,
		EfiMemoryTop: top,
	}
	b.put(abi.SizeOfEFIHOBHandoffInfoTable, phit.Put)
	return b
}

func (b *Builder) put(size int, put func([]byte) error) *Builder {
	data := make([]byte, size)
	if err := put(data); err != nil {
		panic(err)
	}
	b.buf.Write(data)
	return b
}

// SystemMemory appends a system memory resource descriptor with the base attributes.
func (b *Builder) SystemMemory(start abi.EFIPhysicalAddress, length uint64) *Builder {
	return b.Resource(abi.EFIResourceSystemMemory, abi.EFIResourceAttributeBase, start, length)
}

// Resource appends a resource descriptor.
func (b *Builder) Resource(t abi.EFIResourceType, attr abi.EFIResourceAttributeType, start abi.EFIPhysicalAddress, length uint64) *Builder {
	d := &abi.EFIHOBResourceDescriptor{
		Header:            abi.EFIHOBGenericHeader{HobType: abi.EFIHOBTypeResourceDescriptor, HobLength: abi.SizeofEFIHOBResourceDescriptor},
		ResourceType:      t,
		ResourceAttribute: attr,
		PhysicalStart:     start,
		ResourceLength:    length,
	}
	return b.put(abi.SizeofEFIHOBResourceDescriptor, d.Put)
}

// Allocation appends a memory allocation record.
func (b *Builder) Allocation(base abi.EFIPhysicalAddress, length uint64, t abi.EFIMemoryType) *Builder {
	a := &abi.EFIHOBMemoryAllocation{
		Header: abi.EFIHOBGenericHeader{HobType: abi.EFIHOBTypeMemoryAllocation, HobLength: abi.SizeofEFIHOBMemoryAllocation},
		AllocDescriptor: abi.EFIHOBMemoryAllocationHeader{
			MemoryBaseAddress: base,
			MemoryLength:      length,
			MemoryType:        t,
		},
	}
	return b.put(abi.SizeofEFIHOBMemoryAllocation, a.Put)
}

// GUID appends named data.
func (b *Builder) GUID(guid uuid.UUID, data []byte) *Builder {
	h, err := abi.CreateEFIHOBGUID(guid, data)
	if err != nil {
		panic(err)
	}
	return b.put(int(h.Header.HobLength), h.Put)
}

// Raw appends arbitrary bytes, for building malformed lists.
func (b *Builder) Raw(data []byte) *Builder {
	b.buf.Write(data)
	return b
}

// Header appends a bare generic header claiming the given type and length.
func (b *Builder) Header(hobType, length uint16) *Builder {
	return b.put(abi.SizeofHOBGenericHeader, abi.EFIHOBGenericHeader{HobType: hobType, HobLength: length}.Put)
}

// Bytes returns the list terminated with an end record.
func (b *Builder) Bytes() []byte {
	result := bytes.Clone(b.buf.Bytes())
	end := make([]byte, abi.SizeofHOBGenericHeader)
	_ = abi.EFIHOBGenericHeader{HobType: abi.EFIHOBTypeEndOfHOBList, HobLength: abi.SizeofHOBGenericHeader}.Put(end)
	return append(result, end...)
}

// Unterminated returns the list without an end record.
func (b *Builder) Unterminated() []byte {
	return bytes.Clone(b.buf.Bytes())
}
