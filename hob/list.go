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

package hob

import (
	"fmt"
	"math"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

// List is a HOB list being built in guest memory. It starts with a handoff table that tracks the
// free memory the list grows up into and page allocations grow down from.
type List struct {
	mem  memory.Memory
	addr abi.EFIPhysicalAddress
	phit abi.EFIHOBHandoffInfoTable
}

// Construct creates a new list at the bottom of free memory. The handoff table records
// [memoryBegin, memoryBegin+memoryLength) as the memory owned by this phase.
func Construct(mem memory.Memory, memoryBegin abi.EFIPhysicalAddress, memoryLength uint64,
	freeBottom, freeTop abi.EFIPhysicalAddress) (*List, error) {
	const initial = abi.SizeOfEFIHOBHandoffInfoTable + abi.SizeofHOBGenericHeader
	if freeBottom%abi.HOBAlignment != 0 {
		return nil, fmt.Errorf("HOB list base 0x%x is not %d byte aligned", uint64(freeBottom), abi.HOBAlignment)
	}
	if freeTop < freeBottom || uint64(freeTop-freeBottom) < initial {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) cannot hold a HOB list", ErrOutOfResources,
			uint64(freeBottom), uint64(freeTop))
	}
	end := freeBottom + abi.SizeOfEFIHOBHandoffInfoTable
	l := &List{
		mem:  mem,
		addr: freeBottom,
		phit: abi.EFIHOBHandoffInfoTable{
			Header: abi.EFIHOBGenericHeader{
				HobType:   abi.EFIHOBTypeHandoff,
				HobLength: abi.SizeOfEFIHOBHandoffInfoTable,
			},
			Version:             abi.EFIHOBHandoffTableVersion,
			BootMode:            abi.BootWithFullConfiguration,
			EfiMemoryTop:        memoryBegin + abi.EFIPhysicalAddress(memoryLength),
			EfiMemoryBottom:     memoryBegin,
			EfiFreeMemoryTop:    freeTop,
			EfiFreeMemoryBottom: end + abi.SizeofHOBGenericHeader,
			EfiEndOfHobList:     end,
		},
	}
	if err := l.writeEnd(end); err != nil {
		return nil, err
	}
	if err := l.writeHandoff(); err != nil {
		return nil, err
	}
	logger.V(1).Infof("HOB list at 0x%x, free [0x%x, 0x%x)", uint64(l.addr),
		uint64(l.phit.EfiFreeMemoryBottom), uint64(l.phit.EfiFreeMemoryTop))
	return l, nil
}

// Open attaches to an existing list whose handoff table is at addr.
func Open(mem memory.Memory, addr abi.EFIPhysicalAddress) (*List, error) {
	raw, err := memory.Read(mem, addr, abi.SizeOfEFIHOBHandoffInfoTable)
	if err != nil {
		return nil, err
	}
	phit, _ := abi.EFIHOBHandoffInfoTableFromBytes(raw)
	if phit.Header.HobType != abi.EFIHOBTypeHandoff {
		return nil, corrupted(0, "first record type %d is not a handoff table", phit.Header.HobType)
	}
	if phit.EfiEndOfHobList < addr || phit.EfiFreeMemoryBottom < phit.EfiEndOfHobList+abi.SizeofHOBGenericHeader ||
		phit.EfiFreeMemoryTop < phit.EfiFreeMemoryBottom {
		return nil, corrupted(0, "inconsistent handoff table bounds")
	}
	return &List{mem: mem, addr: addr, phit: *phit}, nil
}

// Address returns the physical address of the list, which is the handoff table's address.
func (l *List) Address() abi.EFIPhysicalAddress {
	return l.addr
}

// Handoff returns a copy of the current handoff table.
func (l *List) Handoff() abi.EFIHOBHandoffInfoTable {
	return l.phit
}

// Free returns the unused memory between the list and the lowest page allocation.
func (l *List) Free() memory.GuestPhysicalRegion {
	return memory.Range(l.phit.EfiFreeMemoryBottom, l.phit.EfiFreeMemoryTop)
}

// Size returns the length of the list up to, but excluding, the end record.
func (l *List) Size() uint64 {
	return uint64(l.phit.EfiEndOfHobList - l.addr)
}

func (l *List) writeHandoff() error {
	data := make([]byte, abi.SizeOfEFIHOBHandoffInfoTable)
	if err := l.phit.Put(data); err != nil {
		return err
	}
	return memory.Write(l.mem, l.addr, data)
}

func (l *List) writeEnd(at abi.EFIPhysicalAddress) error {
	data := make([]byte, abi.SizeofHOBGenericHeader)
	end := abi.EFIHOBGenericHeader{HobType: abi.EFIHOBTypeEndOfHOBList, HobLength: abi.SizeofHOBGenericHeader}
	if err := end.Put(data); err != nil {
		return err
	}
	return memory.Write(l.mem, at, data)
}

// CreateHob appends a record of the given type and length, rounded up to 8 bytes, in place of the
// end record and returns its address. The record's body is left for the caller to fill.
func (l *List) CreateHob(hobType uint16, length int) (abi.EFIPhysicalAddress, error) {
	length = abi.AlignUp(length, abi.HOBAlignment)
	if length < abi.SizeofHOBGenericHeader || length > math.MaxUint16 {
		return 0, fmt.Errorf("invalid HOB length %d", length)
	}
	if free := l.Free(); free.Length < uint64(length) {
		return 0, fmt.Errorf("%w: 0x%x bytes free, need 0x%x", ErrOutOfResources, free.Length, length)
	}
	at := l.phit.EfiEndOfHobList
	header := abi.EFIHOBGenericHeader{HobType: hobType, HobLength: uint16(length)}
	data := make([]byte, abi.SizeofHOBGenericHeader)
	_ = header.Put(data)
	if err := memory.Write(l.mem, at, data); err != nil {
		return 0, err
	}
	end := at + abi.EFIPhysicalAddress(length)
	if err := l.writeEnd(end); err != nil {
		return 0, err
	}
	l.phit.EfiEndOfHobList = end
	l.phit.EfiFreeMemoryBottom = end + abi.SizeofHOBGenericHeader
	if err := l.writeHandoff(); err != nil {
		return 0, err
	}
	logger.V(2).Infof("HOB type %d length %d at 0x%x", hobType, length, uint64(at))
	return at, nil
}

type putter interface {
	Put([]byte) error
}

func (l *List) append(hobType uint16, length int, record putter) error {
	at, err := l.CreateHob(hobType, length)
	if err != nil {
		return err
	}
	data := make([]byte, abi.AlignUp(length, abi.HOBAlignment))
	if err := record.Put(data); err != nil {
		return err
	}
	// Put writes the nominal length, the list stores the aligned one.
	_ = abi.EFIHOBGenericHeader{HobType: hobType, HobLength: uint16(len(data))}.Put(data)
	return memory.Write(l.mem, at, data)
}

// BuildResourceDescriptor appends a resource descriptor with no owner.
func (l *List) BuildResourceDescriptor(resourceType abi.EFIResourceType, attributes abi.EFIResourceAttributeType,
	start abi.EFIPhysicalAddress, length uint64) error {
	return l.append(abi.EFIHOBTypeResourceDescriptor, abi.SizeofEFIHOBResourceDescriptor, &abi.EFIHOBResourceDescriptor{
		ResourceType:      resourceType,
		ResourceAttribute: attributes,
		PhysicalStart:     start,
		ResourceLength:    length,
	})
}

// BuildMemoryAllocation appends an unnamed allocation record. Both ends must be page aligned.
func (l *List) BuildMemoryAllocation(base abi.EFIPhysicalAddress, length uint64, memoryType abi.EFIMemoryType) error {
	return l.buildNamedAllocation(abi.EFIGUID{}, base, length, memoryType)
}

// BuildStackHob appends an allocation record naming [base, base+length) as the boot stack.
func (l *List) BuildStackHob(base abi.EFIPhysicalAddress, length uint64) error {
	return l.buildNamedAllocation(abi.MustEFIGUID(abi.HobMemoryAllocStackGUID), base, length, abi.EfiBootServicesData)
}

func (l *List) buildNamedAllocation(name abi.EFIGUID, base abi.EFIPhysicalAddress, length uint64, memoryType abi.EFIMemoryType) error {
	if gpr := (memory.GuestPhysicalRegion{Start: base, Length: length}); !gpr.PageAligned() {
		return fmt.Errorf("memory allocation %v is not page aligned", gpr)
	}
	return l.append(abi.EFIHOBTypeMemoryAllocation, abi.SizeofEFIHOBMemoryAllocation, &abi.EFIHOBMemoryAllocation{
		AllocDescriptor: abi.EFIHOBMemoryAllocationHeader{
			Name:              name,
			MemoryBaseAddress: base,
			MemoryLength:      length,
			MemoryType:        memoryType,
		},
	})
}

// BuildGUIDData appends named data, padded to 8 bytes.
func (l *List) BuildGUIDData(guid uuid.UUID, data []byte) error {
	h, err := abi.CreateEFIHOBGUID(guid, data)
	if err != nil {
		return err
	}
	return l.append(abi.EFIHOBTypeGUIDExtension, int(h.Header.HobLength), h)
}

// BuildFirmwareVolume appends a record pointing at a firmware volume.
func (l *List) BuildFirmwareVolume(base abi.EFIPhysicalAddress, length uint64) error {
	return l.append(abi.EFIHOBTypeFirmwareVolume, abi.SizeofEFIHOBFirmwareVolume, &abi.EFIHOBFirmwareVolume{
		BaseAddress: base,
		Length:      length,
	})
}

// BuildCPU appends the processor address space widths.
func (l *List) BuildCPU(sizeOfMemorySpace, sizeOfIOSpace uint8) error {
	return l.append(abi.EFIHOBTypeCPU, abi.SizeofEFIHOBCPU, &abi.EFIHOBCPU{
		SizeOfMemorySpace: sizeOfMemorySpace,
		SizeOfIOSpace:     sizeOfIOSpace,
	})
}

// AllocatePages takes pages from the top of free memory and records them as boot services data.
func (l *List) AllocatePages(pages uint64) (abi.EFIPhysicalAddress, error) {
	return l.AllocateAlignedPages(pages, memory.PageSize)
}

// AllocateAlignedPages takes pages from the top of free memory at the given power-of-two
// alignment, which must be at least a page.
func (l *List) AllocateAlignedPages(pages, alignment uint64) (abi.EFIPhysicalAddress, error) {
	if alignment < memory.PageSize || alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("invalid allocation alignment 0x%x", alignment)
	}
	size := memory.PagesToSize(pages)
	if pages == 0 || size/memory.PageSize != pages {
		return 0, fmt.Errorf("invalid allocation of 0x%x pages", pages)
	}
	top := uint64(l.phit.EfiFreeMemoryTop) &^ (memory.PageSize - 1)
	// The allocation record itself comes out of the bottom of free memory.
	floor := uint64(l.phit.EfiFreeMemoryBottom) + abi.SizeofEFIHOBMemoryAllocation
	if top < size || (top-size)&^(alignment-1) < floor {
		return 0, fmt.Errorf("%w: cannot allocate 0x%x pages aligned to 0x%x from %v", ErrOutOfResources,
			pages, alignment, l.Free())
	}
	base := abi.EFIPhysicalAddress((top - size) &^ (alignment - 1))
	l.phit.EfiFreeMemoryTop = base
	if err := l.writeHandoff(); err != nil {
		return 0, err
	}
	if err := l.BuildMemoryAllocation(base, size, abi.EfiBootServicesData); err != nil {
		return 0, err
	}
	logger.V(1).Infof("Allocated 0x%x pages at 0x%x", pages, uint64(base))
	return base, nil
}

// AllocateCodePages allocates pages and records them as boot services code.
func (l *List) AllocateCodePages(pages, alignment uint64) (abi.EFIPhysicalAddress, error) {
	base, err := l.AllocateAlignedPages(pages, max(alignment, memory.PageSize))
	if err != nil {
		return 0, err
	}
	records, err := l.Records()
	if err != nil {
		return 0, err
	}
	for _, a := range Select[*MemoryAllocation](records) {
		if a.AllocDescriptor.MemoryBaseAddress == base {
			a.AllocDescriptor.MemoryType = abi.EfiBootServicesCode
			return base, l.rewrite(a.Offset(), &a.EFIHOBMemoryAllocation)
		}
	}
	return 0, fmt.Errorf("allocation record for 0x%x vanished", uint64(base))
}

func (l *List) rewrite(offset uint64, record putter) error {
	raw, err := memory.Read(l.mem, l.addr+abi.EFIPhysicalAddress(offset), abi.SizeofHOBGenericHeader)
	if err != nil {
		return err
	}
	header, _ := abi.EFIHOBGenericHeaderFromBytes(raw)
	data := make([]byte, header.HobLength)
	if err := record.Put(data); err != nil {
		return err
	}
	_ = header.Put(data)
	return memory.Write(l.mem, l.addr+abi.EFIPhysicalAddress(offset), data)
}

// UpdateStackHob points the stack allocation record at the new stack. The old stack stays recorded
// as boot services data. Without a stack record, the allocation covering exactly the new stack is
// named as the stack, or a new stack record is added.
func (l *List) UpdateStackHob(base abi.EFIPhysicalAddress, length uint64) error {
	records, err := l.Records()
	if err != nil {
		return err
	}
	stackGUID := abi.MustEFIGUID(abi.HobMemoryAllocStackGUID)
	allocations := Select[*MemoryAllocation](records)
	for _, a := range allocations {
		if a.AllocDescriptor.Name != stackGUID {
			continue
		}
		old := a.AllocDescriptor
		a.AllocDescriptor.MemoryBaseAddress = base
		a.AllocDescriptor.MemoryLength = length
		if err := l.rewrite(a.Offset(), &a.EFIHOBMemoryAllocation); err != nil {
			return err
		}
		return l.BuildMemoryAllocation(old.MemoryBaseAddress, old.MemoryLength, abi.EfiBootServicesData)
	}
	for _, a := range allocations {
		if a.AllocDescriptor.MemoryBaseAddress == base && a.AllocDescriptor.MemoryLength == length {
			a.AllocDescriptor.Name = stackGUID
			return l.rewrite(a.Offset(), &a.EFIHOBMemoryAllocation)
		}
	}
	return l.BuildStackHob(base, length)
}

// Bytes returns a copy of the list including its end record.
func (l *List) Bytes() ([]byte, error) {
	return memory.Read(l.mem, l.addr, l.Size()+abi.SizeofHOBGenericHeader)
}

// Records decodes the list as it currently stands.
func (l *List) Records() ([]Record, error) {
	data, err := l.Bytes()
	if err != nil {
		return nil, err
	}
	snapshot, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return snapshot.Records, nil
}
