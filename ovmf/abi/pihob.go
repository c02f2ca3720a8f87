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

package abi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// SizeofHOBGenericHeader is the size of the HOB generic header ABI representation.
	SizeofHOBGenericHeader = 8
	// SizeOfEFIHOBHandoffInfoTable is the size of the HOB info table ABI representation.
	SizeOfEFIHOBHandoffInfoTable = 56
	// SizeofEFIHOBMemoryAllocation is the size of a memory allocation HOB.
	SizeofEFIHOBMemoryAllocation = 48
	// SizeofEFIHOBResourceDescriptor is the size of the HOB resource descriptor ABI representation.
	SizeofEFIHOBResourceDescriptor = 48
	// SizeofHOBGUID is the size of the GUID HOB header prior to associated data.
	SizeofHOBGUID = SizeofHOBGenericHeader + SizeofEFIGUID
	// SizeofEFIHOBFirmwareVolume is the size of a firmware volume HOB.
	SizeofEFIHOBFirmwareVolume = 24
	// SizeofEFIHOBCPU is the size of a CPU HOB.
	SizeofEFIHOBCPU = 16
	// MaxGUIDHOBDataSize is the maximum size of an EFI_HOB_GUID_TYPE's associated data.
	MaxGUIDHOBDataSize = 0x1000 - SizeofHOBGUID
	// HOBAlignment is the alignment of every HOB length.
	HOBAlignment = 8
)

const (
	// EFIHOBTypeHandoff is a HobType in a generic header for a handoff block.
	EFIHOBTypeHandoff = 1
	// EFIHOBTypeMemoryAllocation is a HobType for a memory allocation block.
	EFIHOBTypeMemoryAllocation = 2
	// EFIHOBTypeResourceDescriptor is a HobType in a generic header for a resource descriptor block.
	EFIHOBTypeResourceDescriptor = 3
	// EFIHOBTypeGUIDExtension is a HobType in a generic header for a GUID extension block.
	EFIHOBTypeGUIDExtension = 4
	// EFIHOBTypeFirmwareVolume is a HobType for a firmware volume block.
	EFIHOBTypeFirmwareVolume = 5
	// EFIHOBTypeCPU is a HobType for a CPU block.
	EFIHOBTypeCPU = 6
	// EFIHOBTypeUnused is a HobType for a block that consumers must skip.
	EFIHOBTypeUnused = 0xFFFE
	// EFIHOBTypeEndOfHOBList is a HobType in a generic header for the end of the HOB list.
	EFIHOBTypeEndOfHOBList = 0xFFFF

	// EFIHOBHandoffTableVersion is the version number of the handoff table.
	EFIHOBHandoffTableVersion = 9
)

// EFIResourceType is an enum type for resource descriptors.
type EFIResourceType uint32

const (
	// EFIResourceSystemMemory is the system memory resource type specified in UEFI spec.
	EFIResourceSystemMemory EFIResourceType = 0
	// EFIResourceMemoryMappedIO is memory-mapped I/O.
	EFIResourceMemoryMappedIO EFIResourceType = 1
	// EFIResourceIO is processor I/O space.
	EFIResourceIO EFIResourceType = 2
	// EFIResourceFirmwareDevice is memory-mapped firmware storage.
	EFIResourceFirmwareDevice EFIResourceType = 3
	// EFIResourceMemoryMappedIOPort is memory-mapped I/O port space.
	EFIResourceMemoryMappedIOPort EFIResourceType = 4
	// EFIResourceMemoryReserved is reserved memory.
	EFIResourceMemoryReserved EFIResourceType = 5
	// EFIResourceIOReserved is reserved I/O space.
	EFIResourceIOReserved EFIResourceType = 6
	// EFIResourceMemoryUnaccepted is the memory unaccepted resource type specified in UEFI spec.
	EFIResourceMemoryUnaccepted EFIResourceType = 7
)

// EFIResourceAttributeType is an enum type for resource attributes as described in the UEFI
// platform initialization (PI) specification:
// https://uefi.org/sites/default/files/resources/PI_Spec_1_6.pdf
type EFIResourceAttributeType uint32

const (
	// EFIResourceAttributePresent is a physical memory attribute: The memory region exists.
	EFIResourceAttributePresent EFIResourceAttributeType = 1
	// EFIResourceAttributeInitialized is a physical memory attribute: The memory region has been
	// initialized.
	EFIResourceAttributeInitialized EFIResourceAttributeType = 2
	// EFIResourceAttributeTested is a physical memory attribute: The memory region has been
	// tested.
	EFIResourceAttributeTested EFIResourceAttributeType = 4
	// EFIResourceAttributeEncrypted marks memory that is private to the trust domain.
	EFIResourceAttributeEncrypted EFIResourceAttributeType = 0x04000000
	// EFIResourceAttributeNeedsEarlyAccept is not in the PI 1.6 spec, but describes a memory region
	// that needs early acceptance into the TEE.
	EFIResourceAttributeNeedsEarlyAccept EFIResourceAttributeType = 0x10000000

	// EFIResourceAttributeBase is the attribute set a VMM gives to usable memory.
	EFIResourceAttributeBase = EFIResourceAttributePresent | EFIResourceAttributeInitialized |
		EFIResourceAttributeTested
)

// EFIBootMode describes the system boot mode as determined during the HOB producer phase.
type EFIBootMode uint32

// BootWithFullConfiguration is the normal boot mode.
const BootWithFullConfiguration EFIBootMode = 0

// EFIPhysicalAddress presents a physical address where data may go.
type EFIPhysicalAddress uint64

// EFIHOBGenericHeader describes the format and size of the data inside a HOB.
// All HOBs must contain this HOB header.
type EFIHOBGenericHeader struct {
	// HobType identifies the HOB data structure type.
	HobType uint16
	// HobLength is the length in bytes of the HOB.
	HobLength uint16
	// 32 bits of reserved data follow.
}

// Put writes the header to the beginning of data with the reserved field zeroed.
func (h EFIHOBGenericHeader) Put(data []byte) error {
	if len(data) < SizeofHOBGenericHeader {
		return fmt.Errorf("data too small for HOB header: %d < %d", len(data), SizeofHOBGenericHeader)
	}
	binary.LittleEndian.PutUint16(data[0:2], h.HobType)
	binary.LittleEndian.PutUint16(data[2:4], h.HobLength)
	binary.LittleEndian.PutUint32(data[4:8], 0)
	return nil
}

// EFIHOBGenericHeaderFromBytes decodes a HOB header.
func EFIHOBGenericHeaderFromBytes(data []byte) (EFIHOBGenericHeader, error) {
	if len(data) < SizeofHOBGenericHeader {
		return EFIHOBGenericHeader{}, fmt.Errorf("data too small for HOB header: %d < %d", len(data), SizeofHOBGenericHeader)
	}
	return EFIHOBGenericHeader{
		HobType:   binary.LittleEndian.Uint16(data[0:2]),
		HobLength: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// WriteTo writes the HOB header to the given writer.
func (h EFIHOBGenericHeader) WriteTo(w io.Writer) (int64, error) {
	return putWriteTo(w, SizeofHOBGenericHeader, h.Put)
}

// EFIHOBHandoffInfoTable is the phase hand-off information table (PHIT). It is always the first
// HOB of a list and tracks the free memory the list lives in.
type EFIHOBHandoffInfoTable struct {
	// Header is a generic header such that Header.HobType = EFIHOBTypeHandoff
	Header EFIHOBGenericHeader
	// Version is the version number pertaining to the PHIT HOB definition.
	Version uint32
	// BootMode is the system boot mode as determined during the HOB producer phase.
	BootMode EFIBootMode
	// EfiMemoryTop is the highest address location of memory that is allocated for use by the HOB
	// producer phase.
	EfiMemoryTop EFIPhysicalAddress
	// EfiMemoryBottom is the lowest address location of memory that is allocated for use by the HOB
	// producer phase.
	EfiMemoryBottom EFIPhysicalAddress
	// EfiFreeMemoryTop is the highest address location of free memory that is currently available
	// for use by the HOB producer phase.
	EfiFreeMemoryTop EFIPhysicalAddress
	// EfiFreeMemoryBottom is the lowest address location of free memory that is available for use by
	// the HOB producer phase.
	EfiFreeMemoryBottom EFIPhysicalAddress
	// EfiEndOfHobList is the address of the end of the HOB list.
	EfiEndOfHobList EFIPhysicalAddress
}

// Put writes the handoff table to the beginning of data.
func (t *EFIHOBHandoffInfoTable) Put(data []byte) error {
	if len(data) < SizeOfEFIHOBHandoffInfoTable {
		return fmt.Errorf("data too small for HOB handoff table: %d < %d", len(data), SizeOfEFIHOBHandoffInfoTable)
	}
	_ = t.Header.Put(data)
	binary.LittleEndian.PutUint32(data[8:12], t.Version)
	binary.LittleEndian.PutUint32(data[12:16], uint32(t.BootMode))
	binary.LittleEndian.PutUint64(data[16:24], uint64(t.EfiMemoryTop))
	binary.LittleEndian.PutUint64(data[24:32], uint64(t.EfiMemoryBottom))
	binary.LittleEndian.PutUint64(data[32:40], uint64(t.EfiFreeMemoryTop))
	binary.LittleEndian.PutUint64(data[40:48], uint64(t.EfiFreeMemoryBottom))
	binary.LittleEndian.PutUint64(data[48:56], uint64(t.EfiEndOfHobList))
	return nil
}

// EFIHOBHandoffInfoTableFromBytes decodes a handoff table.
func EFIHOBHandoffInfoTableFromBytes(data []byte) (*EFIHOBHandoffInfoTable, error) {
	if len(data) < SizeOfEFIHOBHandoffInfoTable {
		return nil, fmt.Errorf("data too small for HOB handoff table: %d < %d", len(data), SizeOfEFIHOBHandoffInfoTable)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	return &EFIHOBHandoffInfoTable{
		Header:              header,
		Version:             binary.LittleEndian.Uint32(data[8:12]),
		BootMode:            EFIBootMode(binary.LittleEndian.Uint32(data[12:16])),
		EfiMemoryTop:        EFIPhysicalAddress(binary.LittleEndian.Uint64(data[16:24])),
		EfiMemoryBottom:     EFIPhysicalAddress(binary.LittleEndian.Uint64(data[24:32])),
		EfiFreeMemoryTop:    EFIPhysicalAddress(binary.LittleEndian.Uint64(data[32:40])),
		EfiFreeMemoryBottom: EFIPhysicalAddress(binary.LittleEndian.Uint64(data[40:48])),
		EfiEndOfHobList:     EFIPhysicalAddress(binary.LittleEndian.Uint64(data[48:56])),
	}, nil
}

// WriteTo writes the HOB info table to the given writer.
func (t *EFIHOBHandoffInfoTable) WriteTo(w io.Writer) (int64, error) {
	return putWriteTo(w, SizeOfEFIHOBHandoffInfoTable, t.Put)
}

// EFIHOBMemoryAllocationHeader describes an allocation made during the HOB producer phase.
type EFIHOBMemoryAllocationHeader struct {
	// Name associates the allocation with a well-known purpose, such as the stack. Zero otherwise.
	Name              EFIGUID
	MemoryBaseAddress EFIPhysicalAddress
	MemoryLength      uint64
	MemoryType        EFIMemoryType
	// 4 bytes of reserved data follow.
}

// EFIHOBMemoryAllocation is an EFI_HOB_MEMORY_ALLOCATION.
type EFIHOBMemoryAllocation struct {
	Header          EFIHOBGenericHeader
	AllocDescriptor EFIHOBMemoryAllocationHeader
}

// Put writes the memory allocation HOB to the beginning of data.
func (a *EFIHOBMemoryAllocation) Put(data []byte) error {
	if len(data) < SizeofEFIHOBMemoryAllocation {
		return fmt.Errorf("data too small for memory allocation HOB: %d < %d", len(data), SizeofEFIHOBMemoryAllocation)
	}
	_ = a.Header.Put(data)
	_ = a.AllocDescriptor.Name.Put(data[8:24])
	binary.LittleEndian.PutUint64(data[24:32], uint64(a.AllocDescriptor.MemoryBaseAddress))
	binary.LittleEndian.PutUint64(data[32:40], a.AllocDescriptor.MemoryLength)
	binary.LittleEndian.PutUint32(data[40:44], uint32(a.AllocDescriptor.MemoryType))
	binary.LittleEndian.PutUint32(data[44:48], 0)
	return nil
}

// EFIHOBMemoryAllocationFromBytes decodes a memory allocation HOB.
func EFIHOBMemoryAllocationFromBytes(data []byte) (*EFIHOBMemoryAllocation, error) {
	if len(data) < SizeofEFIHOBMemoryAllocation {
		return nil, fmt.Errorf("data too small for memory allocation HOB: %d < %d", len(data), SizeofEFIHOBMemoryAllocation)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	name, _ := EFIGUIDFromBytes(data[8:24])
	return &EFIHOBMemoryAllocation{
		Header: header,
		AllocDescriptor: EFIHOBMemoryAllocationHeader{
			Name:              name,
			MemoryBaseAddress: EFIPhysicalAddress(binary.LittleEndian.Uint64(data[24:32])),
			MemoryLength:      binary.LittleEndian.Uint64(data[32:40]),
			MemoryType:        EFIMemoryType(binary.LittleEndian.Uint32(data[40:44])),
		},
	}, nil
}

// EFIHOBResourceDescriptor describes the resource properties of all fixed, non-relocatable resource
// ranges found on the processor host bus during the HOB producer phase.
type EFIHOBResourceDescriptor struct {
	// Header is a generic header with Header.HobType = EFI_HOB_TYPE_RESOURCE_DESCRIPTOR.
	Header EFIHOBGenericHeader
	// Owner is a GUID representing the owner of the resource. This GUID is used by HOB consumer phase
	// components to correlate device ownership of a resource.
	Owner EFIGUID
	// ResourceType is this HOB's resource type.
	ResourceType EFIResourceType
	// ResourceAttribute describes this HOB's resource attributes.
	ResourceAttribute EFIResourceAttributeType
	// PhysicalStart is the physical start address of the resource region.
	PhysicalStart EFIPhysicalAddress
	// ResourceLength is the number of bytes of the resource region.
	ResourceLength uint64
}

// Put writes the resource descriptor to the beginning of data.
func (d *EFIHOBResourceDescriptor) Put(data []byte) error {
	if len(data) < SizeofEFIHOBResourceDescriptor {
		return fmt.Errorf("data too small for resource descriptor HOB: %d < %d", len(data), SizeofEFIHOBResourceDescriptor)
	}
	_ = d.Header.Put(data)
	_ = d.Owner.Put(data[8:24])
	binary.LittleEndian.PutUint32(data[24:28], uint32(d.ResourceType))
	binary.LittleEndian.PutUint32(data[28:32], uint32(d.ResourceAttribute))
	binary.LittleEndian.PutUint64(data[32:40], uint64(d.PhysicalStart))
	binary.LittleEndian.PutUint64(data[40:48], d.ResourceLength)
	return nil
}

// EFIHOBResourceDescriptorFromBytes decodes a resource descriptor HOB.
func EFIHOBResourceDescriptorFromBytes(data []byte) (*EFIHOBResourceDescriptor, error) {
	if len(data) < SizeofEFIHOBResourceDescriptor {
		return nil, fmt.Errorf("data too small for resource descriptor HOB: %d < %d", len(data), SizeofEFIHOBResourceDescriptor)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	owner, _ := EFIGUIDFromBytes(data[8:24])
	return &EFIHOBResourceDescriptor{
		Header:            header,
		Owner:             owner,
		ResourceType:      EFIResourceType(binary.LittleEndian.Uint32(data[24:28])),
		ResourceAttribute: EFIResourceAttributeType(binary.LittleEndian.Uint32(data[28:32])),
		PhysicalStart:     EFIPhysicalAddress(binary.LittleEndian.Uint64(data[32:40])),
		ResourceLength:    binary.LittleEndian.Uint64(data[40:48]),
	}, nil
}

// WriteTo writes the HOB resource descriptor to the given writer.
func (d *EFIHOBResourceDescriptor) WriteTo(w io.Writer) (int64, error) {
	return putWriteTo(w, SizeofEFIHOBResourceDescriptor, d.Put)
}

// EFIHOBFirmwareVolume describes a firmware volume the next phase may search.
type EFIHOBFirmwareVolume struct {
	Header      EFIHOBGenericHeader
	BaseAddress EFIPhysicalAddress
	Length      uint64
}

// Put writes the firmware volume HOB to the beginning of data.
func (v *EFIHOBFirmwareVolume) Put(data []byte) error {
	if len(data) < SizeofEFIHOBFirmwareVolume {
		return fmt.Errorf("data too small for firmware volume HOB: %d < %d", len(data), SizeofEFIHOBFirmwareVolume)
	}
	_ = v.Header.Put(data)
	binary.LittleEndian.PutUint64(data[8:16], uint64(v.BaseAddress))
	binary.LittleEndian.PutUint64(data[16:24], v.Length)
	return nil
}

// EFIHOBFirmwareVolumeFromBytes decodes a firmware volume HOB.
func EFIHOBFirmwareVolumeFromBytes(data []byte) (*EFIHOBFirmwareVolume, error) {
	if len(data) < SizeofEFIHOBFirmwareVolume {
		return nil, fmt.Errorf("data too small for firmware volume HOB: %d < %d", len(data), SizeofEFIHOBFirmwareVolume)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	return &EFIHOBFirmwareVolume{
		Header:      header,
		BaseAddress: EFIPhysicalAddress(binary.LittleEndian.Uint64(data[8:16])),
		Length:      binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}

// EFIHOBCPU describes the processor address space widths.
type EFIHOBCPU struct {
	Header            EFIHOBGenericHeader
	SizeOfMemorySpace uint8
	SizeOfIOSpace     uint8
	// 6 bytes of reserved data follow.
}

// Put writes the CPU HOB to the beginning of data.
func (c *EFIHOBCPU) Put(data []byte) error {
	if len(data) < SizeofEFIHOBCPU {
		return fmt.Errorf("data too small for CPU HOB: %d < %d", len(data), SizeofEFIHOBCPU)
	}
	_ = c.Header.Put(data)
	data[8] = c.SizeOfMemorySpace
	data[9] = c.SizeOfIOSpace
	clear(data[10:16])
	return nil
}

// EFIHOBCPUFromBytes decodes a CPU HOB.
func EFIHOBCPUFromBytes(data []byte) (*EFIHOBCPU, error) {
	if len(data) < SizeofEFIHOBCPU {
		return nil, fmt.Errorf("data too small for CPU HOB: %d < %d", len(data), SizeofEFIHOBCPU)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	return &EFIHOBCPU{Header: header, SizeOfMemorySpace: data[8], SizeOfIOSpace: data[9]}, nil
}

// EFIHOBGUID is for an EFI_HOB_TYPE_GUID_EXTENSION for named unstructured data associated with a
// given GUID.
type EFIHOBGUID struct {
	Header EFIHOBGenericHeader
	GUID   EFIGUID
	Data   []byte
}

// Put writes the GUID HOB and its data to the beginning of data.
func (h *EFIHOBGUID) Put(data []byte) error {
	if h.Header.HobType != EFIHOBTypeGUIDExtension {
		return fmt.Errorf("invalid HOB type: %d", h.Header.HobType)
	}
	wantLength := SizeofHOBGUID + len(h.Data)
	if int(h.Header.HobLength) != wantLength {
		return fmt.Errorf("invalid HOB length: %d, want %d", h.Header.HobLength, wantLength)
	}
	if len(data) < wantLength {
		return fmt.Errorf("data too small for GUID HOB: %d < %d", len(data), wantLength)
	}
	_ = h.Header.Put(data)
	_ = h.GUID.Put(data[8:24])
	copy(data[SizeofHOBGUID:], h.Data)
	return nil
}

// EFIHOBGUIDFromBytes decodes a GUID HOB. The data slice aliases the input.
func EFIHOBGUIDFromBytes(data []byte) (*EFIHOBGUID, error) {
	if len(data) < SizeofHOBGUID {
		return nil, fmt.Errorf("data too small for GUID HOB: %d < %d", len(data), SizeofHOBGUID)
	}
	header, _ := EFIHOBGenericHeaderFromBytes(data)
	if int(header.HobLength) < SizeofHOBGUID || int(header.HobLength) > len(data) {
		return nil, fmt.Errorf("GUID HOB length %d out of bounds [%d, %d]", header.HobLength, SizeofHOBGUID, len(data))
	}
	guid, _ := EFIGUIDFromBytes(data[8:24])
	return &EFIHOBGUID{Header: header, GUID: guid, Data: data[SizeofHOBGUID:header.HobLength]}, nil
}

// WriteTo writes the HOB GUID to the given writer.
func (h *EFIHOBGUID) WriteTo(w io.Writer) (int64, error) {
	return putWriteTo(w, int(h.Header.HobLength), h.Put)
}

// CreateEFIHOBGUID returns a correctly constructed EFIHOBGUID for the given GUID'ed data.
func CreateEFIHOBGUID(guid uuid.UUID, data []byte) (*EFIHOBGUID, error) {
	dataSize := AlignUp(len(data), HOBAlignment)
	if dataSize != len(data) {
		data = append(data, make([]byte, dataSize-len(data))...)
	}
	if len(data) > MaxGUIDHOBDataSize {
		return nil, fmt.Errorf("data too long: %d > %d", len(data), MaxGUIDHOBDataSize)
	}
	return &EFIHOBGUID{
		Header: EFIHOBGenericHeader{
			HobType:   EFIHOBTypeGUIDExtension,
			HobLength: uint16(SizeofHOBGUID + len(data)),
		},
		GUID: FromUUID(guid),
		Data: data,
	}, nil
}

// AlignUp rounds n up to the next multiple of the power-of-two alignment.
func AlignUp[T ~int | ~uint32 | ~uint64](n, alignment T) T {
	return (n + alignment - 1) &^ (alignment - 1)
}

func putWriteTo(w io.Writer, size int, put func([]byte) error) (int64, error) {
	data := make([]byte, size)
	if err := put(data); err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	if err != nil {
		return int64(n), err
	}
	if n != size {
		return int64(n), fmt.Errorf("write truncated to %d, expected %d", n, size)
	}
	return int64(n), nil
}
