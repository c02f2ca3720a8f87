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

// Package abi defines binary interface conversion functions for the TD shim firmware formats:
// HOB lists, firmware volumes, the shim metadata block and the TDVF descriptor.
package abi

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// SizeofEFIGUID is the ABI size of an EFI_GUID.
	SizeofEFIGUID = 16
	// SizeofFwGUIDEntry is the ABI size of the FwGUIDEntry type.
	SizeofFwGUIDEntry = 18
	// SizeofMetadataOffset is the ABI size of the packed struct of a MetadataOffset.
	SizeofMetadataOffset = 4 + SizeofFwGUIDEntry

	// FwGUIDTableFooterGUID is the GUIDed Table Footer GUID defined at upstream edk2
	// https://github.com/tianocore/edk2/blob/01726b6d23d4c8a870dbd5b96c0b9e3caf38ef3c/OvmfPkg/ResetVector/Ia16/ResetVectorVtf0.asm.
	FwGUIDTableFooterGUID = "96b582de-1fb2-45f7-baea-a366c55a082d"
	// FwGUIDTableEndOffset is the offset from the end of the Firmware ROM to the end of the GUIDed
	// Table structure. The TDVF descriptor offset lives in the same 4 bytes when no table exists.
	FwGUIDTableEndOffset = 0x20

	// PageSize is the size of a guest page.
	PageSize = 4096
)

// Well-known GUIDs.
const (
	// HobMemoryAllocStackGUID names the memory allocation HOB describing the hand-off stack.
	HobMemoryAllocStackGUID = "4ed4bf27-4092-42e9-807d-527b1d00c9bd"
	// MemoryTypeInformationGUID names the GUID extension HOB that carries per-type page budgets.
	MemoryTypeInformationGUID = "4c19049f-4137-4dd3-9c10-8b97a83ffdfa"
	// FirmwareFileSystem2GUID is the file system GUID of volumes in the FFS2 format (the BFV).
	FirmwareFileSystem2GUID = "8c8ce578-8a3d-4f1c-9935-896185c32dd3"
	// FirmwareFileSystem3GUID is the file system GUID of volumes in the FFS3 format.
	FirmwareFileSystem3GUID = "5473c07a-3dcb-4dca-bd6f-1e9689e7349a"
	// SystemNvDataFvGUID is the file system GUID of the configuration (NV variable) volume.
	SystemNvDataFvGUID = "fff12b8d-7696-4c8b-a985-2747075b4f50"
	// HobListGUID is the vendor GUID of the hand-off table that carries a HOB list.
	HobListGUID = "7739f24c-93d7-11d4-9a3a-0090273fc14d"
	// TDVFMetadataOffsetGUID names the GUID table block that holds the offset of the TDVF
	// descriptor, counted from the end of the image to the GUID that precedes the descriptor.
	TDVFMetadataOffsetGUID = "e47a6535-984a-4798-865e-4685a7bf8ec2"
)

// FwGUIDEntry is an ABI type found in firmware binaries for describing a run of data in the
// binary as associated with a given GUID.
type FwGUIDEntry struct {
	Size uint16
	GUID uuid.UUID
}

// EFIGUID is the mixed-endian representation of a GUID in firmware binaries.
type EFIGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]uint8
}

// Put writes g in its ABI format to the beginning of data.
func (g EFIGUID) Put(data []byte) error {
	if len(data) < SizeofEFIGUID {
		return fmt.Errorf("data too small for GUID: %d < %d", len(data), SizeofEFIGUID)
	}
	binary.LittleEndian.PutUint32(data[0:4], g.Data1)
	binary.LittleEndian.PutUint16(data[4:6], g.Data2)
	binary.LittleEndian.PutUint16(data[6:8], g.Data3)
	copy(data[8:16], g.Data4[:])
	return nil
}

// UUID returns g as a uuid.UUID.
func (g EFIGUID) UUID() uuid.UUID {
	var result uuid.UUID
	binary.BigEndian.PutUint32(result[0:4], g.Data1)
	binary.BigEndian.PutUint16(result[4:6], g.Data2)
	binary.BigEndian.PutUint16(result[6:8], g.Data3)
	copy(result[8:16], g.Data4[:])
	return result
}

// String returns the canonical lowercase text form of g.
func (g EFIGUID) String() string { return g.UUID().String() }

// EFIGUIDFromBytes interprets the first 16 bytes of data as an EFI_GUID.
func EFIGUIDFromBytes(data []byte) (EFIGUID, error) {
	if len(data) < SizeofEFIGUID {
		return EFIGUID{}, fmt.Errorf("data too small for EFI GUID: %d < %d", len(data), SizeofEFIGUID)
	}
	result := EFIGUID{
		Data1: binary.LittleEndian.Uint32(data[0:4]),
		Data2: binary.LittleEndian.Uint16(data[4:6]),
		Data3: binary.LittleEndian.Uint16(data[6:8]),
	}
	copy(result.Data4[:], data[8:16])
	return result, nil
}

// FromEFIGUID parses an EFI_GUID in little endian format into a uuid.UUID.
func FromEFIGUID(efiguid []byte) (uuid.UUID, error) {
	if len(efiguid) != SizeofEFIGUID {
		return uuid.UUID{}, fmt.Errorf("incorrect data size for EFI GUID: %d, want %d", len(efiguid), SizeofEFIGUID)
	}
	guid, err := EFIGUIDFromBytes(efiguid)
	if err != nil {
		return uuid.UUID{}, err
	}
	return guid.UUID(), nil
}

// PutUUID writes a uuid.UUID to binary in EFI_GUID little endian format.
func PutUUID(data []byte, guid uuid.UUID) error {
	return FromUUID(guid).Put(data)
}

// FromUUID converts a uuid.UUID to EFIGUID.
func FromUUID(guid uuid.UUID) EFIGUID {
	result := EFIGUID{
		Data1: binary.BigEndian.Uint32(guid[0:4]),
		Data2: binary.BigEndian.Uint16(guid[4:6]),
		Data3: binary.BigEndian.Uint16(guid[6:8]),
	}
	copy(result.Data4[:], guid[8:16])
	return result
}

// MustEFIGUID parses the canonical text form of a GUID constant. It panics on malformed input and
// is meant for package-level constants only.
func MustEFIGUID(s string) EFIGUID {
	return FromUUID(uuid.MustParse(s))
}

// Put writes f in its ABI format to the beginning of data.
func (f *FwGUIDEntry) Put(data []byte) error {
	if len(data) < SizeofFwGUIDEntry {
		return fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	binary.LittleEndian.PutUint16(data[0:2], f.Size)
	return PutUUID(data[2:SizeofFwGUIDEntry], f.GUID)
}

// PopulateFromBytes sets f's fields from data by interpreting data as a packed struct FwGUIDEntry.
func (f *FwGUIDEntry) PopulateFromBytes(data []byte) (err error) {
	if len(data) < SizeofFwGUIDEntry {
		return fmt.Errorf("data too small for FwGUIDEntry: %d < %d", len(data), SizeofFwGUIDEntry)
	}
	f.Size = binary.LittleEndian.Uint16(data[0:2])
	f.GUID, err = FromEFIGUID(data[2:SizeofFwGUIDEntry])
	return err
}

// MetadataOffset represents the offset information in the GUIDed table pointing to a metadata
// block, counted back from the end of the firmware image.
type MetadataOffset struct {
	Offset    uint32
	GUIDEntry FwGUIDEntry
}

// Put writes s in its ABI format to the beginning of data.
func (s *MetadataOffset) Put(data []byte) error {
	if len(data) < SizeofMetadataOffset {
		return fmt.Errorf("data too small for metadata offset: %d < %d", len(data), SizeofMetadataOffset)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.Offset)
	if err := s.GUIDEntry.Put(data[4:SizeofMetadataOffset]); err != nil {
		return fmt.Errorf("could not write GUIDEntry: %v", err)
	}
	return nil
}

// MetadataOffsetFromBytes interprets a GUID block as MetadataOffset.
func MetadataOffsetFromBytes(guidBlock []byte) (*MetadataOffset, error) {
	if len(guidBlock) < SizeofMetadataOffset {
		return nil, fmt.Errorf("data too small for metadata offset: %d < %d", len(guidBlock), SizeofMetadataOffset)
	}
	result := &MetadataOffset{
		Offset: binary.LittleEndian.Uint32(guidBlock[0:4]),
	}
	if err := result.GUIDEntry.PopulateFromBytes(guidBlock[4:SizeofMetadataOffset]); err != nil {
		return nil, fmt.Errorf("could not populate GUIDEntry: %v", err)
	}
	return result, nil
}
