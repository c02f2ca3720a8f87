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
)

const (
	// SizeofFirmwareVolumeHeader is the size of EFI_FIRMWARE_VOLUME_HEADER up to the block map.
	SizeofFirmwareVolumeHeader = 56
	// SizeofFvBlockMapEntry is the size of one EFI_FV_BLOCK_MAP_ENTRY.
	SizeofFvBlockMapEntry = 8
	// SizeofFirmwareVolumeExtHeader is the size of EFI_FIRMWARE_VOLUME_EXT_HEADER.
	SizeofFirmwareVolumeExtHeader = 20
	// SizeofFFSFileHeader is the size of EFI_FFS_FILE_HEADER.
	SizeofFFSFileHeader = 24
	// SizeofCommonSectionHeader is the size of EFI_COMMON_SECTION_HEADER.
	SizeofCommonSectionHeader = 4
	// SizeofCommonSectionHeader2 is the size of EFI_COMMON_SECTION_HEADER2.
	SizeofCommonSectionHeader2 = 8

	// FvSignature is "_FVH" read as a little endian uint32.
	FvSignature = 0x4856465f
	// FvbErasePolarity is the EFI_FVB2_ERASE_POLARITY volume attribute.
	FvbErasePolarity = 0x00000800

	// FileAlignment is the alignment of every file in a volume.
	FileAlignment = 8
	// SectionAlignment is the alignment of every section in a file.
	SectionAlignment = 4

	// MaxSectionSize is the 24-bit size value that means the extended size field is in use.
	MaxSectionSize = 0xFFFFFF
)

// EFIFvFileType is an EFI_FV_FILETYPE.
type EFIFvFileType uint8

// File types.
const (
	EFIFvFileTypeAll                 EFIFvFileType = 0x00
	EFIFvFileTypeRaw                 EFIFvFileType = 0x01
	EFIFvFileTypeFreeform            EFIFvFileType = 0x02
	EFIFvFileTypeSecurityCore        EFIFvFileType = 0x03
	EFIFvFileTypePEICore             EFIFvFileType = 0x04
	EFIFvFileTypeDXECore             EFIFvFileType = 0x05
	EFIFvFileTypePEIM                EFIFvFileType = 0x06
	EFIFvFileTypeDriver              EFIFvFileType = 0x07
	EFIFvFileTypeCombinedPEIMDriver  EFIFvFileType = 0x08
	EFIFvFileTypeApplication         EFIFvFileType = 0x09
	EFIFvFileTypeMM                  EFIFvFileType = 0x0a
	EFIFvFileTypeFirmwareVolumeImage EFIFvFileType = 0x0b
	EFIFvFileTypeCombinedMMDXE       EFIFvFileType = 0x0c
	EFIFvFileTypeMMCore              EFIFvFileType = 0x0d
	EFIFvFileTypeFFSPad              EFIFvFileType = 0xf0
)

var fileTypeNames = map[EFIFvFileType]string{
	EFIFvFileTypeAll:                 "all",
	EFIFvFileTypeRaw:                 "raw",
	EFIFvFileTypeFreeform:            "freeform",
	EFIFvFileTypeSecurityCore:        "sec",
	EFIFvFileTypePEICore:             "pei.core",
	EFIFvFileTypeDXECore:             "dxe.core",
	EFIFvFileTypePEIM:                "peim",
	EFIFvFileTypeDriver:              "dxe",
	EFIFvFileTypeCombinedPEIMDriver:  "peim.dxe",
	EFIFvFileTypeApplication:         "app",
	EFIFvFileTypeMM:                  "smm",
	EFIFvFileTypeFirmwareVolumeImage: "vol",
	EFIFvFileTypeCombinedMMDXE:       "smm.dxe",
	EFIFvFileTypeMMCore:              "smm.core",
	EFIFvFileTypeFFSPad:              "pad",
}

func (t EFIFvFileType) String() string {
	if name, ok := fileTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// ParseFileType accepts either a short type name as printed by String or a number.
func ParseFileType(s string) (EFIFvFileType, error) {
	for t, name := range fileTypeNames {
		if name == s {
			return t, nil
		}
	}
	var v uint8
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil {
		return EFIFvFileType(v), nil
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
		return EFIFvFileType(v), nil
	}
	return 0, fmt.Errorf("unknown file type %q", s)
}

// EFIFFSFileState is the decoded state of a file.
type EFIFFSFileState uint8

// File states. A decoded state has exactly one bit set.
const (
	EFIFileHeaderConstruction EFIFFSFileState = 0x01
	EFIFileHeaderValid        EFIFFSFileState = 0x02
	EFIFileDataValid          EFIFFSFileState = 0x04
	EFIFileMarkedForUpdate    EFIFFSFileState = 0x08
	EFIFileDeleted            EFIFFSFileState = 0x10
	EFIFileHeaderInvalid      EFIFFSFileState = 0x20
)

func (s EFIFFSFileState) String() string {
	switch s {
	case EFIFileHeaderConstruction:
		return "HeaderConstruction"
	case EFIFileHeaderValid:
		return "HeaderValid"
	case EFIFileDataValid:
		return "DataValid"
	case EFIFileMarkedForUpdate:
		return "MarkedForUpdate"
	case EFIFileDeleted:
		return "Deleted"
	case EFIFileHeaderInvalid:
		return "HeaderInvalid"
	case 0:
		return "None"
	}
	return fmt.Sprintf("State(0x%02x)", uint8(s))
}

// EFISectionType is an EFI_SECTION_TYPE.
type EFISectionType uint8

// Section types.
const (
	EFISectionAll                 EFISectionType = 0x00
	EFISectionCompression         EFISectionType = 0x01
	EFISectionGUIDDefined         EFISectionType = 0x02
	EFISectionDisposable          EFISectionType = 0x03
	EFISectionPE32                EFISectionType = 0x10
	EFISectionPIC                 EFISectionType = 0x11
	EFISectionTE                  EFISectionType = 0x12
	EFISectionDXEDepex            EFISectionType = 0x13
	EFISectionVersion             EFISectionType = 0x14
	EFISectionUserInterface       EFISectionType = 0x15
	EFISectionCompatibility16     EFISectionType = 0x16
	EFISectionFirmwareVolumeImage EFISectionType = 0x17
	EFISectionFreeformSubtypeGUID EFISectionType = 0x18
	EFISectionRaw                 EFISectionType = 0x19
	EFISectionPEIDepex            EFISectionType = 0x1b
	EFISectionMMDepex             EFISectionType = 0x1c
)

var sectionTypeNames = map[EFISectionType]string{
	EFISectionCompression:         "compression",
	EFISectionGUIDDefined:         "guid",
	EFISectionDisposable:          "disposable",
	EFISectionPE32:                "pe32",
	EFISectionPIC:                 "pic",
	EFISectionTE:                  "te",
	EFISectionDXEDepex:            "dxe.depex",
	EFISectionVersion:             "version",
	EFISectionUserInterface:       "ui",
	EFISectionCompatibility16:     "compat16",
	EFISectionFirmwareVolumeImage: "fv",
	EFISectionFreeformSubtypeGUID: "freeform.guid",
	EFISectionRaw:                 "raw",
	EFISectionPEIDepex:            "pei.depex",
	EFISectionMMDepex:             "smm.depex",
}

func (t EFISectionType) String() string {
	if name, ok := sectionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// ParseSectionType accepts either a short type name as printed by String or a number.
func ParseSectionType(s string) (EFISectionType, error) {
	for t, name := range sectionTypeNames {
		if name == s {
			return t, nil
		}
	}
	var v uint8
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil {
		return EFISectionType(v), nil
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
		return EFISectionType(v), nil
	}
	return 0, fmt.Errorf("unknown section type %q", s)
}

// EFIFirmwareVolumeHeader is the fixed part of EFI_FIRMWARE_VOLUME_HEADER. The block map follows.
type EFIFirmwareVolumeHeader struct {
	ZeroVector      [16]byte
	FileSystemGUID  EFIGUID
	FvLength        uint64
	Signature       uint32
	Attributes      uint32
	HeaderLength    uint16
	Checksum        uint16
	ExtHeaderOffset uint16
	Reserved        uint8
	Revision        uint8
}

// ErasePolarity returns 1 if erased flash reads as 0xFF, otherwise 0.
func (h *EFIFirmwareVolumeHeader) ErasePolarity() uint8 {
	if h.Attributes&FvbErasePolarity != 0 {
		return 1
	}
	return 0
}

// EFIFirmwareVolumeHeaderFromBytes decodes the fixed volume header. It does not validate it.
func EFIFirmwareVolumeHeaderFromBytes(data []byte) (*EFIFirmwareVolumeHeader, error) {
	if len(data) < SizeofFirmwareVolumeHeader {
		return nil, fmt.Errorf("data too small for firmware volume header: %d < %d", len(data), SizeofFirmwareVolumeHeader)
	}
	result := &EFIFirmwareVolumeHeader{
		FvLength:        binary.LittleEndian.Uint64(data[32:40]),
		Signature:       binary.LittleEndian.Uint32(data[40:44]),
		Attributes:      binary.LittleEndian.Uint32(data[44:48]),
		HeaderLength:    binary.LittleEndian.Uint16(data[48:50]),
		Checksum:        binary.LittleEndian.Uint16(data[50:52]),
		ExtHeaderOffset: binary.LittleEndian.Uint16(data[52:54]),
		Reserved:        data[54],
		Revision:        data[55],
	}
	copy(result.ZeroVector[:], data[0:16])
	result.FileSystemGUID, _ = EFIGUIDFromBytes(data[16:32])
	return result, nil
}

// Put writes the fixed volume header to the beginning of data.
func (h *EFIFirmwareVolumeHeader) Put(data []byte) error {
	if len(data) < SizeofFirmwareVolumeHeader {
		return fmt.Errorf("data too small for firmware volume header: %d < %d", len(data), SizeofFirmwareVolumeHeader)
	}
	copy(data[0:16], h.ZeroVector[:])
	_ = h.FileSystemGUID.Put(data[16:32])
	binary.LittleEndian.PutUint64(data[32:40], h.FvLength)
	binary.LittleEndian.PutUint32(data[40:44], h.Signature)
	binary.LittleEndian.PutUint32(data[44:48], h.Attributes)
	binary.LittleEndian.PutUint16(data[48:50], h.HeaderLength)
	binary.LittleEndian.PutUint16(data[50:52], h.Checksum)
	binary.LittleEndian.PutUint16(data[52:54], h.ExtHeaderOffset)
	data[54] = h.Reserved
	data[55] = h.Revision
	return nil
}

// EFIFirmwareVolumeExtHeader is EFI_FIRMWARE_VOLUME_EXT_HEADER.
type EFIFirmwareVolumeExtHeader struct {
	FvName        EFIGUID
	ExtHeaderSize uint32
}

// EFIFirmwareVolumeExtHeaderFromBytes decodes an extended volume header.
func EFIFirmwareVolumeExtHeaderFromBytes(data []byte) (*EFIFirmwareVolumeExtHeader, error) {
	if len(data) < SizeofFirmwareVolumeExtHeader {
		return nil, fmt.Errorf("data too small for firmware volume ext header: %d < %d", len(data), SizeofFirmwareVolumeExtHeader)
	}
	name, _ := EFIGUIDFromBytes(data[0:16])
	return &EFIFirmwareVolumeExtHeader{
		FvName:        name,
		ExtHeaderSize: binary.LittleEndian.Uint32(data[16:20]),
	}, nil
}

// Put writes the extended volume header to the beginning of data.
func (h *EFIFirmwareVolumeExtHeader) Put(data []byte) error {
	if len(data) < SizeofFirmwareVolumeExtHeader {
		return fmt.Errorf("data too small for firmware volume ext header: %d < %d", len(data), SizeofFirmwareVolumeExtHeader)
	}
	_ = h.FvName.Put(data[0:16])
	binary.LittleEndian.PutUint32(data[16:20], h.ExtHeaderSize)
	return nil
}

// EFIFFSFileHeader is EFI_FFS_FILE_HEADER.
type EFIFFSFileHeader struct {
	Name           EFIGUID
	HeaderChecksum uint8
	FileChecksum   uint8
	Type           EFIFvFileType
	Attributes     uint8
	Size           [3]uint8
	State          uint8
}

// FileSize returns the 24-bit file size including the header.
func (h *EFIFFSFileHeader) FileSize() uint32 {
	return uint32(h.Size[0]) | uint32(h.Size[1])<<8 | uint32(h.Size[2])<<16
}

// SetFileSize stores a 24-bit file size.
func (h *EFIFFSFileHeader) SetFileSize(size uint32) {
	h.Size = [3]uint8{uint8(size), uint8(size >> 8), uint8(size >> 16)}
}

// EFIFFSFileHeaderFromBytes decodes a file header.
func EFIFFSFileHeaderFromBytes(data []byte) (*EFIFFSFileHeader, error) {
	if len(data) < SizeofFFSFileHeader {
		return nil, fmt.Errorf("data too small for FFS file header: %d < %d", len(data), SizeofFFSFileHeader)
	}
	name, _ := EFIGUIDFromBytes(data[0:16])
	return &EFIFFSFileHeader{
		Name:           name,
		HeaderChecksum: data[16],
		FileChecksum:   data[17],
		Type:           EFIFvFileType(data[18]),
		Attributes:     data[19],
		Size:           [3]uint8{data[20], data[21], data[22]},
		State:          data[23],
	}, nil
}

// Put writes the file header to the beginning of data.
func (h *EFIFFSFileHeader) Put(data []byte) error {
	if len(data) < SizeofFFSFileHeader {
		return fmt.Errorf("data too small for FFS file header: %d < %d", len(data), SizeofFFSFileHeader)
	}
	_ = h.Name.Put(data[0:16])
	data[16] = h.HeaderChecksum
	data[17] = h.FileChecksum
	data[18] = uint8(h.Type)
	data[19] = h.Attributes
	copy(data[20:23], h.Size[:])
	data[23] = h.State
	return nil
}

// EFICommonSectionHeader is EFI_COMMON_SECTION_HEADER, or EFI_COMMON_SECTION_HEADER2 when
// Size is MaxSectionSize.
type EFICommonSectionHeader struct {
	Size         [3]uint8
	Type         EFISectionType
	ExtendedSize uint32
}

// IsSection2 reports whether the header uses the extended size field.
func (h *EFICommonSectionHeader) IsSection2() bool {
	return h.Size == [3]uint8{0xff, 0xff, 0xff}
}

// HeaderSize returns the ABI size of the header.
func (h *EFICommonSectionHeader) HeaderSize() uint32 {
	if h.IsSection2() {
		return SizeofCommonSectionHeader2
	}
	return SizeofCommonSectionHeader
}

// SectionSize returns the section size including the header.
func (h *EFICommonSectionHeader) SectionSize() uint32 {
	if h.IsSection2() {
		return h.ExtendedSize
	}
	return uint32(h.Size[0]) | uint32(h.Size[1])<<8 | uint32(h.Size[2])<<16
}

// SetSectionSize picks the short or extended header form for a section of the given total size
// and stores it.
func (h *EFICommonSectionHeader) SetSectionSize(size uint32) {
	if size >= MaxSectionSize {
		h.Size = [3]uint8{0xff, 0xff, 0xff}
		h.ExtendedSize = size
		return
	}
	h.Size = [3]uint8{uint8(size), uint8(size >> 8), uint8(size >> 16)}
	h.ExtendedSize = 0
}

// EFICommonSectionHeaderFromBytes decodes a section header of either form.
func EFICommonSectionHeaderFromBytes(data []byte) (*EFICommonSectionHeader, error) {
	if len(data) < SizeofCommonSectionHeader {
		return nil, fmt.Errorf("data too small for section header: %d < %d", len(data), SizeofCommonSectionHeader)
	}
	result := &EFICommonSectionHeader{
		Size: [3]uint8{data[0], data[1], data[2]},
		Type: EFISectionType(data[3]),
	}
	if result.IsSection2() {
		if len(data) < SizeofCommonSectionHeader2 {
			return nil, fmt.Errorf("data too small for section2 header: %d < %d", len(data), SizeofCommonSectionHeader2)
		}
		result.ExtendedSize = binary.LittleEndian.Uint32(data[4:8])
	}
	return result, nil
}

// Put writes the section header to the beginning of data.
func (h *EFICommonSectionHeader) Put(data []byte) error {
	size := int(h.HeaderSize())
	if len(data) < size {
		return fmt.Errorf("data too small for section header: %d < %d", len(data), size)
	}
	copy(data[0:3], h.Size[:])
	data[3] = uint8(h.Type)
	if h.IsSection2() {
		binary.LittleEndian.PutUint32(data[4:8], h.ExtendedSize)
	}
	return nil
}
