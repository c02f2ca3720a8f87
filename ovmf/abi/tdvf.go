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
	// TDVFSectionTypeBFV is a descriptor section for the boot firmware volume.
	TDVFSectionTypeBFV = 0
	// TDVFSectionTypeCFV is a descriptor section for the configuration firmware volume.
	TDVFSectionTypeCFV = 1
	// TDVFSectionTypeTDHOB is a descriptor section for the trust domain hand-off block list the VMM
	// fills in before the first instruction.
	TDVFSectionTypeTDHOB = 2
	// TDVFSectionTypeTempMem is a descriptor section for memory that is used as temporary memory
	// (stack, heap, mailbox).
	TDVFSectionTypeTempMem = 3
	// TDVFSectionTypeReserved is any section type the tooling does not know about.
	TDVFSectionTypeReserved = 4

	// TDVFAttributeExtendMR directs the VMM to extend the section contents into MRTD.
	TDVFAttributeExtendMR = 1

	// TDVFVersion is the only known descriptor version.
	TDVFVersion = 1
	// TDVFSignature is the descriptor signature 'T', 'D', 'V', 'F' read as a little endian uint32.
	TDVFSignature = 0x46564454

	// SizeofTDVFDescriptor is the byte size of a TDVFDescriptor header.
	SizeofTDVFDescriptor = 16
	// SizeofTDVFSection is the byte size of a TDVFSection.
	SizeofTDVFSection = 32
)

// TDVFSectionTypeName returns a short name for a section type.
func TDVFSectionTypeName(sectionType uint32) string {
	switch sectionType {
	case TDVFSectionTypeBFV:
		return "BFV"
	case TDVFSectionTypeCFV:
		return "CFV"
	case TDVFSectionTypeTDHOB:
		return "TD_HOB"
	case TDVFSectionTypeTempMem:
		return "TempMem"
	}
	return "Reserved"
}

// TDVFDescriptor is the header of the TDVF metadata a VMM reads to lay out the TD.
type TDVFDescriptor struct {
	Signature    uint32
	Length       uint32
	Version      uint32
	SectionCount uint32
}

// TDVFDescriptorFromBytes returns the descriptor header at the start of data.
func TDVFDescriptorFromBytes(data []byte) (*TDVFDescriptor, error) {
	if len(data) < SizeofTDVFDescriptor {
		return nil, fmt.Errorf("data too small for TDVF descriptor: %d < %d", len(data), SizeofTDVFDescriptor)
	}
	return &TDVFDescriptor{
		Signature:    binary.LittleEndian.Uint32(data[0:4]),
		Length:       binary.LittleEndian.Uint32(data[4:8]),
		Version:      binary.LittleEndian.Uint32(data[8:12]),
		SectionCount: binary.LittleEndian.Uint32(data[12:16]),
	}, nil
}

// Put writes the descriptor header to the beginning of data.
func (h *TDVFDescriptor) Put(data []byte) error {
	if len(data) < SizeofTDVFDescriptor {
		return fmt.Errorf("data too small for TDVF descriptor: %d < %d", len(data), SizeofTDVFDescriptor)
	}
	binary.LittleEndian.PutUint32(data[0:4], h.Signature)
	binary.LittleEndian.PutUint32(data[4:8], h.Length)
	binary.LittleEndian.PutUint32(data[8:12], h.Version)
	binary.LittleEndian.PutUint32(data[12:16], h.SectionCount)
	return nil
}

// TDVFSection tells the VMM how to populate one region of guest memory.
type TDVFSection struct {
	DataOffset  uint32
	RawDataSize uint32
	MemoryBase  EFIPhysicalAddress
	MemorySize  uint64
	SectionType uint32
	Attributes  uint32
}

// TDVFSectionFromBytes decodes a single section entry.
func TDVFSectionFromBytes(data []byte) (*TDVFSection, error) {
	if len(data) < SizeofTDVFSection {
		return nil, fmt.Errorf("data too small for TDVF section: %d < %d", len(data), SizeofTDVFSection)
	}
	return &TDVFSection{
		DataOffset:  binary.LittleEndian.Uint32(data[0:4]),
		RawDataSize: binary.LittleEndian.Uint32(data[4:8]),
		MemoryBase:  EFIPhysicalAddress(binary.LittleEndian.Uint64(data[8:16])),
		MemorySize:  binary.LittleEndian.Uint64(data[16:24]),
		SectionType: binary.LittleEndian.Uint32(data[24:28]),
		Attributes:  binary.LittleEndian.Uint32(data[28:32]),
	}, nil
}

// Put writes the section entry to the beginning of data.
func (s *TDVFSection) Put(data []byte) error {
	if len(data) < SizeofTDVFSection {
		return fmt.Errorf("data too small for TDVF section: %d < %d", len(data), SizeofTDVFSection)
	}
	binary.LittleEndian.PutUint32(data[0:4], s.DataOffset)
	binary.LittleEndian.PutUint32(data[4:8], s.RawDataSize)
	binary.LittleEndian.PutUint64(data[8:16], uint64(s.MemoryBase))
	binary.LittleEndian.PutUint64(data[16:24], s.MemorySize)
	binary.LittleEndian.PutUint32(data[24:28], s.SectionType)
	binary.LittleEndian.PutUint32(data[28:32], s.Attributes)
	return nil
}

// TDVFMetadata is a descriptor header with its section entries.
type TDVFMetadata struct {
	Header   *TDVFDescriptor
	Sections []*TDVFSection // Header.SectionCount entries
}

// NewTDVFMetadata returns a well-formed descriptor holding the given sections.
func NewTDVFMetadata(sections ...*TDVFSection) *TDVFMetadata {
	return &TDVFMetadata{
		Header: &TDVFDescriptor{
			Signature:    TDVFSignature,
			Length:       uint32(SizeofTDVFDescriptor + SizeofTDVFSection*len(sections)),
			Version:      TDVFVersion,
			SectionCount: uint32(len(sections)),
		},
		Sections: sections,
	}
}

// TDVFMetadataFromBytes decodes a descriptor and all its sections from data.
func TDVFMetadataFromBytes(data []byte) (*TDVFMetadata, error) {
	hdr, err := TDVFDescriptorFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse TDVF descriptor: %v", err)
	}
	expected := uint64(hdr.SectionCount) * SizeofTDVFSection
	remainder := uint64(len(data) - SizeofTDVFDescriptor)
	if expected > remainder {
		return nil, fmt.Errorf("data too small for expected section count %d: %d < %d",
			hdr.SectionCount, remainder, expected)
	}
	result := &TDVFMetadata{Header: hdr}
	for i := uint32(0); i < hdr.SectionCount; i++ {
		offset := SizeofTDVFDescriptor + i*SizeofTDVFSection
		// Unreachable error given the size check above.
		section, _ := TDVFSectionFromBytes(data[offset : offset+SizeofTDVFSection])
		result.Sections = append(result.Sections, section)
	}
	return result, nil
}

// Size returns the ABI size of m in bytes.
func (m *TDVFMetadata) Size() uint32 {
	return SizeofTDVFDescriptor + m.Header.SectionCount*SizeofTDVFSection
}

// Put writes m to the beginning of data.
func (m *TDVFMetadata) Put(data []byte) error {
	if m.Header == nil {
		return fmt.Errorf("TDVF descriptor is nil")
	}
	if m.Header.SectionCount != uint32(len(m.Sections)) {
		return fmt.Errorf("TDVF metadata illformed. SectionCount: %d but len(Sections): %d",
			m.Header.SectionCount, len(m.Sections))
	}
	size := m.Size()
	if uint32(len(data)) < size {
		return fmt.Errorf("data too small for %d TDVF sections: %d < %d", m.Header.SectionCount,
			len(data), size)
	}
	_ = m.Header.Put(data)
	for i, section := range m.Sections {
		offset := SizeofTDVFDescriptor + i*SizeofTDVFSection
		_ = section.Put(data[offset : offset+SizeofTDVFSection])
	}
	return nil
}

// Bytes returns the ABI encoding of m.
func (m *TDVFMetadata) Bytes() ([]byte, error) {
	if m.Header == nil {
		return nil, fmt.Errorf("TDVF descriptor is nil")
	}
	data := make([]byte, m.Size())
	if err := m.Put(data); err != nil {
		return nil, err
	}
	return data, nil
}
