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

package ovmf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
)

// BuildTDVFMetadata lays out the descriptor for an image: the BFV from the image layout with the
// measurement attribute, then the stack, heap, TD HOB and mailbox from the metadata block.
func BuildTDVFMetadata(layout *Layout, m *abi.ShimMetadata) (*abi.TDVFMetadata, error) {
	if layout.BFV.Size == 0 {
		return nil, fmt.Errorf("image layout has no boot firmware volume")
	}
	if layout.BFV.End() > 0xffffffff {
		return nil, fmt.Errorf("boot firmware volume %v does not fit 32-bit offsets", layout.BFV)
	}
	temp := func(base, size uint64, sectionType uint32) *abi.TDVFSection {
		return &abi.TDVFSection{MemoryBase: abi.EFIPhysicalAddress(base), MemorySize: size, SectionType: sectionType}
	}
	return abi.NewTDVFMetadata(
		&abi.TDVFSection{
			DataOffset:  uint32(layout.BFV.Offset),
			RawDataSize: uint32(layout.BFV.Size),
			MemoryBase:  abi.EFIPhysicalAddress(m.BfvBase),
			MemorySize:  uint64(m.BfvSize),
			SectionType: abi.TDVFSectionTypeBFV,
			Attributes:  abi.TDVFAttributeExtendMR,
		},
		temp(m.StackBase, m.StackSize, abi.TDVFSectionTypeTempMem),
		temp(m.HeapBase, m.HeapSize, abi.TDVFSectionTypeTempMem),
		temp(m.HobBase, m.HobSize, abi.TDVFSectionTypeTDHOB),
		temp(m.MailboxBase, m.MailboxSize, abi.TDVFSectionTypeTempMem),
	), nil
}

// InjectTDVFMetadata returns a copy of image with a TDVF descriptor built from its layout and
// metadata block. The descriptor is written 1KiB into the BFV's free padding and its offset is
// stored FwGUIDTableEndOffset bytes before the end of the image.
func InjectTDVFMetadata(image []byte) ([]byte, *abi.TDVFMetadata, error) {
	if len(image) < abi.FwGUIDTableEndOffset {
		return nil, nil, fmt.Errorf("image size 0x%x is too small", len(image))
	}
	layout, err := ScanImage(image, DefaultScanStep)
	if err != nil {
		return nil, nil, err
	}
	shim, at, err := FindMetadata(image, int(layout.BFV.Offset))
	if err != nil {
		return nil, nil, err
	}
	logger.V(1).Infof("Shim metadata block at 0x%x", at)
	metadata, err := BuildTDVFMetadata(layout, shim)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := metadata.Bytes()
	if err != nil {
		return nil, nil, err
	}
	if layout.Free.Size < paddingSkip+uint64(len(encoded)) {
		return nil, nil, fmt.Errorf("boot firmware volume has no padding file for a 0x%x byte descriptor", len(encoded))
	}
	start := layout.Free.Offset + paddingSkip
	result := bytes.Clone(image)
	copy(result[start:], encoded)
	binary.LittleEndian.PutUint32(result[len(result)-abi.FwGUIDTableEndOffset:], uint32(start))
	logger.V(1).Infof("TDVF descriptor injected at 0x%08x", start)
	return result, metadata, nil
}

// locateTDVFMetadata returns the offset of the TDVF descriptor. A GUIDed table entry takes
// precedence over the offset stored at the end of the image.
func locateTDVFMetadata(image []byte) (uint64, error) {
	size := uint64(len(image))
	if size < abi.FwGUIDTableEndOffset {
		return 0, fmt.Errorf("%w: image size 0x%x is too small", ErrNoTDVFMetadata, size)
	}
	if blocks, err := GetFwGUIDToBlockMap(image); err == nil {
		if block, ok := blocks[abi.TDVFMetadataOffsetGUID]; ok {
			entry, err := abi.MetadataOffsetFromBytes(block)
			if err != nil {
				return 0, err
			}
			offset := uint64(entry.Offset)
			if offset < abi.SizeofEFIGUID || offset > size {
				return 0, fmt.Errorf("%w: GUIDed table offset 0x%x out of bounds", ErrNoTDVFMetadata, offset)
			}
			guidAt := size - offset
			got, _ := abi.FromEFIGUID(image[guidAt : guidAt+abi.SizeofEFIGUID])
			if got != uuid.MustParse(abi.ShimMetadataGUID) {
				return 0, fmt.Errorf("%w: descriptor GUID mismatch. Got %v want %v", ErrNoTDVFMetadata, got, abi.ShimMetadataGUID)
			}
			return guidAt + abi.SizeofEFIGUID, nil
		}
	}
	offset := uint64(binary.LittleEndian.Uint32(image[size-abi.FwGUIDTableEndOffset:]))
	if offset == 0 || offset+abi.SizeofTDVFDescriptor > size {
		return 0, fmt.Errorf("%w: invalid descriptor offset 0x%x", ErrNoTDVFMetadata, offset)
	}
	return offset, nil
}

// ExtractTDVFMetadata locates and decodes the image's TDVF descriptor and checks it against the
// image.
func ExtractTDVFMetadata(image []byte) (*abi.TDVFMetadata, error) {
	metadata, err := DecodeTDVFMetadata(image)
	if err != nil {
		return nil, err
	}
	if err := ValidateTDVFMetadata(uint64(len(image)), metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

// DecodeTDVFMetadata locates and decodes the descriptor without checking it against the image.
func DecodeTDVFMetadata(image []byte) (*abi.TDVFMetadata, error) {
	offset, err := locateTDVFMetadata(image)
	if err != nil {
		return nil, err
	}
	logger.V(1).Infof("TDVF descriptor offset: 0x%08x", offset)
	return abi.TDVFMetadataFromBytes(image[offset:])
}

// ValidateTDVFMetadata reports every problem with a descriptor for an image of the given size.
func ValidateTDVFMetadata(imageSize uint64, m *abi.TDVFMetadata) error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}
	if m.Header.Signature != abi.TDVFSignature {
		fail("TDVF descriptor signature mismatch. Got 0x%x want 0x%x", m.Header.Signature, uint32(abi.TDVFSignature))
	}
	if m.Header.Version != abi.TDVFVersion {
		fail("TDVF descriptor version mismatch. Got %d want %d", m.Header.Version, abi.TDVFVersion)
	}
	if want := uint32(abi.SizeofTDVFDescriptor + abi.SizeofTDVFSection*len(m.Sections)); m.Header.Length != want {
		fail("TDVF descriptor length mismatch. Got 0x%x want 0x%x", m.Header.Length, want)
	}
	var hobs, bfvs int
	var placed []memory.GuestPhysicalRegion
	for i, s := range m.Sections {
		gpr := sectionRegion(s)
		switch s.SectionType {
		case abi.TDVFSectionTypeBFV, abi.TDVFSectionTypeCFV:
			if s.SectionType == abi.TDVFSectionTypeBFV {
				bfvs++
			}
			if s.RawDataSize == 0 || uint64(s.DataOffset)+uint64(s.RawDataSize) > imageSize {
				fail("section %d: invalid image offset/raw data size, offset: 0x%x, size: 0x%x, firmware size: 0x%x",
					i, s.DataOffset, s.RawDataSize, imageSize)
			}
			if s.MemorySize != uint64(s.RawDataSize) {
				fail("section %d: memory size 0x%x mismatch with raw data size 0x%x", i, s.MemorySize, s.RawDataSize)
			}
		case abi.TDVFSectionTypeTDHOB:
			hobs++
		case abi.TDVFSectionTypeTempMem:
		default:
			fail("section %d: unsupported section type %d", i, s.SectionType)
		}
		if !gpr.PageAligned() {
			fail("section %d: memory %v is not page aligned", i, gpr)
		}
		if gpr.End() < gpr.Start {
			fail("section %d: memory %v wraps the address space", i, gpr)
			continue
		}
		for j, other := range placed {
			if !gpr.Intersect(other).Empty() {
				fail("section %d: memory %v overlaps section %d at %v", i, gpr, j, other)
			}
		}
		placed = append(placed, gpr)
	}
	switch {
	case hobs == 0:
		fail("TDVF descriptor doesn't contain a TD HOB section")
	case hobs > 1:
		fail("TDVF descriptor contains %d TD HOB sections", hobs)
	}
	if bfvs == 0 {
		fail("TDVF descriptor doesn't contain a boot firmware volume section")
	}
	return errs
}

// DumpTDVFMetadata writes a descriptor in a human readable form, sections in descriptor order.
func DumpTDVFMetadata(w io.Writer, m *abi.TDVFMetadata) error {
	var sig [4]byte
	binary.LittleEndian.PutUint32(sig[:], m.Header.Signature)
	if _, err := fmt.Fprintf(w, "Signature             : %s\nLength                : %d\nVersion               : %d\nNumberOfSectionEntry  : %d\nSections              :\n",
		sig[:], m.Header.Length, m.Header.Version, len(m.Sections)); err != nil {
		return err
	}
	for _, s := range m.Sections {
		if _, err := fmt.Fprintf(w, " base: 0x%08x, len: 0x%08x, type: 0x%08x, attr: 0x%08x, raw_offset: 0x%08x, size: 0x%08x <-- %s\n",
			uint64(s.MemoryBase), s.MemorySize, s.SectionType, s.Attributes, s.DataOffset, s.RawDataSize,
			abi.TDVFSectionTypeName(s.SectionType)); err != nil {
			return err
		}
	}
	return nil
}

func sectionRegion(s *abi.TDVFSection) memory.GuestPhysicalRegion {
	return memory.GuestPhysicalRegion{Start: s.MemoryBase, Length: s.MemorySize}
}

// sectionsOfType returns the sections of the given type in descriptor order.
func sectionsOfType(m *abi.TDVFMetadata, sectionType uint32) []*abi.TDVFSection {
	return slices.DeleteFunc(slices.Clone(m.Sections), func(s *abi.TDVFSection) bool {
		return s.SectionType != sectionType
	})
}
