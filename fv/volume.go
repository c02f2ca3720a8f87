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

// Package fv walks firmware volumes in the firmware file system (FFS) format to find files and
// the sections inside them.
package fv

import (
	"errors"
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
)

var (
	// ErrNotFound is returned when no file or section matches a search.
	ErrNotFound = errors.New("not found")
	// ErrCorrupted is returned when a volume, file or section is structurally invalid.
	ErrCorrupted = errors.New("corrupted firmware volume")
	// ErrUnsupported is returned for encapsulated sections.
	ErrUnsupported = errors.New("unsupported")
)

func corrupted(offset uint64, format string, args ...any) error {
	return fmt.Errorf("%w: at offset 0x%x: %s", ErrCorrupted, offset, fmt.Sprintf(format, args...))
}

// Volume is a firmware volume held in memory. Offsets are relative to the volume header.
type Volume struct {
	// Base is the physical address of the volume, used only for reporting.
	Base   abi.EFIPhysicalAddress
	Header abi.EFIFirmwareVolumeHeader
	// ExtHeader is nil when the volume has no extended header.
	ExtHeader *abi.EFIFirmwareVolumeExtHeader
	data      []byte
	firstFile uint64
}

// NewVolume decodes the volume header at the start of data. The volume may be shorter than data
// but never longer.
func NewVolume(base abi.EFIPhysicalAddress, data []byte) (*Volume, error) {
	header, err := abi.EFIFirmwareVolumeHeaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if header.FvLength > uint64(len(data)) {
		return nil, corrupted(0, "volume length 0x%x exceeds 0x%x available bytes", header.FvLength, len(data))
	}
	if header.HeaderLength < abi.SizeofFirmwareVolumeHeader || uint64(header.HeaderLength) > header.FvLength {
		return nil, corrupted(0, "header length 0x%x out of bounds", header.HeaderLength)
	}
	v := &Volume{Base: base, Header: *header, data: data[:header.FvLength], firstFile: uint64(header.HeaderLength)}
	if header.ExtHeaderOffset != 0 {
		offset := uint64(header.ExtHeaderOffset)
		if offset+abi.SizeofFirmwareVolumeExtHeader > header.FvLength {
			return nil, corrupted(offset, "extended header exceeds volume")
		}
		v.ExtHeader, _ = abi.EFIFirmwareVolumeExtHeaderFromBytes(v.data[offset:])
		v.firstFile = offset + uint64(v.ExtHeader.ExtHeaderSize)
		if v.firstFile > header.FvLength {
			return nil, corrupted(offset, "extended header size 0x%x exceeds volume", v.ExtHeader.ExtHeaderSize)
		}
	}
	v.firstFile = abi.AlignUp(v.firstFile, abi.FileAlignment)
	return v, nil
}

// Verify checks the volume signature.
func (v *Volume) Verify() error {
	if v.Header.Signature != abi.FvSignature {
		return corrupted(40, "signature 0x%08x is not _FVH", v.Header.Signature)
	}
	return nil
}

// Length is the declared volume length.
func (v *Volume) Length() uint64 {
	return v.Header.FvLength
}

// ErasePolarity returns the value of erased bits, 0 or 1.
func (v *Volume) ErasePolarity() uint8 {
	return v.Header.ErasePolarity()
}

// Bytes returns the volume contents.
func (v *Volume) Bytes() []byte {
	return v.data
}
