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

// Package fakefv builds synthetic firmware volumes for tests.
package fakefv

import (
	"bytes"
	"encoding/binary"

	"github.com/google/tdshim/fv"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/uuid"
)

// Section is one leaf section of a file.
type Section struct {
	Type abi.EFISectionType
	Body []byte
	// Section2 forces the extended header form.
	Section2 bool
	// Size overrides the encoded section size when non-nil.
	Size *uint32
}

// File is one file of a volume.
type File struct {
	Name       uuid.UUID
	Type       abi.EFIFvFileType
	Attributes uint8
	Sections   []Section
	// Raw replaces the encoded sections when non-nil.
	Raw []byte
	// State is the raw state byte. Zero means data valid under the volume's erase polarity.
	State uint8
	// BadChecksum breaks the header checksum.
	BadChecksum bool
	// Size overrides the encoded file size when non-nil.
	Size *uint32
}

// Volume is a firmware volume.
type Volume struct {
	ErasePolarity uint8
	// ExtHeader adds an extended header naming the volume.
	ExtHeader bool
	Name      uuid.UUID
	Files     []File
	// Length is the volume length. Zero fits the files plus one page of erased space.
	Length uint64
	// Signature overrides "_FVH" when non-zero.
	Signature uint32
	// FileSystem overrides the FFS2 file system GUID when non-zero.
	FileSystem uuid.UUID
}

const blockSize = 0x1000

// HeaderLength is the header length of every built volume: the fixed header and a two entry
// block map.
const HeaderLength = abi.SizeofFirmwareVolumeHeader + 2*abi.SizeofFvBlockMapEntry

// ValidState returns the raw state byte of a usable file under the given erase polarity.
func ValidState(erasePolarity uint8) uint8 {
	state := uint8(abi.EFIFileHeaderConstruction | abi.EFIFileHeaderValid | abi.EFIFileDataValid)
	if erasePolarity != 0 {
		return ^state
	}
	return state
}

// Uint32 returns a pointer to v for size overrides.
func Uint32(v uint32) *uint32 { return &v }

// SectionBytes encodes sections as file contents, each aligned to 4 bytes.
func SectionBytes(sections []Section) []byte {
	var buf bytes.Buffer
	for i, s := range sections {
		header := abi.EFICommonSectionHeader{Type: s.Type}
		size := uint32(abi.SizeofCommonSectionHeader + len(s.Body))
		if s.Section2 {
			size = uint32(abi.SizeofCommonSectionHeader2 + len(s.Body))
			header.Size = [3]uint8{0xff, 0xff, 0xff}
			header.ExtendedSize = size
		} else {
			header.SetSectionSize(size)
		}
		if s.Size != nil {
			if header.IsSection2() {
				header.ExtendedSize = *s.Size
			} else {
				header.Size = [3]uint8{uint8(*s.Size), uint8(*s.Size >> 8), uint8(*s.Size >> 16)}
			}
		}
		raw := make([]byte, header.HeaderSize())
		_ = header.Put(raw)
		buf.Write(raw)
		buf.Write(s.Body)
		if i != len(sections)-1 {
			buf.Write(make([]byte, abi.AlignUp(size, abi.SectionAlignment)-size))
		}
	}
	return buf.Bytes()
}

// FileBytes encodes a file with a valid header checksum unless asked otherwise.
func FileBytes(f *File, erasePolarity uint8) []byte {
	data := f.Raw
	if data == nil {
		data = SectionBytes(f.Sections)
	}
	header := abi.EFIFFSFileHeader{
		Name:         abi.FromUUID(f.Name),
		FileChecksum: 0xAA,
		Type:         f.Type,
		Attributes:   f.Attributes,
		State:        f.State,
	}
	if header.State == 0 {
		header.State = ValidState(erasePolarity)
	}
	header.SetFileSize(uint32(abi.SizeofFFSFileHeader + len(data)))
	if f.Size != nil {
		header.SetFileSize(*f.Size)
	}
	result := make([]byte, abi.SizeofFFSFileHeader, abi.SizeofFFSFileHeader+len(data))
	_ = header.Put(result)
	result[16] = -fv.HeaderChecksum(result)
	if f.BadChecksum {
		result[16]++
	}
	return append(result, data...)
}

// Bytes encodes the volume.
func (v *Volume) Bytes() []byte {
	erased := byte(0)
	if v.ErasePolarity != 0 {
		erased = 0xff
	}
	fill := func(buf *bytes.Buffer, n int) {
		buf.Write(bytes.Repeat([]byte{erased}, n))
	}
	var body bytes.Buffer
	body.Write(make([]byte, HeaderLength))
	var extOffset uint16
	if v.ExtHeader {
		extOffset = uint16(body.Len())
		ext := make([]byte, abi.SizeofFirmwareVolumeExtHeader)
		_ = (&abi.EFIFirmwareVolumeExtHeader{FvName: abi.FromUUID(v.Name), ExtHeaderSize: abi.SizeofFirmwareVolumeExtHeader}).Put(ext)
		body.Write(ext)
	}
	for i := range v.Files {
		fill(&body, abi.AlignUp(body.Len(), abi.FileAlignment)-body.Len())
		body.Write(FileBytes(&v.Files[i], v.ErasePolarity))
	}
	length := v.Length
	if length == 0 {
		length = uint64(abi.AlignUp(body.Len(), blockSize) + blockSize)
	}
	if uint64(body.Len()) < length {
		fill(&body, int(length)-body.Len())
	}
	data := body.Bytes()[:length]

	header := abi.EFIFirmwareVolumeHeader{
		FileSystemGUID:  abi.MustEFIGUID(abi.FirmwareFileSystem2GUID),
		FvLength:        length,
		Signature:       abi.FvSignature,
		HeaderLength:    HeaderLength,
		ExtHeaderOffset: extOffset,
		Revision:        2,
	}
	if v.Signature != 0 {
		header.Signature = v.Signature
	}
	if v.FileSystem != uuid.Nil {
		header.FileSystemGUID = abi.FromUUID(v.FileSystem)
	}
	if v.ErasePolarity != 0 {
		header.Attributes |= abi.FvbErasePolarity
	}
	_ = header.Put(data)
	binary.LittleEndian.PutUint32(data[56:60], uint32(length/blockSize))
	binary.LittleEndian.PutUint32(data[60:64], blockSize)
	clear(data[64:72])
	var sum uint16
	for i := 0; i < HeaderLength; i += 2 {
		sum += binary.LittleEndian.Uint16(data[i:])
	}
	binary.LittleEndian.PutUint16(data[50:52], -sum)
	return data
}
