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

package fv

import (
	"math/bits"

	"github.com/google/tdshim/ovmf/abi"
)

// File is a file found in a volume.
type File struct {
	// Offset is the file header's position in the volume.
	Offset uint64
	Header abi.EFIFFSFileHeader
	State  abi.EFIFFSFileState
	// Data is the file contents after the header.
	Data []byte
}

// FileInfo is the information a next stage needs about a file.
type FileInfo struct {
	Name       abi.EFIGUID
	Type       abi.EFIFvFileType
	Attributes uint8
	Data       []byte
}

// Info returns the name, type, attributes and contents of the file.
func (f *File) Info() FileInfo {
	return FileInfo{Name: f.Header.Name, Type: f.Header.Type, Attributes: f.Header.Attributes, Data: f.Data}
}

// occupied is the file size rounded up to the next file boundary.
func (f *File) occupied() uint64 {
	return abi.AlignUp(uint64(f.Header.FileSize()), abi.FileAlignment)
}

// GetFileState decodes a raw state byte. Under erase polarity 1 the byte is inverted first. The
// state is the highest set bit, or 0 when no bit is set.
func GetFileState(erasePolarity uint8, raw uint8) abi.EFIFFSFileState {
	if erasePolarity != 0 {
		raw = ^raw
	}
	if raw == 0 {
		return 0
	}
	return abi.EFIFFSFileState(1 << (bits.Len8(raw) - 1))
}

// HeaderChecksum sums the file header bytes with the state and file checksum bytes excluded. A
// valid header sums to 0.
func HeaderChecksum(header []byte) uint8 {
	var sum uint8
	for i, b := range header[:abi.SizeofFFSFileHeader] {
		if i == 17 || i == 23 {
			continue
		}
		sum += b
	}
	return sum
}

// fileAt decodes the file header at offset. The header must lie inside the volume. The file
// contents are only attached when they also do.
func (v *Volume) fileAt(offset uint64) (*File, error) {
	if offset > v.Length() || v.Length()-offset < abi.SizeofFFSFileHeader {
		return nil, corrupted(offset, "file header exceeds volume")
	}
	raw := v.data[offset : offset+abi.SizeofFFSFileHeader]
	header, _ := abi.EFIFFSFileHeaderFromBytes(raw)
	f := &File{Offset: offset, Header: *header, State: GetFileState(v.ErasePolarity(), header.State)}
	return f, nil
}

func (v *Volume) attachData(f *File) error {
	size := uint64(f.Header.FileSize())
	if size < abi.SizeofFFSFileHeader {
		return corrupted(f.Offset, "file size 0x%x below header size", size)
	}
	if size > v.Length()-f.Offset {
		return corrupted(f.Offset, "file size 0x%x exceeds volume", size)
	}
	f.Data = v.data[f.Offset+abi.SizeofFFSFileHeader : f.Offset+size]
	return nil
}

type match func(*File) bool

// find walks files from offset. In strict mode a file that would extend the walk beyond the
// volume is corruption; otherwise the walk ends there.
func (v *Volume) find(offset uint64, matches match, strict bool) (*File, error) {
	offset = abi.AlignUp(offset, abi.FileAlignment)
	for v.Length() > abi.SizeofFFSFileHeader && offset < v.Length()-abi.SizeofFFSFileHeader {
		f, err := v.fileAt(offset)
		if err != nil {
			return nil, err
		}
		switch f.State {
		case abi.EFIFileHeaderInvalid:
			offset += abi.SizeofFFSFileHeader
			continue
		case abi.EFIFileDataValid, abi.EFIFileMarkedForUpdate:
			if sum := HeaderChecksum(v.data[offset:]); sum != 0 {
				return nil, corrupted(offset, "file %v header checksum 0x%02x", f.Header.Name, sum)
			}
			if matches(f) {
				if err := v.attachData(f); err != nil {
					return nil, err
				}
				return f, nil
			}
		case abi.EFIFileDeleted:
		default:
			return nil, ErrNotFound
		}
		if f.Header.FileSize() < abi.SizeofFFSFileHeader {
			return nil, corrupted(offset, "file size 0x%x below header size", f.Header.FileSize())
		}
		next := offset + f.occupied()
		if strict && next > v.Length() {
			return nil, corrupted(offset, "file ends at 0x%x beyond volume end 0x%x", next, v.Length())
		}
		offset = next
	}
	return nil, ErrNotFound
}

func (v *Volume) resume(after *File) uint64 {
	if after == nil {
		return v.firstFile
	}
	return after.Offset + after.occupied()
}

func typeMatch(fileType abi.EFIFvFileType) match {
	return func(f *File) bool {
		return f.Header.Type != abi.EFIFvFileTypeFFSPad &&
			(fileType == abi.EFIFvFileTypeAll || f.Header.Type == fileType)
	}
}

// FindFile returns the next usable file of the given type after the given file, or from the
// start of the volume when after is nil. EFIFvFileTypeAll matches any type. Pad files never match.
func (v *Volume) FindFile(fileType abi.EFIFvFileType, after *File) (*File, error) {
	return v.find(v.resume(after), typeMatch(fileType), false)
}

// FindFileByName returns the first usable file with the given name.
func (v *Volume) FindFileByName(name abi.EFIGUID) (*File, error) {
	return v.find(v.firstFile, func(f *File) bool { return f.Header.Name == name }, false)
}

// FindFileAndSection checks the volume signature, then returns the first usable file of the given
// type and the body of its first section of the given type. Any offset beyond the volume end is
// reported as corruption rather than as not found.
func (v *Volume) FindFileAndSection(fileType abi.EFIFvFileType, sectionType abi.EFISectionType) (*File, []byte, error) {
	if err := v.Verify(); err != nil {
		return nil, nil, err
	}
	f, err := v.find(v.firstFile, typeMatch(fileType), true)
	if err != nil {
		return nil, nil, err
	}
	body, err := FindSection(f.Data, sectionType)
	if err != nil {
		return nil, nil, err
	}
	return f, body, nil
}

// Files returns every file header in the volume regardless of state, for listings. The walk ends
// at the first erased or malformed header.
func (v *Volume) Files() ([]*File, error) {
	var result []*File
	offset := v.firstFile
	for v.Length() > abi.SizeofFFSFileHeader && offset < v.Length()-abi.SizeofFFSFileHeader {
		f, err := v.fileAt(offset)
		if err != nil {
			return result, err
		}
		if f.State == 0 {
			break
		}
		if f.State == abi.EFIFileHeaderInvalid {
			offset += abi.SizeofFFSFileHeader
			continue
		}
		if err := v.attachData(f); err != nil {
			return result, err
		}
		result = append(result, f)
		offset += f.occupied()
	}
	return result, nil
}
