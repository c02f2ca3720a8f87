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
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
)

// Section is one leaf section of a file.
type Section struct {
	// Offset is the section header's position in the file contents.
	Offset uint64
	Header abi.EFICommonSectionHeader
	Body   []byte
}

// sectionAt decodes the section at offset within data, which must hold the whole section.
func sectionAt(data []byte, offset uint64) (*Section, error) {
	rest := data[offset:]
	header, err := abi.EFICommonSectionHeaderFromBytes(rest)
	if err != nil {
		return nil, corrupted(offset, "%v", err)
	}
	size := uint64(header.SectionSize())
	if size < uint64(header.HeaderSize()) {
		// Also covers an occupied size of zero, which would never advance.
		return nil, corrupted(offset, "section size 0x%x below header size", size)
	}
	if size > uint64(len(rest)) {
		return nil, corrupted(offset, "section size 0x%x exceeds remaining 0x%x bytes", size, len(rest))
	}
	return &Section{Offset: offset, Header: *header, Body: rest[header.HeaderSize():size]}, nil
}

// Sections returns every section in file contents.
func Sections(data []byte) ([]*Section, error) {
	var result []*Section
	for offset := uint64(0); offset < uint64(len(data)); {
		s, err := sectionAt(data, offset)
		if err != nil {
			return result, err
		}
		result = append(result, s)
		offset += abi.AlignUp(uint64(s.Header.SectionSize()), abi.SectionAlignment)
	}
	return result, nil
}

// FindSection returns the body of the first section of the given type in file contents.
// Encapsulation sections are not opened: meeting one before a match is an error.
func FindSection(data []byte, sectionType abi.EFISectionType) ([]byte, error) {
	for offset := uint64(0); offset < uint64(len(data)); {
		s, err := sectionAt(data, offset)
		if err != nil {
			return nil, err
		}
		switch {
		case s.Header.Type == sectionType:
			return s.Body, nil
		case s.Header.Type == abi.EFISectionCompression || s.Header.Type == abi.EFISectionGUIDDefined:
			return nil, fmt.Errorf("%w: %v section at offset 0x%x", ErrUnsupported, s.Header.Type, offset)
		}
		offset += abi.AlignUp(uint64(s.Header.SectionSize()), abi.SectionAlignment)
	}
	return nil, ErrNotFound
}
