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

package fakefv

import (
	"encoding/binary"
)

// Layout of the image PE builds. Offsets are relative virtual addresses.
const (
	PEImageSize        = 0x3000
	PESectionAlignment = 0x1000
	PETextRVA          = 0x1000
	// PEPointerRVA holds a 64-bit pointer to PETextRVA with a DIR64 relocation.
	PEPointerRVA = 0x1010
	// PEHighLowRVA holds the low 32 bits of the same pointer with a HIGHLOW relocation.
	PEHighLowRVA = 0x1020
	PERelocRVA   = 0x2000

	peHeaderOffset  = 0x40
	peFileAlignment = 0x200
	peTextOffset    = 0x200
	peRelocOffset   = 0x400
	peFileSize      = 0x600
	peOptionalSize  = 240
)

// PEOptions adjust the image PE builds.
type PEOptions struct {
	ImageBase  uint64
	EntryPoint uint32
	// Machine defaults to x86-64.
	Machine uint16
	// NoRelocations drops the relocation directory.
	NoRelocations bool
	// RelocType overrides the type of the first relocation entry when non-zero.
	RelocType uint16
	// ImageSize overrides SizeOfImage when non-zero.
	ImageSize uint32
}

// PE returns a minimal PE32+ image with a code section and a relocation section.
func PE(opts PEOptions) []byte {
	if opts.ImageBase == 0 {
		opts.ImageBase = 0x10000000
	}
	if opts.EntryPoint == 0 {
		opts.EntryPoint = PETextRVA
	}
	if opts.Machine == 0 {
		opts.Machine = 0x8664
	}
	if opts.ImageSize == 0 {
		opts.ImageSize = PEImageSize
	}
	img := make([]byte, peFileSize)
	le := binary.LittleEndian
	copy(img, "MZ")
	le.PutUint32(img[0x3c:], peHeaderOffset)
	copy(img[peHeaderOffset:], "PE\x00\x00")

	coff := img[peHeaderOffset+4:]
	le.PutUint16(coff[0:], opts.Machine)
	le.PutUint16(coff[2:], 2) // NumberOfSections
	le.PutUint16(coff[16:], peOptionalSize)
	le.PutUint16(coff[18:], 0x0022) // executable, large address aware

	opt := coff[20:]
	le.PutUint16(opt[0:], 0x20b) // PE32+
	le.PutUint32(opt[4:], peFileAlignment)
	le.PutUint32(opt[16:], opts.EntryPoint)
	le.PutUint32(opt[20:], PETextRVA)
	le.PutUint64(opt[24:], opts.ImageBase)
	le.PutUint32(opt[32:], PESectionAlignment)
	le.PutUint32(opt[36:], peFileAlignment)
	le.PutUint32(opt[56:], opts.ImageSize)
	le.PutUint32(opt[60:], peTextOffset) // SizeOfHeaders
	le.PutUint16(opt[68:], 10)           // EFI application subsystem
	le.PutUint32(opt[108:], 16)          // NumberOfRvaAndSizes
	if !opts.NoRelocations {
		le.PutUint32(opt[112+5*8:], PERelocRVA)
		le.PutUint32(opt[112+5*8+4:], 12)
	}

	sections := opt[peOptionalSize:]
	putSection := func(s []byte, name string, virtualSize, rva, rawSize, rawOffset, characteristics uint32) {
		copy(s[0:8], name)
		le.PutUint32(s[8:], virtualSize)
		le.PutUint32(s[12:], rva)
		le.PutUint32(s[16:], rawSize)
		le.PutUint32(s[20:], rawOffset)
		le.PutUint32(s[36:], characteristics)
	}
	putSection(sections[0:40], ".text", 0x100, PETextRVA, peFileAlignment, peTextOffset, 0x60000020)
	putSection(sections[40:80], ".reloc", 12, PERelocRVA, peFileAlignment, peRelocOffset, 0x42000040)

	text := img[peTextOffset:]
	// jmp $ at the entry point.
	text[0], text[1] = 0xeb, 0xfe
	le.PutUint64(text[PEPointerRVA-PETextRVA:], opts.ImageBase+PETextRVA)
	le.PutUint32(text[PEHighLowRVA-PETextRVA:], uint32(opts.ImageBase+PETextRVA))

	reloc := img[peRelocOffset:]
	le.PutUint32(reloc[0:], PETextRVA)
	le.PutUint32(reloc[4:], 12)
	dir64 := uint16(10)
	if opts.RelocType != 0 {
		dir64 = opts.RelocType
	}
	le.PutUint16(reloc[8:], dir64<<12|(PEPointerRVA-PETextRVA))
	le.PutUint16(reloc[10:], 3<<12|(PEHighLowRVA-PETextRVA))
	return img
}
