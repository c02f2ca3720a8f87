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

// Package pecoff loads PE32 and PE32+ images into guest memory and applies base relocations.
package pecoff

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/google/logger"
	"github.com/google/tdshim/memory"
	"github.com/google/tdshim/ovmf/abi"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned for images this loader cannot place.
var ErrUnsupported = errors.New("unsupported image")

// Base relocation types.
const (
	relAbsolute = 0
	relHigh     = 1
	relLow      = 2
	relHighLow  = 3
	relDir64    = 10
)

// Allocator provides the pages an image is loaded into.
type Allocator interface {
	AllocateCodePages(pages, alignment uint64) (abi.EFIPhysicalAddress, error)
}

// CacheInvalidator discards instruction cache lines for freshly written code.
type CacheInvalidator interface {
	InvalidateInstructionCache(base abi.EFIPhysicalAddress, length uint64)
}

// ImageInfo is what the loader learns from the image headers.
type ImageInfo struct {
	Machine             uint16
	Subsystem           uint16
	ImageBase           uint64
	ImageSize           uint64
	SizeOfHeaders       uint32
	SectionAlignment    uint32
	AddressOfEntryPoint uint32
	Relocations         pe.DataDirectory
}

// Image is a loaded image.
type Image struct {
	ImageInfo
	LoadAddress abi.EFIPhysicalAddress
	EntryPoint  abi.EFIPhysicalAddress
}

// Region returns the memory the image occupies.
func (i *Image) Region() memory.GuestPhysicalRegion {
	return memory.GuestPhysicalRegion{Start: i.LoadAddress, Length: i.ImageSize}
}

// GetImageInfo parses the image headers. Only x86-64 and IA-32 images are accepted.
func GetImageInfo(raw []byte) (*ImageInfo, *pe.File, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, errors.Wrapf(ErrUnsupported, "parse PE/COFF headers: %v", err)
	}
	info := &ImageInfo{Machine: f.Machine}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader64:
		info.Subsystem = oh.Subsystem
		info.ImageBase = oh.ImageBase
		info.ImageSize = uint64(oh.SizeOfImage)
		info.SizeOfHeaders = oh.SizeOfHeaders
		info.SectionAlignment = oh.SectionAlignment
		info.AddressOfEntryPoint = oh.AddressOfEntryPoint
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_BASERELOC {
			info.Relocations = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]
		}
	case *pe.OptionalHeader32:
		info.Subsystem = oh.Subsystem
		info.ImageBase = uint64(oh.ImageBase)
		info.ImageSize = uint64(oh.SizeOfImage)
		info.SizeOfHeaders = oh.SizeOfHeaders
		info.SectionAlignment = oh.SectionAlignment
		info.AddressOfEntryPoint = oh.AddressOfEntryPoint
		if oh.NumberOfRvaAndSizes > pe.IMAGE_DIRECTORY_ENTRY_BASERELOC {
			info.Relocations = oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_BASERELOC]
		}
	default:
		return nil, nil, errors.Wrap(ErrUnsupported, "image has no optional header")
	}
	if f.Machine != pe.IMAGE_FILE_MACHINE_AMD64 && f.Machine != pe.IMAGE_FILE_MACHINE_I386 {
		return nil, nil, errors.Wrapf(ErrUnsupported, "machine 0x%x", f.Machine)
	}
	if info.ImageSize == 0 || uint64(info.SizeOfHeaders) > info.ImageSize {
		return nil, nil, errors.Wrapf(ErrUnsupported, "image size 0x%x with headers of 0x%x", info.ImageSize, info.SizeOfHeaders)
	}
	if uint64(info.AddressOfEntryPoint) >= info.ImageSize {
		return nil, nil, errors.Wrapf(ErrUnsupported, "entry point 0x%x outside image of 0x%x bytes", info.AddressOfEntryPoint, info.ImageSize)
	}
	if info.SectionAlignment != 0 && info.SectionAlignment&(info.SectionAlignment-1) != 0 {
		return nil, nil, errors.Wrapf(ErrUnsupported, "section alignment 0x%x", info.SectionAlignment)
	}
	return info, f, nil
}

// checkSections rejects sections that do not fit in the image.
func checkSections(info *ImageInfo, f *pe.File) error {
	for _, s := range f.Sections {
		size := uint64(max(s.VirtualSize, s.Size))
		if uint64(s.VirtualAddress)+size > info.ImageSize {
			return errors.Wrapf(ErrUnsupported, "section %s [0x%x, 0x%x) outside image", s.Name,
				s.VirtualAddress, uint64(s.VirtualAddress)+size)
		}
	}
	return nil
}

// layout builds the in-memory image: headers then every section at its virtual address, with the
// space beyond each section's raw data zeroed. Sections must have passed checkSections.
func layout(raw []byte, info *ImageInfo, f *pe.File) ([]byte, error) {
	img := make([]byte, info.ImageSize)
	copy(img, raw[:min(uint64(len(raw)), uint64(info.SizeOfHeaders))])
	for _, s := range f.Sections {
		data, err := s.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "read section %s", s.Name)
		}
		if s.VirtualSize != 0 && uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}
		copy(img[s.VirtualAddress:], data)
	}
	return img, nil
}

// relocate applies base relocations for a load at the given address.
func relocate(img []byte, info *ImageInfo, loadAddress abi.EFIPhysicalAddress) error {
	delta := uint64(loadAddress) - info.ImageBase
	dir := info.Relocations
	if dir.Size == 0 {
		if delta != 0 {
			return errors.Wrap(ErrUnsupported, "image has no relocations and cannot load at its preferred base")
		}
		return nil
	}
	if uint64(dir.VirtualAddress)+uint64(dir.Size) > uint64(len(img)) {
		return errors.Wrapf(ErrUnsupported, "relocation directory [0x%x, +0x%x) outside image", dir.VirtualAddress, dir.Size)
	}
	le := binary.LittleEndian
	blocks := img[dir.VirtualAddress : dir.VirtualAddress+dir.Size]
	for len(blocks) >= 8 {
		page := le.Uint32(blocks[0:])
		blockSize := le.Uint32(blocks[4:])
		if blockSize < 8 || uint64(blockSize) > uint64(len(blocks)) {
			return errors.Wrapf(ErrUnsupported, "relocation block at page 0x%x has size 0x%x", page, blockSize)
		}
		for entries := blocks[8:blockSize]; len(entries) >= 2; entries = entries[2:] {
			entry := le.Uint16(entries)
			kind := entry >> 12
			at := uint64(page) + uint64(entry&0xfff)
			width := uint64(4)
			if kind == relDir64 {
				width = 8
			}
			if kind != relAbsolute && at+width > uint64(len(img)) {
				return errors.Wrapf(ErrUnsupported, "relocation at 0x%x outside image", at)
			}
			switch kind {
			case relAbsolute:
			case relHigh:
				v := uint32(le.Uint16(img[at:]))<<16 + uint32(delta)
				le.PutUint16(img[at:], uint16(v>>16))
			case relLow:
				le.PutUint16(img[at:], le.Uint16(img[at:])+uint16(delta))
			case relHighLow:
				le.PutUint32(img[at:], le.Uint32(img[at:])+uint32(delta))
			case relDir64:
				le.PutUint64(img[at:], le.Uint64(img[at:])+delta)
			default:
				return errors.Wrapf(ErrUnsupported, "relocation type %d at 0x%x", kind, at)
			}
		}
		blocks = blocks[blockSize:]
	}
	return nil
}

// Load places the image in pages from the allocator, relocates it and invalidates the
// instruction cache over it.
func Load(raw []byte, mem memory.Memory, alloc Allocator, cache CacheInvalidator) (*Image, error) {
	info, f, err := GetImageInfo(raw)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := checkSections(info, f); err != nil {
		return nil, err
	}
	// The guest pages come first so an oversized image fails here without a host buffer.
	pages := memory.SizeToPages(info.ImageSize)
	base, err := alloc.AllocateCodePages(pages, max(uint64(info.SectionAlignment), memory.PageSize))
	if err != nil {
		return nil, errors.Wrapf(err, "allocate 0x%x pages for image", pages)
	}
	img, err := layout(raw, info, f)
	if err != nil {
		return nil, err
	}
	if err := relocate(img, info, base); err != nil {
		return nil, err
	}
	if err := memory.Write(mem, base, img); err != nil {
		return nil, errors.Wrapf(err, "write image at 0x%x", uint64(base))
	}
	cache.InvalidateInstructionCache(base, info.ImageSize)
	image := &Image{
		ImageInfo:   *info,
		LoadAddress: base,
		EntryPoint:  base + abi.EFIPhysicalAddress(info.AddressOfEntryPoint),
	}
	logger.V(1).Infof("Loaded image at 0x%x, size 0x%x, entry 0x%x", uint64(base), info.ImageSize, uint64(image.EntryPoint))
	return image, nil
}

// String describes the loaded image.
func (i *Image) String() string {
	return fmt.Sprintf("image %v entry 0x%x", i.Region(), uint64(i.EntryPoint))
}
