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

// Package fakeovmf builds synthetic shim firmware device images for tests.
package fakeovmf

import (
	"bytes"
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/testing/fakefv"
	"github.com/google/uuid"
)

const (
	// BfvBase is where the default metadata block places the boot firmware volume.
	BfvBase = 0xfffe0000
	// BfvSize is the length of the boot firmware volume Image builds.
	BfvSize = 0x20000
	// CfvSize is the length of the configuration volume Image builds when asked to.
	CfvSize = 0x2000
	// PaddingSize is the length of the padding file in the boot firmware volume.
	PaddingSize = 0x2000
)

var (
	// ShimName names the file holding the metadata block.
	ShimName = uuid.MustParse("17088572-377f-44ef-8f4e-b09fff46a070")
	// PaddingName names the padding file.
	PaddingName = uuid.MustParse("f9d4b7c7-9a0d-4ed5-9e2f-5f2a9b0e3c11")
)

// DefaultMetadata returns a page-aligned layout of mailbox, TD HOB, stack and heap below 9MiB and
// the boot firmware volume just under 4GiB.
func DefaultMetadata() *abi.ShimMetadata {
	m := abi.NewShimMetadata()
	m.MailboxBase, m.MailboxSize = 0x800000, 0x1000
	m.HobBase, m.HobSize = 0x801000, 0x10000
	m.StackBase, m.StackSize = 0x811000, 0x20000
	m.HeapBase, m.HeapSize = 0x831000, 0x20000
	m.BfvBase, m.BfvSize = BfvBase, BfvSize
	return m
}

// ImageOptions adjust the image Image builds.
type ImageOptions struct {
	// Metadata defaults to DefaultMetadata.
	Metadata *abi.ShimMetadata
	// Files are added to the boot firmware volume after the shim and padding files.
	Files []fakefv.File
	// LeadingErased is the number of erased bytes before the boot firmware volume.
	LeadingErased int
	// CFV appends a configuration volume after the boot firmware volume.
	CFV bool
	// NoPadding leaves out the padding file.
	NoPadding bool
}

// BFV returns the boot firmware volume of an image built with opts.
func BFV(opts ImageOptions) []byte {
	m := opts.Metadata
	if m == nil {
		m = DefaultMetadata()
	}
	block := make([]byte, abi.SizeofShimMetadata)
	if err := m.Put(block); err != nil {
		panic(err)
	}
	files := []fakefv.File{{Name: ShimName, Type: abi.EFIFvFileTypeSecurityCore, Raw: block}}
	if !opts.NoPadding {
		files = append(files, fakefv.File{
			Name: PaddingName,
			Type: abi.EFIFvFileTypeFFSPad,
			Raw:  bytes.Repeat([]byte{0xff}, PaddingSize-abi.SizeofFFSFileHeader),
		})
	}
	files = append(files, opts.Files...)
	return (&fakefv.Volume{ErasePolarity: 1, Files: files, Length: BfvSize}).Bytes()
}

// Image returns a firmware device image: erased space, the boot firmware volume holding the
// metadata block, and optionally a configuration volume.
func Image(opts ImageOptions) []byte {
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{0xff}, opts.LeadingErased))
	buf.Write(BFV(opts))
	if opts.CFV {
		buf.Write((&fakefv.Volume{
			ErasePolarity: 1,
			Length:        CfvSize,
			FileSystem:    uuid.MustParse(abi.SystemNvDataFvGUID),
		}).Bytes())
	}
	return buf.Bytes()
}

// InitializeGUIDTable writes a GUIDed table ending baseOffsetFromEnd bytes before the end of
// firmware. Blocks are laid out upwards from the footer, each written by its populate function at
// its offset from the end.
func InitializeGUIDTable(
	firmware []byte,
	baseOffsetFromEnd int,
	blockSizes []uint16,
	populateFns []func(offsetFromEnd uint16) error) error {
	footerOffsetFromEnd := baseOffsetFromEnd + abi.SizeofFwGUIDEntry
	if len(firmware) < footerOffsetFromEnd {
		return fmt.Errorf("firmware size is too small to copy the footer block")
	}
	if len(blockSizes) != len(populateFns) {
		return fmt.Errorf("blockSizes and populateFns must have the same length")
	}
	var tableSize uint16
	for i, populateFn := range populateFns {
		tableSize += blockSizes[i]
		if err := populateFn(uint16(footerOffsetFromEnd) + tableSize); err != nil {
			return err
		}
	}
	return (&abi.FwGUIDEntry{
		GUID: uuid.MustParse(abi.FwGUIDTableFooterGUID),
		Size: tableSize + abi.SizeofFwGUIDEntry,
	}).Put(firmware[len(firmware)-footerOffsetFromEnd:])
}

// PlaceTDVFMetadata writes the metadata GUID and descriptor at offset and a GUIDed table entry
// pointing at them.
func PlaceTDVFMetadata(firmware []byte, offset int, metadata *abi.TDVFMetadata) error {
	if err := abi.PutUUID(firmware[offset:], uuid.MustParse(abi.ShimMetadataGUID)); err != nil {
		return err
	}
	if err := metadata.Put(firmware[offset+abi.SizeofEFIGUID:]); err != nil {
		return err
	}
	return InitializeGUIDTable(firmware, abi.FwGUIDTableEndOffset, []uint16{abi.SizeofMetadataOffset},
		[]func(uint16) error{func(offsetFromEnd uint16) error {
			entry := abi.MetadataOffset{Offset: uint32(len(firmware) - offset)}
			entry.GUIDEntry.GUID = uuid.MustParse(abi.TDVFMetadataOffsetGUID)
			entry.GUIDEntry.Size = abi.SizeofMetadataOffset
			return entry.Put(firmware[len(firmware)-int(offsetFromEnd):])
		}})
}
