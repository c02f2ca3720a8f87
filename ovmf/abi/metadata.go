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
	// ShimMetadataGUID as per:
	// https://github.com/tianocore/edk2/blob/master/OvmfPkg/ResetVector/X64/IntelTdxMetadata.asm#L57
	ShimMetadataGUID = "e9eaf9f3-168e-44d5-a8eb-7f4d8738f6ae"
	// ShimMetadataSignature is 'T', 'D', 'V', 'F' read as a little endian uint32.
	ShimMetadataSignature = TDVFSignature
	// SizeofShimMetadata is the packed size of the metadata block including its GUID.
	SizeofShimMetadata = 100
	// ShimMetadataAlignment is the alignment the block is linked at. Scanners step by it.
	ShimMetadataAlignment = 4
)

// ShimMetadata is the fixed-layout block the shim links into its image so that build tooling can
// learn the memory layout the VMM must provide. All fields are little endian and packed.
type ShimMetadata struct {
	GUID        EFIGUID
	MailboxBase uint64
	MailboxSize uint64
	HobBase     uint64
	HobSize     uint64
	StackBase   uint64
	StackSize   uint64
	HeapBase    uint64
	HeapSize    uint64
	BfvBase     uint64
	BfvSize     uint32
	Reserved    uint32
	Signature   uint32
}

// NewShimMetadata returns a block with the GUID and signature set.
func NewShimMetadata() *ShimMetadata {
	return &ShimMetadata{
		GUID:      MustEFIGUID(ShimMetadataGUID),
		Signature: ShimMetadataSignature,
	}
}

// ShimMetadataFromBytes decodes the metadata block at the start of data.
func ShimMetadataFromBytes(data []byte) (*ShimMetadata, error) {
	if len(data) < SizeofShimMetadata {
		return nil, fmt.Errorf("data too small for shim metadata: %d < %d", len(data), SizeofShimMetadata)
	}
	guid, _ := EFIGUIDFromBytes(data[0:16])
	return &ShimMetadata{
		GUID:        guid,
		MailboxBase: binary.LittleEndian.Uint64(data[16:24]),
		MailboxSize: binary.LittleEndian.Uint64(data[24:32]),
		HobBase:     binary.LittleEndian.Uint64(data[32:40]),
		HobSize:     binary.LittleEndian.Uint64(data[40:48]),
		StackBase:   binary.LittleEndian.Uint64(data[48:56]),
		StackSize:   binary.LittleEndian.Uint64(data[56:64]),
		HeapBase:    binary.LittleEndian.Uint64(data[64:72]),
		HeapSize:    binary.LittleEndian.Uint64(data[72:80]),
		BfvBase:     binary.LittleEndian.Uint64(data[80:88]),
		BfvSize:     binary.LittleEndian.Uint32(data[88:92]),
		Reserved:    binary.LittleEndian.Uint32(data[92:96]),
		Signature:   binary.LittleEndian.Uint32(data[96:100]),
	}, nil
}

// Put writes the metadata block to the beginning of data.
func (m *ShimMetadata) Put(data []byte) error {
	if len(data) < SizeofShimMetadata {
		return fmt.Errorf("data too small for shim metadata: %d < %d", len(data), SizeofShimMetadata)
	}
	_ = m.GUID.Put(data[0:16])
	binary.LittleEndian.PutUint64(data[16:24], m.MailboxBase)
	binary.LittleEndian.PutUint64(data[24:32], m.MailboxSize)
	binary.LittleEndian.PutUint64(data[32:40], m.HobBase)
	binary.LittleEndian.PutUint64(data[40:48], m.HobSize)
	binary.LittleEndian.PutUint64(data[48:56], m.StackBase)
	binary.LittleEndian.PutUint64(data[56:64], m.StackSize)
	binary.LittleEndian.PutUint64(data[64:72], m.HeapBase)
	binary.LittleEndian.PutUint64(data[72:80], m.HeapSize)
	binary.LittleEndian.PutUint64(data[80:88], m.BfvBase)
	binary.LittleEndian.PutUint32(data[88:92], m.BfvSize)
	binary.LittleEndian.PutUint32(data[92:96], m.Reserved)
	binary.LittleEndian.PutUint32(data[96:100], m.Signature)
	return nil
}
