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
	"errors"
	"fmt"

	"github.com/google/tdshim/ovmf/abi"
)

var (
	// ErrNoMetadata is returned when an image does not carry the shim metadata block.
	ErrNoMetadata = errors.New("shim metadata block not found")
	// ErrNoTDVFMetadata is returned when an image does not carry a TDVF descriptor.
	ErrNoTDVFMetadata = errors.New("TDVF descriptor not found")
)

// FindMetadata scans image from offset from for the metadata block GUID on the block's alignment
// and returns the decoded block with its offset. The signature must follow the GUID.
func FindMetadata(image []byte, from int) (*abi.ShimMetadata, int, error) {
	var guid [abi.SizeofEFIGUID]byte
	_ = abi.MustEFIGUID(abi.ShimMetadataGUID).Put(guid[:])
	from = int(abi.AlignUp(uint64(max(from, 0)), abi.ShimMetadataAlignment))
	for at := from; at+abi.SizeofEFIGUID <= len(image); at += abi.ShimMetadataAlignment {
		if !bytes.Equal(image[at:at+abi.SizeofEFIGUID], guid[:]) {
			continue
		}
		m, err := abi.ShimMetadataFromBytes(image[at:])
		if err != nil {
			return nil, at, fmt.Errorf("%w: block at 0x%x is truncated: %v", ErrNoMetadata, at, err)
		}
		if m.Signature != abi.ShimMetadataSignature {
			return nil, at, fmt.Errorf("%w: block at 0x%x has signature 0x%08x, want 0x%08x",
				ErrNoMetadata, at, m.Signature, uint32(abi.ShimMetadataSignature))
		}
		return m, at, nil
	}
	return nil, 0, fmt.Errorf("%w: no GUID %s after offset 0x%x", ErrNoMetadata, abi.ShimMetadataGUID, from)
}

// InitializeMetadata applies the run time adjustments to the block and returns it. The reserved
// word is set once so the block is never treated as unused.
func InitializeMetadata(m *abi.ShimMetadata) *abi.ShimMetadata {
	if m.Reserved == 0 {
		m.Reserved = 1
	}
	return m
}
