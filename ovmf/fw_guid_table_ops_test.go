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
	"testing"

	"github.com/google/tdshim/ovmf/abi"
	"github.com/google/tdshim/testing/fakeovmf"
	"github.com/google/tdshim/testing/match"
	"github.com/google/uuid"
)

const (
	elem1GUID = "12345678-1234-1234-1234-123456789123"
	elem2GUID = "23456789-2341-2341-2341-234567891234"

	sizeofElem1 = 64 + abi.SizeofFwGUIDEntry
	sizeofElem2 = 128 + abi.SizeofFwGUIDEntry
	sizeofImage = 0x1000
	// Offsets from the end of the image.
	footerAt = abi.FwGUIDTableEndOffset + abi.SizeofFwGUIDEntry
	elem1At  = footerAt + sizeofElem1
	elem2At  = elem1At + sizeofElem2
)

func elemBytes(fill byte, size int, guid string) []byte {
	result := bytes.Repeat([]byte{fill}, size)
	_ = (&abi.FwGUIDEntry{Size: uint16(size), GUID: uuid.MustParse(guid)}).Put(result[size-abi.SizeofFwGUIDEntry:])
	return result
}

// guidTableImage returns an image whose table holds elem1 at the bottom and elem2 above it.
func guidTableImage(t *testing.T) []byte {
	t.Helper()
	firmware := make([]byte, sizeofImage)
	put := func(data []byte) func(uint16) error {
		return func(offsetFromEnd uint16) error {
			copy(firmware[len(firmware)-int(offsetFromEnd):], data)
			return nil
		}
	}
	if err := fakeovmf.InitializeGUIDTable(firmware, abi.FwGUIDTableEndOffset,
		[]uint16{sizeofElem1, sizeofElem2},
		[]func(uint16) error{put(elemBytes('1', sizeofElem1, elem1GUID)), put(elemBytes('2', sizeofElem2, elem2GUID))}); err != nil {
		t.Fatalf("InitializeGUIDTable() = %v", err)
	}
	return firmware
}

func putSize(firmware []byte, offsetFromEnd int, size uint16) {
	binary.LittleEndian.PutUint16(firmware[len(firmware)-offsetFromEnd:], size)
}

func TestGetFwGUIDToBlockMapErrors(t *testing.T) {
	tcs := []struct {
		name    string
		corrupt func([]byte) []byte
		wantErr string
	}{
		{
			name: "footer GUID",
			corrupt: func(fw []byte) []byte {
				clear(fw[len(fw)-footerAt+2 : len(fw)-abi.FwGUIDTableEndOffset])
				return fw
			},
			wantErr: "invalid firmware image without the GUIDed table",
		},
		{
			name: "footer size below an entry",
			corrupt: func(fw []byte) []byte {
				putSize(fw, footerAt, 0)
				return fw
			},
			wantErr: "invalid GUIDed table size",
		},
		{
			name: "footer size beyond the image",
			corrupt: func(fw []byte) []byte {
				putSize(fw, footerAt, sizeofImage)
				return fw
			},
			wantErr: "invalid GUIDed table size",
		},
		{
			name:    "image too small",
			corrupt: func(fw []byte) []byte { return fw[:abi.SizeofFwGUIDEntry] },
			wantErr: "firmware is too small",
		},
		{
			name: "entry below minimum size",
			corrupt: func(fw []byte) []byte {
				putSize(fw, footerAt+abi.SizeofFwGUIDEntry, abi.SizeofFwGUIDEntry-1)
				return fw
			},
			wantErr: "GUIDed table entries are corrupted",
		},
		{
			name: "entry larger than the table",
			corrupt: func(fw []byte) []byte {
				putSize(fw, footerAt+abi.SizeofFwGUIDEntry, sizeofElem1+sizeofElem2+1)
				return fw
			},
			wantErr: "GUIDed table entries are corrupted",
		},
		{
			name: "entry leaves a fragment",
			corrupt: func(fw []byte) []byte {
				putSize(fw, footerAt+abi.SizeofFwGUIDEntry, sizeofElem1+sizeofElem2-4)
				return fw
			},
			wantErr: "GUIDed table size unexpected",
		},
		{
			name: "duplicate GUIDs",
			corrupt: func(fw []byte) []byte {
				_ = abi.PutUUID(fw[len(fw)-footerAt-abi.SizeofEFIGUID:], uuid.MustParse(elem2GUID))
				return fw
			},
			wantErr: "duplicate GUIDs in the table",
		},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			firmware := tc.corrupt(guidTableImage(t))
			if _, err := GetFwGUIDToBlockMap(firmware); !match.Error(err, tc.wantErr) {
				t.Errorf("GetFwGUIDToBlockMap() = _, %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestGetFwGUIDToBlockMap(t *testing.T) {
	firmware := guidTableImage(t)
	blocks, err := GetFwGUIDToBlockMap(firmware)
	if err != nil {
		t.Fatalf("GetFwGUIDToBlockMap() = %v", err)
	}
	if len(blocks) != 2 {
		t.Errorf("GetFwGUIDToBlockMap() has %d blocks, want 2", len(blocks))
	}
	for _, tc := range []struct {
		guid string
		want []byte
	}{
		{guid: elem1GUID, want: elemBytes('1', sizeofElem1, elem1GUID)},
		{guid: elem2GUID, want: elemBytes('2', sizeofElem2, elem2GUID)},
	} {
		if got, ok := blocks[tc.guid]; !ok || !bytes.Equal(got, tc.want) {
			t.Errorf("GetFwGUIDToBlockMap()[%s] = %v, %v, want %v", tc.guid, got, ok, tc.want)
		}
	}
}
